package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AzielCF/az-dispatch/ingestion/domain"
	msgApp "github.com/AzielCF/az-dispatch/messaging/application"
	"github.com/AzielCF/az-dispatch/messaging/domain/conversation"
	"github.com/AzielCF/az-dispatch/messaging/domain/message"
	pkgError "github.com/AzielCF/az-dispatch/pkg/error"
	"github.com/AzielCF/az-dispatch/pkg/metrics"
	"github.com/AzielCF/az-dispatch/workspace/domain/channel"
	"github.com/AzielCF/az-dispatch/workspace/domain/session"
	"github.com/sirupsen/logrus"
)

type SessionResolver interface {
	Resolve(ctx context.Context, id string) (session.Session, channel.Adapter, error)
}

type StatusApplier interface {
	ApplyStatus(ctx context.Context, u msgApp.StatusUpdate) (bool, error)
}

type IncomingRecorder interface {
	RecordIncoming(ctx context.Context, sessionID string, evt channel.InboundEvent) (message.Message, conversation.Conversation, error)
}

// AutoReplier never fails the webhook; it retries on its own.
type AutoReplier interface {
	Run(ctx context.Context, sess session.Session, adapter channel.Adapter, evt channel.InboundEvent, conv conversation.Conversation)
}

// Result is what the webhook acknowledges.
type Result struct {
	Processed  int `json:"processed"`
	Duplicates int `json:"duplicates"`
	Dropped    int `json:"dropped"`
}

// Pipeline turns verified provider callbacks into ledger and delivery state
// changes, each provider event at most once.
type Pipeline struct {
	sessions  SessionResolver
	store     domain.Store
	tracker   StatusApplier
	ledger    IncomingRecorder
	autoReply AutoReplier
	metrics   *metrics.Metrics
	claimTTL  time.Duration
}

func NewPipeline(
	sessions SessionResolver,
	store domain.Store,
	tracker StatusApplier,
	ledger IncomingRecorder,
	autoReply AutoReplier,
	m *metrics.Metrics,
	claimTTL time.Duration,
) *Pipeline {
	if claimTTL <= 0 {
		claimTTL = 2 * time.Minute
	}
	return &Pipeline{
		sessions:  sessions,
		store:     store,
		tracker:   tracker,
		ledger:    ledger,
		autoReply: autoReply,
		metrics:   m,
		claimTTL:  claimTTL,
	}
}

// Ingest handles one webhook call. It fails only on an unknown session, a
// bad signature, or a storage error the provider should retry.
func (p *Pipeline) Ingest(ctx context.Context, sessionID string, req channel.InboundRequest) (Result, error) {
	var res Result
	sess, adapter, err := p.sessions.Resolve(ctx, sessionID)
	if err != nil {
		return res, err
	}
	provider := string(sess.Type)

	if !adapter.VerifySignature(sess, req) {
		logrus.WithFields(logrus.Fields{
			"session_id": sess.ID,
			"provider":   provider,
			"remote_ip":  req.RemoteIP,
		}).Warn("[SECURITY] Webhook signature verification failed")
		p.metrics.ObserveWebhook(provider, "rejected")
		return res, pkgError.ErrSignatureVerificationFailed
	}

	events, err := adapter.NormalizeInbound(req.Body)
	if err != nil {
		logrus.WithError(err).WithField("session_id", sess.ID).Warn("[WEBHOOK] Dropping unreadable payload")
		p.metrics.ObserveWebhook(provider, "dropped")
		res.Dropped++
		return res, nil
	}

	for _, evt := range events {
		if evt.ProviderEventID == "" {
			res.Dropped++
			p.metrics.ObserveWebhook(provider, "dropped")
			continue
		}
		err := p.handle(ctx, sess, adapter, evt)
		switch {
		case err == nil:
			res.Processed++
			p.metrics.ObserveWebhook(provider, "processed")
		case errors.Is(err, pkgError.ErrDuplicateEvent):
			res.Duplicates++
			p.metrics.ObserveWebhook(provider, "duplicate")
		default:
			p.metrics.ObserveWebhook(provider, "error")
			return res, err
		}
	}
	return res, nil
}

func (p *Pipeline) handle(ctx context.Context, sess session.Session, adapter channel.Adapter, evt channel.InboundEvent) error {
	seen, err := p.store.Seen(ctx, sess.ID, evt.ProviderEventID)
	if err != nil {
		return fmt.Errorf("idempotency lookup: %w", err)
	}
	if seen {
		return pkgError.ErrDuplicateEvent
	}
	claimed, err := p.store.Claim(ctx, sess.ID, evt.ProviderEventID, p.claimTTL)
	if err != nil {
		return fmt.Errorf("idempotency claim: %w", err)
	}
	if !claimed {
		// Another delivery of the same event is being handled right now.
		return pkgError.ErrDuplicateEvent
	}

	var (
		conv    conversation.Conversation
		isReply bool
	)
	switch evt.Kind {
	case channel.KindStatusUpdate:
		err = p.applyStatus(ctx, sess, evt)
	case channel.KindNewMessage:
		_, conv, err = p.ledger.RecordIncoming(ctx, sess.ID, evt)
		isReply = err == nil && p.autoReply != nil
	default:
		logrus.WithField("kind", evt.Kind).Debug("[WEBHOOK] Ignoring event kind")
	}
	if err != nil {
		if rerr := p.store.Release(context.WithoutCancel(ctx), sess.ID, evt.ProviderEventID); rerr != nil {
			logrus.WithError(rerr).Warn("[WEBHOOK] Could not release claim")
		}
		return err
	}

	if _, err := p.store.Record(context.WithoutCancel(ctx), sess.ID, evt.ProviderEventID); err != nil {
		return fmt.Errorf("idempotency record: %w", err)
	}
	if isReply {
		p.autoReply.Run(ctx, sess, adapter, evt, conv)
	}
	return nil
}

func (p *Pipeline) applyStatus(ctx context.Context, sess session.Session, evt channel.InboundEvent) error {
	status := message.Status(evt.StatusValue)
	if !status.Valid() || status == message.StatusPending {
		logrus.WithField("status", evt.StatusValue).Debug("[WEBHOOK] Unknown status value")
		return nil
	}
	_, err := p.tracker.ApplyStatus(ctx, msgApp.StatusUpdate{
		SessionID:         sess.ID,
		ProviderMessageID: evt.ProviderMessageID,
		Status:            status,
		At:                evt.Timestamp,
		Reason:            evt.ErrorReason,
	})
	if errors.Is(err, pkgError.ErrUnmatchedProviderID) {
		logrus.WithFields(logrus.Fields{
			"session_id":          sess.ID,
			"provider_message_id": evt.ProviderMessageID,
		}).Debug("[WEBHOOK] Status for a message we did not send")
		return nil
	}
	return err
}

// Handshake answers a provider's subscription challenge.
func (p *Pipeline) Handshake(ctx context.Context, sessionID string, query map[string]string) (string, error) {
	sess, adapter, err := p.sessions.Resolve(ctx, sessionID)
	if err != nil {
		return "", err
	}
	hs, ok := adapter.(channel.Handshaker)
	if !ok {
		return "", pkgError.ValidationError("channel does not use a subscription handshake")
	}
	challenge, ok := hs.Handshake(sess, query)
	if !ok {
		logrus.WithField("session_id", sess.ID).Warn("[SECURITY] Webhook handshake rejected")
		return "", pkgError.ErrSignatureVerificationFailed
	}
	return challenge, nil
}
