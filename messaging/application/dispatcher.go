package application

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/AzielCF/az-dispatch/messaging/domain/message"
	pkgError "github.com/AzielCF/az-dispatch/pkg/error"
	"github.com/AzielCF/az-dispatch/pkg/metrics"
	"github.com/AzielCF/az-dispatch/pkg/ratelimit"
	"github.com/AzielCF/az-dispatch/workspace/domain/channel"
	"github.com/AzielCF/az-dispatch/workspace/domain/session"
	"github.com/sirupsen/logrus"
)

// Gates hands out the per-session token bucket.
type Gates interface {
	For(sessionID, class string) *ratelimit.Gate
}

// RetryPolicy governs transient provider failures. Attempts count the first
// try.
type RetryPolicy struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// Backoff returns the wait before attempt+1: base*2^(attempt-1) capped at
// max, with up to half of it randomized.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	base := p.BackoffBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.BackoffMax > 0 && d >= p.BackoffMax {
			d = p.BackoffMax
			break
		}
	}
	if p.BackoffMax > 0 && d > p.BackoffMax {
		d = p.BackoffMax
	}
	half := d / 2
	if half <= 0 {
		return d
	}
	return half + rand.N(half+1)
}

// Outbound describes one message to one recipient.
type Outbound struct {
	Session         session.Session
	Adapter         channel.Adapter
	Recipient       string
	Payload         channel.Payload
	CampaignID      string
	IsAutoReply     bool
	AutoReplySource string
}

// Dispatcher is the single outbound path: gate, pending record, provider
// send with retries, then sent or failed.
type Dispatcher struct {
	tracker *Tracker
	ledger  *Ledger
	gates   Gates
	metrics *metrics.Metrics

	// OnCredentialRevoked runs when a provider rejects the session's
	// credentials. Optional.
	OnCredentialRevoked func(ctx context.Context, sessionID, reason string)
}

func NewDispatcher(tracker *Tracker, ledger *Ledger, gates Gates, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{tracker: tracker, ledger: ledger, gates: gates, metrics: m}
}

// Deliver sends out and returns the tracked message. A nil error means the
// provider accepted it. When ctx is cancelled before anything was handed to
// the provider the returned message is empty and the error is ctx.Err().
func (d *Dispatcher) Deliver(ctx context.Context, out Outbound, policy RetryPolicy) (message.Message, error) {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	gate := d.gates.For(out.Session.ID, out.Session.RateLimitClass)
	log := logrus.WithFields(logrus.Fields{
		"session_id":  out.Session.ID,
		"recipient":   out.Recipient,
		"campaign_id": out.CampaignID,
	})

	var (
		msg     message.Message
		created bool
		lastErr error
	)
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			wait := policy.Backoff(attempt - 1)
			log.WithFields(logrus.Fields{"attempt": attempt, "wait": wait}).Debug("[DISPATCH] Retrying after transient error")
			if err := sleepCtx(ctx, wait); err != nil {
				return d.abandon(ctx, msg, created, err)
			}
		}

		if err := gate.Acquire(ctx); err != nil {
			if ctx.Err() != nil {
				return d.abandon(ctx, msg, created, ctx.Err())
			}
			lastErr = err
			continue
		}

		if !created {
			pending, err := d.tracker.CreatePending(ctx, message.Message{
				SessionID:       out.Session.ID,
				CampaignID:      out.CampaignID,
				CustomerID:      out.Recipient,
				ContentType:     out.Payload.ContentType,
				Content:         out.Payload.Text,
				Media:           out.Payload.Media,
				IsAutoReply:     out.IsAutoReply,
				AutoReplySource: out.AutoReplySource,
			})
			if err != nil {
				if ctx.Err() != nil {
					return message.Message{}, ctx.Err()
				}
				return message.Message{}, err
			}
			msg, created = pending, true
			if conv, err := d.ledger.RecordOutgoing(context.WithoutCancel(ctx), msg); err != nil {
				log.WithError(err).Warn("[DISPATCH] Could not thread outgoing message")
			} else {
				msg.ConversationID = conv.ID
			}
		}

		start := time.Now()
		providerID, err := out.Adapter.Send(ctx, out.Session, out.Recipient, out.Payload)
		d.metrics.ObserveSend(string(out.Session.Type), outcomeOf(err), time.Since(start))
		if err == nil {
			// The provider has the message; a bookkeeping error must not
			// turn into a resend.
			if merr := d.tracker.MarkSent(context.WithoutCancel(ctx), msg.ID, providerID); merr != nil {
				log.WithError(merr).Error("[DISPATCH] Sent but could not record it")
			}
			msg.Status = message.StatusSent
			msg.ProviderMessageID = providerID
			return msg, nil
		}

		lastErr = err
		if pkgError.IsCredentialRevoked(err) && d.OnCredentialRevoked != nil {
			d.OnCredentialRevoked(context.WithoutCancel(ctx), out.Session.ID, err.Error())
		}
		if !pkgError.IsTransient(err) {
			break
		}
		if ctx.Err() != nil {
			return d.abandon(ctx, msg, created, ctx.Err())
		}
	}

	return d.fail(ctx, out, msg, created, lastErr)
}

// fail records a message that will not be sent. A recipient that never got a
// pending record (every attempt failed at the gate) gets one here so the
// failure is visible in the ledger.
func (d *Dispatcher) fail(ctx context.Context, out Outbound, msg message.Message, created bool, cause error) (message.Message, error) {
	if cause == nil {
		cause = errors.New("delivery failed")
	}
	bg := context.WithoutCancel(ctx)
	if !created {
		pending, err := d.tracker.CreatePending(bg, message.Message{
			SessionID:       out.Session.ID,
			CampaignID:      out.CampaignID,
			CustomerID:      out.Recipient,
			ContentType:     out.Payload.ContentType,
			Content:         out.Payload.Text,
			Media:           out.Payload.Media,
			IsAutoReply:     out.IsAutoReply,
			AutoReplySource: out.AutoReplySource,
		})
		if err != nil {
			return message.Message{}, cause
		}
		msg = pending
	}
	if err := d.tracker.MarkFailed(bg, msg.ID, cause.Error()); err != nil {
		logrus.WithError(err).WithField("message_id", msg.ID).Error("[DISPATCH] Could not record failure")
	}
	msg.Status = message.StatusFailed
	msg.Error = cause.Error()
	return msg, cause
}

// abandon handles cancellation. A pending message is closed as failed; a
// recipient with nothing recorded stays untouched.
func (d *Dispatcher) abandon(ctx context.Context, msg message.Message, created bool, cause error) (message.Message, error) {
	if !created {
		return message.Message{}, cause
	}
	if err := d.tracker.MarkFailed(context.WithoutCancel(ctx), msg.ID, "cancelled"); err != nil {
		logrus.WithError(err).WithField("message_id", msg.ID).Error("[DISPATCH] Could not record cancellation")
	}
	msg.Status = message.StatusFailed
	msg.Error = "cancelled"
	return msg, cause
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "sent"
	case pkgError.IsTransient(err):
		return "transient"
	default:
		return "permanent"
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
