package application

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/AzielCF/az-dispatch/messaging/domain/message"
	pkgError "github.com/AzielCF/az-dispatch/pkg/error"
	"github.com/AzielCF/az-dispatch/pkg/eventbus"
	"github.com/AzielCF/az-dispatch/pkg/metrics"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const trackerStripes = 64

// StatusUpdate is a provider receipt for an outgoing message.
type StatusUpdate struct {
	SessionID         string
	ProviderMessageID string
	Status            message.Status
	At                time.Time
	Reason            string
}

// Tracker owns the delivery state of outgoing messages. Transitions for one
// message are serialized in-process by a striped lock and across processes
// by the repository's conditional update.
type Tracker struct {
	repo      message.Repository
	publisher eventbus.Publisher
	metrics   *metrics.Metrics
	stripes   [trackerStripes]sync.Mutex
}

func NewTracker(repo message.Repository, publisher eventbus.Publisher, m *metrics.Metrics) *Tracker {
	return &Tracker{repo: repo, publisher: publisher, metrics: m}
}

func (t *Tracker) lock(messageID string) func() {
	h := fnv.New32a()
	h.Write([]byte(messageID))
	mu := &t.stripes[h.Sum32()%trackerStripes]
	mu.Lock()
	return mu.Unlock
}

// CreatePending persists an outgoing message before it is handed to the
// provider.
func (t *Tracker) CreatePending(ctx context.Context, m message.Message) (message.Message, error) {
	if m.SessionID == "" || m.CustomerID == "" {
		return message.Message{}, pkgError.ValidationError("message needs a session and a recipient")
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	m.Direction = message.DirectionOutgoing
	m.Status = message.StatusPending
	m.ProviderMessageID = ""
	m.CreatedAt = now
	m.UpdatedAt = now

	if err := t.repo.Create(ctx, m); err != nil {
		return message.Message{}, fmt.Errorf("failed to create pending message: %w", err)
	}
	return m, nil
}

// MarkSent records the provider's acknowledgement.
func (t *Tracker) MarkSent(ctx context.Context, messageID, providerMessageID string) error {
	if providerMessageID == "" {
		return pkgError.ValidationError("provider message id is required to mark a message sent")
	}
	unlock := t.lock(messageID)
	defer unlock()

	applied, err := t.repo.Apply(ctx, messageID, message.StatusSent, message.Predecessors(message.StatusSent), message.Transition{
		ProviderMessageID: providerMessageID,
		At:                time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to mark message %s sent: %w", messageID, err)
	}
	t.metrics.ObserveStatus(string(message.StatusSent), applied)
	if !applied {
		return fmt.Errorf("%w: message %s cannot move to sent", pkgError.ErrInvalidTransition, messageID)
	}

	m, err := t.repo.Get(ctx, messageID)
	if err != nil {
		return err
	}
	t.publish(eventbus.MessageSent, m, eventbus.MessageData{
		MessageID:         m.ID,
		ConversationID:    m.ConversationID,
		ProviderMessageID: providerMessageID,
		CustomerID:        m.CustomerID,
		Content:           m.Content,
		ContentType:       string(m.ContentType),
		IsAutoReply:       m.IsAutoReply,
		AutoReplySource:   m.AutoReplySource,
	})
	t.publishStatus(m, "")
	return nil
}

// MarkFailed records a send-path failure. A message that already reached
// delivered or read is left alone.
func (t *Tracker) MarkFailed(ctx context.Context, messageID, reason string) error {
	unlock := t.lock(messageID)
	defer unlock()

	applied, err := t.repo.Apply(ctx, messageID, message.StatusFailed, message.Predecessors(message.StatusFailed), message.Transition{
		Error: reason,
		At:    time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to mark message %s failed: %w", messageID, err)
	}
	t.metrics.ObserveStatus(string(message.StatusFailed), applied)
	if !applied {
		logrus.WithField("message_id", messageID).Debug("[TRACKER] Failure ignored, message already past sent")
		return nil
	}

	m, err := t.repo.Get(ctx, messageID)
	if err != nil {
		return err
	}
	t.publishStatus(m, reason)
	return nil
}

// ApplyStatus handles a provider receipt. Receipts for unknown provider ids
// return ErrUnmatchedProviderID and leave no trace. Receipts that would not
// move the message forward are ignored and reported as not applied.
func (t *Tracker) ApplyStatus(ctx context.Context, u StatusUpdate) (bool, error) {
	if !u.Status.Valid() || u.Status == message.StatusPending {
		return false, pkgError.ValidationError(fmt.Sprintf("unsupported status %q", u.Status))
	}

	m, err := t.repo.GetByProviderID(ctx, u.SessionID, u.ProviderMessageID)
	if err == nil && m.Direction != message.DirectionOutgoing {
		// Receipts only describe what we sent; a customer's message is
		// already final in the ledger.
		err = message.ErrMessageNotFound
	}
	if err != nil {
		if errors.Is(err, message.ErrMessageNotFound) {
			logrus.WithFields(logrus.Fields{
				"session_id":          u.SessionID,
				"provider_message_id": u.ProviderMessageID,
				"status":              u.Status,
			}).Warn("[TRACKER] Status for unknown provider message dropped")
			return false, pkgError.ErrUnmatchedProviderID
		}
		return false, err
	}

	unlock := t.lock(m.ID)
	defer unlock()

	// Re-read under the lock; the lookup above may be stale.
	m, err = t.repo.Get(ctx, m.ID)
	if err != nil {
		return false, err
	}
	if !message.CanTransition(m.Status, u.Status) {
		t.metrics.ObserveStatus(string(u.Status), false)
		logrus.WithFields(logrus.Fields{
			"message_id": m.ID,
			"current":    m.Status,
			"incoming":   u.Status,
		}).Debug("[TRACKER] Stale or duplicate status ignored")
		return false, nil
	}

	at := u.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	applied, err := t.repo.Apply(ctx, m.ID, u.Status, message.Predecessors(u.Status), message.Transition{
		Error: u.Reason,
		At:    at,
	})
	if err != nil {
		return false, fmt.Errorf("failed to apply status %s to message %s: %w", u.Status, m.ID, err)
	}
	t.metrics.ObserveStatus(string(u.Status), applied)
	if !applied {
		return false, nil
	}

	m.Status = u.Status
	t.publishStatus(m, u.Reason)
	return true, nil
}

func (t *Tracker) publishStatus(m message.Message, reason string) {
	t.publish(eventbus.MessageStatus, m, eventbus.MessageStatusData{
		MessageID:         m.ID,
		ProviderMessageID: m.ProviderMessageID,
		Status:            string(m.Status),
		Reason:            reason,
	})
}

func (t *Tracker) publish(et eventbus.Type, m message.Message, data any) {
	if t.publisher == nil {
		return
	}
	evt := eventbus.NewSessionEvent(et, m.SessionID, data)
	evt.CampaignID = m.CampaignID
	t.publisher.Publish(evt)
}
