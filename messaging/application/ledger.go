package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AzielCF/az-dispatch/messaging/domain/conversation"
	"github.com/AzielCF/az-dispatch/messaging/domain/message"
	"github.com/AzielCF/az-dispatch/pkg/eventbus"
	"github.com/AzielCF/az-dispatch/workspace/domain/channel"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Ledger threads every message into the conversation it belongs to.
type Ledger struct {
	conversations conversation.Repository
	messages      message.Repository
	publisher     eventbus.Publisher
}

func NewLedger(conversations conversation.Repository, messages message.Repository, publisher eventbus.Publisher) *Ledger {
	return &Ledger{conversations: conversations, messages: messages, publisher: publisher}
}

// RecordIncoming stores a customer's message and bumps the conversation's
// unread state. A message whose provider id is already stored is returned
// as is, without touching the conversation again.
func (l *Ledger) RecordIncoming(ctx context.Context, sessionID string, evt channel.InboundEvent) (message.Message, conversation.Conversation, error) {
	conv, err := l.conversations.GetOrCreate(ctx, sessionID, evt.FromID, evt.FromName)
	if err != nil {
		return message.Message{}, conversation.Conversation{}, fmt.Errorf("failed to resolve conversation: %w", err)
	}

	if evt.ProviderMessageID != "" {
		if existing, err := l.messages.GetByProviderID(ctx, sessionID, evt.ProviderMessageID); err == nil {
			return existing, conv, nil
		}
	}

	at := evt.Timestamp
	if at.IsZero() {
		at = time.Now().UTC()
	}
	now := time.Now().UTC()
	msg := message.Message{
		ID:                uuid.NewString(),
		SessionID:         sessionID,
		ConversationID:    conv.ID,
		CustomerID:        evt.FromID,
		Direction:         message.DirectionIncoming,
		ProviderMessageID: evt.ProviderMessageID,
		Status:            message.StatusDelivered,
		ContentType:       evt.ContentType,
		Content:           evt.Content,
		DeliveredAt:       &at,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if msg.ContentType == "" {
		msg.ContentType = channel.ContentText
	}
	if evt.MediaRef != "" {
		msg.Media = &channel.Media{URL: evt.MediaRef}
	}

	if err := l.messages.Create(ctx, msg); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			existing, gerr := l.messages.GetByProviderID(ctx, sessionID, evt.ProviderMessageID)
			if gerr == nil {
				return existing, conv, nil
			}
		}
		return message.Message{}, conversation.Conversation{}, fmt.Errorf("failed to store incoming message: %w", err)
	}

	preview := msg.Payload().Preview()
	if err := l.conversations.Touch(ctx, conv.ID, preview, at, true); err != nil {
		return message.Message{}, conversation.Conversation{}, fmt.Errorf("failed to update conversation: %w", err)
	}
	if updated, err := l.conversations.Get(ctx, conv.ID); err == nil {
		conv = updated
	}

	if l.publisher != nil {
		l.publisher.Publish(eventbus.NewSessionEvent(eventbus.IncomingMessage, sessionID, eventbus.MessageData{
			MessageID:         msg.ID,
			ConversationID:    conv.ID,
			ProviderMessageID: msg.ProviderMessageID,
			CustomerID:        msg.CustomerID,
			Content:           msg.Content,
			ContentType:       string(msg.ContentType),
		}))
	}

	logrus.WithFields(logrus.Fields{
		"session_id":      sessionID,
		"conversation_id": conv.ID,
		"customer":        evt.FromID,
	}).Debug("[LEDGER] Incoming message recorded")
	return msg, conv, nil
}

// RecordOutgoing links an outgoing message to its recipient's conversation,
// creating the conversation when the first contact is ours.
func (l *Ledger) RecordOutgoing(ctx context.Context, msg message.Message) (conversation.Conversation, error) {
	conv, err := l.conversations.GetOrCreate(ctx, msg.SessionID, msg.CustomerID, "")
	if err != nil {
		return conversation.Conversation{}, fmt.Errorf("failed to resolve conversation: %w", err)
	}
	if msg.ConversationID != conv.ID {
		if err := l.messages.SetConversation(ctx, msg.ID, conv.ID); err != nil {
			return conversation.Conversation{}, fmt.Errorf("failed to link message: %w", err)
		}
	}
	if err := l.conversations.Touch(ctx, conv.ID, msg.Payload().Preview(), time.Now().UTC(), false); err != nil {
		return conversation.Conversation{}, fmt.Errorf("failed to update conversation: %w", err)
	}
	return conv, nil
}

func (l *Ledger) MarkRead(ctx context.Context, conversationID string) error {
	return l.conversations.MarkRead(ctx, conversationID)
}

func (l *Ledger) Assign(ctx context.Context, conversationID, agent string) error {
	return l.conversations.Assign(ctx, conversationID, agent)
}

// Archive hides a conversation from the inbox. It comes back on the next
// incoming message.
func (l *Ledger) Archive(ctx context.Context, conversationID string) error {
	return l.conversations.Archive(ctx, conversationID)
}

func (l *Ledger) Get(ctx context.Context, conversationID string) (conversation.Conversation, error) {
	return l.conversations.Get(ctx, conversationID)
}

func (l *Ledger) List(ctx context.Context, sessionID string, f conversation.Filter) ([]conversation.Conversation, error) {
	return l.conversations.List(ctx, sessionID, f)
}

// History returns up to limit messages older than before, newest first.
func (l *Ledger) History(ctx context.Context, conversationID string, limit int, before time.Time) ([]message.Message, error) {
	if _, err := l.conversations.Get(ctx, conversationID); err != nil {
		return nil, err
	}
	return l.messages.ListByConversation(ctx, conversationID, limit, before)
}
