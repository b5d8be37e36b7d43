package message

import (
	"context"
	"time"

	pkgError "github.com/AzielCF/az-dispatch/pkg/error"
	"github.com/AzielCF/az-dispatch/workspace/domain/channel"
)

type Direction string

const (
	DirectionIncoming Direction = channel.DirectionIncoming
	DirectionOutgoing Direction = channel.DirectionOutgoing
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

var ErrMessageNotFound = pkgError.NotFoundError("message not found")

// progression holds the forward order. failed sits outside it.
var progression = []Status{StatusPending, StatusSent, StatusDelivered, StatusRead}

// Rank returns the position in the forward order, or -1 for failed and
// unknown values.
func (s Status) Rank() int {
	for i, st := range progression {
		if st == s {
			return i
		}
	}
	return -1
}

func (s Status) Valid() bool { return s == StatusFailed || s.Rank() >= 0 }

// CanTransition reports whether from -> to moves a message forward. Equal
// ranks are not a transition. failed is only reachable before delivery and
// is terminal.
func CanTransition(from, to Status) bool {
	if from == StatusFailed || !to.Valid() {
		return false
	}
	if to == StatusFailed {
		return from == StatusPending || from == StatusSent
	}
	return to.Rank() > from.Rank()
}

// Predecessors lists every status from which to is reachable.
func Predecessors(to Status) []Status {
	var out []Status
	for _, st := range progression {
		if CanTransition(st, to) {
			out = append(out, st)
		}
	}
	return out
}

type Message struct {
	ID                string              `json:"id"`
	SessionID         string              `json:"session_id"`
	ConversationID    string              `json:"conversation_id,omitempty"`
	CampaignID        string              `json:"campaign_id,omitempty"`
	CustomerID        string              `json:"customer_id"`
	Direction         Direction           `json:"direction"`
	ProviderMessageID string              `json:"provider_message_id,omitempty"`
	Status            Status              `json:"status"`
	ContentType       channel.ContentType `json:"content_type"`
	Content           string              `json:"content,omitempty"`
	Media             *channel.Media      `json:"media,omitempty"`
	IsAutoReply       bool                `json:"is_auto_reply"`
	AutoReplySource   string              `json:"auto_reply_source,omitempty"`
	Error             string              `json:"error,omitempty"`
	SentAt            *time.Time          `json:"sent_at,omitempty"`
	DeliveredAt       *time.Time          `json:"delivered_at,omitempty"`
	ReadAt            *time.Time          `json:"read_at,omitempty"`
	FailedAt          *time.Time          `json:"failed_at,omitempty"`
	CreatedAt         time.Time           `json:"created_at"`
	UpdatedAt         time.Time           `json:"updated_at"`
}

// Payload rebuilds the outbound body of the message.
func (m Message) Payload() channel.Payload {
	return channel.Payload{ContentType: m.ContentType, Text: m.Content, Media: m.Media}
}

// Transition carries the fields written together with a status change.
type Transition struct {
	ProviderMessageID string
	Error             string
	At                time.Time
}

type Repository interface {
	Create(ctx context.Context, m Message) error
	Get(ctx context.Context, id string) (Message, error)
	GetByProviderID(ctx context.Context, sessionID, providerMessageID string) (Message, error)
	// Apply moves the message to status `to` only while its current status
	// is one of from. It reports whether a row changed.
	Apply(ctx context.Context, id string, to Status, from []Status, t Transition) (bool, error)
	SetConversation(ctx context.Context, id, conversationID string) error
	ListByConversation(ctx context.Context, conversationID string, limit int, before time.Time) ([]Message, error)
}
