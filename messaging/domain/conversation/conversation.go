package conversation

import (
	"context"
	"time"
	"unicode/utf8"

	pkgError "github.com/AzielCF/az-dispatch/pkg/error"
)

const PreviewLength = 120

var ErrConversationNotFound = pkgError.NotFoundError("conversation not found")

type Conversation struct {
	ID                 string     `json:"id"`
	SessionID          string     `json:"session_id"`
	CustomerID         string     `json:"customer_id"`
	CustomerName       string     `json:"customer_name,omitempty"`
	LastMessagePreview string     `json:"last_message_preview"`
	LastMessageAt      *time.Time `json:"last_message_at,omitempty"`
	Unread             bool       `json:"unread"`
	UnreadCount        int        `json:"unread_count"`
	AssignedAgent      string     `json:"assigned_agent,omitempty"`
	Archived           bool       `json:"archived"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

type Filter struct {
	IncludeArchived bool
	UnreadOnly      bool
	AssignedAgent   string
	Limit           int
	Offset          int
}

// Preview cuts text to PreviewLength runes.
func Preview(text string) string {
	if utf8.RuneCountInString(text) <= PreviewLength {
		return text
	}
	runes := []rune(text)
	return string(runes[:PreviewLength])
}

type Repository interface {
	// GetOrCreate returns the conversation of (sessionID, customerID),
	// creating it if absent. Concurrent callers get the same row.
	GetOrCreate(ctx context.Context, sessionID, customerID, customerName string) (Conversation, error)
	Get(ctx context.Context, id string) (Conversation, error)
	// Touch records activity. Incoming activity marks the conversation
	// unread and brings it back from the archive.
	Touch(ctx context.Context, id, preview string, at time.Time, incoming bool) error
	MarkRead(ctx context.Context, id string) error
	Assign(ctx context.Context, id, agent string) error
	Archive(ctx context.Context, id string) error
	List(ctx context.Context, sessionID string, f Filter) ([]Conversation, error)
}
