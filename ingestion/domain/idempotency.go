package domain

import (
	"context"
	"time"
)

// Store remembers which provider events were processed. Event ids are only
// unique per bot or phone number, so every key is scoped by session. Claim
// is an insert-if-absent lock that expires after ttl; Record marks the event
// done.
type Store interface {
	Seen(ctx context.Context, sessionID, eventID string) (bool, error)
	Claim(ctx context.Context, sessionID, eventID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, sessionID, eventID string) error
	// Record reports whether this call stored the event.
	Record(ctx context.Context, sessionID, eventID string) (bool, error)
	// Prune drops records processed before olderThan and returns how many.
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
}

type Record struct {
	SessionID   string    `json:"session_id"`
	EventID     string    `json:"event_id"`
	ProcessedAt time.Time `json:"processed_at"`
}
