package repository

import (
	"context"
	"time"
)

// KeyValue is the part of the valkey client the store uses.
type KeyValue interface {
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	Del(ctx context.Context, keys ...string) error
	Key(parts ...string) string
}

// IdempotencyValkeyStore shares processed events across nodes. Keys expire
// after the retention window, so Prune has nothing to do.
type IdempotencyValkeyStore struct {
	kv        KeyValue
	retention time.Duration
}

func NewIdempotencyValkeyStore(kv KeyValue, retention time.Duration) *IdempotencyValkeyStore {
	if retention <= 0 {
		retention = 72 * time.Hour
	}
	return &IdempotencyValkeyStore{kv: kv, retention: retention}
}

func (s *IdempotencyValkeyStore) Seen(ctx context.Context, sessionID, eventID string) (bool, error) {
	return s.kv.Exists(ctx, s.kv.Key("idem", sessionID, eventID))
}

func (s *IdempotencyValkeyStore) Claim(ctx context.Context, sessionID, eventID string, ttl time.Duration) (bool, error) {
	return s.kv.SetNX(ctx, s.kv.Key("idem-claim", sessionID, eventID), "1", ttl)
}

func (s *IdempotencyValkeyStore) Release(ctx context.Context, sessionID, eventID string) error {
	return s.kv.Del(ctx, s.kv.Key("idem-claim", sessionID, eventID))
}

func (s *IdempotencyValkeyStore) Record(ctx context.Context, sessionID, eventID string) (bool, error) {
	ok, err := s.kv.SetNX(ctx, s.kv.Key("idem", sessionID, eventID), time.Now().UTC().Format(time.RFC3339), s.retention)
	if err != nil {
		return false, err
	}
	return ok, s.kv.Del(ctx, s.kv.Key("idem-claim", sessionID, eventID))
}

func (s *IdempotencyValkeyStore) Prune(context.Context, time.Time) (int64, error) {
	return 0, nil
}
