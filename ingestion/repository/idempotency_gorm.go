package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type processedEventModel struct {
	SessionID   string    `gorm:"primaryKey;column:session_id;size:64"`
	EventID     string    `gorm:"primaryKey;column:event_id;size:255"`
	ProcessedAt time.Time `gorm:"column:processed_at;not null;index"`
}

func (processedEventModel) TableName() string { return "webhook_events" }

type eventClaimModel struct {
	SessionID string    `gorm:"primaryKey;column:session_id;size:64"`
	EventID   string    `gorm:"primaryKey;column:event_id;size:255"`
	ExpiresAt time.Time `gorm:"column:expires_at;not null;index"`
}

func (eventClaimModel) TableName() string { return "webhook_event_claims" }

// IdempotencyGormStore keeps processed events in the primary database.
type IdempotencyGormStore struct {
	db *gorm.DB
}

func NewIdempotencyGormStore(db *gorm.DB) *IdempotencyGormStore {
	return &IdempotencyGormStore{db: db}
}

func (s *IdempotencyGormStore) Init(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&processedEventModel{}, &eventClaimModel{})
}

func (s *IdempotencyGormStore) Seen(ctx context.Context, sessionID, eventID string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&processedEventModel{}).
		Where("session_id = ? AND event_id = ?", sessionID, eventID).
		Count(&n).Error
	return n > 0, err
}

// Claim inserts the claim row, or takes over one that has expired.
func (s *IdempotencyGormStore) Claim(ctx context.Context, sessionID, eventID string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&eventClaimModel{SessionID: sessionID, EventID: eventID, ExpiresAt: now.Add(ttl)})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected > 0 {
		return true, nil
	}
	res = s.db.WithContext(ctx).Model(&eventClaimModel{}).
		Where("session_id = ? AND event_id = ? AND expires_at < ?", sessionID, eventID, now).
		Update("expires_at", now.Add(ttl))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *IdempotencyGormStore) Release(ctx context.Context, sessionID, eventID string) error {
	return s.db.WithContext(ctx).
		Delete(&eventClaimModel{}, "session_id = ? AND event_id = ?", sessionID, eventID).Error
}

func (s *IdempotencyGormStore) Record(ctx context.Context, sessionID, eventID string) (bool, error) {
	var inserted bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&processedEventModel{
			SessionID:   sessionID,
			EventID:     eventID,
			ProcessedAt: time.Now().UTC(),
		})
		if res.Error != nil {
			return res.Error
		}
		inserted = res.RowsAffected > 0
		return tx.Delete(&eventClaimModel{}, "session_id = ? AND event_id = ?", sessionID, eventID).Error
	})
	return inserted, err
}

func (s *IdempotencyGormStore) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Delete(&processedEventModel{}, "processed_at < ?", olderThan.UTC())
	if res.Error != nil {
		return 0, res.Error
	}
	if err := s.db.WithContext(ctx).Delete(&eventClaimModel{}, "expires_at < ?", time.Now().UTC()).Error; err != nil {
		return res.RowsAffected, err
	}
	return res.RowsAffected, nil
}
