package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AzielCF/az-dispatch/broadcast/domain"
	"github.com/AzielCF/az-dispatch/workspace/domain/channel"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type campaignModel struct {
	ID                string                              `gorm:"primaryKey;column:id"`
	WorkspaceID       string                              `gorm:"column:workspace_id;not null;index"`
	SessionID         string                              `gorm:"column:session_id;not null;index"`
	Name              string                              `gorm:"column:name;not null"`
	Payload           datatypes.JSONType[channel.Payload] `gorm:"column:payload"`
	Recipients        datatypes.JSONSlice[string]         `gorm:"column:recipients"`
	State             string                              `gorm:"column:state;not null;index:idx_campaign_due"`
	SentCount         int                                 `gorm:"column:sent_count;not null;default:0"`
	FailedCount       int                                 `gorm:"column:failed_count;not null;default:0"`
	TotalRecipients   int                                 `gorm:"column:total_recipients;not null"`
	FailureReason     string                              `gorm:"column:failure_reason"`
	ScheduledAt       *time.Time                          `gorm:"column:scheduled_at;index:idx_campaign_due"`
	StartedAt         *time.Time                          `gorm:"column:started_at"`
	CompletedAt       *time.Time                          `gorm:"column:completed_at"`
	CancelRequestedAt *time.Time                          `gorm:"column:cancel_requested_at"`
	CreatedAt         time.Time                           `gorm:"column:created_at;not null"`
	UpdatedAt         time.Time                           `gorm:"column:updated_at;not null"`
}

func (campaignModel) TableName() string { return "campaigns" }

// ErrCounterOverflow means an increment would push sent+failed past the
// recipient total. It signals a double-counted recipient.
var ErrCounterOverflow = errors.New("campaign counters would exceed total recipients")

type CampaignGormRepository struct {
	db *gorm.DB
}

func NewCampaignGormRepository(db *gorm.DB) *CampaignGormRepository {
	return &CampaignGormRepository{db: db}
}

func (r *CampaignGormRepository) Init(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&campaignModel{})
}

func (r *CampaignGormRepository) Create(ctx context.Context, c domain.Campaign) error {
	m := toCampaignModel(c)
	return r.db.WithContext(ctx).Create(&m).Error
}

func (r *CampaignGormRepository) Get(ctx context.Context, id string) (domain.Campaign, error) {
	var m campaignModel
	if err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Campaign{}, domain.ErrCampaignNotFound
		}
		return domain.Campaign{}, err
	}
	return fromCampaignModel(m), nil
}

// List omits the recipient snapshot; Get carries it.
func (r *CampaignGormRepository) List(ctx context.Context, workspaceID string) ([]domain.Campaign, error) {
	q := r.db.WithContext(ctx).Omit("recipients").Order("created_at DESC")
	if workspaceID != "" {
		q = q.Where("workspace_id = ?", workspaceID)
	}
	var models []campaignModel
	if err := q.Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.Campaign, len(models))
	for i, m := range models {
		out[i] = fromCampaignModel(m)
	}
	return out, nil
}

func (r *CampaignGormRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.Campaign, error) {
	if limit <= 0 {
		limit = 20
	}
	var models []campaignModel
	err := r.db.WithContext(ctx).
		Where("state = ? AND scheduled_at IS NOT NULL AND scheduled_at <= ?", string(domain.StateScheduled), now).
		Order("scheduled_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	out := make([]domain.Campaign, len(models))
	for i, m := range models {
		out[i] = fromCampaignModel(m)
	}
	return out, nil
}

func (r *CampaignGormRepository) Transition(ctx context.Context, id string, from, to domain.State, ch domain.Changes) (bool, error) {
	if !domain.CanTransition(from, to) {
		return false, fmt.Errorf("campaign %s: %s -> %s is not allowed", id, from, to)
	}
	updates := map[string]any{
		"state":      string(to),
		"updated_at": time.Now().UTC(),
	}
	if ch.ScheduledAt != nil {
		updates["scheduled_at"] = *ch.ScheduledAt
	}
	if ch.StartedAt != nil {
		updates["started_at"] = *ch.StartedAt
	}
	if ch.CompletedAt != nil {
		updates["completed_at"] = *ch.CompletedAt
	}
	if ch.FailureReason != "" {
		updates["failure_reason"] = ch.FailureReason
	}
	if ch.SentCount != nil {
		updates["sent_count"] = *ch.SentCount
	}
	if ch.FailedCount != nil {
		updates["failed_count"] = *ch.FailedCount
	}
	res := r.db.WithContext(ctx).Model(&campaignModel{}).
		Where("id = ? AND state = ?", id, string(from)).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *CampaignGormRepository) AddCounters(ctx context.Context, id string, sent, failed int) error {
	res := r.db.WithContext(ctx).Model(&campaignModel{}).
		Where("id = ? AND sent_count + failed_count + ? <= total_recipients", id, sent+failed).
		Updates(map[string]any{
			"sent_count":   gorm.Expr("sent_count + ?", sent),
			"failed_count": gorm.Expr("failed_count + ?", failed),
			"updated_at":   time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("campaign %s: %w", id, ErrCounterOverflow)
	}
	return nil
}

func (r *CampaignGormRepository) RequestCancel(ctx context.Context, id string) (bool, error) {
	at := time.Now().UTC()
	res := r.db.WithContext(ctx).Model(&campaignModel{}).
		Where("id = ? AND state = ?", id, string(domain.StateRunning)).
		Updates(map[string]any{"cancel_requested_at": at, "updated_at": at})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func toCampaignModel(c domain.Campaign) campaignModel {
	return campaignModel{
		ID:                c.ID,
		WorkspaceID:       c.WorkspaceID,
		SessionID:         c.SessionID,
		Name:              c.Name,
		Payload:           datatypes.NewJSONType(c.Payload),
		Recipients:        datatypes.NewJSONSlice(c.Recipients),
		State:             string(c.State),
		SentCount:         c.SentCount,
		FailedCount:       c.FailedCount,
		TotalRecipients:   c.TotalRecipients,
		FailureReason:     c.FailureReason,
		ScheduledAt:       c.ScheduledAt,
		StartedAt:         c.StartedAt,
		CompletedAt:       c.CompletedAt,
		CancelRequestedAt: c.CancelRequestedAt,
		CreatedAt:         c.CreatedAt,
		UpdatedAt:         c.UpdatedAt,
	}
}

func fromCampaignModel(m campaignModel) domain.Campaign {
	return domain.Campaign{
		ID:                m.ID,
		WorkspaceID:       m.WorkspaceID,
		SessionID:         m.SessionID,
		Name:              m.Name,
		Payload:           m.Payload.Data(),
		Recipients:        []string(m.Recipients),
		State:             domain.State(m.State),
		SentCount:         m.SentCount,
		FailedCount:       m.FailedCount,
		TotalRecipients:   m.TotalRecipients,
		FailureReason:     m.FailureReason,
		ScheduledAt:       m.ScheduledAt,
		StartedAt:         m.StartedAt,
		CompletedAt:       m.CompletedAt,
		CancelRequestedAt: m.CancelRequestedAt,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}
}
