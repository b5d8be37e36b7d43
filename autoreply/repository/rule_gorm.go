package repository

import (
	"context"
	"errors"
	"time"

	"github.com/AzielCF/az-dispatch/autoreply/domain"
	"github.com/AzielCF/az-dispatch/workspace/domain/channel"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type ruleModel struct {
	ID           string                              `gorm:"primaryKey;column:id"`
	SessionID    string                              `gorm:"column:session_id;not null;index"`
	Name         string                              `gorm:"column:name"`
	TriggerType  string                              `gorm:"column:trigger_type;not null"`
	TriggerValue string                              `gorm:"column:trigger_value"`
	Reply        datatypes.JSONType[channel.Payload] `gorm:"column:reply"`
	Priority     int                                 `gorm:"column:priority;not null;default:0"`
	IsActive     bool                                `gorm:"column:is_active;not null;default:true"`
	UsageCount   int64                               `gorm:"column:usage_count;not null;default:0"`
	CreatedAt    time.Time                           `gorm:"column:created_at;not null"`
	UpdatedAt    time.Time                           `gorm:"column:updated_at;not null"`
}

func (ruleModel) TableName() string { return "auto_reply_rules" }

type RuleGormRepository struct {
	db *gorm.DB
}

func NewRuleGormRepository(db *gorm.DB) *RuleGormRepository {
	return &RuleGormRepository{db: db}
}

func (r *RuleGormRepository) Init(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&ruleModel{})
}

func (r *RuleGormRepository) Create(ctx context.Context, rule domain.Rule) error {
	m := toRuleModel(rule)
	// is_active has a database default; Create would skip a false value.
	return r.db.WithContext(ctx).Select("*").Create(&m).Error
}

// Update replaces the editable fields. Usage and creation time are kept.
func (r *RuleGormRepository) Update(ctx context.Context, rule domain.Rule) error {
	m := toRuleModel(rule)
	res := r.db.WithContext(ctx).Model(&ruleModel{}).Where("id = ?", rule.ID).Updates(map[string]any{
		"name":          m.Name,
		"trigger_type":  m.TriggerType,
		"trigger_value": m.TriggerValue,
		"reply":         m.Reply,
		"priority":      m.Priority,
		"is_active":     m.IsActive,
		"updated_at":    time.Now().UTC(),
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrRuleNotFound
	}
	return nil
}

func (r *RuleGormRepository) Delete(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Delete(&ruleModel{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrRuleNotFound
	}
	return nil
}

func (r *RuleGormRepository) Get(ctx context.Context, id string) (domain.Rule, error) {
	var m ruleModel
	if err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Rule{}, domain.ErrRuleNotFound
		}
		return domain.Rule{}, err
	}
	return fromRuleModel(m), nil
}

func (r *RuleGormRepository) ListBySession(ctx context.Context, sessionID string, activeOnly bool) ([]domain.Rule, error) {
	q := r.db.WithContext(ctx).Where("session_id = ?", sessionID)
	if activeOnly {
		q = q.Where("is_active = ?", true)
	}
	var models []ruleModel
	if err := q.Order("priority DESC, created_at ASC, id ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.Rule, len(models))
	for i, m := range models {
		out[i] = fromRuleModel(m)
	}
	return out, nil
}

func (r *RuleGormRepository) IncrementUsage(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Model(&ruleModel{}).
		Where("id = ?", id).
		UpdateColumn("usage_count", gorm.Expr("usage_count + ?", 1))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrRuleNotFound
	}
	return nil
}

func toRuleModel(r domain.Rule) ruleModel {
	return ruleModel{
		ID:           r.ID,
		SessionID:    r.SessionID,
		Name:         r.Name,
		TriggerType:  string(r.TriggerType),
		TriggerValue: r.TriggerValue,
		Reply:        datatypes.NewJSONType(r.Reply),
		Priority:     r.Priority,
		IsActive:     r.IsActive,
		UsageCount:   r.UsageCount,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

func fromRuleModel(m ruleModel) domain.Rule {
	return domain.Rule{
		ID:           m.ID,
		SessionID:    m.SessionID,
		Name:         m.Name,
		TriggerType:  domain.TriggerType(m.TriggerType),
		TriggerValue: m.TriggerValue,
		Reply:        m.Reply.Data(),
		Priority:     m.Priority,
		IsActive:     m.IsActive,
		UsageCount:   m.UsageCount,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}
