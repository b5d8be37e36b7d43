package repository

import (
	"context"
	"errors"
	"time"

	"github.com/AzielCF/az-dispatch/messaging/domain/message"
	"github.com/AzielCF/az-dispatch/workspace/domain/channel"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type messageModel struct {
	ID                string                             `gorm:"primaryKey;column:id"`
	SessionID         string                             `gorm:"column:session_id;not null;uniqueIndex:idx_message_provider"`
	ConversationID    string                             `gorm:"column:conversation_id;index:idx_message_conversation"`
	CampaignID        *string                            `gorm:"column:campaign_id;index"`
	CustomerID        string                             `gorm:"column:customer_id;not null"`
	Direction         string                             `gorm:"column:direction;not null"`
	ProviderMessageID *string                            `gorm:"column:provider_message_id;uniqueIndex:idx_message_provider"`
	Status            string                             `gorm:"column:status;not null;index"`
	ContentType       string                             `gorm:"column:content_type;not null;default:'text'"`
	Content           string                             `gorm:"column:content"`
	Media             datatypes.JSONType[*channel.Media] `gorm:"column:media"`
	IsAutoReply       bool                               `gorm:"column:is_auto_reply;default:false"`
	AutoReplySource   string                             `gorm:"column:auto_reply_source"`
	Error             string                             `gorm:"column:error"`
	SentAt            *time.Time                         `gorm:"column:sent_at"`
	DeliveredAt       *time.Time                         `gorm:"column:delivered_at"`
	ReadAt            *time.Time                         `gorm:"column:read_at"`
	FailedAt          *time.Time                         `gorm:"column:failed_at"`
	CreatedAt         time.Time                          `gorm:"column:created_at;not null;index:idx_message_conversation"`
	UpdatedAt         time.Time                          `gorm:"column:updated_at;not null"`
}

func (messageModel) TableName() string { return "messages" }

type MessageGormRepository struct {
	db *gorm.DB
}

func NewMessageGormRepository(db *gorm.DB) *MessageGormRepository {
	return &MessageGormRepository{db: db}
}

func (r *MessageGormRepository) Init(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&messageModel{})
}

func (r *MessageGormRepository) Create(ctx context.Context, m message.Message) error {
	model := toMessageModel(m)
	return r.db.WithContext(ctx).Create(&model).Error
}

func (r *MessageGormRepository) Get(ctx context.Context, id string) (message.Message, error) {
	var m messageModel
	if err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return message.Message{}, message.ErrMessageNotFound
		}
		return message.Message{}, err
	}
	return fromMessageModel(m), nil
}

func (r *MessageGormRepository) GetByProviderID(ctx context.Context, sessionID, providerMessageID string) (message.Message, error) {
	var m messageModel
	err := r.db.WithContext(ctx).
		Where("session_id = ? AND provider_message_id = ?", sessionID, providerMessageID).
		First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return message.Message{}, message.ErrMessageNotFound
		}
		return message.Message{}, err
	}
	return fromMessageModel(m), nil
}

// Apply is a conditional UPDATE: the WHERE on the current status is what keeps
// two writers from moving a message backwards.
func (r *MessageGormRepository) Apply(ctx context.Context, id string, to message.Status, from []message.Status, t message.Transition) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}
	at := t.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	updates := map[string]any{
		"status":     string(to),
		"updated_at": time.Now().UTC(),
	}
	if t.ProviderMessageID != "" {
		updates["provider_message_id"] = t.ProviderMessageID
	}
	switch to {
	case message.StatusSent:
		updates["sent_at"] = at
	case message.StatusDelivered:
		updates["delivered_at"] = at
		updates["sent_at"] = gorm.Expr("COALESCE(sent_at, ?)", at)
	case message.StatusRead:
		updates["read_at"] = at
		updates["delivered_at"] = gorm.Expr("COALESCE(delivered_at, ?)", at)
		updates["sent_at"] = gorm.Expr("COALESCE(sent_at, ?)", at)
	case message.StatusFailed:
		updates["failed_at"] = at
		updates["error"] = t.Error
	}

	allowed := make([]string, len(from))
	for i, st := range from {
		allowed[i] = string(st)
	}

	res := r.db.WithContext(ctx).Model(&messageModel{}).
		Where("id = ? AND status IN ?", id, allowed).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *MessageGormRepository) SetConversation(ctx context.Context, id, conversationID string) error {
	return r.db.WithContext(ctx).Model(&messageModel{}).
		Where("id = ?", id).
		Update("conversation_id", conversationID).Error
}

// ListByConversation pages backwards from before, newest first.
func (r *MessageGormRepository) ListByConversation(ctx context.Context, conversationID string, limit int, before time.Time) ([]message.Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	q := r.db.WithContext(ctx).Where("conversation_id = ?", conversationID)
	if !before.IsZero() {
		q = q.Where("created_at < ?", before)
	}
	var models []messageModel
	if err := q.Order("created_at DESC").Limit(limit).Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]message.Message, len(models))
	for i, m := range models {
		out[i] = fromMessageModel(m)
	}
	return out, nil
}

func toMessageModel(m message.Message) messageModel {
	return messageModel{
		ID:                m.ID,
		SessionID:         m.SessionID,
		ConversationID:    m.ConversationID,
		CampaignID:        nullable(m.CampaignID),
		CustomerID:        m.CustomerID,
		Direction:         string(m.Direction),
		ProviderMessageID: nullable(m.ProviderMessageID),
		Status:            string(m.Status),
		ContentType:       string(m.ContentType),
		Content:           m.Content,
		Media:             datatypes.NewJSONType(m.Media),
		IsAutoReply:       m.IsAutoReply,
		AutoReplySource:   m.AutoReplySource,
		Error:             m.Error,
		SentAt:            m.SentAt,
		DeliveredAt:       m.DeliveredAt,
		ReadAt:            m.ReadAt,
		FailedAt:          m.FailedAt,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}
}

func fromMessageModel(m messageModel) message.Message {
	return message.Message{
		ID:                m.ID,
		SessionID:         m.SessionID,
		ConversationID:    m.ConversationID,
		CampaignID:        deref(m.CampaignID),
		CustomerID:        m.CustomerID,
		Direction:         message.Direction(m.Direction),
		ProviderMessageID: deref(m.ProviderMessageID),
		Status:            message.Status(m.Status),
		ContentType:       channel.ContentType(m.ContentType),
		Content:           m.Content,
		Media:             m.Media.Data(),
		IsAutoReply:       m.IsAutoReply,
		AutoReplySource:   m.AutoReplySource,
		Error:             m.Error,
		SentAt:            m.SentAt,
		DeliveredAt:       m.DeliveredAt,
		ReadAt:            m.ReadAt,
		FailedAt:          m.FailedAt,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
