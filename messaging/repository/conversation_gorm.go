package repository

import (
	"context"
	"errors"
	"time"

	"github.com/AzielCF/az-dispatch/messaging/domain/conversation"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type conversationModel struct {
	ID                 string     `gorm:"primaryKey;column:id"`
	SessionID          string     `gorm:"column:session_id;not null;uniqueIndex:idx_conversation_customer;index:idx_conversation_recent"`
	CustomerID         string     `gorm:"column:customer_id;not null;uniqueIndex:idx_conversation_customer"`
	CustomerName       string     `gorm:"column:customer_name"`
	LastMessagePreview string     `gorm:"column:last_message_preview;size:512"`
	LastMessageAt      *time.Time `gorm:"column:last_message_at;index:idx_conversation_recent"`
	Unread             bool       `gorm:"column:unread;default:false"`
	UnreadCount        int        `gorm:"column:unread_count;default:0"`
	AssignedAgent      string     `gorm:"column:assigned_agent"`
	Archived           bool       `gorm:"column:archived;default:false"`
	CreatedAt          time.Time  `gorm:"column:created_at;not null"`
	UpdatedAt          time.Time  `gorm:"column:updated_at;not null"`
}

func (conversationModel) TableName() string { return "conversations" }

type ConversationGormRepository struct {
	db *gorm.DB
}

func NewConversationGormRepository(db *gorm.DB) *ConversationGormRepository {
	return &ConversationGormRepository{db: db}
}

func (r *ConversationGormRepository) Init(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&conversationModel{})
}

func (r *ConversationGormRepository) GetOrCreate(ctx context.Context, sessionID, customerID, customerName string) (conversation.Conversation, error) {
	now := time.Now().UTC()
	candidate := conversationModel{
		ID:           uuid.NewString(),
		SessionID:    sessionID,
		CustomerID:   customerID,
		CustomerName: customerName,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&candidate).Error
	if err != nil {
		return conversation.Conversation{}, err
	}

	var m conversationModel
	err = r.db.WithContext(ctx).
		Where("session_id = ? AND customer_id = ?", sessionID, customerID).
		First(&m).Error
	if err != nil {
		return conversation.Conversation{}, err
	}
	if customerName != "" && m.CustomerName != customerName {
		m.CustomerName = customerName
		if err := r.db.WithContext(ctx).Model(&conversationModel{}).
			Where("id = ?", m.ID).
			Update("customer_name", customerName).Error; err != nil {
			return conversation.Conversation{}, err
		}
	}
	return fromConversationModel(m), nil
}

func (r *ConversationGormRepository) Get(ctx context.Context, id string) (conversation.Conversation, error) {
	var m conversationModel
	if err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return conversation.Conversation{}, conversation.ErrConversationNotFound
		}
		return conversation.Conversation{}, err
	}
	return fromConversationModel(m), nil
}

func (r *ConversationGormRepository) Touch(ctx context.Context, id, preview string, at time.Time, incoming bool) error {
	updates := map[string]any{
		"last_message_preview": conversation.Preview(preview),
		"last_message_at":      at,
		"updated_at":           time.Now().UTC(),
	}
	if incoming {
		updates["unread"] = true
		updates["unread_count"] = gorm.Expr("unread_count + 1")
		updates["archived"] = false
	}
	return r.update(ctx, id, updates)
}

func (r *ConversationGormRepository) MarkRead(ctx context.Context, id string) error {
	return r.update(ctx, id, map[string]any{"unread": false, "unread_count": 0, "updated_at": time.Now().UTC()})
}

func (r *ConversationGormRepository) Assign(ctx context.Context, id, agent string) error {
	return r.update(ctx, id, map[string]any{"assigned_agent": agent, "updated_at": time.Now().UTC()})
}

func (r *ConversationGormRepository) Archive(ctx context.Context, id string) error {
	return r.update(ctx, id, map[string]any{"archived": true, "updated_at": time.Now().UTC()})
}

func (r *ConversationGormRepository) List(ctx context.Context, sessionID string, f conversation.Filter) ([]conversation.Conversation, error) {
	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	q := r.db.WithContext(ctx).Where("session_id = ?", sessionID)
	if !f.IncludeArchived {
		q = q.Where("archived = ?", false)
	}
	if f.UnreadOnly {
		q = q.Where("unread = ?", true)
	}
	if f.AssignedAgent != "" {
		q = q.Where("assigned_agent = ?", f.AssignedAgent)
	}

	var models []conversationModel
	err := q.Order("last_message_at DESC").Order("created_at DESC").
		Limit(limit).Offset(f.Offset).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	out := make([]conversation.Conversation, len(models))
	for i, m := range models {
		out[i] = fromConversationModel(m)
	}
	return out, nil
}

func (r *ConversationGormRepository) update(ctx context.Context, id string, updates map[string]any) error {
	res := r.db.WithContext(ctx).Model(&conversationModel{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return conversation.ErrConversationNotFound
	}
	return nil
}

func fromConversationModel(m conversationModel) conversation.Conversation {
	return conversation.Conversation{
		ID:                 m.ID,
		SessionID:          m.SessionID,
		CustomerID:         m.CustomerID,
		CustomerName:       m.CustomerName,
		LastMessagePreview: m.LastMessagePreview,
		LastMessageAt:      m.LastMessageAt,
		Unread:             m.Unread,
		UnreadCount:        m.UnreadCount,
		AssignedAgent:      m.AssignedAgent,
		Archived:           m.Archived,
		CreatedAt:          m.CreatedAt,
		UpdatedAt:          m.UpdatedAt,
	}
}
