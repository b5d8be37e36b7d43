package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AzielCF/az-dispatch/pkg/crypto"
	"github.com/AzielCF/az-dispatch/workspace/domain/common"
	"github.com/AzielCF/az-dispatch/workspace/domain/session"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// --- Persistence Models ---

type sessionModel struct {
	ID             string                                `gorm:"primaryKey;column:id"`
	WorkspaceID    string                                `gorm:"column:workspace_id;not null;index"`
	Type           string                                `gorm:"column:type;not null;uniqueIndex:idx_session_external"`
	Name           string                                `gorm:"column:name;not null"`
	ExternalID     string                                `gorm:"column:external_id;not null;uniqueIndex:idx_session_external"`
	Credentials    datatypes.JSONType[map[string]string] `gorm:"column:credentials"`
	Status         string                                `gorm:"column:status;not null;default:'connecting';index"`
	RateLimitClass string                                `gorm:"column:rate_limit_class;default:'standard'"`
	BaseURL        string                                `gorm:"column:base_url"`
	LastError      string                                `gorm:"column:last_error"`
	ConnectedAt    *time.Time                            `gorm:"column:connected_at"`
	CreatedAt      time.Time                             `gorm:"column:created_at;not null"`
	UpdatedAt      time.Time                             `gorm:"column:updated_at;not null"`
}

func (sessionModel) TableName() string { return "channel_sessions" }

// --- Repository Implementation ---

type SessionGormRepository struct {
	db     *gorm.DB
	cipher *crypto.Cipher
}

// NewSessionGormRepository stores credentials sealed with cipher. A nil
// cipher stores them as given.
func NewSessionGormRepository(db *gorm.DB, cipher *crypto.Cipher) *SessionGormRepository {
	return &SessionGormRepository{db: db, cipher: cipher}
}

func (r *SessionGormRepository) Init(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&sessionModel{})
}

func (r *SessionGormRepository) Create(ctx context.Context, s session.Session) error {
	model, err := r.toModel(s)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return common.ErrDuplicateSession
		}
		return err
	}
	return nil
}

func (r *SessionGormRepository) Get(ctx context.Context, id string) (session.Session, error) {
	var m sessionModel
	if err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return session.Session{}, common.ErrSessionNotFound
		}
		return session.Session{}, err
	}
	return r.fromModel(m)
}

func (r *SessionGormRepository) GetByExternalID(ctx context.Context, t session.Type, externalID string) (session.Session, error) {
	var m sessionModel
	err := r.db.WithContext(ctx).
		Where("type = ? AND external_id = ?", string(t), externalID).
		First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return session.Session{}, common.ErrSessionNotFound
		}
		return session.Session{}, err
	}
	return r.fromModel(m)
}

// List returns every session of a workspace. An empty workspaceID lists all.
func (r *SessionGormRepository) List(ctx context.Context, workspaceID string) ([]session.Session, error) {
	q := r.db.WithContext(ctx).Order("created_at ASC")
	if workspaceID != "" {
		q = q.Where("workspace_id = ?", workspaceID)
	}
	var models []sessionModel
	if err := q.Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]session.Session, 0, len(models))
	for _, m := range models {
		s, err := r.fromModel(m)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, nil
}

func (r *SessionGormRepository) UpdateStatus(ctx context.Context, id string, status session.Status, lastError string) error {
	updates := map[string]any{
		"status":     string(status),
		"last_error": lastError,
		"updated_at": time.Now().UTC(),
	}
	if status == session.StatusConnected {
		updates["connected_at"] = time.Now().UTC()
	}
	res := r.db.WithContext(ctx).Model(&sessionModel{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return common.ErrSessionNotFound
	}
	return nil
}

func (r *SessionGormRepository) toModel(s session.Session) (sessionModel, error) {
	creds, err := r.cipher.EncryptMap(s.Credentials)
	if err != nil {
		return sessionModel{}, fmt.Errorf("seal credentials: %w", err)
	}
	return sessionModel{
		ID:             s.ID,
		WorkspaceID:    s.WorkspaceID,
		Type:           string(s.Type),
		Name:           s.Name,
		ExternalID:     s.ExternalID,
		Credentials:    datatypes.NewJSONType(creds),
		Status:         string(s.Status),
		RateLimitClass: s.RateLimitClass,
		BaseURL:        s.BaseURL,
		LastError:      s.LastError,
		ConnectedAt:    s.ConnectedAt,
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
	}, nil
}

func (r *SessionGormRepository) fromModel(m sessionModel) (session.Session, error) {
	creds, err := r.cipher.DecryptMap(m.Credentials.Data())
	if err != nil {
		return session.Session{}, fmt.Errorf("open credentials of session %s: %w", m.ID, err)
	}
	return session.Session{
		ID:             m.ID,
		WorkspaceID:    m.WorkspaceID,
		Type:           session.Type(m.Type),
		Name:           m.Name,
		ExternalID:     m.ExternalID,
		Credentials:    creds,
		Status:         session.Status(m.Status),
		RateLimitClass: m.RateLimitClass,
		BaseURL:        m.BaseURL,
		LastError:      m.LastError,
		ConnectedAt:    m.ConnectedAt,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}, nil
}
