package session

import (
	"context"
	"time"
)

type Type string

const (
	TypeWhatsApp  Type = "whatsapp"
	TypeTelegram  Type = "telegram"
	TypeMessenger Type = "messenger"
	TypeInstagram Type = "instagram"
)

func (t Type) Valid() bool {
	switch t {
	case TypeWhatsApp, TypeTelegram, TypeMessenger, TypeInstagram:
		return true
	}
	return false
}

type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusExpired      Status = "expired"
)

// Credential keys understood by the provider adapters.
const (
	CredAccessToken   = "access_token"
	CredAppSecret     = "app_secret"
	CredVerifyToken   = "verify_token"
	CredWebhookSecret = "webhook_secret"
	CredBotToken      = "bot_token"
	CredAPIKey        = "api_key"
	// CredProvider selects the WhatsApp backend: "cloud" (Meta) or "gateway".
	CredProvider = "provider"
)

// Session is an authenticated binding between a workspace and a provider
// account.
type Session struct {
	ID             string            `json:"id"`
	WorkspaceID    string            `json:"workspace_id"`
	Type           Type              `json:"type"`
	Name           string            `json:"name"`
	ExternalID     string            `json:"external_id"`
	Credentials    map[string]string `json:"-"`
	Status         Status            `json:"status"`
	RateLimitClass string            `json:"rate_limit_class"`
	BaseURL        string            `json:"base_url,omitempty"`
	LastError      string            `json:"last_error,omitempty"`
	ConnectedAt    *time.Time        `json:"connected_at,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

func (s Session) Credential(key string) string {
	if s.Credentials == nil {
		return ""
	}
	return s.Credentials[key]
}

func (s Session) IsConnected() bool { return s.Status == StatusConnected }

// CreateRequest is what a successful pairing or registration hands over.
type CreateRequest struct {
	WorkspaceID    string            `json:"workspace_id"`
	Type           Type              `json:"type"`
	Name           string            `json:"name"`
	ExternalID     string            `json:"external_id"`
	Credentials    map[string]string `json:"credentials"`
	RateLimitClass string            `json:"rate_limit_class"`
	BaseURL        string            `json:"base_url"`
}

type Repository interface {
	Create(ctx context.Context, s Session) error
	Get(ctx context.Context, id string) (Session, error)
	GetByExternalID(ctx context.Context, t Type, externalID string) (Session, error)
	List(ctx context.Context, workspaceID string) ([]Session, error)
	UpdateStatus(ctx context.Context, id string, status Status, lastError string) error
}
