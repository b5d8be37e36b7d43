package domain

import (
	"context"
	"time"

	pkgError "github.com/AzielCF/az-dispatch/pkg/error"
	"github.com/AzielCF/az-dispatch/workspace/domain/channel"
)

type TriggerType string

const (
	TriggerKeyword  TriggerType = "keyword"
	TriggerContains TriggerType = "contains"
	TriggerExact    TriggerType = "exact"
	TriggerRegex    TriggerType = "regex"
	TriggerAll      TriggerType = "all"
)

func (t TriggerType) Valid() bool {
	switch t {
	case TriggerKeyword, TriggerContains, TriggerExact, TriggerRegex, TriggerAll:
		return true
	}
	return false
}

var ErrRuleNotFound = pkgError.NotFoundError("auto-reply rule not found")

// Rule answers incoming messages of one session. Reply text may use the
// {{contact_name}} and {{message}} placeholders.
type Rule struct {
	ID           string          `json:"id"`
	SessionID    string          `json:"session_id"`
	Name         string          `json:"name,omitempty"`
	TriggerType  TriggerType     `json:"trigger_type"`
	TriggerValue string          `json:"trigger_value"`
	Reply        channel.Payload `json:"reply"`
	Priority     int             `json:"priority"`
	IsActive     bool            `json:"is_active"`
	UsageCount   int64           `json:"usage_count"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// RuleRequest creates or replaces a rule. IsActive defaults to true on
// create.
type RuleRequest struct {
	Name         string          `json:"name"`
	TriggerType  TriggerType     `json:"trigger_type"`
	TriggerValue string          `json:"trigger_value"`
	Reply        channel.Payload `json:"reply"`
	Priority     int             `json:"priority"`
	IsActive     *bool           `json:"is_active,omitempty"`
}

type Repository interface {
	Create(ctx context.Context, r Rule) error
	Update(ctx context.Context, r Rule) error
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (Rule, error)
	ListBySession(ctx context.Context, sessionID string, activeOnly bool) ([]Rule, error)
	IncrementUsage(ctx context.Context, id string) error
}
