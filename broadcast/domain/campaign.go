package domain

import (
	"context"
	"time"

	pkgError "github.com/AzielCF/az-dispatch/pkg/error"
	"github.com/AzielCF/az-dispatch/workspace/domain/channel"
)

type State string

const (
	StateDraft     State = "draft"
	StateScheduled State = "scheduled"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

var ErrCampaignNotFound = pkgError.NotFoundError("campaign not found")

var transitions = map[State][]State{
	StateDraft:     {StateScheduled, StateCancelled},
	StateScheduled: {StateRunning, StateFailed, StateCancelled},
	// A run stopped by the user ends failed; cancelled is for campaigns
	// that never started.
	StateRunning: {StateCompleted, StateFailed},
}

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Campaign is one payload sent to a snapshot of recipients through a single
// session.
type Campaign struct {
	ID              string          `json:"id"`
	WorkspaceID     string          `json:"workspace_id"`
	SessionID       string          `json:"session_id"`
	Name            string          `json:"name"`
	Payload         channel.Payload `json:"payload"`
	Recipients      []string        `json:"recipients,omitempty"`
	State           State           `json:"state"`
	SentCount       int             `json:"sent_count"`
	FailedCount     int             `json:"failed_count"`
	TotalRecipients int             `json:"total_recipients"`
	FailureReason   string          `json:"failure_reason,omitempty"`
	ScheduledAt     *time.Time      `json:"scheduled_at,omitempty"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	// CancelRequestedAt is set when a cancel arrives on a node that is not
	// running the campaign. The running node polls for it.
	CancelRequestedAt *time.Time `json:"cancel_requested_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

func (c Campaign) Processed() int { return c.SentCount + c.FailedCount }

// Changes are written together with a state transition. Nil fields are left
// untouched.
type Changes struct {
	ScheduledAt   *time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	FailureReason string
	// SentCount and FailedCount overwrite the counters when set.
	SentCount   *int
	FailedCount *int
}

type Repository interface {
	Create(ctx context.Context, c Campaign) error
	Get(ctx context.Context, id string) (Campaign, error)
	List(ctx context.Context, workspaceID string) ([]Campaign, error)
	// ListDue returns scheduled campaigns whose ScheduledAt is not after now.
	ListDue(ctx context.Context, now time.Time, limit int) ([]Campaign, error)
	// Transition moves the campaign from -> to only while it is still in
	// from. It reports whether the row changed.
	Transition(ctx context.Context, id string, from, to State, ch Changes) (bool, error)
	// AddCounters increments the counters atomically and refuses to push
	// sent+failed above the total.
	AddCounters(ctx context.Context, id string, sent, failed int) error
	// RequestCancel flags a running campaign for cancellation. It reports
	// false when the campaign is not running.
	RequestCancel(ctx context.Context, id string) (bool, error)
}

// CreateRequest starts a campaign in draft.
type CreateRequest struct {
	WorkspaceID string          `json:"workspace_id"`
	SessionID   string          `json:"session_id"`
	Name        string          `json:"name"`
	Payload     channel.Payload `json:"payload"`
	Recipients  []string        `json:"recipients"`
}

// ScheduleRequest moves a draft to scheduled. A nil or past At starts the
// campaign at once.
type ScheduleRequest struct {
	At *time.Time `json:"scheduled_at,omitempty"`
}
