package application

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/AzielCF/az-dispatch/broadcast/domain"
	pkgError "github.com/AzielCF/az-dispatch/pkg/error"
	"github.com/AzielCF/az-dispatch/validations"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Controller is what the service needs from the executor.
type Controller interface {
	Starter
	Cancel(campaignID string) bool
}

type Service struct {
	campaigns domain.Repository
	sessions  SessionResolver
	executor  Controller
}

func NewService(campaigns domain.Repository, sessions SessionResolver, executor Controller) *Service {
	return &Service{campaigns: campaigns, sessions: sessions, executor: executor}
}

// Create stores a draft. Recipients are trimmed and deduplicated; the
// snapshot taken here is what the campaign sends to.
func (s *Service) Create(ctx context.Context, req domain.CreateRequest) (domain.Campaign, error) {
	req.Recipients = dedupe(req.Recipients)
	if err := validations.ValidateCreateCampaign(ctx, req); err != nil {
		return domain.Campaign{}, err
	}
	sess, _, err := s.sessions.Resolve(ctx, req.SessionID)
	if err != nil {
		return domain.Campaign{}, err
	}
	workspaceID := req.WorkspaceID
	if workspaceID == "" {
		workspaceID = sess.WorkspaceID
	}
	if workspaceID != sess.WorkspaceID {
		return domain.Campaign{}, pkgError.ValidationError("session belongs to another workspace")
	}

	now := time.Now().UTC()
	c := domain.Campaign{
		ID:              uuid.NewString(),
		WorkspaceID:     workspaceID,
		SessionID:       req.SessionID,
		Name:            strings.TrimSpace(req.Name),
		Payload:         req.Payload,
		Recipients:      req.Recipients,
		State:           domain.StateDraft,
		TotalRecipients: len(req.Recipients),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.campaigns.Create(ctx, c); err != nil {
		return domain.Campaign{}, fmt.Errorf("failed to create campaign: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"campaign_id": c.ID,
		"session_id":  c.SessionID,
		"recipients":  c.TotalRecipients,
	}).Info("[CAMPAIGN] Created")
	return c, nil
}

// Schedule moves a draft to scheduled. Without a future time the campaign
// starts right away; otherwise the scheduler picks it up.
func (s *Service) Schedule(ctx context.Context, id string, req domain.ScheduleRequest) (domain.Campaign, error) {
	now := time.Now().UTC()
	at := now
	if req.At != nil && req.At.After(now) {
		at = req.At.UTC()
	}
	ok, err := s.campaigns.Transition(ctx, id, domain.StateDraft, domain.StateScheduled, domain.Changes{ScheduledAt: &at})
	if err != nil {
		return domain.Campaign{}, err
	}
	if !ok {
		return s.rejectTransition(ctx, id, domain.StateScheduled)
	}
	if !at.After(now) {
		if err := s.executor.Start(ctx, id); err != nil {
			return domain.Campaign{}, err
		}
	}
	return s.campaigns.Get(ctx, id)
}

// Cancel stops a running campaign, which then ends failed, or closes a draft
// or scheduled one before it starts.
func (s *Service) Cancel(ctx context.Context, id string) (domain.Campaign, error) {
	if s.executor.Cancel(id) {
		return s.campaigns.Get(ctx, id)
	}
	reason := domain.Changes{CompletedAt: now(), FailureReason: reasonCancelled}
	for _, from := range []domain.State{domain.StateDraft, domain.StateScheduled} {
		ok, err := s.campaigns.Transition(ctx, id, from, domain.StateCancelled, reason)
		if err != nil {
			return domain.Campaign{}, err
		}
		if ok {
			logrus.WithField("campaign_id", id).Info("[CAMPAIGN] Cancelled before start")
			return s.campaigns.Get(ctx, id)
		}
	}
	// It may have started between the two checks.
	if s.executor.Cancel(id) {
		return s.campaigns.Get(ctx, id)
	}
	// Running on another node; its executor polls for the flag.
	ok, err := s.campaigns.RequestCancel(ctx, id)
	if err != nil {
		return domain.Campaign{}, err
	}
	if ok {
		logrus.WithField("campaign_id", id).Info("[CAMPAIGN] Cancellation recorded for the running node")
		return s.campaigns.Get(ctx, id)
	}
	return s.rejectTransition(ctx, id, domain.StateCancelled)
}

func (s *Service) Get(ctx context.Context, id string) (domain.Campaign, error) {
	return s.campaigns.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, workspaceID string) ([]domain.Campaign, error) {
	return s.campaigns.List(ctx, workspaceID)
}

func (s *Service) rejectTransition(ctx context.Context, id string, to domain.State) (domain.Campaign, error) {
	c, err := s.campaigns.Get(ctx, id)
	if err != nil {
		return domain.Campaign{}, err
	}
	return c, fmt.Errorf("campaign %s cannot go from %s to %s: %w", id, c.State, to, pkgError.ErrInvalidTransition)
}

func dedupe(recipients []string) []string {
	seen := make(map[string]struct{}, len(recipients))
	out := make([]string, 0, len(recipients))
	for _, r := range recipients {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}
