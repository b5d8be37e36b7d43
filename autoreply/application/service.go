package application

import (
	"context"
	"strings"
	"time"

	"github.com/AzielCF/az-dispatch/autoreply/domain"
	"github.com/AzielCF/az-dispatch/validations"
	"github.com/AzielCF/az-dispatch/workspace/domain/session"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type SessionGetter interface {
	Get(ctx context.Context, id string) (session.Session, error)
}

// RuleService manages the auto-reply rules of a session.
type RuleService struct {
	rules    domain.Repository
	sessions SessionGetter
}

func NewRuleService(rules domain.Repository, sessions SessionGetter) *RuleService {
	return &RuleService{rules: rules, sessions: sessions}
}

func (s *RuleService) Create(ctx context.Context, sessionID string, req domain.RuleRequest) (domain.Rule, error) {
	if err := validations.ValidateRule(ctx, req); err != nil {
		return domain.Rule{}, err
	}
	if _, err := s.sessions.Get(ctx, sessionID); err != nil {
		return domain.Rule{}, err
	}

	now := time.Now().UTC()
	rule := domain.Rule{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	apply(&rule, req)
	if err := s.rules.Create(ctx, rule); err != nil {
		return domain.Rule{}, err
	}
	logrus.WithFields(logrus.Fields{
		"rule_id":    rule.ID,
		"session_id": sessionID,
		"trigger":    rule.TriggerType,
	}).Info("[AUTOREPLY] Rule created")
	return rule, nil
}

func (s *RuleService) Update(ctx context.Context, id string, req domain.RuleRequest) (domain.Rule, error) {
	if err := validations.ValidateRule(ctx, req); err != nil {
		return domain.Rule{}, err
	}
	rule, err := s.rules.Get(ctx, id)
	if err != nil {
		return domain.Rule{}, err
	}
	apply(&rule, req)
	if err := s.rules.Update(ctx, rule); err != nil {
		return domain.Rule{}, err
	}
	return s.rules.Get(ctx, id)
}

func (s *RuleService) Delete(ctx context.Context, id string) error {
	return s.rules.Delete(ctx, id)
}

func (s *RuleService) Get(ctx context.Context, id string) (domain.Rule, error) {
	return s.rules.Get(ctx, id)
}

// List returns every rule of the session, inactive ones included, in
// evaluation order.
func (s *RuleService) List(ctx context.Context, sessionID string) ([]domain.Rule, error) {
	return s.rules.ListBySession(ctx, sessionID, false)
}

func apply(rule *domain.Rule, req domain.RuleRequest) {
	rule.Name = strings.TrimSpace(req.Name)
	rule.TriggerType = req.TriggerType
	rule.TriggerValue = req.TriggerValue
	rule.Reply = req.Reply
	rule.Priority = req.Priority
	if req.IsActive != nil {
		rule.IsActive = *req.IsActive
	}
}
