package application

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/AzielCF/az-dispatch/core/config"
	"github.com/AzielCF/az-dispatch/pkg/eventbus"
	"github.com/AzielCF/az-dispatch/validations"
	"github.com/AzielCF/az-dispatch/workspace/domain/channel"
	"github.com/AzielCF/az-dispatch/workspace/domain/common"
	"github.com/AzielCF/az-dispatch/workspace/domain/session"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// SessionService owns the lifecycle of channel sessions and maps each one to
// its provider adapter.
type SessionService struct {
	repo      session.Repository
	resolver  channel.Resolver
	publisher eventbus.Publisher

	hooksMu sync.RWMutex
	// OnDisconnect hooks release per-session resources (gates, pools).
	onDisconnect []func(sessionID string)
}

func NewSessionService(repo session.Repository, resolver channel.Resolver, publisher eventbus.Publisher) *SessionService {
	return &SessionService{
		repo:      repo,
		resolver:  resolver,
		publisher: publisher,
	}
}

// OnDisconnect registers a hook run after a session leaves the connected
// state, either by Disconnect or MarkExpired.
func (s *SessionService) OnDisconnect(fn func(sessionID string)) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.onDisconnect = append(s.onDisconnect, fn)
}

func (s *SessionService) Create(ctx context.Context, in session.CreateRequest) (session.Session, error) {
	if !in.Type.Valid() {
		return session.Session{}, fmt.Errorf("%w: %s", common.ErrUnsupportedType, in.Type)
	}
	if err := validations.ValidateCreateSession(ctx, in); err != nil {
		return session.Session{}, err
	}
	class := strings.ToLower(strings.TrimSpace(in.RateLimitClass))
	if class == "" {
		class = config.RateClassStandard
	}

	now := time.Now().UTC()
	sess := session.Session{
		ID:             uuid.NewString(),
		WorkspaceID:    in.WorkspaceID,
		Type:           in.Type,
		Name:           in.Name,
		ExternalID:     in.ExternalID,
		Credentials:    in.Credentials,
		Status:         session.StatusConnecting,
		RateLimitClass: class,
		BaseURL:        in.BaseURL,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	// Fails early when no adapter can serve this combination of type and
	// credentials.
	if _, err := s.resolver.For(sess); err != nil {
		return session.Session{}, err
	}

	if err := s.repo.Create(ctx, sess); err != nil {
		return session.Session{}, fmt.Errorf("failed to create session: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"session_id": sess.ID,
		"type":       sess.Type,
		"workspace":  sess.WorkspaceID,
	}).Info("[SESSION] Created")
	return sess, nil
}

func (s *SessionService) Get(ctx context.Context, id string) (session.Session, error) {
	return s.repo.Get(ctx, id)
}

func (s *SessionService) List(ctx context.Context, workspaceID string) ([]session.Session, error) {
	return s.repo.List(ctx, workspaceID)
}

// Resolve loads a session together with the adapter that serves it.
func (s *SessionService) Resolve(ctx context.Context, id string) (session.Session, channel.Adapter, error) {
	sess, err := s.repo.Get(ctx, id)
	if err != nil {
		return session.Session{}, nil, err
	}
	adapter, err := s.resolver.For(sess)
	if err != nil {
		return session.Session{}, nil, err
	}
	return sess, adapter, nil
}

func (s *SessionService) Connect(ctx context.Context, id string) (session.Session, error) {
	sess, err := s.repo.Get(ctx, id)
	if err != nil {
		return session.Session{}, err
	}
	if sess.Status == session.StatusConnected {
		return sess, nil
	}
	if err := s.repo.UpdateStatus(ctx, id, session.StatusConnected, ""); err != nil {
		return session.Session{}, err
	}
	sess.Status = session.StatusConnected
	sess.LastError = ""

	s.publish(eventbus.SessionConnected, sess, "")
	logrus.WithField("session_id", id).Info("[SESSION] Connected")
	return s.repo.Get(ctx, id)
}

// Disconnect is the soft removal of a session. It stays in storage so that
// its conversations and campaigns keep their history.
func (s *SessionService) Disconnect(ctx context.Context, id string) (session.Session, error) {
	return s.leave(ctx, id, session.StatusDisconnected, "")
}

// MarkExpired is called when a provider reports the session's credentials as
// revoked.
func (s *SessionService) MarkExpired(ctx context.Context, id, reason string) error {
	_, err := s.leave(ctx, id, session.StatusExpired, reason)
	return err
}

func (s *SessionService) leave(ctx context.Context, id string, status session.Status, reason string) (session.Session, error) {
	sess, err := s.repo.Get(ctx, id)
	if err != nil {
		return session.Session{}, err
	}
	if sess.Status == status {
		return sess, nil
	}
	if err := s.repo.UpdateStatus(ctx, id, status, reason); err != nil {
		return session.Session{}, err
	}
	wasConnected := sess.Status == session.StatusConnected
	sess.Status = status
	sess.LastError = reason

	s.hooksMu.RLock()
	hooks := append([]func(string){}, s.onDisconnect...)
	s.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(id)
	}

	if wasConnected {
		s.publish(eventbus.SessionDisconnected, sess, reason)
	}
	logrus.WithFields(logrus.Fields{
		"session_id": id,
		"status":     status,
		"reason":     reason,
	}).Warn("[SESSION] Left connected state")
	return sess, nil
}

func (s *SessionService) publish(t eventbus.Type, sess session.Session, reason string) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(eventbus.NewSessionEvent(t, sess.ID, eventbus.SessionData{
		SessionID:   sess.ID,
		ChannelType: string(sess.Type),
		Status:      string(sess.Status),
		Reason:      reason,
	}))
}
