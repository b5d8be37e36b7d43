package application

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/AzielCF/az-dispatch/core/config"
	"github.com/AzielCF/az-dispatch/core/database"
	"github.com/AzielCF/az-dispatch/infrastructure/providers"
	"github.com/AzielCF/az-dispatch/ingestion/domain"
	"github.com/AzielCF/az-dispatch/ingestion/repository"
	msgApp "github.com/AzielCF/az-dispatch/messaging/application"
	"github.com/AzielCF/az-dispatch/messaging/domain/conversation"
	"github.com/AzielCF/az-dispatch/messaging/domain/message"
	msgRepo "github.com/AzielCF/az-dispatch/messaging/repository"
	pkgError "github.com/AzielCF/az-dispatch/pkg/error"
	"github.com/AzielCF/az-dispatch/pkg/eventbus"
	"github.com/AzielCF/az-dispatch/workspace/domain/channel"
	"github.com/AzielCF/az-dispatch/workspace/domain/common"
	"github.com/AzielCF/az-dispatch/workspace/domain/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const webhookSecret = "s3cret"

type capturePublisher struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (p *capturePublisher) Publish(evt eventbus.Event) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return true
}

func (p *capturePublisher) count(t eventbus.Type) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

type stubSessions struct {
	sess    session.Session
	adapter channel.Adapter
}

func (s stubSessions) Resolve(_ context.Context, id string) (session.Session, channel.Adapter, error) {
	if id != s.sess.ID {
		return session.Session{}, nil, common.ErrSessionNotFound
	}
	return s.sess, s.adapter, nil
}

// sessionSet resolves several sessions sharing one adapter.
type sessionSet struct {
	sessions map[string]session.Session
	adapter  channel.Adapter
}

func (s sessionSet) Resolve(_ context.Context, id string) (session.Session, channel.Adapter, error) {
	sess, ok := s.sessions[id]
	if !ok {
		return session.Session{}, nil, common.ErrSessionNotFound
	}
	return sess, s.adapter, nil
}

// spyStore counts every call that reaches the idempotency store.
type spyStore struct {
	domain.Store
	mu    sync.Mutex
	calls int
}

func (s *spyStore) touch() {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
}

func (s *spyStore) Seen(ctx context.Context, p, id string) (bool, error) {
	s.touch()
	return s.Store.Seen(ctx, p, id)
}

func (s *spyStore) Claim(ctx context.Context, p, id string, ttl time.Duration) (bool, error) {
	s.touch()
	return s.Store.Claim(ctx, p, id, ttl)
}

func (s *spyStore) Record(ctx context.Context, p, id string) (bool, error) {
	s.touch()
	return s.Store.Record(ctx, p, id)
}

func (s *spyStore) Release(ctx context.Context, p, id string) error {
	s.touch()
	return s.Store.Release(ctx, p, id)
}

type flakyLedger struct {
	IncomingRecorder
	mu       sync.Mutex
	failNext bool
	calls    int
}

func (l *flakyLedger) RecordIncoming(ctx context.Context, sessionID string, evt channel.InboundEvent) (message.Message, conversation.Conversation, error) {
	l.mu.Lock()
	l.calls++
	fail := l.failNext
	l.failNext = false
	l.mu.Unlock()
	if fail {
		return message.Message{}, conversation.Conversation{}, errors.New("database is locked")
	}
	return l.IncomingRecorder.RecordIncoming(ctx, sessionID, evt)
}

type recordingReplier struct {
	mu     sync.Mutex
	events []channel.InboundEvent
}

func (r *recordingReplier) Run(_ context.Context, _ session.Session, _ channel.Adapter, evt channel.InboundEvent, _ conversation.Conversation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

type pipelineFixture struct {
	pipeline  *Pipeline
	store     *spyStore
	ledger    *flakyLedger
	tracker   *msgApp.Tracker
	messages  *msgRepo.MessageGormRepository
	publisher *capturePublisher
	replier   *recordingReplier
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()
	db, err := database.NewDatabase(config.DatabaseConfig{
		Driver: "sqlite",
		Name:   filepath.Join(t.TempDir(), "ingestion.db"),
	}, false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })

	ctx := context.Background()
	store := repository.NewIdempotencyGormStore(db)
	messages := msgRepo.NewMessageGormRepository(db)
	conversations := msgRepo.NewConversationGormRepository(db)
	require.NoError(t, store.Init(ctx))
	require.NoError(t, messages.Init(ctx))
	require.NoError(t, conversations.Init(ctx))

	f := &pipelineFixture{
		store:     &spyStore{Store: store},
		messages:  messages,
		publisher: &capturePublisher{},
		replier:   &recordingReplier{},
	}
	f.tracker = msgApp.NewTracker(messages, f.publisher, nil)
	f.ledger = &flakyLedger{IncomingRecorder: msgApp.NewLedger(conversations, messages, f.publisher)}

	sessions := stubSessions{
		sess: session.Session{
			ID:          "s1",
			Type:        session.TypeWhatsApp,
			Status:      session.StatusConnected,
			Credentials: map[string]string{session.CredWebhookSecret: webhookSecret},
		},
		adapter: providers.NewGatewayAdapter(nil, ""),
	}
	f.pipeline = NewPipeline(sessions, f.store, f.tracker, f.ledger, f.replier, nil, time.Minute)
	return f
}

func signed(body string) channel.InboundRequest {
	return channel.InboundRequest{
		Headers:  map[string]string{"x-gateway-secret": webhookSecret},
		Body:     []byte(body),
		RemoteIP: "10.0.0.9",
	}
}

const incomingBody = `{"event_id":"evt-1","type":"message","message":{"id":"wamid-in-1","from":"5511","from_name":"Ana","type":"text","text":"hello","timestamp":1718000000}}`

func TestPipeline_RejectsBadSignatureBeforeAnything(t *testing.T) {
	f := newPipelineFixture(t)
	req := signed(incomingBody)
	req.Headers["x-gateway-secret"] = "guess"

	_, err := f.pipeline.Ingest(context.Background(), "s1", req)
	assert.ErrorIs(t, err, pkgError.ErrSignatureVerificationFailed)
	assert.Zero(t, f.store.calls)
	assert.Zero(t, f.ledger.calls)
	assert.Zero(t, f.publisher.count(eventbus.IncomingMessage))

	_, err = f.pipeline.Ingest(context.Background(), "s1", channel.InboundRequest{Body: []byte(incomingBody)})
	assert.ErrorIs(t, err, pkgError.ErrSignatureVerificationFailed)
	assert.Zero(t, f.store.calls)
}

func TestPipeline_UnknownSession(t *testing.T) {
	f := newPipelineFixture(t)
	_, err := f.pipeline.Ingest(context.Background(), "nope", signed(incomingBody))
	assert.ErrorIs(t, err, common.ErrSessionNotFound)
}

func TestPipeline_IncomingMessageOnce(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()

	res, err := f.pipeline.Ingest(ctx, "s1", signed(incomingBody))
	require.NoError(t, err)
	assert.Equal(t, Result{Processed: 1}, res)

	res, err = f.pipeline.Ingest(ctx, "s1", signed(incomingBody))
	require.NoError(t, err)
	assert.Equal(t, Result{Duplicates: 1}, res)

	assert.Equal(t, 1, f.ledger.calls)
	assert.Equal(t, 1, f.publisher.count(eventbus.IncomingMessage))
	require.Len(t, f.replier.events, 1)
	assert.Equal(t, "hello", f.replier.events[0].Content)

	stored, err := f.messages.GetByProviderID(ctx, "s1", "wamid-in-1")
	require.NoError(t, err)
	assert.Equal(t, message.StatusDelivered, stored.Status)
	assert.Equal(t, message.DirectionIncoming, stored.Direction)
}

func TestPipeline_DuplicateDeliveredReceipt(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()

	pending, err := f.tracker.CreatePending(ctx, message.Message{SessionID: "s1", CustomerID: "5511", Content: "promo"})
	require.NoError(t, err)
	require.NoError(t, f.tracker.MarkSent(ctx, pending.ID, "wamid-out-1"))

	delivered := `{"event_id":"st-1","type":"status","status":{"id":"wamid-out-1","status":"delivered","timestamp":1718000100}}`
	res, err := f.pipeline.Ingest(ctx, "s1", signed(delivered))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)

	res, err = f.pipeline.Ingest(ctx, "s1", signed(delivered))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Duplicates)

	// Same receipt under a new event id: accepted, but not applied again.
	again := `{"event_id":"st-2","type":"status","status":{"id":"wamid-out-1","status":"DELIVERED","timestamp":1718000101}}`
	res, err = f.pipeline.Ingest(ctx, "s1", signed(again))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)

	got, err := f.messages.Get(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, message.StatusDelivered, got.Status)

	statusEvents := 0
	f.publisher.mu.Lock()
	for _, e := range f.publisher.events {
		if d, ok := e.Data.(eventbus.MessageStatusData); ok && e.Type == eventbus.MessageStatus && d.Status == string(message.StatusDelivered) {
			statusEvents++
		}
	}
	f.publisher.mu.Unlock()
	assert.Equal(t, 1, statusEvents)
}

func TestPipeline_UnmatchedStatusIsHandled(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()
	body := `{"event_id":"st-9","type":"status","status":{"id":"wamid-unknown","status":"read"}}`

	res, err := f.pipeline.Ingest(ctx, "s1", signed(body))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)

	res, err = f.pipeline.Ingest(ctx, "s1", signed(body))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Duplicates)
}

func TestPipeline_MalformedPayloadIsDropped(t *testing.T) {
	f := newPipelineFixture(t)
	res, err := f.pipeline.Ingest(context.Background(), "s1", signed(`{"type":"message"`))
	require.NoError(t, err)
	assert.Equal(t, Result{Dropped: 1}, res)
}

func TestPipeline_FailureReleasesClaim(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()
	f.ledger.failNext = true

	_, err := f.pipeline.Ingest(ctx, "s1", signed(incomingBody))
	require.Error(t, err)

	// The provider retries; the event is processed this time.
	res, err := f.pipeline.Ingest(ctx, "s1", signed(incomingBody))
	require.NoError(t, err)
	assert.Equal(t, Result{Processed: 1}, res)
	assert.Equal(t, 2, f.ledger.calls)
}

func TestPipeline_BatchMixesNewAndDuplicate(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()
	_, err := f.pipeline.Ingest(ctx, "s1", signed(incomingBody))
	require.NoError(t, err)

	batch := `[` + incomingBody + `,{"event_id":"evt-2","type":"message","message":{"id":"wamid-in-2","from":"5511","text":"still there?"}},{"event_id":"evt-3","type":"presence"}]`
	res, err := f.pipeline.Ingest(ctx, "s1", signed(batch))
	require.NoError(t, err)
	assert.Equal(t, Result{Processed: 1, Duplicates: 1}, res)
}

func TestPipeline_SameEventIDOnTwoSessions(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()
	tenant := func(id string) session.Session {
		return session.Session{
			ID:          id,
			Type:        session.TypeWhatsApp,
			Status:      session.StatusConnected,
			Credentials: map[string]string{session.CredWebhookSecret: webhookSecret},
		}
	}
	f.pipeline.sessions = sessionSet{
		sessions: map[string]session.Session{"tenant-a": tenant("tenant-a"), "tenant-b": tenant("tenant-b")},
		adapter:  providers.NewGatewayAdapter(nil, ""),
	}

	res, err := f.pipeline.Ingest(ctx, "tenant-a", signed(incomingBody))
	require.NoError(t, err)
	assert.Equal(t, Result{Processed: 1}, res)

	other := `{"event_id":"evt-1","type":"message","message":{"id":"wamid-b-1","from":"5599","text":"order status?"}}`
	res, err = f.pipeline.Ingest(ctx, "tenant-b", signed(other))
	require.NoError(t, err)
	assert.Equal(t, Result{Processed: 1}, res)

	assert.Equal(t, 2, f.ledger.calls)
	require.Len(t, f.replier.events, 2)
	assert.Equal(t, "order status?", f.replier.events[1].Content)

	stored, err := f.messages.GetByProviderID(ctx, "tenant-b", "wamid-b-1")
	require.NoError(t, err)
	assert.Equal(t, "5599", stored.CustomerID)

	// Each tenant still dedupes its own retries.
	res, err = f.pipeline.Ingest(ctx, "tenant-b", signed(other))
	require.NoError(t, err)
	assert.Equal(t, Result{Duplicates: 1}, res)
}

func TestPipeline_Handshake(t *testing.T) {
	meta := providers.NewMetaAdapter(nil, session.TypeMessenger, "", "")
	p := NewPipeline(stubSessions{
		sess:    session.Session{ID: "m1", Type: session.TypeMessenger, Credentials: map[string]string{session.CredVerifyToken: "tok"}},
		adapter: meta,
	}, nil, nil, nil, nil, nil, 0)

	challenge, err := p.Handshake(context.Background(), "m1", map[string]string{
		"hub.mode": "subscribe", "hub.verify_token": "tok", "hub.challenge": "12345",
	})
	require.NoError(t, err)
	assert.Equal(t, "12345", challenge)

	_, err = p.Handshake(context.Background(), "m1", map[string]string{
		"hub.mode": "subscribe", "hub.verify_token": "bad", "hub.challenge": "12345",
	})
	assert.ErrorIs(t, err, pkgError.ErrSignatureVerificationFailed)

	gw := NewPipeline(stubSessions{sess: session.Session{ID: "g1"}, adapter: providers.NewGatewayAdapter(nil, "")}, nil, nil, nil, nil, nil, 0)
	_, err = gw.Handshake(context.Background(), "g1", nil)
	var vErr pkgError.ValidationError
	assert.ErrorAs(t, err, &vErr)
}
