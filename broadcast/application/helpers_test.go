package application

import (
	"context"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/AzielCF/az-dispatch/broadcast/domain"
	"github.com/AzielCF/az-dispatch/broadcast/repository"
	"github.com/AzielCF/az-dispatch/core/config"
	"github.com/AzielCF/az-dispatch/core/database"
	msgApp "github.com/AzielCF/az-dispatch/messaging/application"
	msgRepo "github.com/AzielCF/az-dispatch/messaging/repository"
	pkgError "github.com/AzielCF/az-dispatch/pkg/error"
	"github.com/AzielCF/az-dispatch/pkg/eventbus"
	"github.com/AzielCF/az-dispatch/pkg/msgworker"
	"github.com/AzielCF/az-dispatch/pkg/ratelimit"
	"github.com/AzielCF/az-dispatch/workspace/domain/channel"
	"github.com/AzielCF/az-dispatch/workspace/domain/common"
	"github.com/AzielCF/az-dispatch/workspace/domain/session"
	"github.com/stretchr/testify/require"
)

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

func (p *capturePublisher) ofType(t eventbus.Type) []eventbus.BroadcastData {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []eventbus.BroadcastData
	for _, e := range p.events {
		if e.Type == t {
			out = append(out, e.Data.(eventbus.BroadcastData))
		}
	}
	return out
}

// scriptedAdapter fails a recipient's sends in the scripted order; an
// exhausted script succeeds. gate, when set, blocks every send until closed.
type scriptedAdapter struct {
	mu      sync.Mutex
	script  map[string][]error
	calls   map[string]int
	counter int

	started chan string
	gate    chan struct{}
}

func newScriptedAdapter() *scriptedAdapter {
	return &scriptedAdapter{script: map[string][]error{}, calls: map[string]int{}}
}

func (a *scriptedAdapter) Type() session.Type { return session.TypeWhatsApp }

func (a *scriptedAdapter) Send(_ context.Context, _ session.Session, recipient string, _ channel.Payload) (string, error) {
	if a.started != nil {
		select {
		case a.started <- recipient:
		default:
		}
	}
	if a.gate != nil {
		<-a.gate
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	n := a.calls[recipient]
	a.calls[recipient]++
	if steps := a.script[recipient]; n < len(steps) && steps[n] != nil {
		return "", steps[n]
	}
	a.counter++
	return "wamid-" + strconv.Itoa(a.counter), nil
}

func (a *scriptedAdapter) NormalizeInbound([]byte) ([]channel.InboundEvent, error) { return nil, nil }

func (a *scriptedAdapter) VerifySignature(session.Session, channel.InboundRequest) bool { return true }

func (a *scriptedAdapter) callsFor(recipient string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[recipient]
}

type stubSessions struct {
	sessions map[string]session.Session
	adapter  channel.Adapter
}

func (s *stubSessions) Resolve(_ context.Context, id string) (session.Session, channel.Adapter, error) {
	sess, ok := s.sessions[id]
	if !ok {
		return session.Session{}, nil, common.ErrSessionNotFound
	}
	return sess, s.adapter, nil
}

type fixture struct {
	campaigns *repository.CampaignGormRepository
	messages  *msgRepo.MessageGormRepository
	adapter   *scriptedAdapter
	sessions  *stubSessions
	publisher *capturePublisher
	pools     *msgworker.Registry
	executor  *Executor
	service   *Service
}

func newFixture(t *testing.T, workers, queue int) *fixture {
	t.Helper()
	db, err := database.NewDatabase(config.DatabaseConfig{
		Driver: "sqlite",
		Name:   filepath.Join(t.TempDir(), "broadcast.db"),
	}, false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })

	ctx := context.Background()
	campaigns := repository.NewCampaignGormRepository(db)
	messages := msgRepo.NewMessageGormRepository(db)
	conversations := msgRepo.NewConversationGormRepository(db)
	require.NoError(t, campaigns.Init(ctx))
	require.NoError(t, messages.Init(ctx))
	require.NoError(t, conversations.Init(ctx))

	gates := ratelimit.NewRegistry(config.RateLimitConfig{
		Classes: map[string]config.BucketConfig{config.RateClassStandard: {Capacity: 1000, PerSecond: 0}},
	})
	dispatcher := msgApp.NewDispatcher(
		msgApp.NewTracker(messages, nil, nil),
		msgApp.NewLedger(conversations, messages, nil),
		gates, nil,
	)

	f := &fixture{
		campaigns: campaigns,
		messages:  messages,
		adapter:   newScriptedAdapter(),
		publisher: &capturePublisher{},
		pools:     msgworker.NewRegistry(workers, queue),
	}
	t.Cleanup(f.pools.StopAll)
	f.sessions = &stubSessions{
		adapter: f.adapter,
		sessions: map[string]session.Session{
			"s1": {ID: "s1", WorkspaceID: "ws", Type: session.TypeWhatsApp, Status: session.StatusConnected, RateLimitClass: config.RateClassStandard},
			"s2": {ID: "s2", WorkspaceID: "ws", Type: session.TypeWhatsApp, Status: session.StatusDisconnected},
		},
	}
	f.executor = NewExecutor(campaigns, f.sessions, dispatcher, f.pools, f.publisher, nil, config.CampaignConfig{
		MaxAttempts:        3,
		BackoffBase:        time.Millisecond,
		BackoffMax:         5 * time.Millisecond,
		ProgressEvery:      5,
		CancelPollInterval: 5 * time.Millisecond,
	})
	f.service = NewService(campaigns, f.sessions, f.executor)
	return f
}

// scheduled stores a campaign already in the scheduled state.
func (f *fixture) scheduled(t *testing.T, sessionID string, recipients ...string) domain.Campaign {
	t.Helper()
	c, err := f.service.Create(context.Background(), domain.CreateRequest{
		SessionID:  sessionID,
		Name:       "promo",
		Payload:    channel.Payload{ContentType: channel.ContentText, Text: "hello"},
		Recipients: recipients,
	})
	require.NoError(t, err)
	at := time.Now().UTC().Add(time.Hour)
	ok, err := f.campaigns.Transition(context.Background(), c.ID, domain.StateDraft, domain.StateScheduled, domain.Changes{ScheduledAt: &at})
	require.NoError(t, err)
	require.True(t, ok)
	return c
}

func recipients(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = "5100" + strconv.Itoa(i)
	}
	return out
}

var (
	errTransient = pkgError.NewTransient("test", 503, nil)
	errPermanent = pkgError.NewPermanent("test", 400, "invalid recipient")
)

func (f *fixture) textPayload() channel.Payload {
	return channel.Payload{ContentType: channel.ContentText, Text: "hello"}
}
