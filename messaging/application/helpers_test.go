package application

import (
	"context"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/AzielCF/az-dispatch/core/config"
	"github.com/AzielCF/az-dispatch/core/database"
	"github.com/AzielCF/az-dispatch/messaging/repository"
	pkgError "github.com/AzielCF/az-dispatch/pkg/error"
	"github.com/AzielCF/az-dispatch/pkg/eventbus"
	"github.com/AzielCF/az-dispatch/pkg/ratelimit"
	"github.com/AzielCF/az-dispatch/workspace/domain/channel"
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

func (p *capturePublisher) ofType(t eventbus.Type) []eventbus.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []eventbus.Event
	for _, e := range p.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	messages      *repository.MessageGormRepository
	conversations *repository.ConversationGormRepository
	publisher     *capturePublisher
	tracker       *Tracker
	ledger        *Ledger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := database.NewDatabase(config.DatabaseConfig{
		Driver: "sqlite",
		Name:   filepath.Join(t.TempDir(), "messaging.db"),
	}, false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })

	f := &fixture{
		messages:      repository.NewMessageGormRepository(db),
		conversations: repository.NewConversationGormRepository(db),
		publisher:     &capturePublisher{},
	}
	require.NoError(t, f.messages.Init(context.Background()))
	require.NoError(t, f.conversations.Init(context.Background()))
	f.tracker = NewTracker(f.messages, f.publisher, nil)
	f.ledger = NewLedger(f.conversations, f.messages, f.publisher)
	return f
}

// scriptedAdapter answers Send from a per-recipient script of errors; a nil
// entry (or an exhausted script) succeeds.
type scriptedAdapter struct {
	mu      sync.Mutex
	script  map[string][]error
	calls   map[string]int
	counter int
}

func newScriptedAdapter() *scriptedAdapter {
	return &scriptedAdapter{script: map[string][]error{}, calls: map[string]int{}}
}

func (a *scriptedAdapter) Type() session.Type { return session.TypeWhatsApp }

func (a *scriptedAdapter) Send(_ context.Context, _ session.Session, recipient string, _ channel.Payload) (string, error) {
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

func openGates() *ratelimit.Registry {
	return ratelimit.NewRegistry(config.RateLimitConfig{
		Classes: map[string]config.BucketConfig{config.RateClassStandard: {Capacity: 1000, PerSecond: 0}},
	})
}

var (
	errTransient = pkgError.NewTransient("test", 503, nil)
	errPermanent = pkgError.NewPermanent("test", 400, "invalid recipient")
)
