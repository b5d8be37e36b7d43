package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/AzielCF/az-dispatch/core/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case evt, ok := <-sub.C:
		require.True(t, ok, "subscription closed")
		return evt
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestBus_RoutesByKey(t *testing.T) {
	bus := NewBus(16, 4)
	bus.Start()
	defer bus.Close()

	s1 := bus.Subscribe(SessionKey("s1"))
	c1 := bus.Subscribe(CampaignKey("c1"))
	all := bus.Subscribe(Wildcard)

	require.True(t, bus.Publish(NewSessionEvent(SessionConnected, "s1", nil)))
	require.True(t, bus.Publish(NewCampaignEvent(BroadcastStarted, "c1", "s1", nil)))

	assert.Equal(t, SessionConnected, recv(t, s1).Type)
	assert.Equal(t, BroadcastStarted, recv(t, c1).Type)
	assert.Equal(t, SessionConnected, recv(t, all).Type)
	assert.Equal(t, BroadcastStarted, recv(t, all).Type)

	select {
	case evt := <-s1.C:
		t.Fatalf("session subscriber got campaign event %s", evt.Type)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestBus_PublishNeverBlocks(t *testing.T) {
	bus := NewBus(2, 1)
	// dispatcher not started: the buffer fills up
	var dropped int
	bus.OnDrop = func(Event) { dropped++ }

	assert.True(t, bus.Publish(Event{Type: MessageSent, Key: "session:s1"}))
	assert.True(t, bus.Publish(Event{Type: MessageSent, Key: "session:s1"}))

	start := time.Now()
	assert.False(t, bus.Publish(Event{Type: MessageSent, Key: "session:s1"}))
	assert.Less(t, time.Since(start), 10*time.Millisecond)
	assert.Equal(t, 1, dropped)
	assert.Equal(t, int64(1), bus.Dropped())
}

func TestBus_SlowSubscriberDoesNotBlockOthers(t *testing.T) {
	bus := NewBus(64, 2)
	bus.Start()
	defer bus.Close()

	slow := bus.Subscribe(CampaignKey("c1"))
	fast := bus.Subscribe(CampaignKey("c1"))

	var got []Event
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for evt := range fast.C {
			got = append(got, evt)
			if len(got) == 10 {
				return
			}
		}
	}()

	for i := 0; i < 10; i++ {
		bus.Publish(NewCampaignEvent(BroadcastProgress, "c1", "s1", BroadcastData{SentCount: i}))
		time.Sleep(time.Millisecond)
	}
	wg.Wait()

	assert.Len(t, got, 10)
	assert.Greater(t, slow.Dropped(), int64(0))
}

func TestBus_CloseFlushesAndClosesSubscriptions(t *testing.T) {
	bus := NewBus(16, 16)
	sub := bus.Subscribe(SessionKey("s1"))
	bus.Start()

	for i := 0; i < 5; i++ {
		bus.Publish(NewSessionEvent(MessageSent, "s1", nil))
	}
	bus.Close()

	n := 0
	for range sub.C {
		n++
	}
	assert.Equal(t, 5, n)
	assert.False(t, bus.Publish(NewSessionEvent(MessageSent, "s1", nil)))
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(16, 4)
	bus.Start()
	defer bus.Close()

	sub := bus.Subscribe(SessionKey("s1"))
	bus.Unsubscribe(sub)
	bus.Unsubscribe(sub)

	_, ok := <-sub.C
	assert.False(t, ok)
}

func TestPercent(t *testing.T) {
	assert.Equal(t, 50.0, Percent(5, 10))
	assert.Equal(t, 33.3, Percent(1, 3))
	assert.Equal(t, 100.0, Percent(0, 0))
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Deliver(_ context.Context, evt Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestBus_AttachSkipsRemoteEvents(t *testing.T) {
	bus := NewBus(16, 16)
	bus.Start()
	defer bus.Close()

	sink := &recordingSink{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus.Attach(ctx, sink)

	bus.Publish(NewSessionEvent(IncomingMessage, "s1", nil))
	remote := NewSessionEvent(IncomingMessage, "s1", nil)
	remote.Origin = "node-b"
	bus.Publish(remote)
	bus.Publish(NewSessionEvent(MessageSent, "s1", nil))

	assert.Eventually(t, func() bool { return sink.count() == 2 }, time.Second, 5*time.Millisecond)
}

type fakePubSub struct {
	mu        sync.Mutex
	published []string
	handler   func(string)
	ready     chan struct{}
}

func (f *fakePubSub) Publish(_ context.Context, _ string, payload string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, payload)
	return nil
}

func (f *fakePubSub) Subscribe(ctx context.Context, _ string, fn func(string)) error {
	f.mu.Lock()
	f.handler = fn
	f.mu.Unlock()
	close(f.ready)
	<-ctx.Done()
	return nil
}

func TestRelay_PublishesLocalAndInjectsRemote(t *testing.T) {
	bus := NewBus(16, 16)
	bus.Start()
	defer bus.Close()

	ps := &fakePubSub{ready: make(chan struct{})}
	relay := NewRelay(ps, "events", "node-a", bus)

	require.NoError(t, relay.Deliver(context.Background(), NewSessionEvent(MessageSent, "s1", nil)))
	require.Len(t, ps.published, 1)
	var sent Event
	require.NoError(t, json.Unmarshal([]byte(ps.published[0]), &sent))
	assert.Equal(t, "node-a", sent.Origin)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = relay.Run(ctx) }()
	<-ps.ready

	sub := bus.Subscribe(SessionKey("s2"))

	own, _ := json.Marshal(Event{Type: MessageSent, Key: SessionKey("s2"), Origin: "node-a"})
	other, _ := json.Marshal(Event{Type: IncomingMessage, Key: SessionKey("s2"), Origin: "node-b"})
	ps.handler(string(own))
	ps.handler("not json")
	ps.handler(string(other))

	evt := recv(t, sub)
	assert.Equal(t, IncomingMessage, evt.Type)
	assert.True(t, evt.IsRemote())
}

func TestSinksFromConfig(t *testing.T) {
	relay := func() (Sink, error) { return &recordingSink{}, nil }
	amqp := func() (Sink, error) { return nil, errors.New("connection refused") }

	sinks, err := SinksFromConfig(config.Config{}, SinkFactories{Relay: relay, AMQP: amqp})
	require.NoError(t, err)
	assert.Empty(t, sinks)

	var cfg config.Config
	cfg.Valkey.Enabled = true
	sinks, err = SinksFromConfig(cfg, SinkFactories{Relay: relay, AMQP: amqp})
	require.NoError(t, err)
	assert.Len(t, sinks, 1)

	cfg.AMQP.Enabled = true
	_, err = SinksFromConfig(cfg, SinkFactories{Relay: relay, AMQP: amqp})
	assert.ErrorContains(t, err, "amqp sink")

	sinks, err = SinksFromConfig(cfg, SinkFactories{})
	require.NoError(t, err)
	assert.Empty(t, sinks)
}
