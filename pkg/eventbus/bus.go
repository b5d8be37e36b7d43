package eventbus

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Wildcard subscribers receive every event.
const Wildcard = "*"

// Publisher is the only thing producers depend on.
type Publisher interface {
	Publish(evt Event) bool
}

// Subscription is a bounded per-observer queue. A slow observer loses events
// instead of blocking the dispatcher.
type Subscription struct {
	Key     string
	C       <-chan Event
	ch      chan Event
	dropped int64
}

func (s *Subscription) Dropped() int64 { return atomic.LoadInt64(&s.dropped) }

// Bus decouples producers from observers: Publish places the event on a
// bounded channel and a single dispatcher goroutine fans it out by key.
type Bus struct {
	in        chan Event
	subBuffer int

	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	closed bool

	done    chan struct{}
	started int32
	dropped int64

	// OnDrop is called for events that could not be queued. Optional.
	OnDrop func(evt Event)
}

func NewBus(bufferSize, subscriberBuffer int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	if subscriberBuffer <= 0 {
		subscriberBuffer = 64
	}
	return &Bus{
		in:        make(chan Event, bufferSize),
		subBuffer: subscriberBuffer,
		subs:      make(map[string]map[*Subscription]struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the dispatcher. Calling it twice is a no-op.
func (b *Bus) Start() {
	if !atomic.CompareAndSwapInt32(&b.started, 0, 1) {
		return
	}
	go b.dispatch()
	logrus.Infof("[EVENTBUS] Dispatcher started (buffer %d, per subscriber %d)", cap(b.in), b.subBuffer)
}

// Publish never blocks. It reports false when the event was dropped.
func (b *Bus) Publish(evt Event) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return false
	}
	select {
	case b.in <- evt:
		return true
	default:
		atomic.AddInt64(&b.dropped, 1)
		if b.OnDrop != nil {
			b.OnDrop(evt)
		}
		logrus.Warnf("[EVENTBUS] Buffer full, dropping %s for %s", evt.Type, evt.Key)
		return false
	}
}

// Subscribe registers an observer for key, or Wildcard for everything.
func (b *Bus) Subscribe(key string) *Subscription {
	ch := make(chan Event, b.subBuffer)
	sub := &Subscription{Key: key, C: ch, ch: ch}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return sub
	}
	set, ok := b.subs[key]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[key] = set
	}
	set[sub] = struct{}{}
	return sub
}

// Unsubscribe removes the observer and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	set, ok := b.subs[sub.Key]
	if !ok {
		return
	}
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(b.subs, sub.Key)
	}
	close(sub.ch)
}

// Dropped counts events rejected at Publish.
func (b *Bus) Dropped() int64 { return atomic.LoadInt64(&b.dropped) }

// Close stops accepting events, lets the dispatcher flush what is queued and
// closes every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.in)
	b.mu.Unlock()

	if atomic.LoadInt32(&b.started) == 1 {
		<-b.done
	}

	b.mu.Lock()
	for key, set := range b.subs {
		for sub := range set {
			close(sub.ch)
		}
		delete(b.subs, key)
	}
	b.mu.Unlock()
	logrus.Info("[EVENTBUS] Closed")
}

func (b *Bus) dispatch() {
	defer close(b.done)
	for evt := range b.in {
		b.deliver(evt)
	}
}

func (b *Bus) deliver(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, key := range [2]string{evt.Key, Wildcard} {
		for sub := range b.subs[key] {
			select {
			case sub.ch <- evt:
			default:
				atomic.AddInt64(&sub.dropped, 1)
			}
		}
	}
}
