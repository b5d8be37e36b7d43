package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AzielCF/az-dispatch/core/config"
	pkgError "github.com/AzielCF/az-dispatch/pkg/error"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// ErrAcquireTimeout is wrapped in a TransientProviderError so callers retry
// the recipient later instead of counting it as a permanent failure.
var ErrAcquireTimeout = errors.New("rate limit acquire timed out")

// Gate is the token bucket shared by every sender of one channel session.
type Gate struct {
	sessionID string
	limiter   *rate.Limiter
	timeout   time.Duration

	acquired int64
	waited   int64

	// OnWait observes how long Acquire blocked. Optional.
	OnWait func(sessionID string, d time.Duration)
}

// NewGate builds a bucket holding capacity tokens, refilled at perSecond.
func NewGate(sessionID string, bucket config.BucketConfig, timeout time.Duration) *Gate {
	capacity := bucket.Capacity
	if capacity <= 0 {
		capacity = 1
	}
	limit := rate.Limit(bucket.PerSecond)
	if bucket.PerSecond <= 0 {
		limit = rate.Inf
	}
	return &Gate{
		sessionID: sessionID,
		limiter:   rate.NewLimiter(limit, capacity),
		timeout:   timeout,
	}
}

// Acquire blocks until a token is available, ctx is cancelled or the gate's
// acquire timeout elapses. The token is consumed; there is nothing to release.
func (g *Gate) Acquire(ctx context.Context) error {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	start := time.Now()
	if err := g.limiter.Wait(ctx); err != nil {
		// Wait fails early with a plain error when the deadline cannot be met.
		if errors.Is(err, context.Canceled) {
			return err
		}
		return pkgError.NewTransient("ratelimit", 0, fmt.Errorf("session %s: %w", g.sessionID, ErrAcquireTimeout))
	}

	waited := time.Since(start)
	atomic.AddInt64(&g.acquired, 1)
	atomic.AddInt64(&g.waited, int64(waited))
	if g.OnWait != nil {
		g.OnWait(g.sessionID, waited)
	}
	return nil
}

// Stats is a snapshot of gate usage.
type Stats struct {
	SessionID   string        `json:"session_id"`
	Capacity    int           `json:"capacity"`
	PerSecond   float64       `json:"per_second"`
	Acquired    int64         `json:"acquired"`
	TotalWaited time.Duration `json:"total_waited"`
}

func (g *Gate) Stats() Stats {
	return Stats{
		SessionID:   g.sessionID,
		Capacity:    g.limiter.Burst(),
		PerSecond:   float64(g.limiter.Limit()),
		Acquired:    atomic.LoadInt64(&g.acquired),
		TotalWaited: time.Duration(atomic.LoadInt64(&g.waited)),
	}
}

// Registry hands out one Gate per session so campaign traffic and auto-reply
// traffic share the same ceiling.
type Registry struct {
	mu     sync.Mutex
	gates  map[string]*Gate
	cfg    config.RateLimitConfig
	onWait func(sessionID string, d time.Duration)
}

func NewRegistry(cfg config.RateLimitConfig) *Registry {
	return &Registry{
		gates: make(map[string]*Gate),
		cfg:   cfg,
	}
}

// SetWaitObserver installs a hook copied into every gate created afterwards.
func (r *Registry) SetWaitObserver(fn func(sessionID string, d time.Duration)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onWait = fn
}

// For returns the session's gate, creating it from the rate limit class on
// first use.
func (r *Registry) For(sessionID, class string) *Gate {
	r.mu.Lock()
	defer r.mu.Unlock()

	if g, ok := r.gates[sessionID]; ok {
		return g
	}
	bucket := r.cfg.Bucket(class)
	g := NewGate(sessionID, bucket, r.cfg.AcquireTimeout)
	g.OnWait = r.onWait
	r.gates[sessionID] = g
	logrus.WithFields(logrus.Fields{
		"session_id": sessionID,
		"class":      class,
		"capacity":   bucket.Capacity,
		"per_second": bucket.PerSecond,
	}).Debug("[RATELIMIT] Gate created")
	return g
}

// Remove drops the session's gate, e.g. after disconnect or a class change.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.gates, sessionID)
}

func (r *Registry) Stats() []Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Stats, 0, len(r.gates))
	for _, g := range r.gates {
		out = append(out, g.Stats())
	}
	return out
}
