package msgworker

import (
	"context"
	"sync"
)

// Registry keeps one bounded pool per channel session, so a campaign on one
// session never competes for workers with another session's campaign.
type Registry struct {
	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
	pools      map[string]*MessageWorkerPool
	numWorkers int
	queueSize  int
}

func NewRegistry(numWorkers, queueSize int) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		ctx:        ctx,
		cancel:     cancel,
		pools:      make(map[string]*MessageWorkerPool),
		numWorkers: numWorkers,
		queueSize:  queueSize,
	}
}

// ForSession returns the session's pool, starting it on first use.
func (r *Registry) ForSession(sessionID string) *MessageWorkerPool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.pools[sessionID]; ok {
		return p
	}
	p := NewMessageWorkerPool("session:"+sessionID, r.numWorkers, r.queueSize)
	p.Start(r.ctx)
	r.pools[sessionID] = p
	return p
}

// Remove stops and forgets the session's pool.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	p, ok := r.pools[sessionID]
	delete(r.pools, sessionID)
	r.mu.Unlock()

	if ok {
		p.Stop()
	}
}

// StopAll stops every pool. Queued jobs are drained with a cancelled context.
func (r *Registry) StopAll() {
	r.mu.Lock()
	pools := make([]*MessageWorkerPool, 0, len(r.pools))
	for id, p := range r.pools {
		pools = append(pools, p)
		delete(r.pools, id)
	}
	r.mu.Unlock()

	r.cancel()
	for _, p := range pools {
		p.Stop()
	}
}

// Stats returns a snapshot per session.
func (r *Registry) Stats() map[string]PoolStats {
	r.mu.Lock()
	pools := make(map[string]*MessageWorkerPool, len(r.pools))
	for id, p := range r.pools {
		pools[id] = p
	}
	r.mu.Unlock()

	out := make(map[string]PoolStats, len(pools))
	for id, p := range pools {
		out[id] = p.GetStats()
	}
	return out
}
