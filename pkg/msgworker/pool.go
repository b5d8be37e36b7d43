package msgworker

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

// ErrPoolStopped is returned by Submit once Stop has been called.
var ErrPoolStopped = errors.New("worker pool stopped")

// MessageJob es una unidad de envío. Los jobs con la misma Key caen en el
// mismo worker y se procesan en orden.
type MessageJob struct {
	SessionID string
	Key       string
	Handler   func(ctx context.Context) error
}

// PoolStats contiene métricas en tiempo real del worker pool
type PoolStats struct {
	Name            string         `json:"name"`
	NumWorkers      int            `json:"num_workers"`
	QueueSize       int            `json:"queue_size"`
	ActiveWorkers   int            `json:"active_workers"`
	TotalDispatched int64          `json:"total_dispatched"`
	TotalProcessed  int64          `json:"total_processed"`
	TotalDropped    int64          `json:"total_dropped"`
	TotalErrors     int64          `json:"total_errors"`
	WorkerStats     []WorkerStats  `json:"worker_stats"`
	ActiveKeys      map[string]int `json:"active_keys"` // sessionID|key -> worker_id
}

// WorkerStats contiene métricas por worker individual
type WorkerStats struct {
	WorkerID      int   `json:"worker_id"`
	QueueDepth    int   `json:"queue_depth"`
	IsProcessing  bool  `json:"is_processing"`
	JobsProcessed int64 `json:"jobs_processed"`
}

type activeKeyEntry struct {
	workerID  int
	updatedAt time.Time
}

// MessageWorkerPool is a fixed set of workers, each with its own bounded
// queue. One pool serves one channel session.
type MessageWorkerPool struct {
	name       string
	numWorkers int
	queueSize  int
	workers    []*worker
	wg         sync.WaitGroup
	stopOnce   sync.Once
	stopped    int32
	stopCh     chan struct{}

	// Métricas
	totalDispatched int64
	totalProcessed  int64
	totalDropped    int64
	totalErrors     int64
	activeKeysMu    sync.RWMutex
	activeKeys      map[string]activeKeyEntry
	startTime       time.Time

	// Hooks para monitoreo externo
	OnWorkerStart func(workerID int, key string)
	OnWorkerEnd   func(workerID int, key string)
}

// worker representa un worker individual con su cola
type worker struct {
	id            int
	jobQueue      chan MessageJob
	ctx           context.Context
	cancel        context.CancelFunc
	isProcessing  int32 // atomic: 1 if processing, 0 if idle
	jobsProcessed int64 // atomic counter
	pool          *MessageWorkerPool
}

// NewMessageWorkerPool crea un nuevo pool de workers
func NewMessageWorkerPool(name string, numWorkers, queueSize int) *MessageWorkerPool {
	if numWorkers <= 0 {
		numWorkers = 4
	}
	if queueSize <= 0 {
		queueSize = 100
	}

	return &MessageWorkerPool{
		name:       name,
		numWorkers: numWorkers,
		queueSize:  queueSize,
		workers:    make([]*worker, numWorkers),
		activeKeys: make(map[string]activeKeyEntry),
		stopCh:     make(chan struct{}),
		startTime:  time.Now(),
	}
}

// Start inicia todos los workers del pool
func (p *MessageWorkerPool) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.expireActiveKeys(time.Now())
			}
		}
	}()

	for i := 0; i < p.numWorkers; i++ {
		workerCtx, cancel := context.WithCancel(ctx)
		w := &worker{
			id:       i,
			jobQueue: make(chan MessageJob, p.queueSize),
			ctx:      workerCtx,
			cancel:   cancel,
			pool:     p,
		}
		p.workers[i] = w

		p.wg.Add(1)
		go w.run(&p.wg)
	}

	logrus.Infof("[MSG_WORKER_POOL] %s started with %d workers, queue size: %d", p.name, p.numWorkers, p.queueSize)
}

// Submit encola el job esperando espacio en la cola del worker. Devuelve el
// error del contexto si se cancela antes de poder encolar.
func (p *MessageWorkerPool) Submit(ctx context.Context, job MessageJob) (err error) {
	if atomic.LoadInt32(&p.stopped) == 1 {
		atomic.AddInt64(&p.totalDropped, 1)
		return ErrPoolStopped
	}

	shard := p.shardFor(job.SessionID, job.Key)
	key := job.SessionID + "|" + job.Key

	defer func() {
		if r := recover(); r != nil {
			atomic.AddInt64(&p.totalDropped, 1)
			err = ErrPoolStopped
		}
	}()

	select {
	case p.workers[shard].jobQueue <- job:
		atomic.AddInt64(&p.totalDispatched, 1)
		p.trackKey(key, shard)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.stopCh:
		atomic.AddInt64(&p.totalDropped, 1)
		return ErrPoolStopped
	}
}

// TryDispatch envía un job al worker apropiado (no bloqueante) y retorna
// si el job pudo encolarse.
func (p *MessageWorkerPool) TryDispatch(job MessageJob) bool {
	if atomic.LoadInt32(&p.stopped) == 1 {
		atomic.AddInt64(&p.totalDropped, 1)
		return false
	}

	shard := p.shardFor(job.SessionID, job.Key)
	key := job.SessionID + "|" + job.Key

	sent := func() (ok bool) {
		defer func() {
			if r := recover(); r != nil {
				ok = false
			}
		}()
		select {
		case p.workers[shard].jobQueue <- job:
			return true
		default:
			return false
		}
	}()

	if sent {
		atomic.AddInt64(&p.totalDispatched, 1)
		p.trackKey(key, shard)
		return true
	}

	atomic.AddInt64(&p.totalDropped, 1)
	logrus.Warnf("[MSG_WORKER_POOL] %s worker %d queue full (or stopped), dropping job for %s", p.name, shard, key)
	return false
}

// Stop detiene el pool de forma graceful
func (p *MessageWorkerPool) Stop() {
	p.stopOnce.Do(func() {
		atomic.StoreInt32(&p.stopped, 1)
		close(p.stopCh)
		logrus.Infof("[MSG_WORKER_POOL] Stopping %s workers...", p.name)

		for _, w := range p.workers {
			if w == nil {
				continue
			}
			w.cancel()
			close(w.jobQueue)
		}

		p.wg.Wait()

		logrus.Infof("[MSG_WORKER_POOL] %s: all workers stopped after %s jobs (%s dropped), up since %s",
			p.name,
			humanize.Comma(atomic.LoadInt64(&p.totalProcessed)),
			humanize.Comma(atomic.LoadInt64(&p.totalDropped)),
			humanize.Time(p.startTime))
	})
}

// shardFor calcula el worker para una key usando hash consistente
func (p *MessageWorkerPool) shardFor(sessionID, key string) int {
	h := fnv.New32a()
	h.Write([]byte(sessionID + "|" + key))
	return int(h.Sum32() % uint32(p.numWorkers))
}

func (p *MessageWorkerPool) trackKey(key string, shard int) {
	p.activeKeysMu.Lock()
	p.activeKeys[key] = activeKeyEntry{workerID: shard, updatedAt: time.Now()}
	p.activeKeysMu.Unlock()
}

func (p *MessageWorkerPool) expireActiveKeys(now time.Time) {
	p.activeKeysMu.Lock()
	for k, v := range p.activeKeys {
		if !v.updatedAt.IsZero() && now.Sub(v.updatedAt) > 2*time.Second {
			delete(p.activeKeys, k)
		}
	}
	p.activeKeysMu.Unlock()
}

// GetStats retorna estadísticas en tiempo real del pool
func (p *MessageWorkerPool) GetStats() PoolStats {
	workerStats := make([]WorkerStats, 0, len(p.workers))
	activeWorkers := 0

	for _, w := range p.workers {
		if w == nil {
			continue
		}
		isProcessing := atomic.LoadInt32(&w.isProcessing) == 1
		if isProcessing {
			activeWorkers++
		}

		workerStats = append(workerStats, WorkerStats{
			WorkerID:      w.id,
			QueueDepth:    len(w.jobQueue),
			IsProcessing:  isProcessing,
			JobsProcessed: atomic.LoadInt64(&w.jobsProcessed),
		})
	}

	p.expireActiveKeys(time.Now())
	p.activeKeysMu.RLock()
	snapshot := make(map[string]int, len(p.activeKeys))
	for k, v := range p.activeKeys {
		snapshot[k] = v.workerID
	}
	p.activeKeysMu.RUnlock()

	return PoolStats{
		Name:            p.name,
		NumWorkers:      p.numWorkers,
		QueueSize:       p.queueSize,
		ActiveWorkers:   activeWorkers,
		TotalDispatched: atomic.LoadInt64(&p.totalDispatched),
		TotalProcessed:  atomic.LoadInt64(&p.totalProcessed),
		TotalDropped:    atomic.LoadInt64(&p.totalDropped),
		TotalErrors:     atomic.LoadInt64(&p.totalErrors),
		WorkerStats:     workerStats,
		ActiveKeys:      snapshot,
	}
}

// run ejecuta el loop principal del worker
func (w *worker) run(wg *sync.WaitGroup) {
	defer wg.Done()

	logrus.Debugf("[MSG_WORKER_POOL] %s worker %d started", w.pool.name, w.id)

	for {
		select {
		case job, ok := <-w.jobQueue:
			if !ok {
				logrus.Debugf("[MSG_WORKER_POOL] %s worker %d shutting down", w.pool.name, w.id)
				return
			}
			w.process(job)

		case <-w.ctx.Done():
			// Contexto cancelado, procesar jobs restantes antes de terminar
			logrus.Debugf("[MSG_WORKER_POOL] %s worker %d context cancelled, draining queue...", w.pool.name, w.id)
			w.drainQueue()
			return
		}
	}
}

func (w *worker) process(job MessageJob) {
	key := job.SessionID + "|" + job.Key

	if w.pool.OnWorkerStart != nil {
		w.pool.OnWorkerStart(w.id, key)
	}
	atomic.StoreInt32(&w.isProcessing, 1)
	defer func() {
		if r := recover(); r != nil {
			atomic.AddInt64(&w.pool.totalErrors, 1)
			logrus.Errorf("[MSG_WORKER_POOL] %s worker %d panic for %s: %v", w.pool.name, w.id, key, r)
		}
		if w.pool.OnWorkerEnd != nil {
			w.pool.OnWorkerEnd(w.id, key)
		}
		atomic.StoreInt32(&w.isProcessing, 0)
		atomic.AddInt64(&w.jobsProcessed, 1)
		atomic.AddInt64(&w.pool.totalProcessed, 1)
	}()

	if err := job.Handler(w.ctx); err != nil {
		atomic.AddInt64(&w.pool.totalErrors, 1)
		logrus.WithError(err).Errorf("[MSG_WORKER_POOL] %s worker %d job failed for %s", w.pool.name, w.id, key)
	}
}

// drainQueue procesa jobs pendientes hasta que Stop cierra la cola. Los
// handlers ven un contexto cancelado y deciden si abandonan el trabajo; así
// ningún job encolado queda sin respuesta.
func (w *worker) drainQueue() {
	for job := range w.jobQueue {
		w.process(job)
	}
}
