package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/AzielCF/az-dispatch/broadcast/domain"
	"github.com/AzielCF/az-dispatch/core/config"
	msgApp "github.com/AzielCF/az-dispatch/messaging/application"
	"github.com/AzielCF/az-dispatch/messaging/domain/message"
	pkgError "github.com/AzielCF/az-dispatch/pkg/error"
	"github.com/AzielCF/az-dispatch/pkg/eventbus"
	"github.com/AzielCF/az-dispatch/pkg/metrics"
	"github.com/AzielCF/az-dispatch/pkg/msgworker"
	"github.com/AzielCF/az-dispatch/workspace/domain/channel"
	"github.com/AzielCF/az-dispatch/workspace/domain/session"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

// SessionResolver loads a session with its adapter.
type SessionResolver interface {
	Resolve(ctx context.Context, id string) (session.Session, channel.Adapter, error)
}

// Deliverer is the outbound path every recipient goes through.
type Deliverer interface {
	Deliver(ctx context.Context, out msgApp.Outbound, policy msgApp.RetryPolicy) (message.Message, error)
}

// Pools hands out the bounded worker pool of a session.
type Pools interface {
	ForSession(sessionID string) *msgworker.MessageWorkerPool
}

var ErrExecutorClosed = errors.New("campaign executor is shutting down")

const (
	reasonCancelled    = "cancelled"
	reasonDisconnected = "session disconnected"
	reasonShutdown     = "shutdown"
)

type outcome int

const (
	outcomeSent outcome = iota
	outcomeFailed
	// outcomeSkipped never reached the provider and is not counted.
	outcomeSkipped
)

type result struct {
	outcome     outcome
	poolStopped bool
}

// Executor runs campaigns: one job per recipient on the session's pool, a
// single aggregator owning the counters, and a campaign-scoped cancel.
type Executor struct {
	campaigns  domain.Repository
	sessions   SessionResolver
	dispatcher Deliverer
	pools      Pools
	publisher  eventbus.Publisher
	metrics    *metrics.Metrics
	cfg        config.CampaignConfig

	mu      sync.Mutex
	running map[string]context.CancelCauseFunc
	closing bool
	wg      sync.WaitGroup
}

func NewExecutor(
	campaigns domain.Repository,
	sessions SessionResolver,
	dispatcher Deliverer,
	pools Pools,
	publisher eventbus.Publisher,
	m *metrics.Metrics,
	cfg config.CampaignConfig,
) *Executor {
	if cfg.ProgressEvery <= 0 {
		cfg.ProgressEvery = 5
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.CancelPollInterval <= 0 {
		cfg.CancelPollInterval = 2 * time.Second
	}
	return &Executor{
		campaigns:  campaigns,
		sessions:   sessions,
		dispatcher: dispatcher,
		pools:      pools,
		publisher:  publisher,
		metrics:    m,
		cfg:        cfg,
		running:    make(map[string]context.CancelCauseFunc),
	}
}

// Start runs the campaign in the background. The run outlives ctx; it is
// stopped by Cancel or Shutdown.
func (e *Executor) Start(ctx context.Context, campaignID string) error {
	e.mu.Lock()
	if e.closing {
		e.mu.Unlock()
		return ErrExecutorClosed
	}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		if _, err := e.Run(context.WithoutCancel(ctx), campaignID); err != nil {
			logrus.WithError(err).WithField("campaign_id", campaignID).Warn("[CAMPAIGN] Run ended with error")
		}
	}()
	return nil
}

// Running reports whether the campaign is executing on this node.
func (e *Executor) Running(campaignID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.running[campaignID]
	return ok
}

// Cancel stops a running campaign. No new recipients are submitted, queued
// ones are skipped and in-flight sends finish.
func (e *Executor) Cancel(campaignID string) bool {
	e.mu.Lock()
	cancel, ok := e.running[campaignID]
	e.mu.Unlock()
	if ok {
		cancel(nil)
		logrus.WithField("campaign_id", campaignID).Info("[CAMPAIGN] Cancellation requested")
	}
	return ok
}

// Shutdown waits for running campaigns until ctx is done, then cancels
// whatever is left and waits for it to settle.
func (e *Executor) Shutdown(ctx context.Context) {
	e.mu.Lock()
	e.closing = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-ctx.Done():
	}

	e.mu.Lock()
	for id, cancel := range e.running {
		logrus.WithField("campaign_id", id).Warn("[CAMPAIGN] Grace period over, cancelling")
		cancel(ErrExecutorClosed)
	}
	e.mu.Unlock()
	<-done
}

// Run executes a scheduled campaign to its end and returns its final state.
func (e *Executor) Run(ctx context.Context, campaignID string) (domain.Campaign, error) {
	c, err := e.campaigns.Get(ctx, campaignID)
	if err != nil {
		return domain.Campaign{}, err
	}
	if c.State != domain.StateScheduled {
		return c, fmt.Errorf("campaign %s is %s: %w", c.ID, c.State, pkgError.ErrInvalidTransition)
	}

	cctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if !e.register(c.ID, cancel) {
		return c, fmt.Errorf("campaign %s is already running: %w", c.ID, pkgError.ErrInvalidTransition)
	}
	defer e.unregister(c.ID)

	log := logrus.WithFields(logrus.Fields{"campaign_id": c.ID, "session_id": c.SessionID})

	sess, adapter, err := e.sessions.Resolve(ctx, c.SessionID)
	if err == nil && !sess.IsConnected() {
		err = fmt.Errorf("session is %s", sess.Status)
	}
	if err != nil {
		reason := "session unavailable: " + err.Error()
		if ok, terr := e.campaigns.Transition(ctx, c.ID, domain.StateScheduled, domain.StateFailed, domain.Changes{
			CompletedAt:   now(),
			FailureReason: reason,
		}); terr != nil || !ok {
			return c, errors.Join(err, terr, pkgError.ErrInvalidTransition)
		}
		log.WithError(err).Warn("[CAMPAIGN] Cannot start")
		e.emit(eventbus.BroadcastFailed, c, reason)
		return e.campaigns.Get(ctx, c.ID)
	}

	ok, err := e.campaigns.Transition(ctx, c.ID, domain.StateScheduled, domain.StateRunning, domain.Changes{StartedAt: now()})
	if err != nil {
		return c, err
	}
	if !ok {
		return c, fmt.Errorf("campaign %s left scheduled before start: %w", c.ID, pkgError.ErrInvalidTransition)
	}
	c.State = domain.StateRunning
	started := time.Now()
	e.emit(eventbus.BroadcastStarted, c, "")
	log.WithField("recipients", len(c.Recipients)).Info("[CAMPAIGN] Started")

	stopWatch := make(chan struct{})
	var watcher sync.WaitGroup
	watcher.Add(1)
	go func() {
		defer watcher.Done()
		e.watchCancel(context.WithoutCancel(ctx), c.ID, cancel, stopWatch)
	}()

	policy := msgApp.RetryPolicy{
		MaxAttempts: e.cfg.MaxAttempts,
		BackoffBase: e.cfg.BackoffBase,
		BackoffMax:  e.cfg.BackoffMax,
	}
	results := make(chan result, 64)
	aggregated := make(chan aggregate, 1)
	go e.aggregate(context.WithoutCancel(ctx), c, results, aggregated)

	pool := e.pools.ForSession(c.SessionID)
	var (
		jobs        sync.WaitGroup
		poolStopped bool
		submitErr   error
	)
	for _, recipient := range c.Recipients {
		if cctx.Err() != nil {
			break
		}
		out := msgApp.Outbound{
			Session:    sess,
			Adapter:    adapter,
			Recipient:  recipient,
			Payload:    c.Payload,
			CampaignID: c.ID,
		}
		jobs.Add(1)
		err := pool.Submit(cctx, msgworker.MessageJob{
			SessionID: c.SessionID,
			Key:       recipient,
			Handler: func(workerCtx context.Context) error {
				defer jobs.Done()
				results <- e.deliver(workerCtx, cctx, out, policy)
				return nil
			},
		})
		if err != nil {
			jobs.Done()
			if errors.Is(err, msgworker.ErrPoolStopped) {
				poolStopped = true
			}
			submitErr = err
			break
		}
	}
	jobs.Wait()
	close(stopWatch)
	watcher.Wait()
	close(results)
	agg := <-aggregated
	poolStopped = poolStopped || agg.poolStopped

	bg := context.WithoutCancel(ctx)
	c.SentCount, c.FailedCount = agg.sent, agg.failed
	if agg.sent+agg.failed >= c.TotalRecipients {
		e.finish(bg, &c, domain.StateCompleted, "")
		e.emit(eventbus.BroadcastCompleted, c, "")
	} else {
		reason := failureReason(cctx, poolStopped, submitErr)
		e.finish(bg, &c, domain.StateFailed, reason)
		e.emit(eventbus.BroadcastFailed, c, reason)
	}
	log.WithFields(logrus.Fields{
		"state":  c.State,
		"sent":   c.SentCount,
		"failed": c.FailedCount,
		"total":  c.TotalRecipients,
	}).Infof("[CAMPAIGN] Finished: %s of %s sent in %s", humanize.Comma(int64(c.SentCount)), humanize.Comma(int64(c.TotalRecipients)), time.Since(started).Round(time.Millisecond))
	return e.campaigns.Get(bg, c.ID)
}

// deliver runs one recipient. workerCtx ends when the session's pool is
// stopped; cctx when the campaign is cancelled.
func (e *Executor) deliver(workerCtx, cctx context.Context, out msgApp.Outbound, policy msgApp.RetryPolicy) result {
	if workerCtx.Err() != nil {
		return result{outcome: outcomeSkipped, poolStopped: true}
	}
	if cctx.Err() != nil {
		return result{outcome: outcomeSkipped}
	}
	msg, err := e.dispatcher.Deliver(cctx, out, policy)
	switch {
	case err == nil:
		return result{outcome: outcomeSent}
	case msg.ID == "" && cctx.Err() != nil:
		// Cancelled before a pending record existed.
		return result{outcome: outcomeSkipped}
	default:
		return result{outcome: outcomeFailed}
	}
}

func failureReason(cctx context.Context, poolStopped bool, submitErr error) string {
	switch {
	case poolStopped:
		return reasonDisconnected
	case errors.Is(context.Cause(cctx), ErrExecutorClosed):
		return reasonShutdown
	case cctx.Err() != nil:
		return reasonCancelled
	case submitErr != nil:
		return "submit failed: " + submitErr.Error()
	default:
		return "stopped before all recipients were processed"
	}
}

// watchCancel picks up cancels recorded by other nodes, which cannot reach
// this run's cancel func.
func (e *Executor) watchCancel(ctx context.Context, id string, cancel context.CancelCauseFunc, stop <-chan struct{}) {
	ticker := time.NewTicker(e.cfg.CancelPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		c, err := e.campaigns.Get(ctx, id)
		if err != nil {
			logrus.WithError(err).WithField("campaign_id", id).Debug("[CAMPAIGN] Cancel check failed")
			continue
		}
		if c.CancelRequestedAt != nil {
			logrus.WithField("campaign_id", id).Info("[CAMPAIGN] Cancellation requested by another node")
			cancel(nil)
			return
		}
	}
}

type aggregate struct {
	sent, failed int
	poolStopped  bool
}

// aggregate counts every outcome in memory. Counters that could not be
// persisted are carried into the next write and reconciled by finish.

func (e *Executor) aggregate(ctx context.Context, c domain.Campaign, results <-chan result, done chan<- aggregate) {
	var (
		agg                        aggregate
		pendingSent, pendingFailed int
		lastReported               = -1
	)
	log := logrus.WithField("campaign_id", c.ID)
	for r := range results {
		agg.poolStopped = agg.poolStopped || r.poolStopped
		var sent, failed int
		switch r.outcome {
		case outcomeSent:
			sent = 1
			e.metrics.ObserveCampaignResult("sent")
		case outcomeFailed:
			failed = 1
			e.metrics.ObserveCampaignResult("failed")
		default:
			e.metrics.ObserveCampaignResult("skipped")
			continue
		}
		agg.sent += sent
		agg.failed += failed
		pendingSent += sent
		pendingFailed += failed
		if err := e.campaigns.AddCounters(ctx, c.ID, pendingSent, pendingFailed); err != nil {
			log.WithError(err).Warn("[CAMPAIGN] Could not persist counters, will retry")
		} else {
			pendingSent, pendingFailed = 0, 0
		}
		processed := agg.sent + agg.failed
		if processed%e.cfg.ProgressEvery == 0 {
			lastReported = processed
			e.progress(c, agg)
		}
	}
	if processed := agg.sent + agg.failed; processed != lastReported && processed > 0 {
		e.progress(c, agg)
	}
	done <- agg
}

func (e *Executor) progress(c domain.Campaign, agg aggregate) {
	c.SentCount, c.FailedCount = agg.sent, agg.failed
	e.emit(eventbus.BroadcastProgress, c, "")
}

func (e *Executor) finish(ctx context.Context, c *domain.Campaign, to domain.State, reason string) {
	sent, failed := c.SentCount, c.FailedCount
	ok, err := e.campaigns.Transition(ctx, c.ID, domain.StateRunning, to, domain.Changes{
		CompletedAt:   now(),
		FailureReason: reason,
		SentCount:     &sent,
		FailedCount:   &failed,
	})
	if err != nil || !ok {
		logrus.WithError(err).WithFields(logrus.Fields{
			"campaign_id": c.ID,
			"to":          to,
		}).Error("[CAMPAIGN] Could not record final state")
		return
	}
	c.State = to
	c.FailureReason = reason
}

func (e *Executor) emit(t eventbus.Type, c domain.Campaign, reason string) {
	if e.publisher == nil {
		return
	}
	e.publisher.Publish(eventbus.NewCampaignEvent(t, c.ID, c.SessionID, eventbus.BroadcastData{
		CampaignID:      c.ID,
		SentCount:       c.SentCount,
		FailedCount:     c.FailedCount,
		TotalRecipients: c.TotalRecipients,
		ProgressPercent: eventbus.Percent(c.Processed(), c.TotalRecipients),
		Reason:          reason,
	}))
}

func (e *Executor) register(id string, cancel context.CancelCauseFunc) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.running[id]; ok {
		return false
	}
	e.running[id] = cancel
	return true
}

func (e *Executor) unregister(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.running, id)
}

func now() *time.Time {
	t := time.Now().UTC()
	return &t
}
