package application

import (
	"context"
	"time"

	"github.com/AzielCF/az-dispatch/broadcast/domain"
	"github.com/sirupsen/logrus"
)

// Starter is the part of the executor the scheduler needs.
type Starter interface {
	Start(ctx context.Context, campaignID string) error
	Running(campaignID string) bool
}

// Scheduler starts campaigns whose ScheduledAt has passed.
type Scheduler struct {
	campaigns   domain.Repository
	executor    Starter
	interval    time.Duration
	acquireLock func(key string, expiration time.Duration) bool
}

// NewScheduler builds a scheduler. lockFunc guards each campaign start across
// nodes; nil means this node is the only one.
func NewScheduler(campaigns domain.Repository, executor Starter, interval time.Duration, lockFunc func(key string, expiration time.Duration) bool) *Scheduler {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Scheduler{
		campaigns:   campaigns,
		executor:    executor,
		interval:    interval,
		acquireLock: lockFunc,
	}
}

// StartLoop runs until ctx is done.
func (s *Scheduler) StartLoop(ctx context.Context) {
	logrus.Infof("[CAMPAIGN_SCHEDULER] Started, checking every %s", s.interval)
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			s.Tick(ctx, time.Now().UTC())
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// Tick starts every due campaign and returns how many were started.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) int {
	due, err := s.campaigns.ListDue(ctx, now, 50)
	if err != nil {
		if ctx.Err() == nil {
			logrus.WithError(err).Error("[CAMPAIGN_SCHEDULER] Could not list due campaigns")
		}
		return 0
	}

	started := 0
	for _, c := range due {
		if s.executor.Running(c.ID) {
			continue
		}
		// The lock outlives the tick so another node polling in the same
		// window skips the campaign. Run itself refuses anything that has
		// left scheduled.
		if s.acquireLock != nil && !s.acquireLock("lock:campaign:"+c.ID, 2*s.interval) {
			continue
		}
		if err := s.executor.Start(ctx, c.ID); err != nil {
			logrus.WithError(err).WithField("campaign_id", c.ID).Warn("[CAMPAIGN_SCHEDULER] Could not start campaign")
			continue
		}
		started++
	}
	if started > 0 {
		logrus.Infof("[CAMPAIGN_SCHEDULER] Started %d campaign(s)", started)
	}
	return started
}
