package application

import (
	"context"
	"time"

	"github.com/AzielCF/az-dispatch/ingestion/domain"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

// Pruner drops idempotency records older than the retention window.
type Pruner struct {
	store     domain.Store
	retention time.Duration
	interval  time.Duration
}

func NewPruner(store domain.Store, retention, interval time.Duration) *Pruner {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Pruner{store: store, retention: retention, interval: interval}
}

func (p *Pruner) PruneOnce(ctx context.Context, now time.Time) (int64, error) {
	cutoff := now.Add(-p.retention)
	n, err := p.store.Prune(ctx, cutoff)
	if err != nil {
		return n, err
	}
	if n > 0 {
		logrus.Infof("[IDEMPOTENCY] Pruned %s records processed before %s", humanize.Comma(n), humanize.Time(cutoff))
	}
	return n, nil
}

func (p *Pruner) StartLoop(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if _, err := p.PruneOnce(ctx, now.UTC()); err != nil && ctx.Err() == nil {
					logrus.WithError(err).Error("[IDEMPOTENCY] Prune failed")
				}
			}
		}
	}()
}
