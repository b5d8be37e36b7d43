package application

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pruneRecorder struct {
	cutoff time.Time
}

func (p *pruneRecorder) Seen(context.Context, string, string) (bool, error) { return false, nil }
func (p *pruneRecorder) Claim(context.Context, string, string, time.Duration) (bool, error) {
	return true, nil
}
func (p *pruneRecorder) Release(context.Context, string, string) error        { return nil }
func (p *pruneRecorder) Record(context.Context, string, string) (bool, error) { return true, nil }
func (p *pruneRecorder) Prune(_ context.Context, olderThan time.Time) (int64, error) {
	p.cutoff = olderThan
	return 3, nil
}

func TestPruner_UsesRetentionWindow(t *testing.T) {
	store := &pruneRecorder{}
	now := time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)

	n, err := NewPruner(store, 72*time.Hour, time.Hour).PruneOnce(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.Equal(t, now.Add(-72*time.Hour), store.cutoff)
}
