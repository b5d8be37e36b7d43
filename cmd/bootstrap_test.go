package cmd

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/AzielCF/az-dispatch/core/config"
	"github.com/AzielCF/az-dispatch/workspace/domain/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadConfig()
	require.NoError(t, err)
	cfg.Database = config.DatabaseConfig{Driver: "sqlite", Name: filepath.Join(t.TempDir(), "app.db")}
	cfg.Valkey.Enabled = false
	cfg.AMQP.Enabled = false
	cfg.Ingestion.Backend = "database"
	cfg.App.ServerID = "test-node"
	return cfg
}

func TestOpenStorage_RejectsUnknownBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.Ingestion.Backend = "memcached"
	_, err := openStorage(cfg)
	assert.ErrorContains(t, err, "memcached")
}

func TestOpenStorage_ValkeyBackendFallsBackWithoutValkey(t *testing.T) {
	cfg := testConfig(t)
	cfg.Ingestion.Backend = "valkey"
	store, err := openStorage(cfg)
	require.NoError(t, err)
	defer store.close()
	assert.Same(t, store.events, store.idempotency)
}

func TestNewApp_WiresDisconnectHooks(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()
	a, err := newApp(ctx, cfg)
	require.NoError(t, err)
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		a.stop(stopCtx)
	}()

	sess, err := a.sessions.Create(ctx, session.CreateRequest{
		WorkspaceID: "ws",
		Type:        session.TypeTelegram,
		ExternalID:  "bot",
		Credentials: map[string]string{session.CredBotToken: "123:abc"},
	})
	require.NoError(t, err)
	_, err = a.sessions.Connect(ctx, sess.ID)
	require.NoError(t, err)

	a.pools.ForSession(sess.ID)
	a.gates.For(sess.ID, sess.RateLimitClass)
	require.Contains(t, a.pools.Stats(), sess.ID)

	_, err = a.sessions.Disconnect(ctx, sess.ID)
	require.NoError(t, err)
	assert.NotContains(t, a.pools.Stats(), sess.ID)
	for _, s := range a.gates.Stats() {
		assert.NotEqual(t, sess.ID, s.SessionID)
	}

	assert.True(t, a.lockFunc()("lock:campaign:x", time.Minute), "a single node always holds the lock")
}
