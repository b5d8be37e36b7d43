package repository

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/AzielCF/az-dispatch/core/config"
	"github.com/AzielCF/az-dispatch/core/database"
	"github.com/AzielCF/az-dispatch/pkg/crypto"
	"github.com/AzielCF/az-dispatch/workspace/domain/common"
	"github.com/AzielCF/az-dispatch/workspace/domain/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRepo(t *testing.T, secret string) *SessionGormRepository {
	db, err := database.NewDatabase(config.DatabaseConfig{
		Driver: "sqlite",
		Name:   filepath.Join(t.TempDir(), "sessions.db"),
	}, false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })

	cipher, err := crypto.NewCipher(secret)
	require.NoError(t, err)

	repo := NewSessionGormRepository(db, cipher)
	require.NoError(t, repo.Init(context.Background()))
	return repo
}

func newSession(id, external string) session.Session {
	now := time.Now().UTC()
	return session.Session{
		ID:             id,
		WorkspaceID:    "ws-1",
		Type:           session.TypeTelegram,
		Name:           "Support bot",
		ExternalID:     external,
		Credentials:    map[string]string{session.CredBotToken: "123:abc"},
		Status:         session.StatusConnecting,
		RateLimitClass: config.RateClassStandard,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestSessionRepo_CredentialsRoundTripEncrypted(t *testing.T) {
	repo := setupRepo(t, "secret-key")
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, newSession("s1", "bot-1")))

	got, err := repo.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "123:abc", got.Credential(session.CredBotToken))

	var raw sessionModel
	require.NoError(t, repo.db.First(&raw, "id = ?", "s1").Error)
	assert.NotEqual(t, "123:abc", raw.Credentials.Data()[session.CredBotToken])
}

func TestSessionRepo_DuplicateExternalID(t *testing.T) {
	repo := setupRepo(t, "")
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, newSession("s1", "bot-1")))
	err := repo.Create(ctx, newSession("s2", "bot-1"))
	assert.ErrorIs(t, err, common.ErrDuplicateSession)
}

func TestSessionRepo_GetMissing(t *testing.T) {
	repo := setupRepo(t, "")
	_, err := repo.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, common.ErrSessionNotFound)

	err = repo.UpdateStatus(context.Background(), "nope", session.StatusConnected, "")
	assert.ErrorIs(t, err, common.ErrSessionNotFound)
}

func TestSessionRepo_UpdateStatusAndList(t *testing.T) {
	repo := setupRepo(t, "")
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, newSession("s1", "bot-1")))
	require.NoError(t, repo.Create(ctx, newSession("s2", "bot-2")))

	require.NoError(t, repo.UpdateStatus(ctx, "s1", session.StatusConnected, ""))
	got, err := repo.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, session.StatusConnected, got.Status)
	assert.NotNil(t, got.ConnectedAt)

	byExt, err := repo.GetByExternalID(ctx, session.TypeTelegram, "bot-2")
	require.NoError(t, err)
	assert.Equal(t, "s2", byExt.ID)

	list, err := repo.List(ctx, "ws-1")
	require.NoError(t, err)
	assert.Len(t, list, 2)

	list, err = repo.List(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, list)
}
