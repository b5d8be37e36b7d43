package repository

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/AzielCF/az-dispatch/core/config"
	"github.com/AzielCF/az-dispatch/core/database"
	"github.com/AzielCF/az-dispatch/messaging/domain/conversation"
	"github.com/AzielCF/az-dispatch/messaging/domain/message"
	"github.com/AzielCF/az-dispatch/workspace/domain/channel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func setupDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.NewDatabase(config.DatabaseConfig{
		Driver: "sqlite",
		Name:   filepath.Join(t.TempDir(), "messaging.db"),
	}, false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })
	return db
}

func setupMessages(t *testing.T) *MessageGormRepository {
	t.Helper()
	repo := NewMessageGormRepository(setupDB(t))
	require.NoError(t, repo.Init(context.Background()))
	return repo
}

func setupConversations(t *testing.T) *ConversationGormRepository {
	t.Helper()
	repo := NewConversationGormRepository(setupDB(t))
	require.NoError(t, repo.Init(context.Background()))
	return repo
}

func pendingMessage(id string, createdAt time.Time) message.Message {
	return message.Message{
		ID:          id,
		SessionID:   "s1",
		CustomerID:  "+15550001",
		Direction:   message.DirectionOutgoing,
		Status:      message.StatusPending,
		ContentType: channel.ContentImage,
		Media:       &channel.Media{URL: "https://cdn.example.com/a.png", Caption: "new"},
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
	}
}

func TestMessageRepository_CreateAndGet(t *testing.T) {
	repo := setupMessages(t)
	ctx := context.Background()

	m := pendingMessage("m1", time.Now().UTC())
	m.CampaignID = "c1"
	require.NoError(t, repo.Create(ctx, m))

	got, err := repo.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, message.StatusPending, got.Status)
	assert.Equal(t, "c1", got.CampaignID)
	assert.Empty(t, got.ProviderMessageID)
	require.NotNil(t, got.Media)
	assert.Equal(t, "https://cdn.example.com/a.png", got.Media.URL)

	_, err = repo.Get(ctx, "missing")
	assert.ErrorIs(t, err, message.ErrMessageNotFound)
}

func TestMessageRepository_ApplyIsConditional(t *testing.T) {
	repo := setupMessages(t)
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, pendingMessage("m1", time.Now().UTC())))

	sentAt := time.Now().UTC().Add(-time.Minute)
	ok, err := repo.Apply(ctx, "m1", message.StatusSent, message.Predecessors(message.StatusSent), message.Transition{
		ProviderMessageID: "wamid.1",
		At:                sentAt,
	})
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := repo.GetByProviderID(ctx, "s1", "wamid.1")
	require.NoError(t, err)
	assert.Equal(t, "m1", got.ID)
	require.NotNil(t, got.SentAt)

	ok, err = repo.Apply(ctx, "m1", message.StatusRead, message.Predecessors(message.StatusRead), message.Transition{})
	require.NoError(t, err)
	assert.True(t, ok)

	// delivered after read is not a predecessor match
	ok, err = repo.Apply(ctx, "m1", message.StatusDelivered, message.Predecessors(message.StatusDelivered), message.Transition{})
	require.NoError(t, err)
	assert.False(t, ok)

	got, err = repo.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, message.StatusRead, got.Status)
	require.NotNil(t, got.DeliveredAt, "read backfills delivered_at")
	assert.WithinDuration(t, sentAt, *got.SentAt, time.Second, "sent_at is kept")
}

func TestMessageRepository_ApplyConcurrentWritersOneWins(t *testing.T) {
	repo := setupMessages(t)
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, pendingMessage("m1", time.Now().UTC())))

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := repo.Apply(ctx, "m1", message.StatusFailed, message.Predecessors(message.StatusFailed), message.Transition{Error: "boom"})
			if err == nil && ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)

	got, err := repo.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, message.StatusFailed, got.Status)
	assert.Equal(t, "boom", got.Error)
}

func TestMessageRepository_ListByConversation(t *testing.T) {
	repo := setupMessages(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i, id := range []string{"m1", "m2", "m3"} {
		require.NoError(t, repo.Create(ctx, pendingMessage(id, base.Add(time.Duration(i)*time.Minute))))
		require.NoError(t, repo.SetConversation(ctx, id, "conv-1"))
	}

	all, err := repo.ListByConversation(ctx, "conv-1", 0, time.Time{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "m3", all[0].ID)

	older, err := repo.ListByConversation(ctx, "conv-1", 10, base.Add(90*time.Second))
	require.NoError(t, err)
	require.Len(t, older, 2)
	assert.Equal(t, "m2", older[0].ID)
}

func TestConversationRepository_GetOrCreateIsShared(t *testing.T) {
	repo := setupConversations(t)
	ctx := context.Background()

	ids := make(chan string, 6)
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := repo.GetOrCreate(ctx, "s1", "+15550001", "")
			if err == nil {
				ids <- c.ID
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[string]bool{}
	for id := range ids {
		seen[id] = true
	}
	assert.Len(t, seen, 1)

	c, err := repo.GetOrCreate(ctx, "s1", "+15550001", "Ana")
	require.NoError(t, err)
	assert.Equal(t, "Ana", c.CustomerName)
}

func TestConversationRepository_InboxActions(t *testing.T) {
	repo := setupConversations(t)
	ctx := context.Background()

	c, err := repo.GetOrCreate(ctx, "s1", "+15550001", "")
	require.NoError(t, err)

	require.NoError(t, repo.Touch(ctx, c.ID, "hello", time.Now().UTC(), true))
	require.NoError(t, repo.Touch(ctx, c.ID, "are you there?", time.Now().UTC(), true))
	got, err := repo.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, got.Unread)
	assert.Equal(t, 2, got.UnreadCount)
	assert.Equal(t, "are you there?", got.LastMessagePreview)

	unread, err := repo.List(ctx, "s1", conversation.Filter{UnreadOnly: true})
	require.NoError(t, err)
	assert.Len(t, unread, 1)

	require.NoError(t, repo.MarkRead(ctx, c.ID))
	require.NoError(t, repo.Assign(ctx, c.ID, "agent-7"))
	require.NoError(t, repo.Archive(ctx, c.ID))

	visible, err := repo.List(ctx, "s1", conversation.Filter{})
	require.NoError(t, err)
	assert.Empty(t, visible)

	archived, err := repo.List(ctx, "s1", conversation.Filter{IncludeArchived: true, AssignedAgent: "agent-7"})
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.False(t, archived[0].Unread)
	assert.Zero(t, archived[0].UnreadCount)

	// an incoming message brings it back
	require.NoError(t, repo.Touch(ctx, c.ID, "hi again", time.Now().UTC(), true))
	visible, err = repo.List(ctx, "s1", conversation.Filter{})
	require.NoError(t, err)
	assert.Len(t, visible, 1)

	assert.ErrorIs(t, repo.Archive(ctx, "missing"), conversation.ErrConversationNotFound)
}
