package chat

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xaenox/somm-bot/internal/models"
	"github.com/xaenox/somm-bot/internal/storage"
	"github.com/xaenox/somm-bot/internal/tokens"
)

func TestService_PersistsEveryTransition(t *testing.T) {
	env := newTestEnv(t, costCounter{}, nil)
	conv := env.svc.CreateConversation(context.Background(), "Persisted")
	env.provider.usages = []*models.Usage{usage(30, 20)}

	_, err := env.svc.SendMessage(context.Background(), conv.ID, "hello", SendOptions{})
	require.NoError(t, err)
	env.svc.Close()

	snap, err := env.store.Load(context.Background())
	require.NoError(t, err)
	require.NotNil(t, snap)
	require.Len(t, snap.Conversations, 1)
	assert.Equal(t, conv.ID, snap.ActiveConversation)

	saved := snap.Conversations[0]
	assert.Equal(t, "Persisted", saved.Title)
	assert.Len(t, saved.Messages, 2)
	assert.Equal(t, 50, saved.TotalTokens)
	assert.Equal(t, models.StatusIdle, saved.Status)
	assert.Positive(t, env.store.Saves())
}

func TestService_ReloadsState(t *testing.T) {
	logger := zaptest.NewLogger(t)
	store := storage.NewMemoryStorage(logger)

	seed := seededConversation("c1", 250)
	seed.Conversations[0].Status = models.StatusLoading
	require.NoError(t, store.Save(context.Background(), seed))

	svc, err := NewService(context.Background(), Options{
		Provider:   &fakeProvider{reply: "ok"},
		Store:      store,
		Calculator: tokens.NewCalculator(costCounter{}),
		Logger:     logger,
	})
	require.NoError(t, err)
	defer svc.Close()

	conv, err := svc.Get("c1")
	require.NoError(t, err)
	assert.Equal(t, 250, conv.TotalTokens)
	assert.Equal(t, models.StatusIdle, conv.Status, "in-flight status does not survive a restart")

	active, ok := svc.Active()
	require.True(t, ok)
	assert.Equal(t, "c1", active.ID)

	_, err = svc.SendMessage(context.Background(), "c1", "more", SendOptions{})
	require.NoError(t, err)
}

func TestService_CorruptStateStartsEmpty(t *testing.T) {
	logger := zaptest.NewLogger(t)
	store := storage.NewMemoryStorage(logger)
	store.SetRaw([]byte(`{"conversations": [`))

	svc, err := NewService(context.Background(), Options{Provider: &fakeProvider{}, Store: store, Logger: logger})
	require.NoError(t, err)
	defer svc.Close()

	assert.Empty(t, svc.List())
	_, ok := svc.Active()
	assert.False(t, ok)
}

type failingStore struct {
	storage.MemoryStorage
}

func (s *failingStore) Save(ctx context.Context, snapshot *models.Snapshot) error {
	return errors.New("disk full")
}

func (s *failingStore) Load(ctx context.Context) (*models.Snapshot, error) {
	return nil, errors.New("backend offline")
}

func TestService_PersistenceFailuresAreNotSurfaced(t *testing.T) {
	logger := zaptest.NewLogger(t)
	fp := &fakeProvider{reply: "fine", usages: []*models.Usage{usage(5, 5)}}

	svc, err := NewService(context.Background(), Options{
		Provider:   fp,
		Store:      &failingStore{},
		Calculator: tokens.NewCalculator(costCounter{}),
		Logger:     logger,
	})
	require.NoError(t, err)
	defer svc.Close()

	conv := svc.CreateConversation(context.Background(), "")
	res, err := svc.SendMessage(context.Background(), conv.ID, "hello", SendOptions{})
	require.NoError(t, err)
	assert.Equal(t, 10, res.Conversation.TotalTokens)

	got, err := svc.Get(conv.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusIdle, got.Status)
	assert.Empty(t, got.Error)
}

func TestService_CloseIsIdempotent(t *testing.T) {
	env := newTestEnv(t, costCounter{}, nil)
	env.svc.Close()
	env.svc.Close()
}
