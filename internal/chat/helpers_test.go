package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xaenox/somm-bot/internal/admission"
	"github.com/xaenox/somm-bot/internal/models"
	"github.com/xaenox/somm-bot/internal/provider"
	"github.com/xaenox/somm-bot/internal/storage"
	"github.com/xaenox/somm-bot/internal/tokens"
)

// costCounter returns a preset cost per text and one token per unknown text.
type costCounter map[string]int

func (c costCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	if n, ok := c[text]; ok {
		return n
	}
	return 1
}

type fakeProvider struct {
	mu            sync.Mutex
	chatCalls     int
	analysisCalls int
	lastMax       int
	lastMessages  []models.Message
	lastImages    []models.Image

	reply  string
	usages []*models.Usage
	err    error

	// When gate is set each call signals entered and waits on gate.
	gate    chan struct{}
	entered chan struct{}
}

func (p *fakeProvider) next() (*provider.Completion, error) {
	p.mu.Lock()
	gate, entered := p.gate, p.entered
	p.mu.Unlock()
	if gate != nil {
		entered <- struct{}{}
		<-gate
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	var usage *models.Usage
	if len(p.usages) > 0 {
		usage = p.usages[0]
		p.usages = p.usages[1:]
	}
	return &provider.Completion{Text: p.reply, Usage: usage}, nil
}

func (p *fakeProvider) ImageAnalysis(ctx context.Context, images []models.Image) (*provider.Completion, error) {
	p.mu.Lock()
	p.analysisCalls++
	p.lastImages = images
	p.mu.Unlock()
	return p.next()
}

func (p *fakeProvider) ChatCompletion(ctx context.Context, messages []models.Message, maxCompletionTokens int) (*provider.Completion, error) {
	p.mu.Lock()
	p.chatCalls++
	p.lastMax = maxCompletionTokens
	p.lastMessages = messages
	p.mu.Unlock()
	return p.next()
}

func (p *fakeProvider) calls() (chat, analysis int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.chatCalls, p.analysisCalls
}

func usage(prompt, completion int) *models.Usage {
	return &models.Usage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: prompt + completion}
}

type testEnv struct {
	svc      *Service
	provider *fakeProvider
	store    *storage.MemoryStorage
}

func stepClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2024, 11, 3, 19, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

func newTestEnv(t *testing.T, costs costCounter, seed *models.Snapshot) *testEnv {
	t.Helper()
	logger := zaptest.NewLogger(t)

	store := storage.NewMemoryStorage(logger)
	if seed != nil {
		require.NoError(t, store.Save(context.Background(), seed))
	}

	calc := tokens.NewCalculator(costs)
	fp := &fakeProvider{reply: "Pour a Barolo."}
	svc, err := NewService(context.Background(), Options{
		Provider:   fp,
		Store:      store,
		Calculator: calc,
		Controller: admission.NewController(calc, admission.DefaultLimits(), provider.SystemPrompt, provider.AnalysisPrompt),
		Logger:     logger,
		Clock:      stepClock(),
	})
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	return &testEnv{svc: svc, provider: fp, store: store}
}

// seededConversation returns a snapshot holding one conversation whose
// history costs historyCost + framing.
func seededConversation(id string, totalTokens int) *models.Snapshot {
	now := time.Date(2024, 11, 1, 12, 0, 0, 0, time.UTC)
	return &models.Snapshot{
		Conversations: []models.Conversation{{
			ID:    id,
			Title: "Seeded",
			Messages: []models.Message{
				{Role: models.RoleAssistant, Content: "history"},
			},
			TotalTokens: totalTokens,
			TokensIn:    totalTokens,
			TokenLimit:  4000,
			Status:      models.StatusIdle,
			CreatedAt:   now,
			UpdatedAt:   now,
		}},
		ActiveConversation: id,
	}
}
