package tokens

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xaenox/somm-bot/internal/models"
)

// fixedCounter charges a fixed cost per word.
type fixedCounter map[string]int

func (f fixedCounter) Count(text string) int {
	if n, ok := f[text]; ok {
		return n
	}
	return len(strings.Fields(text))
}

func TestCalculator_EstimateImageTokens(t *testing.T) {
	c := NewCalculator(nil)

	tests := []struct {
		name string
		size int
		want int
	}{
		{"zero", 0, 0},
		{"negative", -5, 0},
		{"one byte is a full tile", 1, 85},
		{"exact tile", 4096, 85},
		{"tile and a byte", 4097, 170},
		{"400KB", 400 * 1024, 8500},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.EstimateImageTokens(tt.size))
		})
	}
}

func TestCalculator_WithImageTiles(t *testing.T) {
	c := NewCalculator(nil, WithImageTiles(1000, 10))
	assert.Equal(t, 30, c.EstimateImageTokens(2500))

	// Non-positive values keep defaults.
	c = NewCalculator(nil, WithImageTiles(0, -1))
	assert.Equal(t, 85, c.EstimateImageTokens(10))
}

func TestCalculator_MessagesTokenCount(t *testing.T) {
	c := NewCalculator(fixedCounter{"hello": 1})

	tests := []struct {
		name     string
		messages []models.Message
		want     int
	}{
		{"empty list still has reply overhead", nil, 2},
		{"single message", []models.Message{{Role: models.RoleUser, Content: "hello"}}, 7},
		{
			"overhead per message",
			[]models.Message{
				{Role: models.RoleAssistant, Content: "three word reply"},
				{Role: models.RoleUser, Content: "hello"},
				{Role: models.RoleUser, Content: ""},
			},
			3 + 1 + 0 + 3*MessageOverhead + ReplyOverhead,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.MessagesTokenCount(tt.messages))
		})
	}
}

func TestCalculator_IsWithinLimit(t *testing.T) {
	c := NewCalculator(fixedCounter{"hello": 1})
	msgs := []models.Message{{Role: models.RoleUser, Content: "hello"}}

	assert.True(t, c.IsWithinLimit(msgs, 8))
	assert.False(t, c.IsWithinLimit(msgs, 7), "limit is strict")
	assert.False(t, c.IsWithinLimit(msgs, 6))
}

func TestCalculator_CountTokensDelegates(t *testing.T) {
	c := NewCalculator(fixedCounter{"sommelier": 3})
	assert.Equal(t, 3, c.CountTokens("sommelier"))
}
