package admission_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xaenox/somm-bot/internal/admission"
	"github.com/xaenox/somm-bot/internal/models"
	"github.com/xaenox/somm-bot/internal/tokens"
)

// costCounter returns a preset cost per text, 1 for unknown text.
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

func newController(costs costCounter, prompts ...string) *admission.Controller {
	return admission.NewController(tokens.NewCalculator(costs), admission.DefaultLimits(), prompts...)
}

func user(content string) models.Message {
	return models.Message{Role: models.RoleUser, Content: content}
}

func assistant(content string) models.Message {
	return models.Message{Role: models.RoleAssistant, Content: content}
}

func TestAdmitSend_EmptyHistory(t *testing.T) {
	c := newController(costCounter{})

	d, err := c.AdmitSend(nil, user("hello"), 4000, 0)
	require.NoError(t, err)

	assert.Equal(t, 7, d.TokenCount)
	assert.Equal(t, 3993, d.AvailableTokens)
	assert.Equal(t, 500, d.RequestedMaxTokens)
	assert.Equal(t, 500, d.MaxTokens)
	assert.False(t, d.ApproachingLimit)
}

func TestAdmitSend_HardLimit(t *testing.T) {
	c := newController(costCounter{"history": 3944, "question": 56})
	history := []models.Message{assistant("history")}

	d, err := c.AdmitSend(history, user("question"), 4000, 0)
	require.Error(t, err)

	var hard *admission.HardLimitError
	require.True(t, errors.As(err, &hard))
	assert.Equal(t, 4010, hard.TokenCount)
	assert.Equal(t, 4000, hard.TokenLimit)
	assert.ErrorIs(t, err, admission.ErrHardLimit)
	assert.True(t, admission.IsLimitError(err))
	assert.True(t, d.ApproachingLimit)
	assert.Contains(t, err.Error(), "4010")
}

func TestAdmitSend_ExactlyAtLimitIsRejected(t *testing.T) {
	c := newController(costCounter{"history": 3934, "question": 56})

	_, err := c.AdmitSend([]models.Message{assistant("history")}, user("question"), 4000, 0)
	assert.ErrorIs(t, err, admission.ErrHardLimit)
}

func TestAdmitSend_NoCompletionRoom(t *testing.T) {
	c := newController(costCounter{"history": 3794, "question": 146})

	d, err := c.AdmitSend([]models.Message{assistant("history")}, user("question"), 4000, 0)
	require.Error(t, err)

	assert.ErrorIs(t, err, admission.ErrNoCompletionRoom)
	assert.NotErrorIs(t, err, admission.ErrHardLimit)
	assert.True(t, admission.IsLimitError(err))
	assert.Equal(t, 3950, d.TokenCount)
	assert.Equal(t, 50, d.AvailableTokens)
	assert.Equal(t, -50, d.MaxTokens)
}

func TestAdmitSend_ReserveBufferBoundary(t *testing.T) {
	// available = 101 leaves exactly one completion token.
	c := newController(costCounter{"question": 3893})

	d, err := c.AdmitSend(nil, user("question"), 4000, 0)
	require.NoError(t, err)
	assert.Equal(t, 101, d.AvailableTokens)
	assert.Equal(t, 1, d.MaxTokens)
	assert.True(t, d.ApproachingLimit)

	// available = 100 leaves nothing.
	c = newController(costCounter{"question": 3894})
	_, err = c.AdmitSend(nil, user("question"), 4000, 0)
	assert.ErrorIs(t, err, admission.ErrNoCompletionRoom)
}

func TestAdmitSend_RequestedMax(t *testing.T) {
	c := newController(costCounter{})

	tests := []struct {
		name      string
		requested int
		want      int
	}{
		{"default", 0, 500},
		{"smaller request wins", 120, 120},
		{"larger request capped at default", 5000, 500},
		{"negative means default", -1, 500},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := c.AdmitSend(nil, user("hello"), 4000, tt.requested)
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.MaxTokens)
		})
	}
}

func TestAdmitSend_HeadroomGuarantee(t *testing.T) {
	c := newController(costCounter{})
	history := []models.Message{}

	for i := 0; i < 200; i++ {
		d, err := c.AdmitSend(history, user("x"), 1000, 0)
		if err != nil {
			assert.True(t, admission.IsLimitError(err))
			break
		}
		assert.LessOrEqual(t, d.MaxTokens, d.AvailableTokens-admission.DefaultReserveBuffer)
		assert.LessOrEqual(t, d.TokenCount+d.MaxTokens+admission.DefaultReserveBuffer, 1000)
		history = append(history, user("x"))
	}
}

func TestAdmitSend_DoesNotMutateHistory(t *testing.T) {
	c := newController(costCounter{})
	history := make([]models.Message, 1, 4)
	history[0] = assistant("pairing")

	_, err := c.AdmitSend(history, user("hello"), 4000, 0)
	require.NoError(t, err)
	assert.Len(t, history, 1)
	assert.Equal(t, models.Message{}, history[:2][1])
}

func TestAdmitAnalysis(t *testing.T) {
	c := newController(costCounter{"system": 80, "instruction": 20}, "system", "instruction")
	assert.Equal(t, 100, c.PromptTokens())

	t.Run("single small image", func(t *testing.T) {
		d, err := c.AdmitAnalysis(50 * 1024)
		require.NoError(t, err)
		assert.Equal(t, []int{1105}, d.ImageTokens)
		assert.Equal(t, 1205, d.EstimatedTokens)
	})

	t.Run("two small images", func(t *testing.T) {
		d, err := c.AdmitAnalysis(100*1024, 100*1024)
		require.NoError(t, err)
		assert.Equal(t, 100+2*2125, d.EstimatedTokens)
	})

	t.Run("two 400KB images", func(t *testing.T) {
		d, err := c.AdmitAnalysis(400*1024, 400*1024)
		require.Error(t, err)

		var sizing *admission.SizingError
		require.True(t, errors.As(err, &sizing))
		assert.Equal(t, 17100, sizing.Estimated)
		assert.Equal(t, 6000, sizing.Ceiling)
		assert.Equal(t, []int{8500, 8500}, d.ImageTokens)
		assert.ErrorIs(t, err, admission.ErrSizing)
		assert.False(t, admission.IsLimitError(err))
	})

	t.Run("exactly at ceiling is admitted", func(t *testing.T) {
		ceiling := admission.NewController(tokens.NewCalculator(costCounter{}),
			admission.Limits{ImageCeiling: 185}, "p")
		_, err := ceiling.AdmitAnalysis(4096 * 2)
		assert.NoError(t, err)
		_, err = ceiling.AdmitAnalysis(4096*2 + 1)
		assert.ErrorIs(t, err, admission.ErrSizing)
	})
}

func TestOverThreshold(t *testing.T) {
	c := newController(costCounter{})

	assert.False(t, c.OverThreshold(3600, 4000))
	assert.True(t, c.OverThreshold(3601, 4000))
	assert.False(t, c.OverThreshold(0, 4000))
}

func TestLimitsDefaults(t *testing.T) {
	c := admission.NewController(tokens.NewCalculator(nil), admission.Limits{ReserveBuffer: -1})
	assert.Equal(t, admission.DefaultLimits(), c.Limits())

	c = admission.NewController(tokens.NewCalculator(nil), admission.Limits{
		ImageCeiling: 9000, MaxCompletionTokens: 800, ReserveBuffer: 0, WarnRatio: 0.75,
	})
	assert.Equal(t, 0, c.Limits().ReserveBuffer)
	assert.Equal(t, 800, c.Limits().MaxCompletionTokens)
}
