// Package admission decides whether a proposed action fits the token
// budget before any remote call is made.
package admission

import (
	"github.com/xaenox/somm-bot/internal/models"
	"github.com/xaenox/somm-bot/internal/tokens"
)

const (
	DefaultImageCeiling        = 6000
	DefaultMaxCompletionTokens = 500
	DefaultReserveBuffer       = 100
	DefaultWarnRatio           = 0.9
	MaxImages                  = 2
)

// Limits holds the fixed budget parameters.
type Limits struct {
	ImageCeiling        int
	MaxCompletionTokens int
	ReserveBuffer       int
	WarnRatio           float64
}

// DefaultLimits returns the stock budget parameters.
func DefaultLimits() Limits {
	return Limits{
		ImageCeiling:        DefaultImageCeiling,
		MaxCompletionTokens: DefaultMaxCompletionTokens,
		ReserveBuffer:       DefaultReserveBuffer,
		WarnRatio:           DefaultWarnRatio,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.ImageCeiling <= 0 {
		l.ImageCeiling = d.ImageCeiling
	}
	if l.MaxCompletionTokens <= 0 {
		l.MaxCompletionTokens = d.MaxCompletionTokens
	}
	if l.ReserveBuffer < 0 {
		l.ReserveBuffer = d.ReserveBuffer
	}
	if l.WarnRatio <= 0 || l.WarnRatio > 1 {
		l.WarnRatio = d.WarnRatio
	}
	return l
}

// AnalysisDecision is the outcome of an admitted image analysis.
type AnalysisDecision struct {
	PromptTokens    int
	ImageTokens     []int
	EstimatedTokens int
}

// SendDecision is the outcome of an admitted message send.
type SendDecision struct {
	TokenCount         int
	AvailableTokens    int
	RequestedMaxTokens int
	MaxTokens          int
	ApproachingLimit   bool
}

// Controller evaluates proposals against the budget. It holds no
// per-conversation state.
type Controller struct {
	calc         *tokens.Calculator
	limits       Limits
	promptTokens int
}

// NewController precomputes the cost of the fixed analysis prompts.
func NewController(calc *tokens.Calculator, limits Limits, fixedPrompts ...string) *Controller {
	c := &Controller{calc: calc, limits: limits.withDefaults()}
	for _, p := range fixedPrompts {
		c.promptTokens += calc.CountTokens(p)
	}
	return c
}

func (c *Controller) Limits() Limits { return c.limits }

// PromptTokens is the constant cost of the analysis prompts.
func (c *Controller) PromptTokens() int { return c.promptTokens }

// AdmitAnalysis checks an image analysis request. It is all-or-nothing:
// either every image fits under the ceiling or the request is rejected.
func (c *Controller) AdmitAnalysis(payloadSizes ...int) (AnalysisDecision, error) {
	d := AnalysisDecision{PromptTokens: c.promptTokens, EstimatedTokens: c.promptTokens}
	for _, size := range payloadSizes {
		n := c.calc.EstimateImageTokens(size)
		d.ImageTokens = append(d.ImageTokens, n)
		d.EstimatedTokens += n
	}
	if d.EstimatedTokens > c.limits.ImageCeiling {
		return d, &SizingError{Estimated: d.EstimatedTokens, Ceiling: c.limits.ImageCeiling}
	}
	return d, nil
}

// AdmitSend checks whether history plus next fits tokenLimit and computes
// the completion ceiling. requestedMax <= 0 selects the default.
func (c *Controller) AdmitSend(history []models.Message, next models.Message, tokenLimit, requestedMax int) (SendDecision, error) {
	proposed := make([]models.Message, 0, len(history)+1)
	proposed = append(proposed, history...)
	proposed = append(proposed, next)
	return c.AdmitMessages(proposed, tokenLimit, requestedMax)
}

// AdmitMessages is AdmitSend over an already assembled message list.
func (c *Controller) AdmitMessages(messages []models.Message, tokenLimit, requestedMax int) (SendDecision, error) {
	d := SendDecision{TokenCount: c.calc.MessagesTokenCount(messages)}
	d.ApproachingLimit = c.OverThreshold(d.TokenCount, tokenLimit)

	if d.TokenCount >= tokenLimit {
		return d, &HardLimitError{TokenCount: d.TokenCount, TokenLimit: tokenLimit}
	}

	d.AvailableTokens = tokenLimit - d.TokenCount
	d.RequestedMaxTokens = c.limits.MaxCompletionTokens
	if requestedMax > 0 && requestedMax < d.RequestedMaxTokens {
		d.RequestedMaxTokens = requestedMax
	}
	d.MaxTokens = min(d.RequestedMaxTokens, d.AvailableTokens-c.limits.ReserveBuffer)

	if d.MaxTokens <= 0 {
		return d, &NoCompletionRoomError{TokenCount: d.TokenCount, Available: d.AvailableTokens}
	}
	return d, nil
}

// OverThreshold reports whether count is above the warning ratio of limit.
func (c *Controller) OverThreshold(count, limit int) bool {
	return float64(count) > float64(limit)*c.limits.WarnRatio
}
