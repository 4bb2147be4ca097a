package tokens

import "github.com/xaenox/somm-bot/internal/models"

const (
	// MessageOverhead is the framing cost charged for every chat message.
	MessageOverhead = 4
	// ReplyOverhead is the fixed cost primed for the assistant reply.
	ReplyOverhead = 2

	DefaultImageTileBytes  = 4096
	DefaultImageTileTokens = 85
)

// Calculator derives token costs for text, images and message lists.
type Calculator struct {
	counter    Counter
	tileBytes  int
	tileTokens int
}

// CalculatorOption customises a Calculator.
type CalculatorOption func(*Calculator)

// WithImageTiles overrides the per-tile image approximation.
func WithImageTiles(tileBytes, tileTokens int) CalculatorOption {
	return func(c *Calculator) {
		if tileBytes > 0 {
			c.tileBytes = tileBytes
		}
		if tileTokens > 0 {
			c.tileTokens = tileTokens
		}
	}
}

func NewCalculator(counter Counter, opts ...CalculatorOption) *Calculator {
	if counter == nil {
		counter = HeuristicCounter{}
	}
	c := &Calculator{
		counter:    counter,
		tileBytes:  DefaultImageTileBytes,
		tileTokens: DefaultImageTileTokens,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CountTokens returns the token count of a single text.
func (c *Calculator) CountTokens(text string) int {
	return c.counter.Count(text)
}

// EstimateImageTokens approximates the cost of an image from the size of
// its encoded payload: one fixed-cost unit per started tile.
func (c *Calculator) EstimateImageTokens(payloadSize int) int {
	if payloadSize <= 0 {
		return 0
	}
	tiles := (payloadSize + c.tileBytes - 1) / c.tileBytes
	return tiles * c.tileTokens
}

// MessagesTokenCount sums content tokens plus per-message framing and the
// trailing reply overhead.
func (c *Calculator) MessagesTokenCount(messages []models.Message) int {
	total := 0
	for _, m := range messages {
		total += c.counter.Count(m.Content)
		total += MessageOverhead
	}
	return total + ReplyOverhead
}

// IsWithinLimit reports whether messages fit strictly below limit.
func (c *Calculator) IsWithinLimit(messages []models.Message, limit int) bool {
	return c.MessagesTokenCount(messages) < limit
}
