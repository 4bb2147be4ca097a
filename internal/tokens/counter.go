package tokens

import (
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
	"go.uber.org/zap"
)

// DefaultEncoding is the BPE encoding used by the gpt-4 family.
const DefaultEncoding = "cl100k_base"

// CharsPerToken is the ratio used by the length-based estimate.
const CharsPerToken = 4

// Counter converts text to a token count.
type Counter interface {
	Count(text string) int
}

// EstimateTokens is the length-based heuristic: ceil(characters / 4).
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + CharsPerToken - 1) / CharsPerToken
}

// HeuristicCounter counts with EstimateTokens only.
type HeuristicCounter struct{}

func (HeuristicCounter) Count(text string) int {
	return EstimateTokens(text)
}

type encodeFunc func(text string) []int

// TiktokenCounter counts tokens with an offline BPE encoder. Encoder
// construction is deferred to the first call.
type TiktokenCounter struct {
	encoding string
	logger   *zap.Logger

	once   sync.Once
	encode encodeFunc
}

func NewTiktokenCounter(encoding string, logger *zap.Logger) *TiktokenCounter {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TiktokenCounter{encoding: encoding, logger: logger}
}

func (c *TiktokenCounter) init() {
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
	enc, err := tiktoken.GetEncoding(c.encoding)
	if err != nil {
		c.logger.Warn("Tokenizer unavailable, using length estimate",
			zap.Error(err),
			zap.String("encoding", c.encoding))
		return
	}
	// Special tokens embedded in user text make Encode panic; Count recovers.
	c.encode = func(text string) []int {
		return enc.Encode(text, nil, []string{"all"})
	}
}

// Count returns the number of tokens in text. Empty text is 0.
func (c *TiktokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	c.once.Do(c.init)
	if c.encode == nil {
		return EstimateTokens(text)
	}
	n, err := c.safeEncode(text)
	if err != nil {
		c.logger.Warn("Error counting tokens", zap.Error(err), zap.Int("length", len(text)))
		return EstimateTokens(text)
	}
	return n
}

func (c *TiktokenCounter) safeEncode(text string) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("encode: %v", r)
		}
	}()
	return len(c.encode(text)), nil
}
