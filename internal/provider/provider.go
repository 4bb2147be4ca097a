// Package provider is the boundary to the remote LLM that performs image
// analysis and chat completion.
package provider

import (
	"context"

	"github.com/xaenox/somm-bot/internal/models"
)

// Completion is the text returned by a remote call. Usage is nil when the
// provider did not report it.
type Completion struct {
	Text  string
	Usage *models.Usage
}

// Provider performs remote completions. Failures are returned as *Error.
type Provider interface {
	ImageAnalysis(ctx context.Context, images []models.Image) (*Completion, error)
	ChatCompletion(ctx context.Context, messages []models.Message, maxCompletionTokens int) (*Completion, error)
}
