package chat

import (
	"context"

	"go.uber.org/zap"

	"github.com/xaenox/somm-bot/internal/models"
)

// Reply is the result of a stateless continuation.
type Reply struct {
	Content string       `json:"content"`
	Usage   models.Usage `json:"usage"`
}

// Analyze runs an image analysis without recording it in any conversation.
func (s *Service) Analyze(ctx context.Context, req AnalysisRequest) (models.Message, error) {
	if err := req.validate(); err != nil {
		return models.Message{}, err
	}
	decision, err := s.controller.AdmitAnalysis(req.payloadSizes()...)
	if err != nil {
		s.logger.Warn("Image analysis rejected", zap.Error(err), zap.Int("estimated_tokens", decision.EstimatedTokens))
		return models.Message{}, err
	}

	completion, err := s.provider.ImageAnalysis(ctx, req.Images)
	if err != nil {
		return models.Message{}, err
	}
	usage := normalizeUsage(completion.Usage, decision.EstimatedTokens, completion.Text)
	return models.Message{Role: models.RoleAssistant, Content: completion.Text, Usage: &usage}, nil
}

// Continue answers the last message of a caller-held history, admitting it
// against the default conversation limit.
func (s *Service) Continue(ctx context.Context, messages []models.Message, opts SendOptions) (*Reply, error) {
	if len(messages) == 0 {
		return nil, ErrNoConversation
	}
	decision, err := s.controller.AdmitMessages(messages, s.tokenLimit, opts.MaxCompletionTokens)
	if err != nil {
		s.logger.Warn("Message rejected", zap.Error(err), zap.Int("token_count", decision.TokenCount))
		return nil, err
	}

	completion, err := s.provider.ChatCompletion(ctx, stripUsage(messages), decision.MaxTokens)
	if err != nil {
		return nil, err
	}
	return &Reply{
		Content: completion.Text,
		Usage:   normalizeUsage(completion.Usage, decision.TokenCount, completion.Text),
	}, nil
}
