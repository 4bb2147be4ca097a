package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/xaenox/somm-bot/internal/models"
)

const DefaultModel = "gpt-4-turbo"

// OpenAIConfig configures the OpenAI provider.
type OpenAIConfig struct {
	APIKey            string
	BaseURL           string
	Model             string
	VisionModel       string
	Temperature       float64
	AnalysisMaxTokens int
}

// OpenAI implements Provider against the chat completions API.
type OpenAI struct {
	client            *openai.Client
	model             string
	visionModel       string
	temperature       float64
	analysisMaxTokens int
	logger            *zap.Logger
}

func NewOpenAI(cfg OpenAIConfig, logger *zap.Logger) *OpenAI {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.VisionModel == "" {
		cfg.VisionModel = cfg.Model
	}
	if cfg.AnalysisMaxTokens <= 0 {
		cfg.AnalysisMaxTokens = 500
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpenAI{
		client:            openai.NewClientWithConfig(clientCfg),
		model:             cfg.Model,
		visionModel:       cfg.VisionModel,
		temperature:       cfg.Temperature,
		analysisMaxTokens: cfg.AnalysisMaxTokens,
		logger:            logger,
	}
}

// ImageAnalysis asks the vision model for pairings for one or two images.
func (p *OpenAI) ImageAnalysis(ctx context.Context, images []models.Image) (*Completion, error) {
	parts := make([]openai.ChatMessagePart, 0, len(images)+1)
	for _, img := range images {
		parts = append(parts, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{
				URL:    img.DataURL(),
				Detail: openai.ImageURLDetailAuto,
			},
		})
	}
	parts = append(parts, openai.ChatMessagePart{
		Type: openai.ChatMessagePartTypeText,
		Text: AnalysisPrompt,
	})

	req := openai.ChatCompletionRequest{
		Model: p.visionModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: SystemPrompt},
			{Role: openai.ChatMessageRoleUser, MultiContent: parts},
		},
		MaxTokens: p.analysisMaxTokens,
	}
	return p.complete(ctx, "analysis", req)
}

// ChatCompletion continues a conversation with the given completion ceiling.
func (p *OpenAI) ChatCompletion(ctx context.Context, messages []models.Message, maxCompletionTokens int) (*Completion, error) {
	req := openai.ChatCompletionRequest{
		Model:       p.model,
		Messages:    make([]openai.ChatCompletionMessage, 0, len(messages)),
		MaxTokens:   maxCompletionTokens,
		Temperature: float32(p.temperature),
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}
	return p.complete(ctx, "chat", req)
}

func (p *OpenAI) complete(ctx context.Context, op string, req openai.ChatCompletionRequest) (*Completion, error) {
	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		p.logger.Error("Failed to get completion",
			zap.Error(err),
			zap.String("op", op),
			zap.String("model", req.Model))
		return nil, newError(op, err)
	}
	if len(resp.Choices) == 0 {
		p.logger.Error("Completion returned no choices",
			zap.String("op", op),
			zap.String("response_id", resp.ID))
		return nil, newError(op, fmt.Errorf("%w: no choices returned", ErrMalformedResponse))
	}

	out := &Completion{Text: strings.TrimSpace(resp.Choices[0].Message.Content)}
	if resp.Usage.TotalTokens > 0 || resp.Usage.PromptTokens > 0 || resp.Usage.CompletionTokens > 0 {
		out.Usage = &models.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}

	p.logger.Debug("Completion received",
		zap.String("op", op),
		zap.String("model", req.Model),
		zap.Int("max_tokens", req.MaxTokens),
		zap.Int("total_tokens", resp.Usage.TotalTokens))
	return out, nil
}
