// Package chat is the conversation state machine: it admits actions
// against each conversation's token budget, runs the remote call and applies
// exactly one terminal transition per action.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xaenox/somm-bot/internal/admission"
	"github.com/xaenox/somm-bot/internal/models"
	"github.com/xaenox/somm-bot/internal/provider"
	"github.com/xaenox/somm-bot/internal/storage"
	"github.com/xaenox/somm-bot/internal/tokens"
)

const (
	DefaultTokenLimit = 4000
	DefaultTitle      = "New Pairing"
)

// Options wires a Service.
type Options struct {
	Provider   provider.Provider
	Store      storage.Storage
	Calculator *tokens.Calculator
	Controller *admission.Controller
	TokenLimit int
	Logger     *zap.Logger
	Clock      func() time.Time
}

// Service owns the conversation repository and drives every transition.
type Service struct {
	provider   provider.Provider
	calc       *tokens.Calculator
	controller *admission.Controller
	repo       *Repository
	tokenLimit int
	clock      func() time.Time
	logger     *zap.Logger
}

// AnalysisRequest carries one or two images for a single analysis call.
type AnalysisRequest struct {
	Images []models.Image
}

// NewAnalysisRequest builds a request from a required and an optional image.
func NewAnalysisRequest(first models.Image, second *models.Image) AnalysisRequest {
	req := AnalysisRequest{Images: []models.Image{first}}
	if second != nil {
		req.Images = append(req.Images, *second)
	}
	return req
}

func (r AnalysisRequest) validate() error {
	switch {
	case len(r.Images) == 0:
		return ErrNoImages
	case len(r.Images) > admission.MaxImages:
		return ErrTooManyImages
	}
	for _, img := range r.Images {
		if len(img.Data) == 0 {
			return ErrNoImages
		}
	}
	return nil
}

func (r AnalysisRequest) payloadSizes() []int {
	sizes := make([]int, len(r.Images))
	for i, img := range r.Images {
		sizes[i] = img.EncodedSize()
	}
	return sizes
}

// SendOptions tunes a single send. MaxCompletionTokens <= 0 uses the default.
type SendOptions struct {
	MaxCompletionTokens int
}

// SendResult is the outcome of an admitted and completed send.
type SendResult struct {
	Reply        models.Message
	Usage        models.Usage
	Decision     admission.SendDecision
	Conversation models.Conversation
}

// AnalysisResult is the outcome of a completed image analysis.
type AnalysisResult struct {
	Message      models.Message
	Decision     admission.AnalysisDecision
	Conversation models.Conversation
}

// NewService loads prior state from the store and starts the persister.
func NewService(ctx context.Context, opts Options) (*Service, error) {
	if opts.Provider == nil {
		return nil, fmt.Errorf("chat: provider is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("chat: store is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Calculator == nil {
		opts.Calculator = tokens.NewCalculator(tokens.NewTiktokenCounter(tokens.DefaultEncoding, opts.Logger))
	}
	if opts.Controller == nil {
		opts.Controller = admission.NewController(opts.Calculator, admission.DefaultLimits(),
			provider.SystemPrompt, provider.AnalysisPrompt)
	}
	if opts.TokenLimit <= 0 {
		opts.TokenLimit = DefaultTokenLimit
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	return &Service{
		provider:   opts.Provider,
		calc:       opts.Calculator,
		controller: opts.Controller,
		repo:       newRepository(ctx, opts.Store, opts.Clock, opts.Logger),
		tokenLimit: opts.TokenLimit,
		clock:      opts.Clock,
		logger:     opts.Logger,
	}, nil
}

// Close writes any pending state and stops background persistence.
func (s *Service) Close() {
	s.repo.close()
}

// CreateConversation starts an empty idle conversation and makes it active.
func (s *Service) CreateConversation(ctx context.Context, title string) models.Conversation {
	if strings.TrimSpace(title) == "" {
		title = DefaultTitle
	}
	now := s.clock()
	conv := models.Conversation{
		ID:         uuid.New().String(),
		Title:      title,
		Messages:   []models.Message{},
		TokenLimit: s.tokenLimit,
		Status:     models.StatusIdle,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.repo.insert(conv)

	s.logger.Info("Conversation created",
		zap.String("conversation_id", conv.ID),
		zap.Int("token_limit", conv.TokenLimit))
	return conv.Clone()
}

// DeleteConversation removes a conversation. A result still in flight for it
// is discarded when it arrives.
func (s *Service) DeleteConversation(ctx context.Context, id string) error {
	if !s.repo.remove(id) {
		return ErrNotFound
	}
	s.logger.Info("Conversation deleted", zap.String("conversation_id", id))
	return nil
}

func (s *Service) Get(id string) (models.Conversation, error) {
	rec, ok := s.repo.get(id)
	if !ok {
		return models.Conversation{}, ErrNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	return rec.conv.Clone(), nil
}

// List returns every conversation in creation order.
func (s *Service) List() []models.Conversation {
	return s.repo.list()
}

func (s *Service) SetActive(id string) error {
	if !s.repo.setActive(id) {
		return ErrNotFound
	}
	return nil
}

// Active returns the selected conversation, if any.
func (s *Service) Active() (models.Conversation, bool) {
	id := s.repo.activeID()
	if id == "" {
		return models.Conversation{}, false
	}
	conv, err := s.Get(id)
	return conv, err == nil
}

// TakeError returns the conversation's pending error message and clears it
// so it is shown once.
func (s *Service) TakeError(id string) (string, error) {
	rec, ok := s.repo.get(id)
	if !ok {
		return "", ErrNotFound
	}
	rec.mu.Lock()
	msg := rec.conv.Error
	rec.conv.Error = ""
	rec.mu.Unlock()

	if msg != "" {
		s.repo.save()
	}
	return msg, nil
}

// GenerateAnalysis admits, runs and records an image analysis.
func (s *Service) GenerateAnalysis(ctx context.Context, id string, req AnalysisRequest) (*AnalysisResult, error) {
	rec, ok := s.repo.get(id)
	if !ok {
		return nil, ErrNotFound
	}

	rec.mu.Lock()
	if err := s.checkReady(rec); err != nil {
		rec.mu.Unlock()
		return nil, err
	}
	s.clearFailure(rec)

	if err := req.validate(); err != nil {
		s.rejectLocked(rec, err)
		rec.mu.Unlock()
		s.repo.save()
		return nil, err
	}
	decision, err := s.controller.AdmitAnalysis(req.payloadSizes()...)
	if err != nil {
		s.rejectLocked(rec, err)
		rec.mu.Unlock()
		s.repo.save()
		s.logger.Warn("Image analysis rejected",
			zap.Error(err),
			zap.String("conversation_id", id),
			zap.Int("estimated_tokens", decision.EstimatedTokens))
		return nil, err
	}
	gen := s.beginLocked(rec, models.StatusAnalyzing)
	rec.mu.Unlock()
	s.repo.save()

	completion, err := s.provider.ImageAnalysis(ctx, req.Images)
	if err != nil {
		s.fail(rec, gen, err)
		return nil, err
	}

	usage := normalizeUsage(completion.Usage, decision.EstimatedTokens, completion.Text)
	msg := models.Message{Role: models.RoleAssistant, Content: completion.Text, Usage: &usage}

	conv, err := s.apply(rec, gen, usage, msg)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Image analysis completed",
		zap.String("conversation_id", id),
		zap.Int("images", len(req.Images)),
		zap.Int("total_tokens", usage.TotalTokens))
	return &AnalysisResult{Message: msg, Decision: decision, Conversation: conv}, nil
}

// SendMessage admits text against the conversation budget, asks for a reply
// capped at the admitted completion ceiling and records both messages.
func (s *Service) SendMessage(ctx context.Context, id, text string, opts SendOptions) (*SendResult, error) {
	rec, ok := s.repo.get(id)
	if !ok {
		return nil, ErrNotFound
	}

	rec.mu.Lock()
	if err := s.checkReady(rec); err != nil {
		rec.mu.Unlock()
		return nil, err
	}
	s.clearFailure(rec)

	if strings.TrimSpace(text) == "" {
		s.rejectLocked(rec, ErrEmptyMessage)
		rec.mu.Unlock()
		s.repo.save()
		return nil, ErrEmptyMessage
	}

	conv := &rec.conv
	if conv.WarnTokenLimit {
		err := &admission.HardLimitError{TokenCount: conv.TotalTokens, TokenLimit: conv.TokenLimit, Capped: true}
		s.rejectLocked(rec, err)
		rec.mu.Unlock()
		s.repo.save()
		return nil, err
	}

	userMsg := models.Message{Role: models.RoleUser, Content: text}
	decision, err := s.controller.AdmitSend(conv.Messages, userMsg, conv.TokenLimit, opts.MaxCompletionTokens)
	if err != nil {
		s.rejectLocked(rec, err)
		rec.mu.Unlock()
		s.repo.save()
		s.logger.Warn("Message rejected",
			zap.Error(err),
			zap.String("conversation_id", id),
			zap.Int("token_count", decision.TokenCount))
		return nil, err
	}

	outgoing := make([]models.Message, 0, len(conv.Messages)+1)
	outgoing = append(outgoing, conv.Messages...)
	outgoing = append(outgoing, userMsg)
	gen := s.beginLocked(rec, models.StatusLoading)
	rec.mu.Unlock()
	s.repo.save()

	completion, err := s.provider.ChatCompletion(ctx, stripUsage(outgoing), decision.MaxTokens)
	if err != nil {
		s.fail(rec, gen, err)
		return nil, err
	}

	usage := normalizeUsage(completion.Usage, decision.TokenCount, completion.Text)
	reply := models.Message{Role: models.RoleAssistant, Content: completion.Text, Usage: &usage}

	updated, err := s.apply(rec, gen, usage, userMsg, reply)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Message completed",
		zap.String("conversation_id", id),
		zap.Int("max_tokens", decision.MaxTokens),
		zap.Int("total_tokens", updated.TotalTokens),
		zap.Bool("approaching_limit", decision.ApproachingLimit))
	return &SendResult{Reply: reply, Usage: usage, Decision: decision, Conversation: updated}, nil
}

// checkReady refuses a second action while one is in flight. The refused
// proposal leaves the record untouched.
func (s *Service) checkReady(rec *record) error {
	if rec.deleted {
		return ErrNotFound
	}
	if rec.conv.Status.Busy() {
		return ErrBusy
	}
	return nil
}

// clearFailure resets a failed conversation as a new action begins.
func (s *Service) clearFailure(rec *record) {
	if rec.conv.Status == models.StatusFailed {
		rec.conv.Status = models.StatusIdle
	}
	rec.conv.Error = ""
}

func (s *Service) beginLocked(rec *record, status models.Status) uint64 {
	rec.generation++
	rec.conv.Status = status
	return rec.generation
}

// rejectLocked records a failure detected before any remote call. History
// and counters are untouched; a hard-limit rejection caps the conversation.
func (s *Service) rejectLocked(rec *record, err error) {
	rec.conv.Status = models.StatusFailed
	rec.conv.Error = err.Error()
	if errors.Is(err, admission.ErrHardLimit) {
		rec.conv.LimitReached = true
	}
	s.refreshWarning(&rec.conv)
}

// fail applies the failure transition for action gen, unless the record has
// moved on.
func (s *Service) fail(rec *record, gen uint64, err error) {
	rec.mu.Lock()
	if rec.deleted || rec.generation != gen {
		rec.mu.Unlock()
		return
	}
	rec.conv.Status = models.StatusFailed
	rec.conv.Error = err.Error()
	id := rec.conv.ID
	rec.mu.Unlock()

	s.repo.save()
	s.logger.Error("Remote call failed", zap.Error(err), zap.String("conversation_id", id))
}

// apply is the success transition for action gen: append, accumulate the
// reported deltas and recompute the warning flag.
func (s *Service) apply(rec *record, gen uint64, usage models.Usage, msgs ...models.Message) (models.Conversation, error) {
	rec.mu.Lock()
	if rec.deleted {
		rec.mu.Unlock()
		return models.Conversation{}, ErrNotFound
	}
	if rec.generation != gen {
		rec.mu.Unlock()
		return models.Conversation{}, ErrBusy
	}

	conv := &rec.conv
	conv.Messages = append(conv.Messages, msgs...)
	conv.TokensIn += usage.PromptTokens
	conv.TokensOut += usage.CompletionTokens
	conv.TotalTokens += usage.TotalTokens
	conv.UpdatedAt = s.clock()
	conv.Status = models.StatusIdle
	conv.Error = ""
	s.refreshWarning(conv)
	out := conv.Clone()
	rec.mu.Unlock()

	s.repo.save()
	return out, nil
}

func (s *Service) refreshWarning(conv *models.Conversation) {
	conv.WarnTokenLimit = conv.LimitReached || s.controller.OverThreshold(conv.TotalTokens, conv.TokenLimit)
}

// normalizeUsage backfills each usage field the provider left unset: the
// prompt from the pre-flight estimate, the completion from the length of the
// reply and the total from the two sides. Negatives are clamped.
func normalizeUsage(reported *models.Usage, promptEstimate int, text string) models.Usage {
	var u models.Usage
	if reported != nil {
		u = *reported
	}
	u.PromptTokens = max(u.PromptTokens, 0)
	u.CompletionTokens = max(u.CompletionTokens, 0)
	u.TotalTokens = max(u.TotalTokens, 0)

	if u.CompletionTokens == 0 {
		if u.PromptTokens > 0 && u.TotalTokens > u.PromptTokens {
			u.CompletionTokens = u.TotalTokens - u.PromptTokens
		} else {
			u.CompletionTokens = tokens.EstimateTokens(text)
		}
	}
	if u.PromptTokens == 0 {
		if u.TotalTokens > u.CompletionTokens {
			u.PromptTokens = u.TotalTokens - u.CompletionTokens
		} else {
			u.PromptTokens = max(promptEstimate, 0)
		}
	}
	if u.TotalTokens == 0 {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	return u
}

// stripUsage drops the accounting snapshots before messages leave the core.
func stripUsage(msgs []models.Message) []models.Message {
	out := make([]models.Message, len(msgs))
	for i, m := range msgs {
		out[i] = models.Message{Role: m.Role, Content: m.Content}
	}
	return out
}
