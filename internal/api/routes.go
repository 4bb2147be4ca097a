package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/xaenox/somm-bot/internal/admission"
	"github.com/xaenox/somm-bot/internal/chat"
	"github.com/xaenox/somm-bot/internal/models"
	"github.com/xaenox/somm-bot/internal/provider"
)

type handlers struct {
	svc    *chat.Service
	logger *zap.Logger
}

func registerRoutes(r *gin.Engine, h *handlers) {
	api := r.Group("/api")

	api.POST("/chat", h.createAnalysis)
	api.PATCH("/chat", h.continueConversation)

	api.GET("/conversations", h.listConversations)
	api.POST("/conversations", h.createConversation)
	api.GET("/conversations/:id", h.getConversation)
	api.DELETE("/conversations/:id", h.deleteConversation)
	api.POST("/conversations/:id/analysis", h.generateAnalysis)
	api.POST("/conversations/:id/messages", h.sendMessage)
	api.PUT("/conversations/:id/active", h.setActive)
	api.GET("/active", h.getActive)
}

type imagesRequest struct {
	Image1 string `json:"image1"`
	Image2 string `json:"image2"`
}

func (r imagesRequest) analysisRequest() (chat.AnalysisRequest, error) {
	if r.Image1 == "" {
		return chat.AnalysisRequest{}, chat.ErrNoImages
	}
	first, err := models.NewImageFromBase64(r.Image1)
	if err != nil {
		return chat.AnalysisRequest{}, errBadImage
	}
	var second *models.Image
	if r.Image2 != "" {
		img, err := models.NewImageFromBase64(r.Image2)
		if err != nil {
			return chat.AnalysisRequest{}, errBadImage
		}
		second = &img
	}
	return chat.NewAnalysisRequest(first, second), nil
}

type continueRequest struct {
	Messages            []models.Message `json:"messages"`
	MaxCompletionTokens int              `json:"maxCompletionTokens"`
}

type sendRequest struct {
	Content             string `json:"content" binding:"required"`
	MaxCompletionTokens int    `json:"maxCompletionTokens"`
}

type sendResponse struct {
	Reply            models.Message      `json:"reply"`
	Usage            models.Usage        `json:"usage"`
	MaxTokens        int                 `json:"maxTokens"`
	ApproachingLimit bool                `json:"approachingLimit"`
	Conversation     models.Conversation `json:"conversation"`
}

type createRequest struct {
	Title string `json:"title"`
}

var (
	errBadImage = errors.New("images must be base64 encoded")
	errBadBody  = errors.New("invalid request body")
)

func (h *handlers) createAnalysis(c *gin.Context) {
	var body imagesRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		h.fail(c, errBadBody)
		return
	}
	req, err := body.analysisRequest()
	if err != nil {
		h.fail(c, err)
		return
	}
	msg, err := h.svc.Analyze(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

func (h *handlers) continueConversation(c *gin.Context) {
	var body continueRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		h.fail(c, errBadBody)
		return
	}
	reply, err := h.svc.Continue(c.Request.Context(), body.Messages, chat.SendOptions{
		MaxCompletionTokens: body.MaxCompletionTokens,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, reply)
}

func (h *handlers) listConversations(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"conversations": h.svc.List()})
}

func (h *handlers) createConversation(c *gin.Context) {
	var body createRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			h.fail(c, errBadBody)
			return
		}
	}
	conv := h.svc.CreateConversation(c.Request.Context(), body.Title)
	c.JSON(http.StatusCreated, conv)
}

// getConversation returns the conversation with its pending error, which is
// cleared so it is reported only once.
func (h *handlers) getConversation(c *gin.Context) {
	id := c.Param("id")
	pending, err := h.svc.TakeError(id)
	if err != nil {
		h.fail(c, err)
		return
	}
	conv, err := h.svc.Get(id)
	if err != nil {
		h.fail(c, err)
		return
	}
	if pending != "" {
		conv.Error = pending
	}
	c.JSON(http.StatusOK, conv)
}

func (h *handlers) deleteConversation(c *gin.Context) {
	if err := h.svc.DeleteConversation(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) generateAnalysis(c *gin.Context) {
	var body imagesRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		h.fail(c, errBadBody)
		return
	}
	req, err := body.analysisRequest()
	if err != nil {
		h.fail(c, err)
		return
	}
	res, err := h.svc.GenerateAnalysis(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": res.Message, "conversation": res.Conversation})
}

func (h *handlers) sendMessage(c *gin.Context) {
	var body sendRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		h.fail(c, errBadBody)
		return
	}
	res, err := h.svc.SendMessage(c.Request.Context(), c.Param("id"), body.Content, chat.SendOptions{
		MaxCompletionTokens: body.MaxCompletionTokens,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sendResponse{
		Reply:            res.Reply,
		Usage:            res.Usage,
		MaxTokens:        res.Decision.MaxTokens,
		ApproachingLimit: res.Decision.ApproachingLimit,
		Conversation:     res.Conversation,
	})
}

func (h *handlers) setActive(c *gin.Context) {
	if err := h.svc.SetActive(c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) getActive(c *gin.Context) {
	conv, ok := h.svc.Active()
	if !ok {
		h.fail(c, chat.ErrNotFound)
		return
	}
	c.JSON(http.StatusOK, conv)
}

// fail writes {"error": message} with the status matching err.
func (h *handlers) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed", zap.Error(err), zap.String("path", c.FullPath()))
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	var provErr *provider.Error
	switch {
	case errors.Is(err, chat.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, chat.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, admission.ErrSizing),
		errors.Is(err, chat.ErrNoImages),
		errors.Is(err, chat.ErrTooManyImages),
		errors.Is(err, chat.ErrEmptyMessage),
		errors.Is(err, chat.ErrNoConversation),
		errors.Is(err, errBadImage),
		errors.Is(err, errBadBody):
		return http.StatusBadRequest
	case admission.IsLimitError(err):
		return http.StatusUnprocessableEntity
	case errors.As(err, &provErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
