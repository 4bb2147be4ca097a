package bot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/xaenox/somm-bot/internal/admission"
	"github.com/xaenox/somm-bot/internal/chat"
	"github.com/xaenox/somm-bot/internal/models"
)

const maxPhotoBytes = 10 << 20

type Bot struct {
	api      *tgbotapi.BotAPI
	service  *chat.Service
	sessions *sessions
	http     *http.Client
	logger   *zap.Logger
}

func New(token string, service *chat.Service, logger *zap.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	return &Bot{
		api:      api,
		service:  service,
		sessions: newSessions(),
		http:     &http.Client{Timeout: 30 * time.Second},
		logger:   logger,
	}, nil
}

// Start processes updates until ctx is cancelled.
func (b *Bot) Start(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)
	b.logger.Info("Bot started", zap.String("username", b.api.Self.UserName))

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message == nil {
				continue
			}
			go b.handleMessage(ctx, update.Message)
		}
	}
}

func (b *Bot) handleMessage(ctx context.Context, message *tgbotapi.Message) {
	// Handle commands
	if message.IsCommand() {
		b.handleCommand(ctx, message)
		return
	}

	if len(message.Photo) > 0 || isImageDocument(message.Document) {
		b.handlePhoto(ctx, message)
		return
	}

	if strings.TrimSpace(message.Text) != "" {
		b.handleText(ctx, message)
	}
}

func isImageDocument(doc *tgbotapi.Document) bool {
	return doc != nil && strings.HasPrefix(doc.MimeType, "image/")
}

func (b *Bot) handlePhoto(ctx context.Context, message *tgbotapi.Message) {
	img, err := b.downloadImage(ctx, message)
	if err != nil {
		b.logger.Error("Failed to download photo",
			zap.Error(err),
			zap.Int64("chat_id", message.Chat.ID))
		b.sendErrorMessage(message.Chat.ID, "Sorry, I couldn't download that photo. Please try again.")
		return
	}

	count, full := b.sessions.addImage(message.Chat.ID, img)
	if full {
		b.runAnalysis(ctx, message)
		return
	}
	b.sendMessage(message.Chat.ID, fmt.Sprintf(
		"Got photo %d of %d. Send the wine list (or another dish), or /pair to analyze now.", count, admission.MaxImages))
}

func (b *Bot) downloadImage(ctx context.Context, message *tgbotapi.Message) (models.Image, error) {
	fileID, mime := "", "image/jpeg"
	switch {
	case len(message.Photo) > 0:
		// Sizes are ordered smallest first.
		fileID = message.Photo[len(message.Photo)-1].FileID
	case message.Document != nil:
		fileID, mime = message.Document.FileID, message.Document.MimeType
	}

	url, err := b.api.GetFileDirectURL(fileID)
	if err != nil {
		return models.Image{}, fmt.Errorf("resolve file: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return models.Image{}, err
	}
	resp, err := b.http.Do(req)
	if err != nil {
		return models.Image{}, fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return models.Image{}, fmt.Errorf("download file: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPhotoBytes))
	if err != nil {
		return models.Image{}, fmt.Errorf("read file: %w", err)
	}
	return models.Image{Data: data, MimeType: mime}, nil
}

func (b *Bot) runAnalysis(ctx context.Context, message *tgbotapi.Message) {
	chatID := message.Chat.ID
	images := b.sessions.takeImages(chatID)
	if len(images) == 0 {
		b.sendMessage(chatID, "Send me a photo of your dish or menu first.")
		return
	}

	label := time.Now().Format("Jan 2 15:04")
	conv := b.service.CreateConversation(ctx, conversationTitle(chatID, label))
	b.sessions.setConversation(chatID, conv.ID)
	b.sendTyping(chatID)

	res, err := b.service.GenerateAnalysis(ctx, conv.ID, chat.AnalysisRequest{Images: images})
	if err != nil {
		b.logger.Error("Failed to analyze images",
			zap.Error(err),
			zap.Int64("chat_id", chatID),
			zap.String("conversation_id", conv.ID))
		b.reportError(chatID, conv.ID, err)
		return
	}

	b.sendReply(chatID, message.MessageID, res.Message.Content, res.Conversation)
}

func (b *Bot) handleText(ctx context.Context, message *tgbotapi.Message) {
	chatID := message.Chat.ID
	convID := b.currentConversation(chatID)
	if convID == "" {
		b.sendMessage(chatID, "Send me a photo of your food and the wine list first, and I'll tell you what to drink.")
		return
	}

	b.sendTyping(chatID)
	res, err := b.service.SendMessage(ctx, convID, message.Text, chat.SendOptions{})
	if err != nil {
		b.logger.Warn("Failed to continue conversation",
			zap.Error(err),
			zap.Int64("chat_id", chatID),
			zap.String("conversation_id", convID))
		b.reportError(chatID, convID, err)
		return
	}

	b.sendReply(chatID, message.MessageID, res.Reply.Content, res.Conversation)
}

// currentConversation returns the chat's conversation, recovering it from
// the stored collection after a restart. A chat that used /new has none
// until its next analysis.
func (b *Bot) currentConversation(chatID int64) string {
	if b.sessions.isDetached(chatID) {
		return ""
	}
	if id := b.sessions.conversation(chatID); id != "" {
		if _, err := b.service.Get(id); err == nil {
			return id
		}
	}

	var latest *models.Conversation
	for _, conv := range b.service.List() {
		if !ownedBy(conv, chatID) {
			continue
		}
		if latest == nil || conv.UpdatedAt.After(latest.UpdatedAt) {
			c := conv
			latest = &c
		}
	}
	if latest == nil {
		return ""
	}
	b.sessions.setConversation(chatID, latest.ID)
	return latest.ID
}

// reportError shows the conversation's error once, with guidance for
// budget errors.
func (b *Bot) reportError(chatID int64, convID string, err error) {
	text, _ := b.service.TakeError(convID)
	if text == "" {
		text = err.Error()
	}
	if errors.Is(err, chat.ErrBusy) {
		text = "Hold on, I'm still thinking about your last message."
	}
	b.sendErrorMessage(chatID, text)
}

func (b *Bot) handleCommand(ctx context.Context, message *tgbotapi.Message) {
	switch message.Command() {
	case "start":
		b.handleStart(message)
	case "help":
		b.handleHelp(message)
	case "new":
		b.sessions.reset(message.Chat.ID)
		b.sendMessage(message.Chat.ID, "Fresh start. Send me a photo of your dish or menu.")
	case "pair":
		b.runAnalysis(ctx, message)
	case "usage":
		b.handleUsage(message)
	case "history":
		b.handleHistory(message)
	case "delete":
		b.handleDelete(ctx, message)
	default:
		b.sendMessage(message.Chat.ID, "Unknown command. Use /help to see available commands.")
	}
}

func (b *Bot) handleStart(message *tgbotapi.Message) {
	welcome := `Welcome to Somm-in-Palm! 🦉🍷
I'm Sip the Owl. Send me a photo of your food and one of the wine list, and I'll tell you what to order.
Use /help to see all available commands.`

	b.sendMessage(message.Chat.ID, welcome)
}

func (b *Bot) handleHelp(message *tgbotapi.Message) {
	help := `Available commands:
/start - Start the bot
/help - Show this help message
/pair - Analyze the photos sent so far
/new - Start a new conversation
/usage - Show token usage
/history - Show recent messages
/delete - Delete the current conversation

Send up to two photos (a dish and a wine list). After the pairing, just keep chatting to ask follow-up questions.`

	b.sendMessage(message.Chat.ID, help)
}

func (b *Bot) handleUsage(message *tgbotapi.Message) {
	conv, ok := b.conversationFor(message.Chat.ID)
	if !ok {
		b.sendMessage(message.Chat.ID, "You don't have a conversation yet.")
		return
	}
	b.sendMessage(message.Chat.ID, usageLine(conv))
}

func (b *Bot) handleHistory(message *tgbotapi.Message) {
	conv, ok := b.conversationFor(message.Chat.ID)
	if !ok || len(conv.Messages) == 0 {
		b.sendMessage(message.Chat.ID, "You don't have any messages yet.")
		return
	}

	msg := tgbotapi.NewMessage(message.Chat.ID, historyText(conv, 6))
	msg.ParseMode = "MarkdownV2"
	if _, err := b.api.Send(msg); err != nil {
		b.logger.Error("Failed to send history message",
			zap.Error(err),
			zap.Int64("chat_id", message.Chat.ID))
	}
}

func (b *Bot) handleDelete(ctx context.Context, message *tgbotapi.Message) {
	convID := b.currentConversation(message.Chat.ID)
	if convID == "" {
		b.sendMessage(message.Chat.ID, "There is nothing to delete.")
		return
	}
	if err := b.service.DeleteConversation(ctx, convID); err != nil {
		b.logger.Error("Failed to delete conversation",
			zap.Error(err),
			zap.String("conversation_id", convID))
		b.sendErrorMessage(message.Chat.ID, "Sorry, I couldn't delete that conversation.")
		return
	}
	b.sessions.reset(message.Chat.ID)
	b.sendMessage(message.Chat.ID, "Conversation deleted.")
}

func (b *Bot) conversationFor(chatID int64) (models.Conversation, bool) {
	convID := b.currentConversation(chatID)
	if convID == "" {
		return models.Conversation{}, false
	}
	conv, err := b.service.Get(convID)
	return conv, err == nil
}

func (b *Bot) sendReply(chatID int64, replyToID int, text string, conv models.Conversation) {
	if conv.WarnTokenLimit {
		text += "\n\n" + usageLine(conv)
	}
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyToMessageID = replyToID
	if _, err := b.api.Send(msg); err != nil {
		b.logger.Error("Failed to send reply",
			zap.Error(err),
			zap.Int64("chat_id", chatID))
	}
}

func (b *Bot) sendTyping(chatID int64) {
	if _, err := b.api.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)); err != nil {
		b.logger.Debug("Failed to send typing action", zap.Error(err), zap.Int64("chat_id", chatID))
	}
}

func (b *Bot) sendMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		b.logger.Error("Failed to send message",
			zap.Error(err),
			zap.Int64("chat_id", chatID))
	}
}

func (b *Bot) sendErrorMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, "⚠️ "+text)
	if _, err := b.api.Send(msg); err != nil {
		b.logger.Error("Failed to send error message",
			zap.Error(err),
			zap.Int64("chat_id", chatID))
	}
}
