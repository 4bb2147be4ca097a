package bot

import (
	"fmt"
	"strings"

	"github.com/xaenox/somm-bot/internal/models"
)

// escapeMarkdown escapes special characters for MarkdownV2
func escapeMarkdown(text string) string {
	specialChars := []string{"\\", "_", "*", "[", "]", "(", ")", "~", "`", ">", "#", "+", "-", "=", "|", "{", "}", ".", "!"}
	escaped := text
	for _, char := range specialChars {
		escaped = strings.ReplaceAll(escaped, char, "\\"+char)
	}
	return escaped
}

// usageLine renders token usage the way the web client's warning banner does.
func usageLine(conv models.Conversation) string {
	if conv.TokenLimit <= 0 {
		return ""
	}
	percent := float64(conv.TotalTokens) / float64(conv.TokenLimit) * 100
	if conv.WarnTokenLimit || percent > 90 {
		remaining := max(conv.TokenLimit-conv.TotalTokens, 0)
		return fmt.Sprintf("⚠️ Only %d tokens remaining. Please start a new conversation with /new.", remaining)
	}
	return fmt.Sprintf("Using %d of %d tokens (%.0f%%)", conv.TotalTokens, conv.TokenLimit, percent)
}

// historyText renders the last n messages as MarkdownV2.
func historyText(conv models.Conversation, n int) string {
	msgs := conv.Messages
	if len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("*%s*\n\n", escapeMarkdown(conv.Title)))
	for _, m := range msgs {
		who := "You"
		if m.Role == models.RoleAssistant {
			who = "Sip"
		}
		content := m.Content
		if len([]rune(content)) > 280 {
			content = string([]rune(content)[:280]) + "…"
		}
		b.WriteString(fmt.Sprintf("*%s:* %s\n\n", who, escapeMarkdown(content)))
	}
	b.WriteString(fmt.Sprintf("_%s_", escapeMarkdown(usageLine(conv))))
	return b.String()
}

// conversationTitle ties a conversation to the Telegram chat that owns it.
func conversationTitle(chatID int64, label string) string {
	return fmt.Sprintf("tg:%d %s", chatID, label)
}

func ownedBy(conv models.Conversation, chatID int64) bool {
	return strings.HasPrefix(conv.Title, fmt.Sprintf("tg:%d ", chatID))
}
