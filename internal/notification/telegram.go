package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

const telegramAPI = "https://api.telegram.org"

// TelegramNotifier sends alerts via the Telegram Bot API. Info alerts are
// delivered silently; warnings and critical alerts notify the chat.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
}

// NewTelegramNotifier creates a Telegram notifier for the given bot token
// and target chat.
func NewTelegramNotifier(botToken, chatID string) *TelegramNotifier {
	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  telegramAPI,
		client:   &http.Client{Timeout: sendTimeout},
	}
}

type telegramReply struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

func (t *TelegramNotifier) Send(ctx context.Context, alert Alert) error {
	raw, err := postJSON(ctx, t.client, "telegram", fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.botToken), map[string]interface{}{
		"chat_id":              t.chatID,
		"text":                 telegramText(alert),
		"parse_mode":           "MarkdownV2",
		"disable_notification": alert.Level == AlertInfo,
	})
	if err != nil {
		return err
	}
	var reply telegramReply
	if len(raw) > 0 && json.Unmarshal(raw, &reply) == nil && !reply.OK && reply.Description != "" {
		return fmt.Errorf("telegram: %s", reply.Description)
	}
	return nil
}

func telegramText(alert Alert) string {
	prefix := "ℹ️"
	switch alert.Level {
	case AlertWarning:
		prefix = "⚠️"
	case AlertCritical:
		prefix = "🚨"
	}
	text := fmt.Sprintf("%s *%s*\n\n%s", prefix, escapeMarkdown(alert.Title), escapeMarkdown(alert.Message))
	if alert.Instrument != "" {
		text += "\n`" + escapeMarkdown(alert.Instrument) + "`"
	}
	return text
}

// escapeMarkdown escapes special characters for Telegram MarkdownV2.
func escapeMarkdown(s string) string {
	const specials = "_*[]()~`>#+-=|{}.!\\"
	var b strings.Builder
	for _, r := range s {
		if strings.ContainsRune(specials, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
