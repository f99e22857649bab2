package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	neturl "net/url"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	telegramAPI = "https://api.telegram.org"
	// telegramTextLimit is the sendMessage text limit in characters.
	telegramTextLimit = 4096
)

type telegramMessage struct {
	ChatID              string `json:"chat_id"`
	Text                string `json:"text"`
	ParseMode           string `json:"parse_mode"`
	DisableNotification bool   `json:"disable_notification,omitempty"`
}

// TelegramSender posts risk alerts to a chat through the Bot API. Margin
// warnings are delivered silently; closes ring the chat.
type TelegramSender struct {
	apiBase string
	token   string
	chatID  string
	client  *http.Client
}

// NewTelegramSender creates a TelegramSender for the given bot token and chat.
func NewTelegramSender(token, chatID string) *TelegramSender {
	return &TelegramSender{
		apiBase: telegramAPI,
		token:   token,
		chatID:  chatID,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// WithAPIBase points the sender at a different Bot API host.
func (t *TelegramSender) WithAPIBase(base string) *TelegramSender {
	t.apiBase = strings.TrimRight(base, "/")
	return t
}

// Send renders msg as HTML and posts it with sendMessage.
func (t *TelegramSender) Send(ctx context.Context, msg Message) error {
	payload := telegramMessage{
		ChatID:              t.chatID,
		Text:                telegramText(msg),
		ParseMode:           "HTML",
		DisableNotification: msg.Severity == SeverityWarning,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("telegram: marshal payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		// The request URL carries the bot token.
		var uerr *neturl.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return fmt.Errorf("telegram: send %q: %w", msg.Title, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("telegram: unexpected status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// telegramText escapes msg for HTML parse mode within the text limit.
func telegramText(msg Message) string {
	title := html.EscapeString(truncate(msg.Title, 256))
	budget := telegramTextLimit - utf8.RuneCountInString(title) - utf8.RuneCountInString("<b></b>\n")
	body := html.EscapeString(msg.Body)
	if utf8.RuneCountInString(body) > budget {
		body = escapeWithin(msg.Body, budget)
	}
	return "<b>" + title + "</b>\n" + body
}

// escapeWithin escapes s rune by rune and stops where the escaped text plus a
// trailing ellipsis would exceed max runes. Entities are never split.
func escapeWithin(s string, max int) string {
	var b strings.Builder
	n := 0
	for _, r := range s {
		e := html.EscapeString(string(r))
		w := utf8.RuneCountInString(e)
		if n+w > max-1 {
			break
		}
		b.WriteString(e)
		n += w
	}
	b.WriteString("…")
	return b.String()
}

// Name returns the sender identifier.
func (t *TelegramSender) Name() string {
	return "telegram"
}
