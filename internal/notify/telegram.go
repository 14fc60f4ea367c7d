package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prokazin/telegram-trading-game/internal/model"
)

// DefaultTelegramURL is the Bot API root.
const DefaultTelegramURL = "https://api.telegram.org"

// TelegramSender messages the affected user through the Telegram Bot API.
// User IDs are Telegram user IDs, which double as private chat IDs.
type TelegramSender struct {
	token   string
	baseURL string
	client  *http.Client
}

// NewTelegramSender creates a TelegramSender for the given bot token. It uses
// an HTTP client with a 10-second timeout.
func NewTelegramSender(token, baseURL string) *TelegramSender {
	if baseURL == "" {
		baseURL = DefaultTelegramURL
	}
	return &TelegramSender{
		token:   token,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Send posts the formatted event to the user's chat using sendMessage.
func (t *TelegramSender) Send(ctx context.Context, userID string, event model.CloseEvent) error {
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)

	title, message := FormatMessage(event)
	payload := map[string]string{
		"chat_id":    userID,
		"text":       fmt.Sprintf("*%s*\n%s", title, message),
		"parse_mode": "Markdown",
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("telegram: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("telegram: unexpected status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// Name returns the sender identifier.
func (t *TelegramSender) Name() string {
	return "telegram"
}
