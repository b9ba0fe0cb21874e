// Package notify delivers engine events to a notification sink.
// Delivery is best-effort: failures are logged, never propagated into
// the engine's control flow.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"tradeforge/internal/util"
)

// Notifier is the notification sink boundary.
type Notifier interface {
	// Notify sends text best-effort. A nil error means accepted, not
	// necessarily delivered.
	Notify(ctx context.Context, text string) error
}

// Nop discards every message. Used when no sink is configured.
type Nop struct{}

var _ Notifier = Nop{}

func (Nop) Notify(context.Context, string) error { return nil }

// Telegram sends messages through the Telegram Bot API with bounded
// retries.
type Telegram struct {
	baseURL string
	token   string
	chatID  string
	client  *http.Client
	logger  *slog.Logger
}

var _ Notifier = (*Telegram)(nil)

// NewTelegram builds a notifier for the given bot token and chat.
func NewTelegram(token, chatID string, logger *slog.Logger) *Telegram {
	return &Telegram{
		baseURL: "https://api.telegram.org",
		token:   token,
		chatID:  chatID,
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}
}

// Notify sends the message with up to three attempts. The final error
// is logged and returned, but callers are expected to treat it as
// advisory.
func (t *Telegram) Notify(ctx context.Context, text string) error {
	err := util.Retry(ctx, 3, time.Second, func(ctx context.Context) error {
		return t.send(ctx, text)
	})
	if err != nil {
		t.logger.Warn("telegram notification dropped", "error", err)
	}
	return err
}

func (t *Telegram) send(ctx context.Context, text string) error {
	payload, err := json.Marshal(map[string]string{
		"chat_id":    t.chatID,
		"text":       text,
		"parse_mode": "HTML",
	})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		err := fmt.Errorf("telegram status %d: %s", resp.StatusCode, body)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return util.Permanent(err)
		}
		return err
	}
	return nil
}
