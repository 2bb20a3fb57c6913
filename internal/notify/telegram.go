// Package notify delivers best-effort messages to the chat-bot channel and opens
// real-time rooms. Callers record the returned map; they never interpret it.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"booking-workers/internal/config"
)

const maxResponseBytes = 1 << 20

// Telegram posts plain-text messages through the Bot API sendMessage method.
type Telegram struct {
	httpClient *http.Client
	apiBase    string
	token      string
	chatID     string
	threadID   string
}

// NewTelegram builds a notifier from config. Without a token or chat id every call is skipped.
func NewTelegram(cfg config.Config) *Telegram {
	timeout := cfg.CollaboratorTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Telegram{
		httpClient: &http.Client{Timeout: timeout},
		apiBase:    strings.TrimRight(cfg.TelegramAPIBase, "/"),
		token:      cfg.TelegramBotToken,
		chatID:     cfg.TelegramChatID,
		threadID:   cfg.TelegramThreadID,
	}
}

type sendMessageRequest struct {
	ChatID          string `json:"chat_id"`
	MessageThreadID string `json:"message_thread_id,omitempty"`
	Text            string `json:"text"`
}

type sendMessageResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	Result      struct {
		MessageID int64 `json:"message_id"`
	} `json:"result"`
}

// Notify sends one message for kind rendered from payload.
func (t *Telegram) Notify(ctx context.Context, kind string, payload map[string]any) (map[string]any, error) {
	if t.token == "" || t.chatID == "" {
		return map[string]any{"ok": false, "skipped": "not_configured"}, nil
	}
	body, err := json.Marshal(sendMessageRequest{
		ChatID:          t.chatID,
		MessageThreadID: t.threadID,
		Text:            RenderText(kind, payload),
	})
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	var out sendMessageResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("send message: status %d: undecodable response", resp.StatusCode)
	}
	if !out.OK {
		if out.Description == "" {
			out.Description = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return nil, errors.New("send message: " + out.Description)
	}
	return map[string]any{"ok": true, "message_id": out.Result.MessageID}, nil
}

// RenderText turns a payload into a "[kind]" header followed by sorted key: value lines.
// Nested values and empty strings are left out.
func RenderText(kind string, payload map[string]any) string {
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "[%s]", kind)
	for _, k := range keys {
		switch v := payload[k].(type) {
		case nil:
		case string:
			if v != "" {
				fmt.Fprintf(&b, "\n%s: %s", k, v)
			}
		case float64, int, int64, bool:
			fmt.Fprintf(&b, "\n%s: %v", k, v)
		case time.Time:
			fmt.Fprintf(&b, "\n%s: %s", k, v.UTC().Format(time.RFC3339))
		}
	}
	return b.String()
}
