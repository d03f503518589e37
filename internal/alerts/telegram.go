// Package alerts pushes operator notifications about the feed to Telegram.
package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"arb-signal-engine/internal/config"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	telegramBaseURL = "https://api.telegram.org"
	messagePrefix   = "[arb-signal-engine]"

	// faultAlertInterval bounds fault alerts from a flapping feed.
	faultAlertInterval = time.Minute
)

type Telegram struct {
	enabled bool
	token   string
	chatID  string
	baseURL string
	client  *http.Client
	log     *zap.Logger
	faults  *rate.Limiter
}

func NewTelegram(cfg config.TelegramConfig, log *zap.Logger) *Telegram {
	return newTelegram(cfg, log, telegramBaseURL, &http.Client{Timeout: 10 * time.Second})
}

func newTelegram(cfg config.TelegramConfig, log *zap.Logger, baseURL string, client *http.Client) *Telegram {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Telegram{
		enabled: cfg.Enabled,
		token:   strings.TrimSpace(cfg.Token),
		chatID:  strings.TrimSpace(cfg.ChatID),
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		log:     log,
		faults:  rate.NewLimiter(rate.Every(faultAlertInterval), 1),
	}
}

func (t *Telegram) Enabled() bool {
	return t != nil && t.enabled
}

// FeedFaulted reports a dropped feed connection. Repeats within a minute are
// suppressed.
func (t *Telegram) FeedFaulted(ctx context.Context, provider, session string, cause error) {
	if !t.Enabled() || !t.faults.Allow() {
		return
	}
	msg := fmt.Sprintf("%s feed %s faulted (session %s): %v", messagePrefix, provider, shortSession(session), cause)
	t.sendBestEffort(ctx, msg)
}

// FeedExhausted reports that the feed gave up reconnecting and the engine is
// stopping. It is never suppressed.
func (t *Telegram) FeedExhausted(ctx context.Context, provider string, cause error) {
	if !t.Enabled() {
		return
	}
	t.sendBestEffort(ctx, fmt.Sprintf("%s feed %s exhausted its reconnects, engine stopping: %v", messagePrefix, provider, cause))
}

func (t *Telegram) sendBestEffort(ctx context.Context, msg string) {
	if err := t.Send(ctx, msg); err != nil {
		t.log.Warn("telegram alert failed", zap.Error(err))
	}
}

func (t *Telegram) Send(ctx context.Context, message string) error {
	if !t.Enabled() {
		return nil
	}
	if t.token == "" || t.chatID == "" {
		return errors.New("telegram token and chat_id are required")
	}
	if strings.TrimSpace(message) == "" {
		return errors.New("telegram message is empty")
	}
	body, err := json.Marshal(map[string]string{
		"chat_id": t.chatID,
		"text":    message,
	})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("telegram send failed: http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil && !result.OK {
		desc := strings.TrimSpace(result.Description)
		if desc == "" {
			desc = "unknown telegram error"
		}
		return fmt.Errorf("telegram send failed: %s", desc)
	}
	return nil
}

func shortSession(session string) string {
	if session == "" {
		return "-"
	}
	if len(session) > 8 {
		return session[:8]
	}
	return session
}
