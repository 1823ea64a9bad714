package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const telegramAPIBase = "https://api.telegram.org"

// Telegram 在提案生成时把通知推送至指定群/频道。
type Telegram struct {
	BotToken string
	ChatID   string
	Client   *http.Client
	BaseURL  string
	Attempts int
	// Backoff 返回第 i 次失败后的等待时间。
	Backoff func(i int) time.Duration
}

func NewTelegram(botToken, chatID string) *Telegram {
	return &Telegram{
		BotToken: strings.TrimSpace(botToken),
		ChatID:   strings.TrimSpace(chatID),
		Client:   &http.Client{Timeout: 15 * time.Second},
		BaseURL:  telegramAPIBase,
		Attempts: 3,
		Backoff:  func(i int) time.Duration { return time.Duration(i+1) * time.Second },
	}
}

// SendText 发送 Markdown 文本（最多重试 Attempts 次）。
func (t *Telegram) SendText(text string) error {
	return t.SendTextContext(context.Background(), text)
}

func (t *Telegram) SendTextContext(ctx context.Context, text string) error {
	if t.BotToken == "" || t.ChatID == "" {
		return fmt.Errorf("Telegram 配置不完整")
	}
	base := strings.TrimRight(t.BaseURL, "/")
	if base == "" {
		base = telegramAPIBase
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", base, t.BotToken)
	body, err := json.Marshal(map[string]any{
		"chat_id":    t.ChatID,
		"text":       text,
		"parse_mode": "Markdown",
	})
	if err != nil {
		return err
	}
	attempts := t.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 && t.Backoff != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(t.Backoff(i - 1)):
			}
		}
		lastErr = t.post(ctx, url, body)
		if lastErr == nil {
			return nil
		}
	}
	return lastErr
}

func (t *Telegram) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode/100 == 2 {
		return nil
	}
	if desc := gjson.GetBytes(raw, "description").String(); desc != "" {
		return fmt.Errorf("telegram status=%d: %s", resp.StatusCode, desc)
	}
	return fmt.Errorf("telegram status=%d", resp.StatusCode)
}
