package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const defaultAPIBase = "https://api.telegram.org"

// TelegramClient определяет интерфейс для работы с Telegram Bot API.
// Это позволяет легко создавать моки для тестирования.
type TelegramClient interface {
	SendMessage(ctx context.Context, chatID string, text string) error
}

// Client инкапсулирует работу с Telegram Bot API.
type Client struct {
	client *http.Client
	apiURL string
}

// Убеждаемся, что Client реализует интерфейс TelegramClient.
var _ TelegramClient = (*Client)(nil)

// NewClient создаёт клиента. token обязателен.
func NewClient(token string) *Client {
	return NewClientWithBase(defaultAPIBase, token)
}

// NewClientWithBase нужен для тестов и прокси перед Bot API.
func NewClientWithBase(base, token string) *Client {
	return &Client{
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
		apiURL: fmt.Sprintf("%s/bot%s", strings.TrimRight(base, "/"), token),
	}
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// SendMessage отправляет текстовое сообщение без разметки.
func (c *Client) SendMessage(ctx context.Context, chatID string, text string) error {
	payload := map[string]any{
		"chat_id":                  chatID,
		"text":                     text,
		"disable_web_page_preview": true,
	}

	var resp apiResponse
	if err := c.post(ctx, "sendMessage", payload, &resp); err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("telegram sendMessage not ok: %s", resp.Description)
	}
	return nil
}

func (c *Client) post(ctx context.Context, method string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/"+method, bytes.NewReader(data))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr apiResponse
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Description != "" {
			return fmt.Errorf("telegram api status %d: %s", resp.StatusCode, apiErr.Description)
		}
		return fmt.Errorf("telegram api status %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
