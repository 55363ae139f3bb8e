package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// ErrQuotaExceeded — дневная квота или лимит запросов Gemini исчерпаны.
var ErrQuotaExceeded = errors.New("gemini quota exceeded")

// GeminiClient определяет интерфейс для работы с Gemini API.
// Это позволяет легко создавать моки для тестирования.
type GeminiClient interface {
	GenerateText(ctx context.Context, model string, prompt string) (string, error)
}

// Client инкапсулирует работу с Gemini API через официальный SDK.
type Client struct {
	client *genai.Client
}

// Убеждаемся, что Client реализует интерфейс GeminiClient.
var _ GeminiClient = (*Client)(nil)

// NewClient создаёт новый клиент для работы с Gemini API.
func NewClient(ctx context.Context, apiKey string) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	return &Client{
		client: client,
	}, nil
}

// GenerateText отправляет запрос к Gemini API и возвращает текстовый ответ.
// Одна попытка, без повторов.
func (c *Client) GenerateText(ctx context.Context, model string, prompt string) (string, error) {
	result, err := c.client.Models.GenerateContent(
		ctx,
		model,
		genai.Text(prompt),
		nil,
	)
	if err != nil {
		if isQuotaExceededError(err.Error()) {
			return "", fmt.Errorf("%w: %v", ErrQuotaExceeded, err)
		}
		return "", fmt.Errorf("generate content: %w", err)
	}

	text, err := result.Text()
	if err != nil {
		return "", fmt.Errorf("get text from result: %w", err)
	}
	return text, nil
}

// isQuotaExceededError проверяет, является ли ошибка превышением квоты (429 или RPD).
func isQuotaExceededError(errStr string) bool {
	errLower := strings.ToLower(errStr)
	return strings.Contains(errLower, "429") ||
		strings.Contains(errLower, "quota") ||
		strings.Contains(errLower, "resource exhausted") ||
		strings.Contains(errLower, "too many requests")
}
