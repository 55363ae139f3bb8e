package gemini

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/maine/set_news_watcher/internal/config"
	"github.com/maine/set_news_watcher/internal/news"
)

// maxInputRunes ограничивает текст страницы, передаваемый в промпт.
const maxInputRunes = 4000

// Summarizer реализует app.Summarizer: 1–2 предложения на тайском по тексту новости.
type Summarizer struct {
	client GeminiClient
	model  string
	logger zerolog.Logger
}

// NewSummarizer создаёт новый экземпляр суммаризатора.
func NewSummarizer(client GeminiClient, cfg config.Gemini, logger zerolog.Logger) *Summarizer {
	return &Summarizer{
		client: client,
		model:  cfg.Model,
		logger: logger.With().Str("component", "gemini").Logger(),
	}
}

// Summarize реализует app.Summarizer. Пустой текст страницы даёт пустое резюме без запроса.
func (s *Summarizer) Summarize(ctx context.Context, item news.NormalizedItem, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", nil
	}

	responseText, err := s.client.GenerateText(ctx, s.model, buildPrompt(item.Headline, truncateRunes(text, maxInputRunes)))
	if err != nil {
		return "", fmt.Errorf("summarize %s: %w", item.ID, err)
	}

	summary := cleanSummary(responseText)
	s.logger.Debug().Str("id", item.ID).Int("runes", len([]rune(summary))).Msg("summary generated")
	return summary, nil
}

func buildPrompt(headline, text string) string {
	return fmt.Sprintf(`คุณเป็นผู้ช่วยสรุปข่าวตลาดหลักทรัพย์
สรุปข่าวต่อไปนี้เป็นภาษาไทย 1–2 ประโยค ใช้ภาษาเป็นกลาง ระบุตัวเลขสำคัญ (จำนวนหุ้น ราคา มูลค่า) ถ้ามี
ห้ามแต่งข้อมูลที่ไม่มีในข้อความ ตอบเฉพาะข้อความสรุป ไม่ต้องมีหัวข้อหรือ Markdown

หัวข้อข่าว: %s

เนื้อหา:
%s`, headline, text)
}

// cleanSummary убирает обёртку ``` и склеивает строки, если модель всё же их добавила.
func cleanSummary(raw string) string {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```text")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	return strings.Join(strings.Fields(raw), " ")
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
