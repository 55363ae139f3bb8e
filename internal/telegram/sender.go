package telegram

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/maine/set_news_watcher/internal/news"
)

const (
	// telegramMaxMessageLength - максимальная длина сообщения в Telegram (4096 символов)
	telegramMaxMessageLength = 4096
	// rateLimitDelay - минимальная задержка между частями одного дайджеста
	rateLimitDelay = time.Second / 30
	// partHeaderTemplate - нумерация частей длинного дайджеста
	partHeaderTemplate = "(%d/%d)\n"
	partHeaderReserve  = 16
)

// Sender реализует app.Sender для отправки дайджеста в один чат Telegram.
type Sender struct {
	client TelegramClient
	chatID string
	logger zerolog.Logger
}

// NewSender создаёт новый экземпляр отправителя.
func NewSender(client TelegramClient, chatID string, logger zerolog.Logger) *Sender {
	return &Sender{
		client: client,
		chatID: chatID,
		logger: logger.With().Str("component", "telegram").Logger(),
	}
}

func (s *Sender) Name() string {
	return "telegram"
}

// Send реализует app.Sender. Длинный дайджест режется на части по строкам;
// первая ошибка прерывает отправку, повтора нет.
func (s *Sender) Send(ctx context.Context, digest news.Digest) error {
	if s.chatID == "" {
		return fmt.Errorf("telegram chat_id is empty")
	}

	messages := SplitMessage(digest.Subject+"\n\n"+digest.Body, telegramMaxMessageLength)
	if len(messages) == 0 {
		return fmt.Errorf("no messages to send")
	}

	for i, message := range messages {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(rateLimitDelay):
			}
		}
		if err := s.client.SendMessage(ctx, s.chatID, message); err != nil {
			return fmt.Errorf("send part %d/%d: %w", i+1, len(messages), err)
		}
	}

	s.logger.Info().Int("parts", len(messages)).Msg("telegram digest sent")
	return nil
}

// SplitMessage разбивает текст на сообщения не длиннее limit символов, не разрывая строки.
// Строка длиннее лимита режется по символам. Если частей больше одной, к каждой добавляется нумерация.
func SplitMessage(text string, limit int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if runeLen(text) <= limit {
		return []string{text}
	}

	budget := limit - partHeaderReserve
	var (
		parts   []string
		current strings.Builder
		curLen  int
	)
	flush := func() {
		if curLen > 0 {
			parts = append(parts, strings.TrimSuffix(current.String(), "\n"))
			current.Reset()
			curLen = 0
		}
	}

	for _, line := range strings.Split(text, "\n") {
		for _, piece := range chunkRunes(line, budget-1) {
			pieceLen := runeLen(piece) + 1
			if curLen+pieceLen > budget {
				flush()
			}
			current.WriteString(piece)
			current.WriteString("\n")
			curLen += pieceLen
		}
	}
	flush()

	total := len(parts)
	for i := range parts {
		parts[i] = fmt.Sprintf(partHeaderTemplate, i+1, total) + parts[i]
	}
	return parts
}

func chunkRunes(line string, size int) []string {
	runes := []rune(line)
	if len(runes) <= size {
		return []string{line}
	}
	var chunks []string
	for len(runes) > size {
		chunks = append(chunks, string(runes[:size]))
		runes = runes[size:]
	}
	return append(chunks, string(runes))
}

func runeLen(s string) int {
	return len([]rune(s))
}
