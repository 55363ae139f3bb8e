package filter

import (
	"strings"

	"github.com/maine/set_news_watcher/internal/config"
	"github.com/maine/set_news_watcher/internal/news"
	"github.com/maine/set_news_watcher/internal/normalize"
)

// Mode — режим сравнения заголовка с фильтром.
type Mode string

const (
	ModeExact    Mode = "exact"
	ModeContains Mode = "contains"
)

// ParseMode приводит значение из конфига к Mode. Неизвестный режим считается exact.
func ParseMode(raw string) Mode {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case ModeContains:
		return ModeContains
	default:
		return ModeExact
	}
}

// Matches решает, подходит ли заголовок под фильтр.
// Пустой фильтр пропускает всё; заглушка "(no headline)" непустому фильтру не соответствует.
func Matches(headline, text string, mode Mode) bool {
	if text == "" {
		return true
	}
	if headline == normalize.NoHeadline {
		return false
	}
	switch mode {
	case ModeContains:
		return strings.Contains(headline, text)
	default:
		return headline == text
	}
}

// Filter отбирает новости по заголовку.
type Filter struct {
	text string
	mode Mode
}

// New создаёт экземпляр фильтра.
func New(cfg config.Filter) *Filter {
	return &Filter{
		text: cfg.Text,
		mode: ParseMode(cfg.Mode),
	}
}

// Apply реализует app.Filter. Порядок новостей сохраняется.
func (f *Filter) Apply(items []news.NormalizedItem) []news.NormalizedItem {
	filtered := make([]news.NormalizedItem, 0, len(items))
	for _, item := range items {
		if Matches(item.Headline, f.text, f.mode) {
			filtered = append(filtered, item)
		}
	}
	return filtered
}
