package formatter

import (
	"fmt"
	"strings"
	"time"

	"github.com/maine/set_news_watcher/internal/news"
	"github.com/maine/set_news_watcher/internal/normalize"
)

const (
	// Placeholder подставляется вместо отсутствующего значения.
	Placeholder = "-"
	// Divider разделяет блоки новостей в письме.
	Divider = "----------------------------------------"

	subjectDateLayout = "02/01/2006"
	demoMark          = " [DEMO]"
)

// Formatter реализует app.Formatter: собирает одно письмо из пачки новостей.
type Formatter struct {
	symbol string
	labels []string
}

// New создаёт форматтер. Поля выводятся в порядке labels.
func New(symbol string, labels []string) *Formatter {
	return &Formatter{symbol: symbol, labels: labels}
}

// Compose реализует app.Formatter. matched: полное число новых совпавших новостей,
// оно может быть больше len(entries) из-за лимита. Никогда не падает.
func (f *Formatter) Compose(entries []news.DigestEntry, matched int, demo bool, now time.Time) news.Digest {
	if matched < len(entries) {
		matched = len(entries)
	}

	return news.Digest{
		Subject: f.subject(entries, matched, demo, now),
		Body:    f.body(entries, matched, demo),
	}
}

func (f *Formatter) subject(entries []news.DigestEntry, matched int, demo bool, now time.Time) string {
	date := now
	if len(entries) > 0 {
		if ts, ok := normalize.ParseTimestamp(entries[0].Item.Timestamp); ok {
			date = ts
		}
	}

	subject := fmt.Sprintf("SET Alert (%s) %s: %d new item(s)", f.symbol, date.Format(subjectDateLayout), matched)
	if demo {
		subject += demoMark
	}
	return subject
}

func (f *Formatter) body(entries []news.DigestEntry, matched int, demo bool) string {
	blocks := make([]string, 0, len(entries)+1)
	if demo {
		blocks = append(blocks, "Demo notification: no new items, showing the latest matching item.")
	}
	for i, entry := range entries {
		blocks = append(blocks, f.block(i+1, entry))
	}

	body := strings.Join(blocks, "\n"+Divider+"\n")
	if rest := matched - len(entries); rest > 0 {
		body += fmt.Sprintf("\n%s\n%d more matching item(s) were marked as seen without details.", Divider, rest)
	}
	return body
}

// block форматирует одну новость: заголовок, время, ссылка, затем все известные поля.
func (f *Formatter) block(n int, entry news.DigestEntry) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "[%d] %s\n", n, orPlaceholder(entry.Item.Headline))
	fmt.Fprintf(&sb, "Published: %s\n", orPlaceholder(entry.Item.Timestamp))
	fmt.Fprintf(&sb, "Link: %s\n", orPlaceholder(entry.Item.DetailURL))

	for _, label := range f.labels {
		fmt.Fprintf(&sb, "%s: %s\n", label, orPlaceholder(entry.Fields[label]))
	}

	if entry.Summary != "" {
		fmt.Fprintf(&sb, "Summary: %s\n", entry.Summary)
	}
	if entry.Err != nil {
		fmt.Fprintf(&sb, "Details unavailable: %v\n", entry.Err)
	}

	return strings.TrimSuffix(sb.String(), "\n")
}

func orPlaceholder(v string) string {
	if v = strings.TrimSpace(v); v == "" {
		return Placeholder
	}
	return v
}
