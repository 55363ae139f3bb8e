package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/maine/set_news_watcher/internal/config"
)

const consoleTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// New создаёт логгер по настройкам: человекочитаемый вывод или JSON-строки.
func New(cfg config.Log) zerolog.Logger {
	return NewWithWriter(cfg, os.Stderr)
}

// NewWithWriter — то же, что New, но с произвольным приёмником.
func NewWithWriter(cfg config.Log, out io.Writer) zerolog.Logger {
	zerolog.ErrorFieldName = "err"

	w := out
	if strings.ToLower(strings.TrimSpace(cfg.Format)) != "json" {
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: consoleTimeFormat}
	}

	return zerolog.New(w).
		Level(ParseLevel(cfg.Level)).
		With().
		Timestamp().
		Str("service", "setwatch").
		Logger()
}

// ParseLevel переводит строку уровня в zerolog.Level; неизвестное значение даёт info.
func ParseLevel(raw string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
