package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// applyEnv накладывает переменные окружения поверх YAML-конфига.
// Пустые переменные игнорируются.
func applyEnv(cfg *Config) error {
	setString(&cfg.Source.Symbol, "SYMBOL")
	if v, ok := lookup("SET_LANG"); ok {
		cfg.Source.Lang = v
	} else if v, ok := lookup("LANG"); ok && (v == "th" || v == "en") {
		// LANG обычно содержит локаль оболочки (en_US.UTF-8), такие значения пропускаем
		cfg.Source.Lang = v
	}
	setString(&cfg.Source.BaseURL, "SET_BASE_URL")
	setString(&cfg.Filter.Text, "HEADLINE_FILTER")
	setString(&cfg.Filter.Mode, "FILTER_MODE")
	setString(&cfg.Pipeline.DemoCommit, "DEMO_COMMIT")
	setString(&cfg.State.Path, "STATE_PATH")
	setString(&cfg.State.Driver, "STATE_DRIVER")
	setString(&cfg.SMTP.Host, "SMTP_HOST")
	setString(&cfg.SMTP.User, "SMTP_USER")
	setString(&cfg.SMTP.Pass, "SMTP_PASS")
	setString(&cfg.SMTP.From, "EMAIL_FROM")
	setString(&cfg.Telegram.BotToken, "TELEGRAM_BOT_TOKEN")
	setString(&cfg.Telegram.ChatID, "TELEGRAM_CHAT_ID")
	setString(&cfg.Gemini.APIKey, "GEMINI_API_KEY")
	setString(&cfg.Gemini.Model, "GEMINI_MODEL")
	setString(&cfg.Log.Level, "LOG_LEVEL")
	setString(&cfg.Log.Format, "LOG_FORMAT")
	setString(&cfg.Watch.Schedule, "WATCH_SCHEDULE")
	setString(&cfg.Watch.Listen, "WATCH_LISTEN")

	if v, ok := lookup("EMAIL_TO"); ok {
		cfg.SMTP.To = strings.Split(v, ",")
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"LOOKBACK_DAYS", &cfg.Source.LookbackDays},
		{"MAX_NEW_ITEMS", &cfg.Pipeline.MaxNewItems},
		{"SMTP_PORT", &cfg.SMTP.Port},
	}
	for _, it := range ints {
		if err := setInt(it.dst, it.key); err != nil {
			return err
		}
	}

	bools := []struct {
		key string
		dst *bool
	}{
		{"FORCE_SEND", &cfg.Pipeline.ForceSend},
		{"DRY_RUN", &cfg.Pipeline.DryRun},
		{"SMTP_TEST", &cfg.Pipeline.TestSend},
		{"SORT_NEWEST_FIRST", &cfg.Pipeline.SortNewestFirst},
		{"DEBUG_JSON", &cfg.Source.DebugJSON},
	}
	for _, it := range bools {
		if v, ok := lookup(it.key); ok {
			*it.dst = parseFlag(v)
		}
	}

	if v, ok := lookup("REQUEST_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("REQUEST_TIMEOUT: %w", err)
		}
		cfg.Source.RequestTimeout = d
	}
	if v, ok := lookup("REQUESTS_PER_SECOND"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("REQUESTS_PER_SECOND: %w", err)
		}
		cfg.Source.RequestsPerSecond = f
	}

	return nil
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	v = strings.TrimSpace(v)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func setString(dst *string, key string) {
	if v, ok := lookup(key); ok {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v, ok := lookup(key)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s must be an integer: %w", key, err)
	}
	*dst = n
	return nil
}

// parseFlag понимает "1", "true", "yes", "on" в любом регистре.
func parseFlag(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
