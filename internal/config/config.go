package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath — путь к YAML-конфигу по умолчанию. Файл необязателен.
const DefaultPath = "configs/watcher.yaml"

// Допустимые значения политики коммита демо-рассылки.
const (
	DemoCommitSkip   = "skip"
	DemoCommitCommit = "commit"
)

// Драйверы хранилища состояния.
const (
	StateDriverFile   = "file"
	StateDriverSQLite = "sqlite"
)

type (
	// Config объединяет все конфигурационные блоки. Собирается один раз при старте.
	Config struct {
		Source   Source   `yaml:"source"`
		Filter   Filter   `yaml:"filter"`
		Pipeline Pipeline `yaml:"pipeline"`
		State    State    `yaml:"state"`
		SMTP     SMTP     `yaml:"smtp"`
		Telegram Telegram `yaml:"telegram"`
		Gemini   Gemini   `yaml:"gemini"`
		Log      Log      `yaml:"log"`
		Watch    Watch    `yaml:"watch"`
	}

	// Source описывает опрашиваемый источник новостей.
	Source struct {
		Symbol            string        `yaml:"symbol"`
		Lang              string        `yaml:"lang"` // th | en
		BaseURL           string        `yaml:"base_url"`
		LookbackDays      int           `yaml:"lookback_days"`
		RequestTimeout    time.Duration `yaml:"request_timeout"`
		RequestsPerSecond float64       `yaml:"requests_per_second"`
		DebugJSON         bool          `yaml:"debug_json"`
	}

	// Filter — фильтр по заголовку.
	Filter struct {
		Text string `yaml:"text"`
		Mode string `yaml:"mode"` // exact | contains
	}

	// Pipeline — параметры запуска.
	Pipeline struct {
		MaxNewItems     int    `yaml:"max_new_items"`
		ForceSend       bool   `yaml:"force_send"`
		DryRun          bool   `yaml:"dry_run"`
		TestSend        bool   `yaml:"test_send"`
		DemoCommit      string `yaml:"demo_commit"` // skip | commit
		SortNewestFirst bool   `yaml:"sort_newest_first"`
	}

	// State — где хранится множество уже отправленных id.
	State struct {
		Driver string `yaml:"driver"` // file | sqlite
		Path   string `yaml:"path"`
	}

	// SMTP — настройки почтовой доставки. Пустой Host означает «только печать».
	SMTP struct {
		Host string   `yaml:"host"`
		Port int      `yaml:"port"`
		User string   `yaml:"user"`
		Pass string   `yaml:"pass"`
		From string   `yaml:"from"`
		To   []string `yaml:"to"`
	}

	// Telegram — необязательный второй канал доставки.
	Telegram struct {
		BotToken string `yaml:"bot_token"`
		ChatID   string `yaml:"chat_id"`
	}

	// Gemini — необязательное краткое резюме для каждой новости.
	Gemini struct {
		APIKey string `yaml:"api_key"`
		Model  string `yaml:"model"`
	}

	// Log — уровень и формат логов.
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"` // console | json
	}

	// Watch — режим периодического запуска внутри процесса.
	Watch struct {
		Schedule string `yaml:"schedule"`
		Listen   string `yaml:"listen"`
	}
)

// Default возвращает конфигурацию со значениями по умолчанию.
func Default() Config {
	return Config{
		Source: Source{
			Symbol:            "KBANK",
			Lang:              "th",
			BaseURL:           "https://www.set.or.th",
			LookbackDays:      14,
			RequestTimeout:    30 * time.Second,
			RequestsPerSecond: 2,
		},
		Filter: Filter{
			Mode: "exact",
		},
		Pipeline: Pipeline{
			MaxNewItems: 5,
			DemoCommit:  DemoCommitSkip,
		},
		State: State{
			Driver: StateDriverFile,
			Path:   "state.json",
		},
		SMTP: SMTP{
			Port: 587,
		},
		Gemini: Gemini{
			Model: "gemini-2.5-flash",
		},
		Log: Log{
			Level:  "info",
			Format: "console",
		},
		Watch: Watch{
			Schedule: "*/15 * * * *",
		},
	}
}

// Load читает YAML-файл (если он есть), накладывает переменные окружения и проверяет результат.
// Отсутствие файла по пути DefaultPath ошибкой не считается.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("unmarshal config: %w", err)
			}
		case errors.Is(err, os.ErrNotExist) && path == DefaultPath:
		default:
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.Source.Symbol = strings.ToUpper(strings.TrimSpace(c.Source.Symbol))
	c.Source.Lang = strings.ToLower(strings.TrimSpace(c.Source.Lang))
	c.Source.BaseURL = strings.TrimRight(strings.TrimSpace(c.Source.BaseURL), "/")
	c.Filter.Mode = strings.ToLower(strings.TrimSpace(c.Filter.Mode))
	c.Pipeline.DemoCommit = strings.ToLower(strings.TrimSpace(c.Pipeline.DemoCommit))
	c.State.Driver = strings.ToLower(strings.TrimSpace(c.State.Driver))

	to := c.SMTP.To[:0]
	for _, addr := range c.SMTP.To {
		if addr = strings.TrimSpace(addr); addr != "" {
			to = append(to, addr)
		}
	}
	c.SMTP.To = to
}

// Validate проверяет согласованность настроек.
func (c Config) Validate() error {
	if c.Source.Symbol == "" {
		return fmt.Errorf("SYMBOL must not be empty")
	}
	if c.Source.Lang != "th" && c.Source.Lang != "en" {
		return fmt.Errorf("language must be th or en, got %q", c.Source.Lang)
	}
	if c.Source.LookbackDays <= 0 {
		return fmt.Errorf("LOOKBACK_DAYS must be positive")
	}
	if c.Source.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive")
	}
	if c.Pipeline.MaxNewItems <= 0 {
		return fmt.Errorf("MAX_NEW_ITEMS must be positive")
	}
	switch c.Pipeline.DemoCommit {
	case DemoCommitSkip, DemoCommitCommit:
	default:
		return fmt.Errorf("DEMO_COMMIT must be %q or %q, got %q", DemoCommitSkip, DemoCommitCommit, c.Pipeline.DemoCommit)
	}
	switch c.State.Driver {
	case StateDriverFile, StateDriverSQLite:
	default:
		return fmt.Errorf("unknown state driver %q", c.State.Driver)
	}
	if strings.TrimSpace(c.State.Path) == "" {
		return fmt.Errorf("STATE_PATH must not be empty")
	}
	if c.SMTP.Configured() {
		if c.SMTP.From == "" {
			return fmt.Errorf("EMAIL_FROM is required when SMTP_HOST is set")
		}
		if len(c.SMTP.To) == 0 {
			return fmt.Errorf("EMAIL_TO is required when SMTP_HOST is set")
		}
		if c.SMTP.Port <= 0 {
			return fmt.Errorf("SMTP_PORT must be positive")
		}
	}
	return nil
}

// Configured сообщает, задана ли почтовая доставка.
func (s SMTP) Configured() bool {
	return strings.TrimSpace(s.Host) != ""
}

// Configured сообщает, задан ли Telegram-канал.
func (t Telegram) Configured() bool {
	return t.BotToken != "" && t.ChatID != ""
}

// Configured сообщает, включено ли резюме через Gemini.
func (g Gemini) Configured() bool {
	return g.APIKey != ""
}
