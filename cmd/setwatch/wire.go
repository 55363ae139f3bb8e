package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/maine/set_news_watcher/internal/app"
	"github.com/maine/set_news_watcher/internal/config"
	"github.com/maine/set_news_watcher/internal/extract"
	"github.com/maine/set_news_watcher/internal/filter"
	"github.com/maine/set_news_watcher/internal/formatter"
	"github.com/maine/set_news_watcher/internal/gemini"
	"github.com/maine/set_news_watcher/internal/mailer"
	"github.com/maine/set_news_watcher/internal/normalize"
	"github.com/maine/set_news_watcher/internal/sources"
	"github.com/maine/set_news_watcher/internal/state"
	"github.com/maine/set_news_watcher/internal/telegram"
)

// buildSenders подключает настроенные каналы доставки. Пустой список означает режим печати.
// Порядок важен: первый канал основной (SMTP, если он настроен).
func buildSenders(cfg config.Config, logger zerolog.Logger) []app.Sender {
	var senders []app.Sender
	if cfg.SMTP.Configured() {
		senders = append(senders, mailer.New(cfg.SMTP, logger))
	}
	if cfg.Telegram.Configured() {
		senders = append(senders, telegram.NewSender(telegram.NewClient(cfg.Telegram.BotToken), cfg.Telegram.ChatID, logger))
	}
	return senders
}

// buildPipeline собирает пайплайн из конфигурации.
func buildPipeline(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*app.Pipeline, error) {
	client, err := sources.NewSETClient(cfg.Source, logger)
	if err != nil {
		return nil, err
	}

	store, err := state.Open(cfg.State)
	if err != nil {
		return nil, err
	}

	var summarizer app.Summarizer
	if cfg.Gemini.Configured() {
		geminiClient, err := gemini.NewClient(ctx, cfg.Gemini.APIKey)
		if err != nil {
			return nil, fmt.Errorf("create gemini client: %w", err)
		}
		summarizer = gemini.NewSummarizer(geminiClient, cfg.Gemini, logger)
	}

	return app.NewPipeline(app.PipelineDeps{
		Lister:       client,
		Details:      client,
		Normalizer:   normalize.New(cfg.Source.BaseURL, cfg.Source.Symbol, cfg.Source.Lang),
		Filter:       filter.New(cfg.Filter),
		Extractor:    extract.NewDefault(),
		Summarizer:   summarizer,
		Formatter:    formatter.New(cfg.Source.Symbol, extract.Labels),
		Senders:      buildSenders(cfg, logger),
		StateStore:   store,
		Logger:       logger,
		Symbol:       cfg.Source.Symbol,
		LookbackDays: cfg.Source.LookbackDays,
		Config:       cfg.Pipeline,
	}), nil
}
