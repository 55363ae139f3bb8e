package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/maine/set_news_watcher/internal/config"
	"github.com/maine/set_news_watcher/internal/filter"
	"github.com/maine/set_news_watcher/internal/news"
	"github.com/maine/set_news_watcher/internal/normalize"
	"github.com/maine/set_news_watcher/internal/sources"
	"github.com/maine/set_news_watcher/internal/state"
)

var listAll bool

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Print fetched items as YAML without sending anything or touching state",
	RunE: func(cmd *cobra.Command, args []string) error {
		return list(cmd.Context(), os.Stdout)
	},
}

func init() {
	listCmd.Flags().BoolVar(&listAll, "all", false, "Include items that do not match the headline filter")
	rootCmd.AddCommand(listCmd)
}

// listedItem — строка вывода команды list.
type listedItem struct {
	ID        string `yaml:"id"`
	Headline  string `yaml:"headline"`
	Timestamp string `yaml:"timestamp,omitempty"`
	URL       string `yaml:"url"`
	Matched   bool   `yaml:"matched"`
	Seen      bool   `yaml:"seen"`
}

type listOutput struct {
	Symbol  string       `yaml:"symbol"`
	From    string       `yaml:"from"`
	To      string       `yaml:"to"`
	Fetched int          `yaml:"fetched"`
	Items   []listedItem `yaml:"items"`
}

func list(ctx context.Context, out io.Writer) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	client, err := sources.NewSETClient(cfg.Source, logger)
	if err != nil {
		return err
	}
	store, err := state.OpenReadOnly(cfg.State)
	if err != nil {
		return err
	}
	seen, err := store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}

	to := time.Now()
	from := to.AddDate(0, 0, -cfg.Source.LookbackDays)
	raw, err := client.FetchNews(ctx, from, to)
	if err != nil {
		return err
	}

	items := normalize.New(cfg.Source.BaseURL, cfg.Source.Symbol, cfg.Source.Lang).Normalize(raw)
	return writeList(out, cfg, from, to, items, seen, listAll)
}

func writeList(out io.Writer, cfg config.Config, from, to time.Time, items []news.NormalizedItem, seen *state.SeenSet, all bool) error {
	mode := filter.ParseMode(cfg.Filter.Mode)
	result := listOutput{
		Symbol:  cfg.Source.Symbol,
		From:    from.Format("02/01/2006"),
		To:      to.Format("02/01/2006"),
		Fetched: len(items),
		Items:   []listedItem{},
	}
	for _, item := range items {
		matched := filter.Matches(item.Headline, cfg.Filter.Text, mode)
		if !matched && !all {
			continue
		}
		result.Items = append(result.Items, listedItem{
			ID:        item.ID,
			Headline:  item.Headline,
			Timestamp: item.Timestamp,
			URL:       item.DetailURL,
			Matched:   matched,
			Seen:      seen.Has(item.ID),
		})
	}

	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(result); err != nil {
		return fmt.Errorf("encode list: %w", err)
	}
	return enc.Close()
}
