package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/maine/set_news_watcher/internal/config"
	"github.com/maine/set_news_watcher/internal/logging"
	"github.com/maine/set_news_watcher/internal/status"
)

var (
	configPath  string
	dryRun      bool
	forceSend   bool
	attachments []string
	schedule    string
	listenAddr  string
)

var rootCmd = &cobra.Command{
	Use:           "setwatch",
	Short:         "Watch SET news for one symbol and email new matching reports",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOnce(cmd.Context())
	},
}

var smtpTestCmd = &cobra.Command{
	Use:   "smtp-test",
	Short: "Send a test message through the configured delivery sinks",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendTest(cmd.Context())
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run the check on a cron schedule and serve /healthz and /status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return watch(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath, "Path to YAML config (optional)")
	rootCmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "Print the digest instead of sending it")
	rootCmd.PersistentFlags().BoolVar(&forceSend, "force", false, "Send the latest matching item as a demo when nothing is new")

	smtpTestCmd.Flags().StringSliceVar(&attachments, "attach", nil, "File to attach (repeatable)")

	watchCmd.Flags().StringVar(&schedule, "schedule", "", "Cron schedule (default from config)")
	watchCmd.Flags().StringVar(&listenAddr, "listen", "", "Status server address, e.g. :8080 (default from config)")

	rootCmd.AddCommand(smtpTestCmd, watchCmd)
}

func loadConfig() (config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	if dryRun {
		cfg.Pipeline.DryRun = true
	}
	if forceSend {
		cfg.Pipeline.ForceSend = true
	}
	return cfg, logging.New(cfg.Log), nil
}

func runOnce(ctx context.Context) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Pipeline.TestSend {
		logger.Info().Msg("SMTP_TEST enabled: sending test message only")
		return sendTestWith(ctx, cfg, logger)
	}

	p, err := buildPipeline(ctx, cfg, logger)
	if err != nil {
		return err
	}
	report, err := p.Run(ctx)
	if err != nil {
		return err
	}
	logger.Info().
		Int("new", report.New).
		Int("notified", report.Notified).
		Int("committed", report.Committed).
		Bool("delivered", report.Delivered).
		Strs("failed_sinks", report.FailedSinks).
		Msg("run completed")
	return nil
}

func sendTest(ctx context.Context) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	return sendTestWith(ctx, cfg, logger)
}

func sendTestWith(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	p, err := buildPipeline(ctx, cfg, logger)
	if err != nil {
		return err
	}
	return p.SendTest(ctx, attachments)
}

// watch запускает проверку по расписанию. Пересекающихся запусков нет: SkipIfStillRunning.
func watch(ctx context.Context) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if schedule != "" {
		cfg.Watch.Schedule = schedule
	}
	if listenAddr != "" {
		cfg.Watch.Listen = listenAddr
	}

	p, err := buildPipeline(ctx, cfg, logger)
	if err != nil {
		return err
	}
	tracker := status.NewTracker(time.Now())

	cronLogger := logger.With().Str("component", "cron").Logger()
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(&cronLogger))))
	if _, err := c.AddFunc(cfg.Watch.Schedule, func() {
		tracker.Begin()
		report, err := p.Run(ctx)
		tracker.Record(report, err, time.Now())
		if err != nil {
			logger.Error().Err(err).Str("run_id", report.RunID).Msg("scheduled run failed")
		}
	}); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", cfg.Watch.Schedule, err)
	}

	logger.Info().Str("schedule", cfg.Watch.Schedule).Str("listen", cfg.Watch.Listen).Msg("watch mode started")
	c.Start()
	defer func() { <-c.Stop().Done() }()

	if cfg.Watch.Listen == "" {
		<-ctx.Done()
		return nil
	}
	return status.Serve(ctx, cfg.Watch.Listen, status.NewRouter(tracker), logger)
}

func main() {
	// .env необязателен
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		logger := logging.New(config.Default().Log)
		event := logger.Error().Err(err)
		if errors.Is(err, context.Canceled) {
			event = logger.Warn().Err(err)
		}
		event.Msg("setwatch failed")
		os.Exit(1)
	}
}
