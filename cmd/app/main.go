package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"green-relay/internal/backfill"
	"green-relay/internal/cache"
	"green-relay/internal/config"
	"green-relay/internal/ingest"
	"green-relay/internal/logging"
	"green-relay/internal/media"
	"green-relay/internal/metrics"
	"green-relay/internal/notify"
	"green-relay/internal/registry"
	"green-relay/internal/repo"
	"green-relay/internal/telegram"
	"green-relay/migrations"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "green-relay",
		Short:         "Green-API WhatsApp gateway with a Telegram relay",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			_ = godotenv.Load()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
	root.AddCommand(newServeCmd(), newMigrateCmd(), newBackfillCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server, the notification bus and the scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded schema migrations and triggers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			repository, err := openRepository(ctx, cfg, logger)
			if err != nil {
				return err
			}
			repository.Close()
			return nil
		},
	}
}

func newBackfillCmd() *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "backfill <api_id>",
		Short: "Import the chat history of one account and wait for the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			apiID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || apiID <= 0 {
				return fmt.Errorf("invalid api_id %q", args[0])
			}
			return runBackfill(cmd.Context(), apiID, wait)
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the account to become authorized before importing")
	return cmd
}

func setup() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, logging.NewLogger(cfg.LogLevel, cfg.LogFormat), nil
}

func openRepository(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*repo.Repository, error) {
	repository, err := repo.New(ctx, cfg.DatabaseURL, cfg.DatabaseSchema, logger)
	if err != nil {
		return nil, fmt.Errorf("init repository: %w", err)
	}
	if err := repository.RunMigrations(ctx, migrations.Files); err != nil {
		repository.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrated")
	return repository, nil
}

// components are the pieces shared by serve and backfill.
type components struct {
	repo       *repo.Repository
	redis      *cache.Redis
	registry   *registry.Registry
	ingester   *ingest.Ingester
	bot        *telegram.Client
	telegram   *notify.Telegram
	notifier   notify.Notifier
	backfiller *backfill.Backfiller
	mediaStore *media.Store
	closers    []func()
}

func (c *components) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
}

func build(ctx context.Context, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*components, error) {
	c := &components{}
	repository, err := openRepository(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	c.repo = repository
	c.closers = append(c.closers, repository.Close)

	if cfg.RedisAddr != "" {
		c.redis = cache.New(cache.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			UseTLS:   cfg.RedisTLS,
		}, logger)
		c.closers = append(c.closers, func() {
			if err := c.redis.Close(); err != nil {
				logger.Warn("failed closing redis", "error", err)
			}
		})
		if err := c.redis.Ping(ctx); err != nil {
			logger.Warn("redis ping failed", "error", err)
		}
	}

	httpClient := &http.Client{Timeout: 2 * time.Minute}
	c.registry = registry.New(repository, httpClient, registry.Config{
		WebhookURL: cfg.GreenWebhookPublic,
		PathPrefix: cfg.GreenPathPrefix,
		RateLimits: cfg.GreenRateLimits,
		DefaultRPS: cfg.GreenDefaultRPS,
	}, logger, m)
	c.closers = append(c.closers, c.registry.Close)

	c.mediaStore = media.NewStore(cfg.MediaRoot)
	downloader := media.NewDownloader(c.mediaStore, httpClient, logger, m)
	c.ingester = ingest.New(repository, c.registry, downloader, logger, m)

	c.bot = telegram.NewClient(cfg.TelegramToken, cfg.TelegramAPIURL, nil)
	c.telegram = notify.NewTelegram(repository, c.bot, logger)
	c.notifier = c.telegram
	if cfg.AMQPURL != "" {
		pub, err := notify.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange, logger)
		if err != nil {
			logger.Warn("amqp mirror disabled", "error", err)
		} else {
			c.closers = append(c.closers, func() {
				if err := pub.Close(); err != nil {
					logger.Warn("failed closing amqp publisher", "error", err)
				}
			})
			c.notifier = notify.Fanout{c.telegram, notify.NewMirror(pub)}
		}
	}

	var reports backfill.ReportSink
	if c.redis != nil {
		reports = c.redis
	}
	c.backfiller = backfill.New(repository, c.registry, c.registry, c.ingester, c.notifier, reports,
		backfill.Config{PanelURL: cfg.PanelURL}, logger, m)
	return c, nil
}

func runBackfill(ctx context.Context, apiID int64, wait bool) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	ctx, stop := signalContext(ctx)
	defer stop()

	c, err := build(ctx, cfg, logger, metrics.Registry(cfg.MetricsNamespace))
	if err != nil {
		return err
	}
	defer c.Close()

	report, err := c.backfiller.Run(ctx, apiID, wait)
	if err != nil {
		return fmt.Errorf("backfill %d: %w", apiID, err)
	}
	logger.Info("backfill finished",
		"api_id", apiID,
		"chats", len(report.Chats),
		"saved", report.Saved(),
		"duration", report.FinishedAt.Sub(report.StartedAt).String(),
	)
	return nil
}
