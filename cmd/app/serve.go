package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"green-relay/internal/bus"
	"green-relay/internal/httpserver"
	"green-relay/internal/jobs"
	"green-relay/internal/metrics"
	"green-relay/internal/outbound"
	"green-relay/internal/relay"
	"green-relay/internal/webhook"
)

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func runServe(parent context.Context) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	logger.Info("starting green-relay", "env", cfg.AppEnv)

	ctx, stop := signalContext(parent)
	defer stop()

	metricRegistry := metrics.Registry(cfg.MetricsNamespace)

	c, err := build(ctx, cfg, logger, metricRegistry)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.registry.Start(ctx); err != nil {
		return fmt.Errorf("start registry: %w", err)
	}
	if cfg.GreenWebhookPublic == "" {
		logger.Warn("GREEN_WEBHOOK_PUBLIC is empty, webhook urls of accounts are not verified")
	}

	processor := webhook.NewProcessor(c.repo, c.ingester, c.notifier, logger, metricRegistry)
	webhookHandler := webhook.NewHandler(logger, metricRegistry, processor)
	dispatcher := outbound.New(c.repo, c.registry, c.telegram, logger, metricRegistry)
	relayer := relay.New(c.repo, c.bot, c.telegram, relay.Config{
		PanelURL:          cfg.PanelURL,
		AutoReplyInterval: cfg.AutoReplyInterval,
	}, logger, metricRegistry)

	notifications := bus.New(bus.PQDialer(cfg.DatabaseURL, logger), logger, metricRegistry)
	notifications.Subscribe(bus.ChannelAccountChange, bus.AccountRoute(c.registry))
	notifications.Subscribe(bus.ChannelInbound, bus.QueueRoute(relayer.Handle))
	notifications.Subscribe(bus.ChannelOutbound, bus.QueueRoute(dispatcher.Dispatch))

	scheduler := jobs.NewScheduler(logger)
	if err := scheduler.Register(jobs.NewReconcileJob(c.registry, cfg.ReconcileSchedule)); err != nil {
		return fmt.Errorf("register reconcile job: %w", err)
	}
	if err := scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer scheduler.Stop()

	deps := httpserver.AdminDeps{
		Token:     cfg.AdminRPCToken,
		Accounts:  c.registry,
		Backfills: c.backfiller,
	}
	if c.redis != nil {
		deps.Cooldowns = c.redis
		deps.Reports = c.redis
	}
	httpSrv := httpserver.New(cfg.HTTPListenAddr, logger, metricRegistry, httpserver.Handlers{
		Webhook: webhookHandler,
		Media:   http.FileServer(http.Dir(c.mediaStore.Root())),
	}, httpserver.NewAdmin(deps, logger), cfg.PublicBasePath)

	errCh := make(chan error, 2)
	go func() {
		if err := httpSrv.Start(); err != nil {
			errCh <- err
		}
	}()
	go func() {
		if err := notifications.Run(ctx); err != nil {
			errCh <- fmt.Errorf("notification bus: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("runtime error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	return nil
}
