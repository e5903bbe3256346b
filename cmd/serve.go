package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/replyguard/internal/arbiter"
	"github.com/nextlevelbuilder/replyguard/internal/channels"
	"github.com/nextlevelbuilder/replyguard/internal/config"
	"github.com/nextlevelbuilder/replyguard/internal/gateway"
	httpapi "github.com/nextlevelbuilder/replyguard/internal/http"
	"github.com/nextlevelbuilder/replyguard/internal/inbound"
	"github.com/nextlevelbuilder/replyguard/internal/tracing"
	"github.com/nextlevelbuilder/replyguard/pkg/protocol"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook gateway, inbound consumer and reply scheduler",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	setupLogging()

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, cfg.Telemetry, Version)
	if err != nil {
		slog.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}

	a, err := newApp(cfg)
	if err != nil {
		slog.Error("failed to start", "error", err)
		os.Exit(1)
	}
	defer a.close()

	handler := inbound.NewHandler(inbound.Config{
		Messages:  a.stores.Messages,
		Customers: a.customers,
		Engine:    a.engine,
		Notifier:  a.notifier,
	})
	sched := arbiter.NewScheduler(a.engine, a.stores.Pending, arbiter.SchedulerConfig{
		SweepCron:     cfg.Arbitration.SweepCron,
		SweepBatch:    cfg.Arbitration.SweepBatch,
		MaxConcurrent: cfg.Arbitration.MaxConcurrent,
	})
	a.engine.SetArmer(sched)

	server := gateway.NewServer(cfg.Gateway)
	limiter := channels.NewWebhookRateLimiter(cfg.Gateway.RateLimitRPM, time.Minute)
	server.SetWebhooksHandler(httpapi.NewWebhooksHandler(handler, cfg.Gateway.WebhookSecret, limiter, slog.Default()))
	server.SetPendingHandler(httpapi.NewPendingHandler(a.engine, cfg.Gateway.Token, slog.Default()))
	server.SetContactsHandler(httpapi.NewContactsHandler(a.customers, cfg.Gateway.Token))
	var pinger gateway.Pinger
	if p, ok := a.stores.DB.(gateway.Pinger); ok {
		pinger = p
	}
	server.SetHealthSources(pinger, a.channels)

	if cfg.Gateway.Token == "" {
		slog.Warn("security.no_gateway_token", "msg", "resolve and automation endpoints accept unauthenticated requests")
	}

	if err := a.channels.StartAll(ctx); err != nil {
		slog.Warn("some channels failed to start", "error", err)
	}
	if err := sched.Start(ctx); err != nil {
		slog.Error("failed to start scheduler", "error", err)
		os.Exit(1)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		handler.Run(gctx, a.bus)
		return nil
	})
	g.Go(func() error {
		return server.Start(gctx)
	})
	g.Go(func() error {
		err := cfg.Watch(gctx, cfgPath, func(fresh *config.Config) {
			a.customers.SetControlPhrases(fresh.ControlPhrases())
			a.notifier.SetTargets([]string(fresh.Notifications.Targets), fresh.Notifications.ExcerptWidth)
			slog.Info("config reloaded", "path", cfgPath)
		})
		if err != nil {
			slog.Warn("config hot reload disabled", "error", err)
		}
		return nil
	})

	slog.Info("replyguard started",
		"version", Version,
		"protocol", protocol.ProtocolVersion,
		"channels", a.channels.EnabledChannels(),
		"deferment", cfg.Timings().Deferment,
	)

	if err := g.Wait(); err != nil {
		slog.Error("gateway stopped", "error", err)
	}
	slog.Info("graceful shutdown initiated")

	sched.Stop()
	handler.Wait()

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a.channels.StopAll(stopCtx)
	if err := shutdownTracing(stopCtx); err != nil {
		slog.Warn("tracing shutdown", "error", err)
	}
	slog.Info("replyguard stopped")
}
