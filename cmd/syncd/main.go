// syncd keeps a trading session's local state in sync with the brokerage
// stream and exposes it over a small HTTP control surface.
//
// Usage: syncd --config configs/syncd.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/rickgao/tradesync/internal/api"
	"github.com/rickgao/tradesync/internal/auth"
	"github.com/rickgao/tradesync/internal/config"
	"github.com/rickgao/tradesync/internal/connection"
	"github.com/rickgao/tradesync/internal/database"
	"github.com/rickgao/tradesync/internal/invalidator"
	"github.com/rickgao/tradesync/internal/metrics"
	"github.com/rickgao/tradesync/internal/mode"
	"github.com/rickgao/tradesync/internal/model"
	"github.com/rickgao/tradesync/internal/poller"
	"github.com/rickgao/tradesync/internal/reconcile"
	"github.com/rickgao/tradesync/internal/router"
	"github.com/rickgao/tradesync/internal/safeguard"
	"github.com/rickgao/tradesync/internal/server"
	"github.com/rickgao/tradesync/internal/store"
	"github.com/rickgao/tradesync/internal/subscription"
	"github.com/rickgao/tradesync/internal/version"
	"github.com/rickgao/tradesync/internal/writer"
)

func main() {
	configPath := flag.String("config", "configs/syncd.yaml", "path to config file")
	envFile := flag.String("env", ".env", "optional .env file")
	flag.Parse()

	if err := run(*configPath, *envFile); err != nil {
		slog.Error("syncd exited", "error", err)
		os.Exit(1)
	}
}

func run(configPath, envFile string) error {
	if err := config.LoadDotEnv(envFile); err != nil {
		return err
	}
	cfg, err := config.LoadAndValidate(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := newLogger(cfg.Logging, os.Stdout)
	slog.SetDefault(logger)
	logger.Info("starting syncd",
		"version", version.String(),
		"instance_id", cfg.Instance.ID,
		"config", configPath,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	met := metrics.New()

	creds, err := auth.LoadCredentials(cfg.API.APIKey, cfg.API.PrivateKeyPath, cfg.API.Token)
	if err != nil {
		return fmt.Errorf("load credentials: %w", err)
	}

	fees, err := safeguard.ParseFeeSchedule(cfg.Safeguard.LiveFeeRate, cfg.Safeguard.PaperFeePerShare)
	if err != nil {
		return fmt.Errorf("fee schedule: %w", err)
	}

	// Connection Manager
	connCfg := connection.DefaultManagerConfig()
	connCfg.URL = cfg.API.WSURL
	connCfg.Credentials = creds
	connCfg.AuthTimeout = cfg.Connection.AuthTimeout
	connCfg.ReconnectBaseWait = cfg.Connection.ReconnectBaseDelay
	connCfg.ReconnectMaxWait = cfg.Connection.ReconnectMaxDelay
	connCfg.MaxReconnectAttempts = cfg.Connection.MaxReconnectAttempts
	connCfg.Client.PingTimeout = cfg.Connection.PingTimeout
	connCfg.Client.WriteTimeout = cfg.Connection.WriteTimeout
	connCfg.Client.BufferSize = cfg.Connection.BufferSize
	connMgr := connection.NewManager(connCfg, logger, connection.WithMetrics(met))

	// Application state and subscriptions
	mem := store.NewMemory(0)
	registry := subscription.NewRegistry(connMgr, logger,
		subscription.WithLimiter(rate.NewLimiter(rate.Limit(cfg.Connection.SubscribeRate), cfg.Connection.SubscribeBurst)),
		subscription.WithRecorder(mem),
		subscription.WithMetrics(met),
	)
	connMgr.Observe(registry)
	connMgr.Observe(statusObserver(connMgr, mem))

	// Mode Coordinator
	initial, err := initialTradingMode(cfg.Session)
	if err != nil {
		return err
	}
	coord := mode.NewCoordinator(initial, registry, nil, logger, mode.WithMetrics(met))
	if err := coord.EnsureChannels(ctx); err != nil {
		logger.Warn("initial mode channels not registered", "error", err)
	}

	// Event Router
	persist := cfg.Database.Timescale.Enabled()
	rtr := router.NewRouter(router.RouterConfig{
		QuoteBufferSize: cfg.Writers.BufferSize,
		FillBufferSize:  cfg.Writers.BufferSize,
		PersistHistory:  persist,
	}, connMgr.Messages(), mem, coord, logger, router.WithMetrics(met))
	coord.AddObserver(rtr)

	limits := newLimitTracker(coord, cfg.Session.DailyLossLimit, logger)
	rtr.AddObserver(limits)

	// REST client, Cache Invalidator and Safeguard Gate
	apiClient := api.NewClient(cfg.API.RestURL, cfg.API.Token,
		api.WithLogger(logger),
		api.WithTimeout(cfg.API.Timeout),
		api.WithRetries(cfg.API.MaxRetries, time.Second),
	)
	inv := invalidator.New(registry, mem, logger)
	actions := inv.Middleware(quoteFetcher(apiClient, mem))

	gate := safeguard.NewGate(coord, fees, logger,
		safeguard.WithUsage(limits.usage(mem)),
		safeguard.WithMetrics(met),
	)

	quotePoller := poller.New(poller.Config{
		Interval:    cfg.Poller.Interval,
		Concurrency: cfg.Poller.Concurrency,
		Timeout:     cfg.Poller.Timeout,
	}, apiClient, registry, connMgr, mem, logger)

	reconciler := reconcile.New(reconcile.Config{
		Interval: cfg.Reconcile.Interval,
		Timeout:  cfg.Reconcile.Timeout,
	}, apiClient, mem, coord, logger)
	coord.AddObserver(reconciler)
	connMgr.Observe(reconciler)

	srv := server.New(cfg.Server.Port, server.Deps{
		Conn:          connMgr,
		Modes:         coord,
		Store:         mem,
		Gate:          gate,
		Actions:       actions,
		Reactions:     inv,
		Orders:        limits.counting(apiClient),
		Subscriptions: registry,
		Metrics:       met.Handler(),
		MetricsPath:   cfg.Metrics.Path,
	}, logger)

	// History writers
	var quoteW *writer.Writer[model.Quote]
	var fillW *writer.Writer[model.OrderUpdate]
	if persist {
		pool, err := database.Connect(ctx, cfg.Database.Timescale)
		if err != nil {
			return fmt.Errorf("connect timescale: %w", err)
		}
		defer pool.Close()
		if err := database.Migrate(ctx, pool); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		logger.Info("history database connected", "host", cfg.Database.Timescale.Host)

		wcfg := writer.WriterConfig{BatchSize: cfg.Writers.BatchSize, FlushInterval: cfg.Writers.FlushInterval}
		bufs := rtr.Buffers()
		quoteW = writer.NewQuoteWriter(wcfg, bufs.Quotes, pool, logger, writer.WithRecorder(met))
		fillW = writer.NewFillWriter(wcfg, bufs.Fills, pool, logger, writer.WithRecorder(met))
		if err := quoteW.Start(ctx); err != nil {
			return fmt.Errorf("start quote writer: %w", err)
		}
		if err := fillW.Start(ctx); err != nil {
			return fmt.Errorf("start fill writer: %w", err)
		}
	}

	if err := rtr.Start(ctx); err != nil {
		return fmt.Errorf("start router: %w", err)
	}
	if err := quotePoller.Start(ctx); err != nil {
		return fmt.Errorf("start poller: %w", err)
	}
	if err := reconciler.Start(ctx); err != nil {
		return fmt.Errorf("start reconciler: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(gctx)
	})
	g.Go(func() error {
		// A failed first connect is not fatal: the manager retries on its
		// own and /connect restarts it after fail-stop.
		if err := connMgr.Connect(gctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("initial connect failed", "error", err)
		}
		return nil
	})

	logger.Info("syncd running",
		"port", cfg.Server.Port,
		"mode", coord.Active(),
		"history", persist,
	)

	err = g.Wait()

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if rerr := reconciler.Stop(shutdownCtx); rerr != nil {
		logger.Warn("reconciler stop", "error", rerr)
	}
	if perr := quotePoller.Stop(shutdownCtx); perr != nil {
		logger.Warn("poller stop", "error", perr)
	}
	if cerr := connMgr.Close(shutdownCtx); cerr != nil {
		logger.Warn("connection close", "error", cerr)
	}
	if rerr := rtr.Stop(shutdownCtx); rerr != nil {
		logger.Warn("router stop", "error", rerr)
	}
	if quoteW != nil {
		if werr := quoteW.Stop(shutdownCtx); werr != nil {
			logger.Warn("quote writer stop", "error", werr)
		}
		if werr := fillW.Stop(shutdownCtx); werr != nil {
			logger.Warn("fill writer stop", "error", werr)
		}
	}

	logger.Info("syncd stopped")
	return err
}
