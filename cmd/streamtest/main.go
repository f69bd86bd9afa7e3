// streamtest connects to the trading stream and prints decoded events to
// the console.
// Usage: go run ./cmd/streamtest --config configs/syncd.example.yaml --symbols AAPL,MSFT
//
// Credentials are read from the config file, which references these
// environment variables (see configs/syncd.example.yaml):
//
//	TRADESYNC_API_KEY          - API key ID
//	TRADESYNC_PRIVATE_KEY_PATH - Path to the RSA private key PEM file (optional)
//	TRADESYNC_TOKEN            - Session bearer token
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rickgao/tradesync/internal/auth"
	"github.com/rickgao/tradesync/internal/config"
	"github.com/rickgao/tradesync/internal/connection"
	"github.com/rickgao/tradesync/internal/mode"
	"github.com/rickgao/tradesync/internal/model"
	"github.com/rickgao/tradesync/internal/router"
	"github.com/rickgao/tradesync/internal/store"
	"github.com/rickgao/tradesync/internal/subscription"
)

func main() {
	configPath := flag.String("config", "configs/syncd.example.yaml", "path to config file")
	symbols := flag.String("symbols", "", "comma-separated symbols to stream market data for")
	verbose := flag.Bool("verbose", false, "print full event JSON")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	if err := config.LoadDotEnv(".env"); err != nil {
		logger.Error("failed to load .env", "error", err)
		os.Exit(1)
	}
	cfg, err := config.LoadWithDefaults(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	creds, err := auth.LoadCredentials(cfg.API.APIKey, cfg.API.PrivateKeyPath, cfg.API.Token)
	if err != nil {
		logger.Error("API credentials required for the stream",
			"error", err,
			"api_key_set", cfg.API.APIKey != "",
			"token_set", cfg.API.Token != "",
		)
		os.Exit(1)
	}
	logger.Info("using API credentials", "key_id", creds.KeyID)

	connCfg := connection.DefaultManagerConfig()
	connCfg.URL = cfg.API.WSURL
	connCfg.Credentials = creds
	connCfg.MessageBufferSize = 10000
	connMgr := connection.NewManager(connCfg, logger)

	mem := store.NewMemory(0)
	registry := subscription.NewRegistry(connMgr, logger, subscription.WithRecorder(mem))
	connMgr.Observe(registry)

	initialMode, err := model.ParseMode(cfg.Session.InitialMode)
	if err != nil {
		logger.Error("invalid initial mode", "error", err)
		os.Exit(1)
	}
	tm := model.DefaultTradingMode()
	tm.Active = initialMode
	coord := mode.NewCoordinator(tm, registry, nil, logger)
	if err := coord.EnsureChannels(ctx); err != nil {
		logger.Warn("mode channels not registered", "error", err)
	}

	if *symbols != "" {
		ch := subscription.MarketData(strings.Split(*symbols, ",")...)
		if err := registry.Subscribe(ctx, ch); err != nil {
			logger.Error("failed to subscribe", "channel", ch, "error", err)
			os.Exit(1)
		}
	}

	rtr := router.NewRouter(router.RouterConfig{}, connMgr.Messages(), mem, coord, logger)
	coord.AddObserver(rtr)
	rtr.AddObserver(router.ObserverFunc(func(ev router.Event) {
		printEvent(ev, *verbose)
	}))

	logger.Info("starting router")
	if err := rtr.Start(ctx); err != nil {
		logger.Error("failed to start router", "error", err)
		os.Exit(1)
	}

	logger.Info("connecting", "url", connCfg.URL, "mode", coord.Active())
	if err := connMgr.Connect(ctx); err != nil {
		logger.Error("failed to connect", "error", err)
		os.Exit(1)
	}

	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				routerStats := rtr.Stats()
				status := connMgr.Status()
				logger.Info("stats",
					"state", status.State,
					"session", status.Session,
					"subscriptions", len(registry.Channels()),
					"router_received", routerStats.MessagesReceived,
					"router_routed", routerStats.MessagesRouted,
					"parse_errors", routerStats.ParseErrors,
					"stashed", routerStats.Stashed,
				)
			}
		}
	}()

	logger.Info("streaming started - press Ctrl+C to stop")
	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	logger.Info("shutting down...")
	if err := connMgr.Close(shutdownCtx); err != nil {
		logger.Warn("connection close", "error", err)
	}
	if err := rtr.Stop(shutdownCtx); err != nil {
		logger.Warn("router stop", "error", err)
	}
	logger.Info("shutdown complete")
}

func printEvent(ev router.Event, verbose bool) {
	if verbose {
		data, _ := json.MarshalIndent(ev, "", "  ")
		fmt.Printf("[%s] %s\n", strings.ToUpper(string(ev.Kind())), data)
		return
	}

	switch e := ev.(type) {
	case router.MarketDataEvent:
		q := e.Quote
		fmt.Printf("[QUOTE] symbol=%s price=%.2f bid=%.2f ask=%.2f vol=%d\n",
			q.Symbol, q.Price, q.Bid, q.Ask, q.Volume)
	case router.OrderEvent:
		u := e.Update
		fmt.Printf("[ORDER] id=%s symbol=%s status=%s qty=%g price=%.2f mode=%s\n",
			u.ID, u.Symbol, u.Status, u.Quantity, u.FilledPrice, u.Mode())
	case router.PositionEvent:
		u := e.Update
		fmt.Printf("[POSITION] symbol=%s qty=%g price=%.2f upnl=%.2f mode=%s\n",
			u.Symbol, u.Quantity, u.CurrentPrice, u.UnrealizedPnL, u.Mode())
	case router.PortfolioEvent:
		u := e.Update
		fmt.Printf("[PORTFOLIO] value=%.2f cash=%.2f day_pnl=%.2f mode=%s\n",
			u.TotalValue, u.CashBalance, u.DayPnL, u.Mode())
	case router.StatusEvent:
		fmt.Printf("[STATUS] %s %s\n", e.Status, e.Message)
	case router.ErrorEvent:
		fmt.Printf("[ERROR] code=%s channel=%s %s\n", e.Code, e.Channel, e.Message)
	case router.ControlEvent:
		fmt.Printf("[CONTROL] type=%s channel=%s\n", e.Type, e.Channel)
	}
}
