package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"

	"github.com/rickgao/tradesync/internal/api"
	"github.com/rickgao/tradesync/internal/config"
	"github.com/rickgao/tradesync/internal/connection"
	"github.com/rickgao/tradesync/internal/invalidator"
	"github.com/rickgao/tradesync/internal/mode"
	"github.com/rickgao/tradesync/internal/model"
	"github.com/rickgao/tradesync/internal/router"
	"github.com/rickgao/tradesync/internal/safeguard"
	"github.com/rickgao/tradesync/internal/server"
	"github.com/rickgao/tradesync/internal/store"
)

// newLogger builds the process logger from the logging section.
func newLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// initialTradingMode seeds the coordinator from the session section.
func initialTradingMode(cfg config.SessionConfig) (model.TradingMode, error) {
	m, err := model.ParseMode(cfg.InitialMode)
	if err != nil {
		return model.TradingMode{}, err
	}
	tm := model.DefaultTradingMode()
	tm.Active = m
	tm.DailyLimits = model.DailyLimits{
		OrdersRemaining: cfg.DailyOrderLimit,
		DailyOrderLimit: cfg.DailyOrderLimit,
		LossRemaining:   cfg.DailyLossLimit,
	}
	tm.RiskProfile = model.RiskProfile{
		Level:           cfg.RiskLevel,
		MaxPositionSize: cfg.MaxPositionSize,
	}
	return tm, nil
}

// statusSource is the part of the manager the status observer reads.
type statusSource interface {
	Status() connection.Status
}

// statusObserver mirrors connection status into the store.
func statusObserver(src statusSource, st store.Store) connection.StateObserver {
	return connection.StateObserverFunc(func(prev, next connection.ConnectionState) {
		s := src.Status()
		st.SetConnectionStatus(store.ConnectionStatus{
			State:   string(next),
			Message: s.Message,
			Since:   s.Since,
		})
	})
}

// quoteFetcher is the base action handler. It fetches quotes on request;
// other actions have already happened by the time they reach it.
func quoteFetcher(client *api.Client, st store.Store) invalidator.Handler {
	return invalidator.HandlerFunc(func(ctx context.Context, a invalidator.Action) error {
		req, ok := a.(invalidator.QuoteRequested)
		if !ok {
			return nil
		}
		q, err := client.GetQuote(ctx, req.Symbol)
		if err != nil {
			var apiErr *api.APIError
			if errors.As(err, &apiErr) && apiErr.StatusCode == 404 {
				return nil
			}
			return err
		}
		st.MergeQuote(*q)
		return nil
	})
}

// limitTracker keeps the coordinator's daily limits current: placed orders
// consume the order allowance and the active portfolio's day P&L consumes
// the loss allowance.
type limitTracker struct {
	modes     *mode.Coordinator
	lossLimit float64
	logger    *slog.Logger

	mu sync.Mutex
}

func newLimitTracker(modes *mode.Coordinator, lossLimit float64, logger *slog.Logger) *limitTracker {
	return &limitTracker{modes: modes, lossLimit: lossLimit, logger: logger}
}

// HandleEvent implements router.Observer.
func (l *limitTracker) HandleEvent(ev router.Event) {
	pe, ok := ev.(router.PortfolioEvent)
	if !ok || l.lossLimit <= 0 {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	limits := l.modes.Snapshot().DailyLimits
	limits.LossRemaining = l.lossLimit + math.Min(pe.Update.DayPnL, 0)
	l.modes.SetDailyLimits(limits)
}

func (l *limitTracker) orderPlaced() {
	l.mu.Lock()
	defer l.mu.Unlock()
	limits := l.modes.Snapshot().DailyLimits
	if limits.OrdersRemaining > 0 {
		limits.OrdersRemaining--
	}
	l.modes.SetDailyLimits(limits)
}

// usage reports limit consumption for a ticket. Position size is the
// position's value after the order fills.
func (l *limitTracker) usage(st *store.Memory) func(t safeguard.OrderTicket) safeguard.Usage {
	return func(t safeguard.OrderTicket) safeguard.Usage {
		tm := l.modes.Snapshot()

		qty, _ := t.Quantity.Float64()
		price, _ := t.Price.Float64()
		if t.Side == "sell" {
			qty = -qty
		}
		for _, p := range st.Positions(tm.Active) {
			if p.Symbol == t.Symbol {
				qty += p.Quantity
				break
			}
		}
		return safeguard.UsageFor(tm, l.lossLimit, math.Abs(qty)*price)
	}
}

// counting wraps an order placer so each accepted order is counted.
func (l *limitTracker) counting(next server.OrderPlacer) server.OrderPlacer {
	return placerFunc(func(ctx context.Context, req api.OrderRequest) (*api.Order, error) {
		o, err := next.PlaceOrder(ctx, req)
		if err != nil {
			return nil, err
		}
		l.orderPlaced()
		l.logger.Info("order accepted", "id", o.ID, "symbol", o.Symbol, "paper", req.PaperTrading)
		return o, nil
	})
}

type placerFunc func(ctx context.Context, req api.OrderRequest) (*api.Order, error)

func (f placerFunc) PlaceOrder(ctx context.Context, req api.OrderRequest) (*api.Order, error) {
	return f(ctx, req)
}
