package invalidator

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"github.com/rickgao/tradesync/internal/model"
	"github.com/rickgao/tradesync/internal/store"
	"github.com/rickgao/tradesync/internal/subscription"
)

// Action is a user action the invalidator reacts to.
type Action interface {
	action()
}

// TradeExecuted is a completed order placement.
type TradeExecuted struct {
	Symbol string
	Mode   model.Mode
}

// Navigated is a route change.
type Navigated struct {
	Path string
}

// QuoteRequested is a quote lookup for a symbol.
type QuoteRequested struct {
	Symbol string
}

func (TradeExecuted) action()  {}
func (Navigated) action()      {}
func (QuoteRequested) action() {}

// Handler performs an action.
type Handler interface {
	Handle(ctx context.Context, a Action) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, a Action) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, a Action) error { return f(ctx, a) }

// Registry is the slice of the Subscription Registry the invalidator needs.
type Registry interface {
	Has(ch subscription.Channel) bool
	Subscribe(ctx context.Context, ch subscription.Channel) error
}

// Invalidator accepts cache invalidations. store.Store satisfies it.
type Invalidator interface {
	Invalidate(tags ...store.Tag)
}

// CacheInvalidator turns actions into subscriptions and invalidations.
type CacheInvalidator struct {
	registry Registry
	store    Invalidator
	logger   *slog.Logger
}

// New creates a CacheInvalidator.
func New(registry Registry, st Invalidator, logger *slog.Logger) *CacheInvalidator {
	if logger == nil {
		logger = slog.Default()
	}
	return &CacheInvalidator{
		registry: registry,
		store:    st,
		logger:   logger.With("component", "invalidator"),
	}
}

// Middleware runs next and then reacts to the action. Trades are only
// reacted to when next succeeds. The error from next is returned as is.
func (c *CacheInvalidator) Middleware(next Handler) Handler {
	return HandlerFunc(func(ctx context.Context, a Action) error {
		err := next.Handle(ctx, a)
		if _, isTrade := a.(TradeExecuted); isTrade && err != nil {
			return err
		}
		c.Observe(ctx, a)
		return err
	})
}

// Observe reacts to an action that already happened.
func (c *CacheInvalidator) Observe(ctx context.Context, a Action) {
	switch a := a.(type) {
	case TradeExecuted:
		c.ensure(ctx, a.Symbol)
		if a.Mode.Valid() {
			c.store.Invalidate(store.ModeTags(a.Mode)...)
		}
	case Navigated:
		if symbol, ok := SymbolFromPath(a.Path); ok {
			c.ensure(ctx, symbol)
		}
	case QuoteRequested:
		c.ensure(ctx, a.Symbol)
	}
}

// ensure subscribes market data for symbol unless it is already registered.
func (c *CacheInvalidator) ensure(ctx context.Context, symbol string) {
	ch := subscription.MarketData(symbol)
	if ch == "" || c.registry.Has(ch) {
		return
	}
	if err := c.registry.Subscribe(ctx, ch); err != nil {
		c.logger.Warn("auto-subscribe failed", "channel", ch, "error", err)
		return
	}
	c.logger.Debug("auto-subscribed", "channel", ch)
}

var (
	tradingPrefixes = []string{"/trade/", "/trading/", "/stocks/", "/quote/", "/chart/"}
	symbolPattern   = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9.\-]{0,9}$`)
)

// SymbolFromPath extracts the trailing symbol of a trading-context path,
// e.g. "/trade/aapl" -> "AAPL".
func SymbolFromPath(path string) (string, bool) {
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	path = strings.TrimRight(path, "/")

	for _, prefix := range tradingPrefixes {
		rest, ok := strings.CutPrefix(path, prefix)
		if !ok {
			continue
		}
		if i := strings.LastIndexByte(rest, '/'); i >= 0 {
			rest = rest[i+1:]
		}
		if !symbolPattern.MatchString(rest) {
			return "", false
		}
		return strings.ToUpper(rest), true
	}
	return "", false
}
