package poller

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/tradesync/internal/api"
	"github.com/rickgao/tradesync/internal/connection"
	"github.com/rickgao/tradesync/internal/model"
	"github.com/rickgao/tradesync/internal/subscription"
)

// ChannelSource provides the subscribed channels.
type ChannelSource interface {
	Channels() []subscription.Channel
}

// StateSource reports the stream's connection state.
type StateSource interface {
	State() connection.ConnectionState
}

// QuoteFetcher fetches one quote over REST.
type QuoteFetcher interface {
	GetQuote(ctx context.Context, symbol string) (*model.Quote, error)
}

// QuoteSink receives fetched quotes.
type QuoteSink interface {
	MergeQuote(q model.Quote)
}

// Config holds poller configuration.
type Config struct {
	Interval    time.Duration // Poll interval (default: 15s)
	Concurrency int           // Max concurrent requests (default: 8)
	Timeout     time.Duration // Per-request timeout (default: 10s)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:    15 * time.Second,
		Concurrency: 8,
		Timeout:     10 * time.Second,
	}
}

// Stats is the outcome of the poller's work so far.
type Stats struct {
	Cycles  int64
	Skipped int64 // cycles skipped because the stream was live
	Fetched int64
	Errors  int64
}

// Poller periodically fetches quotes via the REST API while the stream is
// not delivering them.
type Poller struct {
	cfg      Config
	client   QuoteFetcher
	channels ChannelSource
	state    StateSource
	sink     QuoteSink
	logger   *slog.Logger

	cycles, skipped, fetched, errs atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new Poller. Zero config fields take their defaults.
func New(cfg Config, client QuoteFetcher, channels ChannelSource, state StateSource, sink QuoteSink, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &Poller{
		cfg:      cfg,
		client:   client,
		channels: channels,
		state:    state,
		sink:     sink,
		logger:   logger.With("component", "poller"),
	}
}

// Start begins the polling loop.
func (p *Poller) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go p.run()

	p.logger.Info("quote poller started",
		"interval", p.cfg.Interval,
		"concurrency", p.cfg.Concurrency,
	)

	return nil
}

// Stop gracefully shuts down the poller.
func (p *Poller) Stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("quote poller stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns counters for completed cycles.
func (p *Poller) Stats() Stats {
	return Stats{
		Cycles:  p.cycles.Load(),
		Skipped: p.skipped.Load(),
		Fetched: p.fetched.Load(),
		Errors:  p.errs.Load(),
	}
}

func (p *Poller) run() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.pollAll(p.ctx)
		}
	}
}

// symbols returns the distinct symbols across market data subscriptions.
func (p *Poller) symbols() []string {
	set := make(map[string]struct{})
	for _, ch := range p.channels.Channels() {
		for _, s := range ch.Symbols() {
			set[s] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// pollAll fetches quotes for every subscribed symbol unless the stream is
// authenticated.
func (p *Poller) pollAll(ctx context.Context) {
	p.cycles.Add(1)
	if p.state.State() == connection.StateAuthenticated {
		p.skipped.Add(1)
		return
	}

	symbols := p.symbols()
	if len(symbols) == 0 {
		p.logger.Debug("no symbols to poll")
		return
	}

	start := time.Now()
	var fetched, failed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for _, sym := range symbols {
		g.Go(func() error {
			if err := p.pollSymbol(gctx, sym); err != nil {
				p.logger.Warn("failed to poll quote", "symbol", sym, "error", err)
				failed.Add(1)
				return nil
			}
			fetched.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	p.fetched.Add(fetched.Load())
	p.errs.Add(failed.Load())

	p.logger.Info("poll cycle complete",
		"symbols", len(symbols),
		"fetched", fetched.Load(),
		"errors", failed.Load(),
		"duration", time.Since(start),
	)
}

// pollSymbol fetches and stores one quote. Unknown symbols are skipped.
func (p *Poller) pollSymbol(ctx context.Context, symbol string) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	q, err := p.client.GetQuote(ctx, symbol)
	if err != nil {
		var apiErr *api.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil
		}
		return err
	}
	p.sink.MergeQuote(*q)
	return nil
}
