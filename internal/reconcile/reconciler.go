package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/tradesync/internal/connection"
	"github.com/rickgao/tradesync/internal/model"
	"github.com/rickgao/tradesync/internal/store"
)

// Fetcher loads account views over REST. *api.Client satisfies it.
type Fetcher interface {
	ListOrders(ctx context.Context, mode model.Mode) ([]model.OrderUpdate, error)
	ListPositions(ctx context.Context, mode model.Mode) ([]model.PositionUpdate, error)
	GetPortfolio(ctx context.Context, mode model.Mode) (*model.PortfolioUpdate, error)
}

// Store is the part of the state store the reconciler reads and replaces.
// *store.Memory satisfies it.
type Store interface {
	ReplaceOrders(mode model.Mode, orders []model.OrderUpdate)
	ReplacePositions(mode model.Mode, positions []model.PositionUpdate)
	ReplacePortfolio(u model.PortfolioUpdate)
	NeedsRefresh(tag store.Tag) bool
	Version(tag store.Tag) uint64
	MarkRefreshedAt(tag store.Tag, v uint64)
}

// ModeSource reports the active trading mode.
type ModeSource interface {
	Active() model.Mode
}

// Config holds State Reconciler configuration.
type Config struct {
	Interval time.Duration // how often stale views are checked (default: 30s)
	Timeout  time.Duration // per-fetch timeout (default: 10s)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// Stats contains runtime statistics.
type Stats struct {
	Runs       int64
	Refetched  int64
	Superseded int64 // fetches dropped because the stream updated the view first
	Errors     int64
	LastRunAt  time.Time
}

// Reconciler keeps mode-scoped views in step with the backend.
type Reconciler struct {
	cfg    Config
	rest   Fetcher
	store  Store
	modes  ModeSource
	logger *slog.Logger

	trigger chan struct{}
	full    atomic.Bool

	runs, refetched, superseded, errs atomic.Int64

	lastRun atomic.Int64 // unix nanos

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new Reconciler. Zero config fields take their defaults.
func New(cfg Config, rest Fetcher, st Store, modes ModeSource, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}

	return &Reconciler{
		cfg:     cfg,
		rest:    rest,
		store:   st,
		modes:   modes,
		logger:  logger.With("component", "reconciler"),
		trigger: make(chan struct{}, 1),
	}
}

// Start runs a full refresh of the active mode and then reconciles in the
// background. A failed initial refresh is logged and retried by the loop.
func (r *Reconciler) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.reconcile(r.ctx, true)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.reconciliationLoop(r.ctx)
	}()

	r.logger.Info("state reconciler started", "interval", r.cfg.Interval)
	return nil
}

// Stop gracefully shuts down.
func (r *Reconciler) Stop(ctx context.Context) error {
	if r.cancel != nil {
		r.cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("state reconciler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Trigger requests a reconcile pass without waiting for the interval.
// full forces every view of the active mode to be refetched.
func (r *Reconciler) Trigger(full bool) {
	if full {
		r.full.Store(true)
	}
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// OnModeSwitch implements mode.Observer. The new mode's views may predate
// the switch, so they are all refetched.
func (r *Reconciler) OnModeSwitch(prev, next model.Mode) {
	r.Trigger(true)
}

// OnStateChange implements connection.StateObserver. Updates sent while the
// stream was down are lost, so a fresh session refetches everything.
func (r *Reconciler) OnStateChange(prev, next connection.ConnectionState) {
	if next == connection.StateAuthenticated {
		r.Trigger(true)
	}
}

// Stats returns runtime statistics.
func (r *Reconciler) Stats() Stats {
	s := Stats{
		Runs:       r.runs.Load(),
		Refetched:  r.refetched.Load(),
		Superseded: r.superseded.Load(),
		Errors:     r.errs.Load(),
	}
	if n := r.lastRun.Load(); n != 0 {
		s.LastRunAt = time.Unix(0, n)
	}
	return s
}

// reconciliationLoop periodically refetches stale views.
func (r *Reconciler) reconciliationLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reconcile(ctx, r.full.Swap(false))
		case <-r.trigger:
			r.reconcile(ctx, r.full.Swap(false))
		}
	}
}

// view is one refetchable mode-scoped view.
type view struct {
	tag   store.Tag
	fetch func(ctx context.Context) (apply func(), err error)
}

func (r *Reconciler) views(mode model.Mode) []view {
	return []view{
		{
			tag: store.OrderHistoryTag(mode),
			fetch: func(ctx context.Context) (func(), error) {
				orders, err := r.rest.ListOrders(ctx, mode)
				if err != nil {
					return nil, err
				}
				return func() { r.store.ReplaceOrders(mode, orders) }, nil
			},
		},
		{
			tag: store.PositionsTag(mode),
			fetch: func(ctx context.Context) (func(), error) {
				positions, err := r.rest.ListPositions(ctx, mode)
				if err != nil {
					return nil, err
				}
				return func() { r.store.ReplacePositions(mode, positions) }, nil
			},
		},
		{
			tag: store.PortfolioTag(mode),
			fetch: func(ctx context.Context) (func(), error) {
				p, err := r.rest.GetPortfolio(ctx, mode)
				if err != nil {
					return nil, err
				}
				p.PaperTrading = mode.IsPaper()
				return func() { r.store.ReplacePortfolio(*p) }, nil
			},
		},
	}
}

// reconcile refetches the active mode's views: all of them when full is
// set, otherwise only the ones invalidated since their last refresh.
func (r *Reconciler) reconcile(ctx context.Context, full bool) {
	start := time.Now()
	mode := r.modes.Active()

	var refetched, superseded, failed int
	for _, v := range r.views(mode) {
		if ctx.Err() != nil {
			return
		}
		if !full && !r.store.NeedsRefresh(v.tag) {
			continue
		}

		version := r.store.Version(v.tag)
		fctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
		apply, err := v.fetch(fctx)
		cancel()
		if err != nil {
			r.logger.Warn("refetch failed", "view", v.tag, "error", err)
			failed++
			continue
		}

		// A stream update applied during the fetch is newer than the
		// snapshot; keep it and leave the view stale for the next pass.
		if r.store.Version(v.tag) != version {
			superseded++
			continue
		}
		apply()
		r.store.MarkRefreshedAt(v.tag, version)
		refetched++
	}

	r.runs.Add(1)
	r.refetched.Add(int64(refetched))
	r.superseded.Add(int64(superseded))
	r.errs.Add(int64(failed))
	r.lastRun.Store(time.Now().UnixNano())

	if refetched > 0 || failed > 0 || superseded > 0 {
		r.logger.Info("reconciliation complete",
			"mode", mode,
			"full", full,
			"refetched", refetched,
			"superseded", superseded,
			"errors", failed,
			"duration", time.Since(start),
		)
	} else {
		r.logger.Debug("reconciliation found nothing stale", "mode", mode)
	}
}
