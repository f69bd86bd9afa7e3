package router

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/rickgao/tradesync/internal/connection"
	"github.com/rickgao/tradesync/internal/model"
	"github.com/rickgao/tradesync/internal/store"
)

// ModeSource reports the active trading mode. *mode.Coordinator satisfies it.
type ModeSource interface {
	Active() model.Mode
}

// Observer receives every applied event, from the router goroutine, after
// the state mutation and invalidation it caused.
type Observer interface {
	HandleEvent(ev Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ev Event)

// HandleEvent calls f.
func (f ObserverFunc) HandleEvent(ev Event) { f(ev) }

// Metrics receives router metrics.
type Metrics interface {
	IncMessagesRouted(kind string)
	IncParseErrors()
	IncStashed(kind string)
}

// Option configures a Router.
type Option func(*Router)

// WithMetrics attaches router metrics.
func WithMetrics(m Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// RouterBuffers provides access to the history buffers for writers.
type RouterBuffers struct {
	Quotes *GrowableBuffer[model.Quote]
	Fills  *GrowableBuffer[model.OrderUpdate]
}

// RouterStats contains runtime statistics.
type RouterStats struct {
	MessagesReceived int64
	MessagesRouted   int64
	ParseErrors      int64
	UnknownMessages  int64
	Stashed          int64
	StashApplied     int64
	QuoteBuffer      BufferStats
	FillBuffer       BufferStats
}

// stash retains updates for the inactive mode.
type stash struct {
	orders    []model.OrderUpdate
	positions map[string]model.PositionUpdate
	portfolio *model.PortfolioUpdate
}

func (s *stash) size() int {
	n := len(s.orders) + len(s.positions)
	if s.portfolio != nil {
		n++
	}
	return n
}

// Router decodes inbound frames and applies them to the state store, in
// delivery order, from a single goroutine.
type Router struct {
	cfg     RouterConfig
	logger  *slog.Logger
	input   <-chan connection.RawMessage
	store   store.Store
	modes   ModeSource
	metrics Metrics

	quoteBuf *GrowableBuffer[model.Quote]
	fillBuf  *GrowableBuffer[model.OrderUpdate]

	obsMu     sync.RWMutex
	observers []Observer

	modeSignal chan struct{}

	// Owned by the route loop.
	active  model.Mode
	stashes map[model.Mode]*stash

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu              sync.RWMutex
	received        int64
	routed          int64
	parseErrors     int64
	unknownMessages int64
	stashed         int64
	stashApplied    int64
}

// NewRouter creates a new Event Router.
func NewRouter(
	cfg RouterConfig,
	input <-chan connection.RawMessage,
	st store.Store,
	modes ModeSource,
	logger *slog.Logger,
	opts ...Option,
) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultRouterConfig()
	if cfg.QuoteBufferSize <= 0 {
		cfg.QuoteBufferSize = def.QuoteBufferSize
	}
	if cfg.FillBufferSize <= 0 {
		cfg.FillBufferSize = def.FillBufferSize
	}
	if cfg.StashOrderLimit <= 0 {
		cfg.StashOrderLimit = def.StashOrderLimit
	}

	r := &Router{
		cfg:        cfg,
		logger:     logger.With("component", "router"),
		input:      input,
		store:      st,
		modes:      modes,
		quoteBuf:   NewGrowableBuffer[model.Quote](cfg.QuoteBufferSize, cfg.QuoteBufferSize*16),
		fillBuf:    NewGrowableBuffer[model.OrderUpdate](cfg.FillBufferSize, cfg.FillBufferSize*16),
		modeSignal: make(chan struct{}, 1),
		stashes:    make(map[model.Mode]*stash),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AddObserver registers an event observer.
func (r *Router) AddObserver(o Observer) {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	r.observers = append(r.observers, o)
}

// OnModeSwitch wakes the route loop so stashed updates for the new mode
// are applied even without inbound traffic.
func (r *Router) OnModeSwitch(prev, next model.Mode) {
	select {
	case r.modeSignal <- struct{}{}:
	default:
	}
}

// Start begins routing messages.
func (r *Router) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.active = r.modes.Active()

	r.wg.Add(1)
	go r.routeLoop()

	r.logger.Info("event router started",
		"active_mode", r.active,
		"persist_history", r.cfg.PersistHistory,
	)
	return nil
}

// Stop shuts down the router and closes the history buffers.
func (r *Router) Stop(ctx context.Context) error {
	r.logger.Info("stopping event router")

	if r.cancel != nil {
		r.cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		r.logger.Info("event router stopped")
	case <-ctx.Done():
		r.logger.Warn("event router stop timed out")
		err = ctx.Err()
	}

	r.quoteBuf.Close()
	r.fillBuf.Close()
	return err
}

// Buffers returns the history buffers for writers.
func (r *Router) Buffers() RouterBuffers {
	return RouterBuffers{Quotes: r.quoteBuf, Fills: r.fillBuf}
}

// Stats returns current statistics.
func (r *Router) Stats() RouterStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return RouterStats{
		MessagesReceived: r.received,
		MessagesRouted:   r.routed,
		ParseErrors:      r.parseErrors,
		UnknownMessages:  r.unknownMessages,
		Stashed:          r.stashed,
		StashApplied:     r.stashApplied,
		QuoteBuffer:      r.quoteBuf.Stats(),
		FillBuffer:       r.fillBuf.Stats(),
	}
}

func (r *Router) routeLoop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.modeSignal:
			r.syncMode()
		case raw, ok := <-r.input:
			if !ok {
				r.logger.Info("input channel closed")
				return
			}
			r.route(raw)
		}
	}
}

// route decodes and dispatches a single frame.
func (r *Router) route(raw connection.RawMessage) {
	defer r.count(&r.received)

	ev, err := Decode(raw.Data, raw.ReceivedAt)
	if err != nil {
		if errors.Is(err, ErrUnknownKind) {
			r.logger.Debug("skipping message", "error", err)
			r.count(&r.unknownMessages)
			return
		}
		r.logger.Warn("failed to decode message", "error", err, "session", raw.Session)
		r.count(&r.parseErrors)
		if r.metrics != nil {
			r.metrics.IncParseErrors()
		}
		return
	}

	// A mode switch committed since the last frame must be applied first.
	r.syncMode()

	if r.dispatch(ev) {
		r.count(&r.routed)
		if r.metrics != nil {
			r.metrics.IncMessagesRouted(string(ev.Kind()))
		}
		r.notify(ev)
	}
}

// dispatch applies ev to the store. It returns false if ev was stashed for
// the inactive mode.
func (r *Router) dispatch(ev Event) bool {
	switch e := ev.(type) {
	case MarketDataEvent:
		r.store.MergeQuote(e.Quote)
		if r.cfg.PersistHistory {
			r.quoteBuf.Send(e.Quote)
		}

	case OrderEvent:
		mode := e.Update.Mode()
		if mode != r.active {
			r.stashOrder(e.Update)
			return false
		}
		r.store.AppendOrder(e.Update)
		if r.cfg.PersistHistory && isFill(e.Update.Status) {
			r.fillBuf.Send(e.Update)
		}
		r.store.Invalidate(store.OrderHistoryTag(mode), store.PositionsTag(mode), store.PortfolioTag(mode))

	case PositionEvent:
		mode := e.Update.Mode()
		if mode != r.active {
			r.stashPosition(e.Update)
			return false
		}
		r.store.UpsertPosition(e.Update)
		r.store.Invalidate(store.PositionsTag(mode))

	case PortfolioEvent:
		mode := e.Update.Mode()
		if mode != r.active {
			r.stashPortfolio(e.Update)
			return false
		}
		r.store.ReplacePortfolio(e.Update)
		r.store.Invalidate(store.PortfolioTag(mode))

	case StatusEvent:
		r.logger.Info("server status", "status", e.Status, "message", e.Message)

	case ErrorEvent:
		r.logger.Warn("server error", "code", e.Code, "message", e.Message, "channel", e.Channel)

	case ControlEvent:
		r.logger.Debug("control frame", "type", e.Type, "channel", e.Channel)
	}
	return true
}

func (r *Router) notify(ev Event) {
	r.obsMu.RLock()
	defer r.obsMu.RUnlock()
	for _, o := range r.observers {
		o.HandleEvent(ev)
	}
}

func (r *Router) stashFor(mode model.Mode) *stash {
	s, ok := r.stashes[mode]
	if !ok {
		s = &stash{positions: make(map[string]model.PositionUpdate)}
		r.stashes[mode] = s
	}
	return s
}

func (r *Router) stashOrder(u model.OrderUpdate) {
	s := r.stashFor(u.Mode())
	s.orders = append(s.orders, u)
	if over := len(s.orders) - r.cfg.StashOrderLimit; over > 0 {
		s.orders = append([]model.OrderUpdate(nil), s.orders[over:]...)
	}
	r.stashedOne(KindOrderUpdate)
}

func (r *Router) stashPosition(u model.PositionUpdate) {
	r.stashFor(u.Mode()).positions[u.Symbol] = u
	r.stashedOne(KindPositionUpdate)
}

func (r *Router) stashPortfolio(u model.PortfolioUpdate) {
	r.stashFor(u.Mode()).portfolio = &u
	r.stashedOne(KindPortfolioUpdate)
}

func (r *Router) stashedOne(kind Kind) {
	r.count(&r.stashed)
	if r.metrics != nil {
		r.metrics.IncStashed(string(kind))
	}
}

// syncMode picks up a mode switch and applies the stash of the newly
// active mode.
func (r *Router) syncMode() {
	next := r.modes.Active()
	if next == r.active {
		return
	}
	prev := r.active
	r.active = next

	s, ok := r.stashes[next]
	delete(r.stashes, next)
	if !ok || s.size() == 0 {
		r.logger.Debug("mode switch observed", "from", prev, "to", next)
		return
	}

	for _, o := range s.orders {
		r.store.AppendOrder(o)
	}
	symbols := make([]string, 0, len(s.positions))
	for sym := range s.positions {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	for _, sym := range symbols {
		r.store.UpsertPosition(s.positions[sym])
	}
	if s.portfolio != nil {
		r.store.ReplacePortfolio(*s.portfolio)
	}
	r.store.Invalidate(store.ModeTags(next)...)

	n := int64(s.size())
	r.mu.Lock()
	r.stashApplied += n
	r.mu.Unlock()

	r.logger.Info("applied stashed updates", "from", prev, "to", next, "updates", n)
}

func (r *Router) count(field *int64) {
	r.mu.Lock()
	*field++
	r.mu.Unlock()
}

func isFill(status string) bool {
	return status == "filled" || status == "partially_filled"
}
