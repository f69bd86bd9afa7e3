package mode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/rickgao/tradesync/internal/model"
	"github.com/rickgao/tradesync/internal/subscription"
)

// Errors
var (
	ErrModeBlocked = errors.New("mode switching blocked")
	ErrInvalidMode = errors.New("invalid trading mode")
)

// Subscriber is the slice of the Subscription Registry the Coordinator needs.
type Subscriber interface {
	Subscribe(ctx context.Context, ch subscription.Channel) error
	Unsubscribe(ctx context.Context, ch subscription.Channel) error
}

// Observer is told about every committed switch.
type Observer interface {
	OnModeSwitch(prev, next model.Mode)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(prev, next model.Mode)

// OnModeSwitch calls f.
func (f ObserverFunc) OnModeSwitch(prev, next model.Mode) { f(prev, next) }

// Metrics receives mode metrics.
type Metrics interface {
	IncModeSwitches(from, to string)
	SetActiveMode(mode string)
}

// ResubscribeError reports that a switch was committed but the new mode's
// channels could not all be subscribed. The mode stands.
type ResubscribeError struct {
	Mode model.Mode
	Errs []error
}

func (e *ResubscribeError) Error() string {
	msgs := make([]string, len(e.Errs))
	for i, err := range e.Errs {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("switched to %s but resubscribe failed: %s", e.Mode, strings.Join(msgs, "; "))
}

func (e *ResubscribeError) Unwrap() []error { return e.Errs }

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithMetrics attaches mode metrics.
func WithMetrics(m Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// Coordinator owns the session's TradingMode.
type Coordinator struct {
	registry Subscriber
	timer    *SessionTimer
	logger   *slog.Logger
	metrics  Metrics

	switchMu sync.Mutex // serializes SwitchMode

	mu    sync.RWMutex
	state model.TradingMode

	obsMu     sync.RWMutex
	observers []Observer
}

// NewCoordinator creates a Coordinator. A nil timer gets a fresh one.
func NewCoordinator(initial model.TradingMode, registry Subscriber, timer *SessionTimer, logger *slog.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if timer == nil {
		timer = NewSessionTimer(nil)
	}
	if !initial.Active.Valid() {
		initial.Active = model.ModePaper
	}
	c := &Coordinator{
		registry: registry,
		timer:    timer,
		logger:   logger.With("component", "mode"),
		state:    initial,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics != nil {
		c.metrics.SetActiveMode(string(initial.Active))
	}
	return c
}

// AddObserver registers a switch observer.
func (c *Coordinator) AddObserver(o Observer) {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	c.observers = append(c.observers, o)
}

// Active returns the active mode.
func (c *Coordinator) Active() model.Mode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Active
}

// Snapshot returns a copy of the TradingMode.
func (c *Coordinator) Snapshot() model.TradingMode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Timer returns the session timer.
func (c *Coordinator) Timer() *SessionTimer {
	return c.timer
}

// Block rejects further switches until Unblock.
func (c *Coordinator) Block(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.IsBlocked = true
	c.state.BlockReason = reason
	c.logger.Info("mode switching blocked", "reason", reason)
}

// Unblock allows switches again.
func (c *Coordinator) Unblock() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.IsBlocked = false
	c.state.BlockReason = ""
}

// SetDailyLimits replaces the daily limits.
func (c *Coordinator) SetDailyLimits(l model.DailyLimits) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.DailyLimits = l
}

// SetRiskProfile replaces the risk profile.
func (c *Coordinator) SetRiskProfile(p model.RiskProfile) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.RiskProfile = p
}

// EnsureChannels subscribes the active mode's channels. The registry
// queues them if the connection is not authenticated yet.
func (c *Coordinator) EnsureChannels(ctx context.Context) error {
	var errs []error
	for _, ch := range subscription.ModeScoped(c.Active()) {
		if err := c.registry.Subscribe(ctx, ch); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SwitchMode makes next the active mode. It unsubscribes the old mode's
// channels, commits next, subscribes next's channels and resets the
// session timer. A subscribe failure does not undo the commit; it is
// returned as *ResubscribeError.
func (c *Coordinator) SwitchMode(ctx context.Context, next model.Mode) error {
	if !next.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidMode, next)
	}

	c.switchMu.Lock()
	defer c.switchMu.Unlock()

	cur := c.Snapshot()
	if cur.IsBlocked {
		c.logger.Info("mode switch rejected", "to", next, "reason", cur.BlockReason)
		return fmt.Errorf("%w: %s", ErrModeBlocked, cur.BlockReason)
	}
	prev := cur.Active
	if prev == next {
		return nil
	}

	for _, ch := range subscription.ModeScoped(prev) {
		if err := c.registry.Unsubscribe(ctx, ch); err != nil {
			c.logger.Warn("unsubscribe failed during mode switch", "channel", ch, "error", err)
		}
	}

	c.mu.Lock()
	c.state.Active = next
	c.mu.Unlock()

	var errs []error
	for _, ch := range subscription.ModeScoped(next) {
		if err := c.registry.Subscribe(ctx, ch); err != nil {
			c.logger.Warn("subscribe failed during mode switch", "channel", ch, "error", err)
			errs = append(errs, err)
		}
	}

	c.timer.Reset()

	if c.metrics != nil {
		c.metrics.IncModeSwitches(string(prev), string(next))
		c.metrics.SetActiveMode(string(next))
	}
	c.logger.Info("trading mode switched", "from", prev, "to", next)

	c.obsMu.RLock()
	for _, o := range c.observers {
		o.OnModeSwitch(prev, next)
	}
	c.obsMu.RUnlock()

	if len(errs) > 0 {
		return &ResubscribeError{Mode: next, Errs: errs}
	}
	return nil
}
