package safeguard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/tradesync/internal/model"
)

// Errors
var (
	ErrNoExecute       = errors.New("action has no execute callback")
	ErrNotPending      = errors.New("no such pending action")
	ErrNotAcknowledged = errors.New("live order needs all acknowledgements")
	ErrInProgress      = errors.New("action is already executing")
	ErrModeChanged     = errors.New("trading mode changed since the order was held")
)

// ActionKind classifies gated actions.
type ActionKind string

const (
	KindOrder       ActionKind = "order"
	KindCancelOrder ActionKind = "cancel_order"
	KindModeSwitch  ActionKind = "mode_switch"
)

// Acknowledgement is one of the live order confirmations.
type Acknowledgement string

const (
	AckRealMoney       Acknowledgement = "real_money"
	AckReviewedDetails Acknowledgement = "reviewed_details"
	AckAuthorized      Acknowledgement = "authorized"
)

// Acknowledgements records which confirmations were given.
type Acknowledgements struct {
	RealMoney       bool `json:"real_money"`
	ReviewedDetails bool `json:"reviewed_details"`
	Authorized      bool `json:"authorized"`
}

// Complete reports whether all three were given.
func (a Acknowledgements) Complete() bool {
	return a.RealMoney && a.ReviewedDetails && a.Authorized
}

func (a *Acknowledgements) set(ack Acknowledgement, v bool) error {
	switch ack {
	case AckRealMoney:
		a.RealMoney = v
	case AckReviewedDetails:
		a.ReviewedDetails = v
	case AckAuthorized:
		a.Authorized = v
	default:
		return fmt.Errorf("unknown acknowledgement %q", ack)
	}
	return nil
}

// Action is a user action the Gate may hold for confirmation.
type Action struct {
	Kind                 ActionKind
	Description          string
	RequiresConfirmation bool
	Order                *OrderTicket
	Execute              func(ctx context.Context) error
}

// Pending is a held action as shown to the user.
type Pending struct {
	ID           uuid.UUID        `json:"id"`
	Kind         ActionKind       `json:"kind"`
	Description  string           `json:"description"`
	Mode         model.Mode       `json:"mode"`
	Order        *OrderTicket     `json:"order,omitempty"`
	Estimate     *Estimate        `json:"estimate,omitempty"`
	Warnings     []Warning        `json:"warnings,omitempty"`
	RequiresAcks bool             `json:"requires_acks"`
	Acks         Acknowledgements `json:"acks"`
	LastError    string           `json:"last_error,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
}

// CanExecute reports whether the execute affordance is enabled.
func (p Pending) CanExecute() bool {
	return !p.RequiresAcks || p.Acks.Complete()
}

// ActionError is an execution failure. The action stays pending.
type ActionError struct {
	ID  uuid.UUID
	Err error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("action %s failed: %v", e.ID, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

// Result is the outcome of Submit.
type Result struct {
	Executed bool     // ran immediately
	Pending  *Pending // held for confirmation
}

// ModeSource reports the active trading mode.
type ModeSource interface {
	Active() model.Mode
}

// Metrics receives gate outcomes.
type Metrics interface {
	IncGateOutcome(outcome string)
}

// Option configures a Gate.
type Option func(*Gate)

// WithUsage supplies current limit usage for order warnings.
func WithUsage(f func(t OrderTicket) Usage) Option {
	return func(g *Gate) { g.usage = f }
}

// WithMetrics attaches gate metrics.
func WithMetrics(m Metrics) Option {
	return func(g *Gate) { g.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

type entry struct {
	pending Pending
	execute func(ctx context.Context) error
	running bool
}

// Gate holds actions that need confirmation.
type Gate struct {
	modes   ModeSource
	fees    FeeSchedule
	logger  *slog.Logger
	usage   func(t OrderTicket) Usage
	metrics Metrics
	now     func() time.Time

	mu      sync.Mutex
	pending map[uuid.UUID]*entry
}

// NewGate creates a Gate.
func NewGate(modes ModeSource, fees FeeSchedule, logger *slog.Logger, opts ...Option) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gate{
		modes:   modes,
		fees:    fees,
		logger:  logger.With("component", "safeguard"),
		now:     time.Now,
		pending: make(map[uuid.UUID]*entry),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// NeedsConfirmation reports whether a would be held in mode.
func NeedsConfirmation(a Action, mode model.Mode) bool {
	return a.RequiresConfirmation || (a.Kind == KindOrder && mode == model.ModeLive)
}

// Submit runs a immediately, or holds it for Confirm or Cancel.
func (g *Gate) Submit(ctx context.Context, a Action) (Result, error) {
	if a.Execute == nil {
		return Result{}, ErrNoExecute
	}
	mode := g.modes.Active()

	if !NeedsConfirmation(a, mode) {
		if err := a.Execute(ctx); err != nil {
			g.outcome("failed")
			return Result{}, fmt.Errorf("%s: %w", a.Kind, err)
		}
		g.outcome("executed")
		return Result{Executed: true}, nil
	}

	p := Pending{
		ID:           uuid.New(),
		Kind:         a.Kind,
		Description:  a.Description,
		Mode:         mode,
		RequiresAcks: a.Kind == KindOrder && mode == model.ModeLive,
		CreatedAt:    g.now(),
	}
	if a.Order != nil {
		ticket := *a.Order
		est := g.fees.Estimate(ticket, mode)
		p.Order = &ticket
		p.Estimate = &est
		if g.usage != nil {
			p.Warnings = g.usage(ticket).Warnings()
		}
	}

	g.mu.Lock()
	g.pending[p.ID] = &entry{pending: p, execute: a.Execute}
	g.mu.Unlock()

	g.outcome("held")
	g.logger.Info("action held for confirmation",
		"id", p.ID,
		"kind", p.Kind,
		"mode", mode,
		"requires_acks", p.RequiresAcks,
	)
	return Result{Pending: &p}, nil
}

// Acknowledge sets one acknowledgement on a pending action.
func (g *Gate) Acknowledge(id uuid.UUID, ack Acknowledgement, given bool) (Pending, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.pending[id]
	if !ok {
		return Pending{}, ErrNotPending
	}
	if err := e.pending.Acks.set(ack, given); err != nil {
		return Pending{}, err
	}
	return e.pending, nil
}

// Confirm executes a pending action. On failure the action stays pending
// with LastError set and an *ActionError is returned. An order held under
// a different mode than the active one is discarded with ErrModeChanged.
func (g *Gate) Confirm(ctx context.Context, id uuid.UUID) error {
	g.mu.Lock()
	e, ok := g.pending[id]
	if !ok {
		g.mu.Unlock()
		return ErrNotPending
	}
	if active := g.modes.Active(); isOrderKind(e.pending.Kind) && !e.running && e.pending.Mode != active {
		delete(g.pending, id)
		g.outcome("cancelled")
		g.mu.Unlock()
		g.logger.Warn("held order discarded after mode switch",
			"id", id, "held_mode", e.pending.Mode, "active_mode", active)
		return fmt.Errorf("%w: held in %s, active is %s", ErrModeChanged, e.pending.Mode, active)
	}
	if !e.pending.CanExecute() {
		g.mu.Unlock()
		return ErrNotAcknowledged
	}
	if e.running {
		g.mu.Unlock()
		return ErrInProgress
	}
	e.running = true
	g.mu.Unlock()

	err := e.execute(ctx)

	g.mu.Lock()
	defer g.mu.Unlock()
	e.running = false
	if err != nil {
		e.pending.LastError = err.Error()
		g.outcome("failed")
		g.logger.Warn("confirmed action failed", "id", id, "kind", e.pending.Kind, "error", err)
		return &ActionError{ID: id, Err: err}
	}
	delete(g.pending, id)
	g.outcome("confirmed")
	g.logger.Info("confirmed action executed", "id", id, "kind", e.pending.Kind)
	return nil
}

func isOrderKind(k ActionKind) bool {
	return k == KindOrder || k == KindCancelOrder
}

// Cancel discards a pending action without running it.
func (g *Gate) Cancel(id uuid.UUID) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.pending[id]
	if !ok {
		return ErrNotPending
	}
	if e.running {
		return ErrInProgress
	}
	delete(g.pending, id)
	g.outcome("cancelled")
	return nil
}

// Get returns a pending action.
func (g *Gate) Get(id uuid.UUID) (Pending, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.pending[id]
	if !ok {
		return Pending{}, false
	}
	return e.pending, true
}

// PendingActions returns all held actions, oldest first.
func (g *Gate) PendingActions() []Pending {
	g.mu.Lock()
	out := make([]Pending, 0, len(g.pending))
	for _, e := range g.pending {
		out = append(out, e.pending)
	}
	g.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (g *Gate) outcome(o string) {
	if g.metrics != nil {
		g.metrics.IncGateOutcome(o)
	}
}
