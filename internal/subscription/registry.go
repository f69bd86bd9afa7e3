package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/rickgao/tradesync/internal/connection"
)

// Transport is the slice of the Connection Manager the Registry needs.
type Transport interface {
	Session() (connection.ConnectionState, uint64)
	SendOn(ctx context.Context, session uint64, data []byte) error
}

// Recorder receives membership changes. store.Store satisfies it.
type Recorder interface {
	RecordSubscription(channel string, active bool)
}

// Metrics receives registry metrics.
type Metrics interface {
	SetSubscriptions(n int)
	IncSubscriptionFrames(frameType string)
}

// Option configures a Registry.
type Option func(*Registry)

// WithLimiter paces outbound subscribe and unsubscribe frames.
func WithLimiter(l *rate.Limiter) Option {
	return func(r *Registry) { r.limiter = l }
}

// WithRecorder mirrors membership into the application state store.
func WithRecorder(rec Recorder) Option {
	return func(r *Registry) { r.recorder = rec }
}

// WithMetrics attaches registry metrics.
func WithMetrics(m Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithReplayConcurrency bounds parallel sends during resubscribe-all.
func WithReplayConcurrency(n int) Option {
	return func(r *Registry) { r.replayLimit = n }
}

// Registry holds the set of requested channels.
//
// Each channel remembers the session it was last sent on. A channel is on
// the wire only if that session is the live one, so a reconnect leaves
// every channel pending without any explicit reset.
type Registry struct {
	transport   Transport
	logger      *slog.Logger
	limiter     *rate.Limiter
	recorder    Recorder
	metrics     Metrics
	replayLimit int

	mu       sync.Mutex
	channels map[Channel]uint64 // channel -> session it was sent on (0 = never)
}

// NewRegistry creates an empty Registry.
func NewRegistry(transport Transport, logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		transport:   transport,
		logger:      logger.With("component", "subscription"),
		replayLimit: 4,
		channels:    make(map[Channel]uint64),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Subscribe adds ch. The wire subscribe goes out now if the connection is
// authenticated and ch was not already sent on this session; otherwise
// it waits for the next resubscribe-all.
func (r *Registry) Subscribe(ctx context.Context, ch Channel) error {
	raw := ch
	ch, err := Normalize(ch)
	if err != nil {
		return fmt.Errorf("subscribe %q: %w", raw, err)
	}

	r.mu.Lock()
	sentOn, exists := r.channels[ch]
	if !exists {
		r.channels[ch] = 0
	}
	state, session := r.transport.Session()
	if state != connection.StateAuthenticated || sentOn == session {
		n := len(r.channels)
		r.mu.Unlock()
		if !exists {
			r.added(ch, n)
			r.logger.Debug("subscription queued", "channel", ch, "state", state)
		}
		return nil
	}
	r.channels[ch] = session
	n := len(r.channels)
	r.mu.Unlock()

	if !exists {
		r.added(ch, n)
	}

	if err := r.send(ctx, session, connection.FrameSubscribe, ch); err != nil {
		r.unmark(ch, session)
		if errors.Is(err, connection.ErrStaleSession) || errors.Is(err, connection.ErrNotConnected) {
			return nil
		}
		return fmt.Errorf("subscribe %s: %w", ch, err)
	}
	return nil
}

// Unsubscribe removes ch. It is a no-op if ch is absent. A wire
// unsubscribe is sent only if ch is on the live session.
func (r *Registry) Unsubscribe(ctx context.Context, ch Channel) error {
	raw := ch
	ch, err := Normalize(ch)
	if err != nil {
		return fmt.Errorf("unsubscribe %q: %w", raw, err)
	}

	r.mu.Lock()
	sentOn, exists := r.channels[ch]
	if !exists {
		r.mu.Unlock()
		return nil
	}
	delete(r.channels, ch)
	n := len(r.channels)
	state, session := r.transport.Session()
	r.mu.Unlock()

	r.removed(ch, n)

	if !state.IsOpen() || sentOn != session {
		return nil
	}
	if err := r.send(ctx, session, connection.FrameUnsubscribe, ch); err != nil {
		if errors.Is(err, connection.ErrStaleSession) || errors.Is(err, connection.ErrNotConnected) {
			return nil
		}
		return fmt.Errorf("unsubscribe %s: %w", ch, err)
	}
	return nil
}

// Has reports whether ch is in the set.
func (r *Registry) Has(ch Channel) bool {
	ch, err := Normalize(ch)
	if err != nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.channels[ch]
	return ok
}

// Channels returns the set in sorted order.
func (r *Registry) Channels() []Channel {
	r.mu.Lock()
	out := make([]Channel, 0, len(r.channels))
	for ch := range r.channels {
		out = append(out, ch)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Pending returns channels not yet sent on the live session.
func (r *Registry) Pending() []Channel {
	_, session := r.transport.Session()

	r.mu.Lock()
	var out []Channel
	for ch, sentOn := range r.channels {
		if sentOn != session || session == 0 {
			out = append(out, ch)
		}
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Reset drops every channel without touching the wire. Used on logout.
func (r *Registry) Reset() {
	r.mu.Lock()
	dropped := make([]Channel, 0, len(r.channels))
	for ch := range r.channels {
		dropped = append(dropped, ch)
	}
	r.channels = make(map[Channel]uint64)
	r.mu.Unlock()

	for _, ch := range dropped {
		r.removed(ch, 0)
	}
	r.logger.Info("subscriptions cleared", "count", len(dropped))
}

// Resubscribe sends every channel not yet on the live session.
func (r *Registry) Resubscribe(ctx context.Context) error {
	state, session := r.transport.Session()
	if state != connection.StateAuthenticated {
		return nil
	}

	r.mu.Lock()
	var replay []Channel
	for ch, sentOn := range r.channels {
		if sentOn != session {
			r.channels[ch] = session
			replay = append(replay, ch)
		}
	}
	r.mu.Unlock()

	if len(replay) == 0 {
		return nil
	}
	sort.Slice(replay, func(i, j int) bool { return replay[i] < replay[j] })

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(r.replayLimit)
	for _, ch := range replay {
		g.Go(func() error {
			if err := r.send(ctx, session, connection.FrameSubscribe, ch); err != nil {
				r.unmark(ch, session)
				if !errors.Is(err, connection.ErrStaleSession) {
					mu.Lock()
					errs = append(errs, fmt.Errorf("resubscribe %s: %w", ch, err))
					mu.Unlock()
				}
			}
			return nil
		})
	}
	g.Wait()

	r.logger.Info("resubscribed",
		"session", session,
		"channels", len(replay),
		"failed", len(errs),
	)
	return errors.Join(errs...)
}

// OnStateChange replays the set on every transition into AUTHENTICATED.
func (r *Registry) OnStateChange(prev, next connection.ConnectionState) {
	if next != connection.StateAuthenticated {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.Resubscribe(ctx); err != nil {
		r.logger.Warn("resubscribe incomplete", "error", err)
	}
}

func (r *Registry) send(ctx context.Context, session uint64, frameType string, ch Channel) error {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	data, err := json.Marshal(connection.Frame{Type: frameType, Channel: string(ch)})
	if err != nil {
		return err
	}
	if err := r.transport.SendOn(ctx, session, data); err != nil {
		return err
	}
	if r.metrics != nil {
		r.metrics.IncSubscriptionFrames(frameType)
	}
	r.logger.Debug("frame sent", "type", frameType, "channel", ch, "session", session)
	return nil
}

// unmark returns ch to pending if it is still marked for session.
func (r *Registry) unmark(ch Channel, session uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sentOn, ok := r.channels[ch]; ok && sentOn == session {
		r.channels[ch] = 0
	}
}

func (r *Registry) added(ch Channel, n int) {
	if r.recorder != nil {
		r.recorder.RecordSubscription(string(ch), true)
	}
	if r.metrics != nil {
		r.metrics.SetSubscriptions(n)
	}
}

func (r *Registry) removed(ch Channel, n int) {
	if r.recorder != nil {
		r.recorder.RecordSubscription(string(ch), false)
	}
	if r.metrics != nil {
		r.metrics.SetSubscriptions(n)
	}
}
