package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/rickgao/tradesync/internal/auth"
)

// Option configures a Manager.
type Option func(*Manager)

// WithClientFactory overrides how per-session clients are built.
func WithClientFactory(f ClientFactory) Option {
	return func(m *Manager) { m.newClient = f }
}

// WithMetrics attaches connection metrics.
func WithMetrics(met Metrics) Option {
	return func(m *Manager) { m.metrics = met }
}

// WithClock overrides the wall clock used for Status.Since.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

type stateEvent struct {
	prev, next ConnectionState
}

// Manager owns the single streaming connection and its state machine.
// Construct one per process and share it by reference.
type Manager struct {
	cfg       ManagerConfig
	logger    *slog.Logger
	newClient ClientFactory
	metrics   Metrics
	now       func() time.Time

	messages chan RawMessage
	connects singleflight.Group

	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu        sync.Mutex
	state     ConnectionState
	since     time.Time
	client    Client
	session   uint64
	stop      chan struct{} // closes the current session's read loop
	attempt   int
	backoff   *backoff.ExponentialBackOff
	timer     *time.Timer
	timerSeq  uint64
	explicit  bool // Disconnect was called; suppress reconnection
	exhausted bool // reconnect budget spent; manual Connect required
	lastErr   error
	closed    bool
	pending   []stateEvent

	// notifyMu serializes delivery so observers see transitions in order.
	notifyMu  sync.Mutex
	obsMu     sync.RWMutex
	observers []StateObserver

	wg sync.WaitGroup
}

// NewManager creates a Connection Manager in DISCONNECTED state.
func NewManager(cfg ManagerConfig, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultManagerConfig()
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = def.AuthTimeout
	}
	if cfg.ReconnectBaseWait <= 0 {
		cfg.ReconnectBaseWait = def.ReconnectBaseWait
	}
	if cfg.ReconnectMaxWait < cfg.ReconnectBaseWait {
		cfg.ReconnectMaxWait = cfg.ReconnectBaseWait
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	if cfg.MessageBufferSize <= 0 {
		cfg.MessageBufferSize = def.MessageBufferSize
	}
	cfg.Client.URL = cfg.URL

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.ReconnectBaseWait
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = cfg.ReconnectMaxWait
	b.Reset()

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:        cfg,
		logger:     logger.With("component", "connection"),
		newClient:  NewClient,
		now:        time.Now,
		messages:   make(chan RawMessage, cfg.MessageBufferSize),
		baseCtx:    ctx,
		cancelBase: cancel,
		state:      StateDisconnected,
		backoff:    b,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.since = m.now()
	return m
}

// Observe registers a state observer.
func (m *Manager) Observe(o StateObserver) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.observers = append(m.observers, o)
}

// Messages returns the inbound frame stream for the Event Router.
// It is closed by Close.
func (m *Manager) Messages() <-chan RawMessage {
	return m.messages
}

// State returns the current connection state.
func (m *Manager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Session returns the current state and the id of the live session.
// The id changes every time a new socket is established.
func (m *Manager) Session() (ConnectionState, uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.session
}

// Status returns a user-facing connection summary.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Status{
		State:       m.state,
		Session:     m.session,
		Attempt:     m.attempt,
		MaxAttempts: m.cfg.MaxReconnectAttempts,
		Since:       m.since,
	}
	if m.lastErr != nil {
		s.LastError = m.lastErr.Error()
	}

	switch m.state {
	case StateDisconnected:
		s.Message = "disconnected"
	case StateConnecting:
		s.Message = "connecting"
	case StateConnected:
		s.Message = "connected, authenticating"
	case StateAuthenticated:
		s.Message = "live"
	case StateReconnecting:
		s.Message = fmt.Sprintf("reconnecting (attempt %d of %d)", m.attempt, m.cfg.MaxReconnectAttempts)
	case StateAuthorizationFailed:
		s.Message = "authorization failed, sign in again"
	case StateError:
		if m.exhausted {
			s.Message = "disconnected, manual reconnect required"
		} else {
			s.Message = "connection error"
		}
	}
	return s
}

// Connect opens the socket and authenticates. It is a no-op when the
// socket is already open, and concurrent calls share one attempt.
// An explicit Connect restarts the reconnect budget, including while a
// reconnect attempt is in flight.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	if m.state.IsOpen() {
		m.mu.Unlock()
		return nil
	}
	m.explicit = false
	m.exhausted = false
	m.attempt = 0
	m.backoff.Reset()
	m.stopTimerLocked()
	m.mu.Unlock()

	_, err, _ := m.connects.Do("connect", func() (any, error) {
		return nil, m.establish(ctx)
	})
	return err
}

// Disconnect closes the socket and cancels any pending reconnect.
// Subscription membership is kept by the registry.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	m.explicit = true
	m.exhausted = false
	m.stopTimerLocked()
	client := m.teardownLocked()
	m.attempt = 0
	m.backoff.Reset()
	m.transitionLocked(StateDisconnected)
	m.mu.Unlock()

	m.deliver()
	if client != nil {
		client.Close()
	}
	m.logger.Info("disconnected")
	return nil
}

// Close disconnects, waits for the read loop and closes Messages.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	m.Disconnect()

	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cancelBase()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		close(m.messages)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send writes a frame on the current socket.
func (m *Manager) Send(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	client, state := m.client, m.state
	m.mu.Unlock()

	if client == nil || !state.IsOpen() {
		return ErrNotConnected
	}
	return client.Send(data)
}

// SendOn writes a frame only if session is still the live session.
func (m *Manager) SendOn(ctx context.Context, session uint64, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	client, state, current := m.client, m.state, m.session
	m.mu.Unlock()

	if client == nil || !state.IsOpen() {
		return ErrNotConnected
	}
	if current != session {
		return ErrStaleSession
	}
	return client.Send(data)
}

func (m *Manager) establish(ctx context.Context) error {
	m.mu.Lock()
	if m.state.IsOpen() {
		m.mu.Unlock()
		return nil
	}
	m.transitionLocked(StateConnecting)
	m.mu.Unlock()
	m.deliver()

	client := m.newClient(m.cfg.Client, m.logger)
	if err := client.Connect(ctx); err != nil {
		client.Close()
		m.logger.Warn("dial failed", "url", m.cfg.URL, "error", err)
		m.fail(fmt.Errorf("dial: %w", err))
		return err
	}

	m.mu.Lock()
	if m.explicit || m.closed {
		m.mu.Unlock()
		client.Close()
		return ErrNotConnected
	}
	m.session++
	session := m.session
	stop := make(chan struct{})
	m.client = client
	m.stop = stop
	m.transitionLocked(StateConnected)
	m.mu.Unlock()
	m.deliver()

	if err := m.authenticate(ctx, client); err != nil {
		if errors.Is(err, ErrAuthorizationFailed) {
			m.rejectSession(session, err)
			return err
		}
		m.dropSession(session, fmt.Errorf("auth handshake: %w", err))
		return err
	}

	m.mu.Lock()
	if m.session != session || m.client != client {
		m.mu.Unlock()
		return ErrNotConnected
	}
	m.attempt = 0
	m.backoff.Reset()
	m.lastErr = nil
	m.transitionLocked(StateAuthenticated)
	m.wg.Add(1)
	go m.readLoop(client, session, stop)
	m.mu.Unlock()
	m.deliver()

	m.logger.Info("connection authenticated", "session", session)
	return nil
}

// authenticate sends the handshake frame and waits for the verdict.
// Frames other than the verdict are dropped until then.
func (m *Manager) authenticate(ctx context.Context, client Client) error {
	frame := Frame{Type: FrameAuth, ID: uuid.NewString()}
	params, err := m.cfg.Credentials.Handshake()
	switch {
	case err == nil:
		frame.Params = params
	case errors.Is(err, auth.ErrNoCredentials):
		m.logger.Debug("no credentials configured, sending anonymous handshake")
	default:
		return fmt.Errorf("%w: %v", ErrAuthorizationFailed, err)
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal auth frame: %w", err)
	}
	if err := client.Send(data); err != nil {
		return fmt.Errorf("send auth frame: %w", err)
	}

	timer := time.NewTimer(m.cfg.AuthTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return ErrTimeout
		case err := <-client.Errors():
			return err
		case msg := <-client.Messages():
			var reply Frame
			if err := json.Unmarshal(msg.Data, &reply); err != nil {
				continue
			}
			if reply.ID != "" && reply.ID != frame.ID {
				continue
			}
			switch reply.Type {
			case FrameAuthSuccess:
				return nil
			case FrameAuthFailed:
				return fmt.Errorf("%w: %w", ErrAuthorizationFailed, &ServerError{Code: reply.Code, Message: reply.Message})
			default:
				m.logger.Debug("dropping frame before authentication", "type", reply.Type)
			}
		}
	}
}

func (m *Manager) readLoop(client Client, session uint64, stop chan struct{}) {
	defer m.wg.Done()

	forward := func(msg TimestampedMessage) bool {
		raw := RawMessage{Data: msg.Data, ReceivedAt: msg.ReceivedAt, Session: session}
		select {
		case m.messages <- raw:
			return true
		case <-stop:
			return false
		}
	}

	for {
		select {
		case <-stop:
			return
		case err := <-client.Errors():
			// Frames read before the failure still go out first.
			for drained := false; !drained; {
				select {
				case msg := <-client.Messages():
					if !forward(msg) {
						return
					}
				default:
					drained = true
				}
			}
			m.logger.Warn("connection lost", "session", session, "error", err)
			m.dropSession(session, err)
			return
		case msg := <-client.Messages():
			if !forward(msg) {
				return
			}
		}
	}
}

// fail handles a dial failure: ERROR, then the reconnection path.
func (m *Manager) fail(err error) {
	m.mu.Lock()
	m.lastErr = err
	if m.explicit || m.closed {
		m.transitionLocked(StateDisconnected)
		m.mu.Unlock()
		m.deliver()
		return
	}
	m.transitionLocked(StateError)
	m.mu.Unlock()
	m.deliver()

	m.scheduleReconnect()
}

// dropSession handles an unexpected close of a live session.
func (m *Manager) dropSession(session uint64, err error) {
	m.mu.Lock()
	if session != m.session || m.client == nil {
		m.mu.Unlock()
		return
	}
	client := m.teardownLocked()
	m.lastErr = err
	if m.explicit || m.closed {
		m.mu.Unlock()
		client.Close()
		return
	}
	m.mu.Unlock()
	client.Close()

	m.scheduleReconnect()
}

// rejectSession handles auth_failed. There is no retry.
func (m *Manager) rejectSession(session uint64, err error) {
	m.mu.Lock()
	if session != m.session {
		m.mu.Unlock()
		return
	}
	client := m.teardownLocked()
	m.lastErr = err
	m.stopTimerLocked()
	m.transitionLocked(StateAuthorizationFailed)
	m.mu.Unlock()
	m.deliver()

	if client != nil {
		client.Close()
	}
	m.logger.Error("authorization rejected", "error", err)
}

func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	if m.explicit || m.closed {
		m.mu.Unlock()
		return
	}
	if m.attempt >= m.cfg.MaxReconnectAttempts {
		m.exhausted = true
		m.transitionLocked(StateError)
		attempts := m.attempt
		m.mu.Unlock()
		m.deliver()
		m.logger.Error("reconnect attempts exhausted, manual reconnect required", "attempts", attempts)
		return
	}

	delay := m.backoff.NextBackOff()
	m.attempt++
	attempt := m.attempt
	m.timerSeq++
	seq := m.timerSeq
	m.timer = time.AfterFunc(delay, func() { m.reconnect(seq) })
	m.transitionLocked(StateReconnecting)
	m.mu.Unlock()
	m.deliver()

	if m.metrics != nil {
		m.metrics.IncReconnectAttempts()
	}
	m.logger.Info("reconnect scheduled",
		"attempt", attempt,
		"max_attempts", m.cfg.MaxReconnectAttempts,
		"delay", delay,
	)
}

func (m *Manager) reconnect(seq uint64) {
	m.mu.Lock()
	if seq != m.timerSeq || m.explicit || m.closed || m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.mu.Unlock()

	m.connects.Do("connect", func() (any, error) {
		return nil, m.establish(m.baseCtx)
	})
}

func (m *Manager) stopTimerLocked() {
	m.timerSeq++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// teardownLocked detaches the current client and stops its read loop.
// The caller closes the returned client outside the lock.
func (m *Manager) teardownLocked() Client {
	if m.stop != nil {
		close(m.stop)
		m.stop = nil
	}
	client := m.client
	m.client = nil
	return client
}

// transitionLocked records a transition for in-order delivery.
func (m *Manager) transitionLocked(next ConnectionState) {
	prev := m.state
	if prev == next {
		return
	}
	m.state = next
	m.since = m.now()
	m.pending = append(m.pending, stateEvent{prev: prev, next: next})
}

// deliver flushes queued transitions to observers. Whoever holds notifyMu
// drains the whole queue, so delivery order matches transition order.
func (m *Manager) deliver() {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	for {
		m.mu.Lock()
		events := m.pending
		m.pending = nil
		m.mu.Unlock()

		if len(events) == 0 {
			return
		}

		m.obsMu.RLock()
		observers := append([]StateObserver(nil), m.observers...)
		m.obsMu.RUnlock()

		for _, ev := range events {
			m.logger.Debug("connection state changed", "from", ev.prev, "to", ev.next)
			if m.metrics != nil {
				m.metrics.SetConnectionState(string(ev.next))
			}
			for _, o := range observers {
				o.OnStateChange(ev.prev, ev.next)
			}
		}
	}
}
