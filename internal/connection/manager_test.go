package connection

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// authServer is a streaming endpoint that answers the auth frame.
type authServer struct {
	server *httptest.Server

	requests atomic.Int32
	reject   atomic.Bool // answer HTTP 503 instead of upgrading
	dropNext atomic.Bool // close the socket right after auth

	mu     sync.Mutex
	reply  string
	after  []string // frames written after a successful auth
	frames []Frame
}

func newAuthServer(t *testing.T, reply string) *authServer {
	t.Helper()
	s := &authServer{reply: reply}
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.requests.Add(1)
		if s.reject.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		s.serve(conn)
	}))
	t.Cleanup(s.server.Close)
	return s
}

func (s *authServer) serve(conn *websocket.Conn) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return
	}
	var f Frame
	json.Unmarshal(data, &f)

	s.mu.Lock()
	s.frames = append(s.frames, f)
	reply, after := s.reply, s.after
	s.mu.Unlock()

	if reply != "" {
		resp, _ := json.Marshal(Frame{Type: reply, ID: f.ID, Message: "bad token"})
		conn.WriteMessage(websocket.TextMessage, resp)
	}
	if reply != FrameAuthSuccess {
		drain(conn)
		return
	}
	for _, msg := range after {
		conn.WriteMessage(websocket.TextMessage, []byte(msg))
	}
	if s.dropNext.Swap(false) {
		time.Sleep(50 * time.Millisecond)
		return
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f Frame
		json.Unmarshal(data, &f)
		s.mu.Lock()
		s.frames = append(s.frames, f)
		s.mu.Unlock()
	}
}

func (s *authServer) url() string { return wsURL(s.server) }

func (s *authServer) received() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Frame(nil), s.frames...)
}

func testManagerConfig(url string) ManagerConfig {
	cfg := DefaultManagerConfig()
	cfg.URL = url
	cfg.AuthTimeout = time.Second
	cfg.ReconnectBaseWait = 5 * time.Millisecond
	cfg.ReconnectMaxWait = 20 * time.Millisecond
	cfg.MaxReconnectAttempts = 3
	cfg.MessageBufferSize = 100
	cfg.Client.PingInterval = 0
	return cfg
}

// recorder collects state transitions.
type recorder struct {
	mu     sync.Mutex
	events []stateEvent
}

func (r *recorder) OnStateChange(prev, next ConnectionState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, stateEvent{prev: prev, next: next})
}

func (r *recorder) states() []ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ConnectionState, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.next
	}
	return out
}

func (r *recorder) saw(state ConnectionState) bool {
	for _, s := range r.states() {
		if s == state {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func closeManager(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Close(ctx); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestManager_ConnectAuthenticates(t *testing.T) {
	srv := newAuthServer(t, FrameAuthSuccess)
	m := NewManager(testManagerConfig(srv.url()), nil)
	defer closeManager(t, m)

	rec := &recorder{}
	m.Observe(rec)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if got := m.State(); got != StateAuthenticated {
		t.Errorf("State() = %s, want %s", got, StateAuthenticated)
	}

	want := []ConnectionState{StateConnecting, StateConnected, StateAuthenticated}
	got := rec.states()
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, got[i], want[i])
		}
	}

	frames := srv.received()
	if len(frames) == 0 || frames[0].Type != FrameAuth {
		t.Fatalf("first frame = %+v, want auth", frames)
	}
	if frames[0].ID == "" {
		t.Error("auth frame has no correlation id")
	}
}

func TestManager_ConnectIsIdempotent(t *testing.T) {
	srv := newAuthServer(t, FrameAuthSuccess)
	m := NewManager(testManagerConfig(srv.url()), nil)
	defer closeManager(t, m)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect failed: %v", err)
	}
	if got := srv.requests.Load(); got != 1 {
		t.Errorf("server saw %d connections, want 1", got)
	}
}

func TestManager_ConcurrentConnectSharesAttempt(t *testing.T) {
	srv := newAuthServer(t, FrameAuthSuccess)
	m := NewManager(testManagerConfig(srv.url()), nil)
	defer closeManager(t, m)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.Connect(context.Background()); err != nil {
				t.Errorf("Connect failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := srv.requests.Load(); got != 1 {
		t.Errorf("server saw %d connections, want 1", got)
	}
}

func TestManager_AuthFailedDoesNotRetry(t *testing.T) {
	srv := newAuthServer(t, FrameAuthFailed)
	m := NewManager(testManagerConfig(srv.url()), nil)
	defer closeManager(t, m)

	err := m.Connect(context.Background())
	if !errors.Is(err, ErrAuthorizationFailed) {
		t.Fatalf("Connect error = %v, want ErrAuthorizationFailed", err)
	}
	var serverErr *ServerError
	if !errors.As(err, &serverErr) || serverErr.Message != "bad token" {
		t.Errorf("server error = %v, want message 'bad token'", serverErr)
	}

	time.Sleep(100 * time.Millisecond)
	if got := m.State(); got != StateAuthorizationFailed {
		t.Errorf("State() = %s, want %s", got, StateAuthorizationFailed)
	}
	if got := srv.requests.Load(); got != 1 {
		t.Errorf("server saw %d connections, want 1 (no retry)", got)
	}
	if got := m.Status().Message; got != "authorization failed, sign in again" {
		t.Errorf("Status().Message = %q", got)
	}
}

func TestManager_AuthTimeoutReconnects(t *testing.T) {
	srv := newAuthServer(t, "")
	cfg := testManagerConfig(srv.url())
	cfg.AuthTimeout = 30 * time.Millisecond
	m := NewManager(cfg, nil)
	defer closeManager(t, m)

	rec := &recorder{}
	m.Observe(rec)

	if err := m.Connect(context.Background()); !errors.Is(err, ErrTimeout) {
		t.Fatalf("Connect error = %v, want ErrTimeout", err)
	}
	if !rec.saw(StateReconnecting) {
		t.Errorf("transitions = %v, want RECONNECTING after auth timeout", rec.states())
	}
}

func TestManager_ForwardsFramesInOrder(t *testing.T) {
	srv := newAuthServer(t, FrameAuthSuccess)
	srv.after = []string{
		`{"type":"market_data","data":{"symbol":"AAPL","price":1}}`,
		`{"type":"market_data","data":{"symbol":"AAPL","price":2}}`,
	}
	m := NewManager(testManagerConfig(srv.url()), nil)
	defer closeManager(t, m)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	for i, want := range srv.after {
		select {
		case msg := <-m.Messages():
			if string(msg.Data) != want {
				t.Errorf("message %d = %s, want %s", i, msg.Data, want)
			}
			if msg.Session != 1 {
				t.Errorf("message %d session = %d, want 1", i, msg.Session)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for message %d", i)
		}
	}
}

func TestManager_ReconnectsAfterDrop(t *testing.T) {
	srv := newAuthServer(t, FrameAuthSuccess)
	srv.dropNext.Store(true)
	m := NewManager(testManagerConfig(srv.url()), nil)
	defer closeManager(t, m)

	rec := &recorder{}
	m.Observe(rec)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		state, session := m.Session()
		return state == StateAuthenticated && session == 2
	})
	if !rec.saw(StateReconnecting) {
		t.Errorf("transitions = %v, want RECONNECTING", rec.states())
	}
	if got := m.Status().Attempt; got != 0 {
		t.Errorf("attempt after successful reconnect = %d, want 0", got)
	}
}

func TestManager_FailStopAfterMaxAttempts(t *testing.T) {
	srv := newAuthServer(t, FrameAuthSuccess)
	srv.dropNext.Store(true)
	cfg := testManagerConfig(srv.url())
	cfg.ReconnectBaseWait = 30 * time.Millisecond
	cfg.ReconnectMaxWait = 60 * time.Millisecond
	m := NewManager(cfg, nil)
	defer closeManager(t, m)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	srv.reject.Store(true)

	waitFor(t, 2*time.Second, func() bool {
		return m.Status().Message == "disconnected, manual reconnect required"
	})
	if got := m.State(); got != StateError {
		t.Errorf("State() = %s, want %s", got, StateError)
	}

	// One initial connection plus three reconnect attempts.
	if got := srv.requests.Load(); got != 4 {
		t.Errorf("server saw %d requests, want 4", got)
	}
	time.Sleep(100 * time.Millisecond)
	if got := srv.requests.Load(); got != 4 {
		t.Errorf("attempts continued after fail-stop: %d requests", got)
	}

	// An explicit Connect starts over.
	srv.reject.Store(false)
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("manual Connect failed: %v", err)
	}
	if got := m.State(); got != StateAuthenticated {
		t.Errorf("State() = %s, want %s", got, StateAuthenticated)
	}
}

func TestManager_ConnectRestartsBudgetMidAttempt(t *testing.T) {
	srv := newAuthServer(t, FrameAuthSuccess)
	srv.reject.Store(true)
	cfg := testManagerConfig(srv.url())
	cfg.ReconnectBaseWait = time.Second
	cfg.ReconnectMaxWait = time.Second
	m := NewManager(cfg, nil)
	defer closeManager(t, m)

	if err := m.Connect(context.Background()); err == nil {
		t.Fatal("expected Connect to fail")
	}

	// A scheduled reconnect has started dialing with budget spent.
	m.mu.Lock()
	m.attempt = 2
	m.backoff.NextBackOff()
	m.backoff.NextBackOff()
	m.state = StateConnecting
	m.mu.Unlock()

	if err := m.Connect(context.Background()); err == nil {
		t.Fatal("expected Connect to fail")
	}
	if got := m.Status().Attempt; got != 1 {
		t.Errorf("attempt after explicit Connect = %d, want 1", got)
	}
	if got := m.State(); got != StateReconnecting {
		t.Errorf("State() = %s, want %s", got, StateReconnecting)
	}
}

func TestManager_DisconnectCancelsReconnect(t *testing.T) {
	srv := newAuthServer(t, FrameAuthSuccess)
	srv.reject.Store(true)
	cfg := testManagerConfig(srv.url())
	cfg.ReconnectBaseWait = 50 * time.Millisecond
	cfg.ReconnectMaxWait = 50 * time.Millisecond
	m := NewManager(cfg, nil)
	defer closeManager(t, m)

	if err := m.Connect(context.Background()); err == nil {
		t.Fatal("expected Connect to fail")
	}
	if got := m.State(); got != StateReconnecting {
		t.Fatalf("State() = %s, want %s", got, StateReconnecting)
	}

	if err := m.Disconnect(); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	time.Sleep(150 * time.Millisecond)

	if got := srv.requests.Load(); got != 1 {
		t.Errorf("server saw %d requests, want 1", got)
	}
	if got := m.State(); got != StateDisconnected {
		t.Errorf("State() = %s, want %s", got, StateDisconnected)
	}
}

func TestManager_DisconnectDoesNotReconnect(t *testing.T) {
	srv := newAuthServer(t, FrameAuthSuccess)
	m := NewManager(testManagerConfig(srv.url()), nil)
	defer closeManager(t, m)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	m.Disconnect()
	time.Sleep(100 * time.Millisecond)

	if got := m.State(); got != StateDisconnected {
		t.Errorf("State() = %s, want %s", got, StateDisconnected)
	}
	if got := srv.requests.Load(); got != 1 {
		t.Errorf("server saw %d connections, want 1", got)
	}
}

func TestManager_Send(t *testing.T) {
	srv := newAuthServer(t, FrameAuthSuccess)
	m := NewManager(testManagerConfig(srv.url()), nil)
	defer closeManager(t, m)

	ctx := context.Background()
	if err := m.Send(ctx, []byte(`{}`)); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send before Connect = %v, want ErrNotConnected", err)
	}

	if err := m.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	_, session := m.Session()

	if err := m.SendOn(ctx, session+1, []byte(`{}`)); !errors.Is(err, ErrStaleSession) {
		t.Errorf("SendOn stale session = %v, want ErrStaleSession", err)
	}

	frame, _ := json.Marshal(Frame{Type: FrameSubscribe, Channel: "orders:paper"})
	if err := m.SendOn(ctx, session, frame); err != nil {
		t.Fatalf("SendOn failed: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		for _, f := range srv.received() {
			if f.Type == FrameSubscribe && f.Channel == "orders:paper" {
				return true
			}
		}
		return false
	})
}

func TestManager_BackoffDoubles(t *testing.T) {
	cfg := DefaultManagerConfig()
	m := NewManager(cfg, nil)
	defer closeManager(t, m)

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for i, w := range want {
		if got := m.backoff.NextBackOff(); got != w {
			t.Errorf("delay %d = %v, want %v", i, got, w)
		}
	}
}

func TestManager_CloseClosesMessages(t *testing.T) {
	srv := newAuthServer(t, FrameAuthSuccess)
	m := NewManager(testManagerConfig(srv.url()), nil)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	closeManager(t, m)

	select {
	case _, ok := <-m.Messages():
		if ok {
			t.Error("expected Messages to be closed")
		}
	case <-time.After(time.Second):
		t.Fatal("Messages not closed")
	}
	if err := m.Connect(context.Background()); !errors.Is(err, ErrManagerClosed) {
		t.Errorf("Connect after Close = %v, want ErrManagerClosed", err)
	}
}

type fakeMetrics struct {
	mu         sync.Mutex
	state      string
	reconnects int
}

func (f *fakeMetrics) SetConnectionState(state string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = state
}

func (f *fakeMetrics) IncReconnectAttempts() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconnects++
}

func TestManager_Metrics(t *testing.T) {
	srv := newAuthServer(t, FrameAuthSuccess)
	met := &fakeMetrics{}
	m := NewManager(testManagerConfig(srv.url()), nil, WithMetrics(met))
	defer closeManager(t, m)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	met.mu.Lock()
	defer met.mu.Unlock()
	if met.state != string(StateAuthenticated) {
		t.Errorf("state gauge = %s, want %s", met.state, StateAuthenticated)
	}
}
