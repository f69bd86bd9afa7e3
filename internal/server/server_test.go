package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/rickgao/tradesync/internal/api"
	"github.com/rickgao/tradesync/internal/connection"
	"github.com/rickgao/tradesync/internal/invalidator"
	"github.com/rickgao/tradesync/internal/mode"
	"github.com/rickgao/tradesync/internal/model"
	"github.com/rickgao/tradesync/internal/safeguard"
	"github.com/rickgao/tradesync/internal/store"
	"github.com/rickgao/tradesync/internal/subscription"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeConn struct {
	mu          sync.Mutex
	state       connection.ConnectionState
	connectErr  error
	disconnects int
}

func (f *fakeConn) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.state = connection.StateAuthenticated
	return nil
}

func (f *fakeConn) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = connection.StateDisconnected
	f.disconnects++
	return nil
}

func (f *fakeConn) Status() connection.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return connection.Status{State: f.state, Message: strings.ToLower(string(f.state))}
}

// fakeSubs stands in for the subscription registry.
type fakeSubs struct {
	mu     sync.Mutex
	chans  map[subscription.Channel]bool
	resets int
}

func (f *fakeSubs) Has(ch subscription.Channel) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chans[ch]
}

func (f *fakeSubs) Subscribe(ctx context.Context, ch subscription.Channel) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.chans == nil {
		f.chans = make(map[subscription.Channel]bool)
	}
	f.chans[ch] = true
	return nil
}

func (f *fakeSubs) Unsubscribe(ctx context.Context, ch subscription.Channel) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.chans, ch)
	return nil
}

func (f *fakeSubs) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chans = nil
	f.resets++
}

type fakePlacer struct {
	mu   sync.Mutex
	reqs []api.OrderRequest
	err  error
}

func (f *fakePlacer) PlaceOrder(ctx context.Context, req api.OrderRequest) (*api.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return nil, f.err
	}
	return &api.Order{ID: "ord-1", Symbol: req.Symbol, Status: "pending"}, nil
}

func (f *fakePlacer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

type harness struct {
	srv    *Server
	conn   *fakeConn
	subs   *fakeSubs
	modes  *mode.Coordinator
	store  *store.Memory
	placer *fakePlacer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		conn:   &fakeConn{state: connection.StateAuthenticated},
		subs:   &fakeSubs{},
		store:  store.NewMemory(0),
		placer: &fakePlacer{},
	}
	h.modes = mode.NewCoordinator(model.DefaultTradingMode(), h.subs, nil, nil)

	// Quote lookups hit a canned backend that only knows AAPL.
	base := invalidator.HandlerFunc(func(ctx context.Context, a invalidator.Action) error {
		if q, ok := a.(invalidator.QuoteRequested); ok && q.Symbol == "AAPL" {
			h.store.MergeQuote(model.Quote{Symbol: "AAPL", Price: 189.5})
		}
		return nil
	})
	inv := invalidator.New(h.subs, h.store, nil)
	actions := inv.Middleware(base)

	h.srv = New(0, Deps{
		Conn:          h.conn,
		Modes:         h.modes,
		Store:         h.store,
		Gate:          safeguard.NewGate(h.modes, safeguard.DefaultFeeSchedule(), nil),
		Actions:       actions,
		Reactions:     inv,
		Orders:        h.placer,
		Subscriptions: h.subs,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("tradesync_up 1\n"))
		}),
	}, nil)
	return h
}

func (h *harness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/health", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	got := decode[map[string]string](t, rec)
	if got["connection"] != string(connection.StateAuthenticated) {
		t.Errorf("connection = %q, want AUTHENTICATED", got["connection"])
	}
}

func TestState(t *testing.T) {
	h := newHarness(t)
	h.store.UpsertPosition(model.PositionUpdate{Symbol: "AAPL", Quantity: 5, PaperTrading: true})
	h.store.UpsertPosition(model.PositionUpdate{Symbol: "TSLA", Quantity: 1, PaperTrading: false})

	rec := h.do(t, http.MethodGet, "/state", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	got := decode[stateResponse](t, rec)
	if got.TradingMode.Active != model.ModePaper {
		t.Errorf("active = %s, want paper", got.TradingMode.Active)
	}
	if len(got.Positions) != 1 || got.Positions[0].Symbol != "AAPL" {
		t.Errorf("positions = %+v, want only the paper AAPL position", got.Positions)
	}
	if got.SessionTimer != "" {
		t.Errorf("session timer = %q, want empty before any switch", got.SessionTimer)
	}
}

func TestQuote(t *testing.T) {
	t.Run("cache miss fetches and subscribes", func(t *testing.T) {
		h := newHarness(t)
		rec := h.do(t, http.MethodGet, "/quotes/aapl", nil)

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		if q := decode[model.Quote](t, rec); q.Price != 189.5 {
			t.Errorf("price = %v, want 189.5", q.Price)
		}
		if !h.subs.Has("market_data:AAPL") {
			t.Error("quote request did not subscribe market_data:AAPL")
		}
	})

	t.Run("cache hit still subscribes", func(t *testing.T) {
		h := newHarness(t)
		h.store.MergeQuote(model.Quote{Symbol: "MSFT", Price: 410})
		rec := h.do(t, http.MethodGet, "/quotes/msft", nil)

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		if q := decode[model.Quote](t, rec); q.Price != 410 {
			t.Errorf("price = %v, want cached 410", q.Price)
		}
		if !h.subs.Has("market_data:MSFT") {
			t.Error("cache hit did not subscribe market_data:MSFT")
		}
	})

	t.Run("unknown symbol", func(t *testing.T) {
		h := newHarness(t)
		if rec := h.do(t, http.MethodGet, "/quotes/ZZZZ", nil); rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rec.Code)
		}
	})
}

func TestConnectDisconnectLogout(t *testing.T) {
	h := newHarness(t)
	h.subs.Subscribe(context.Background(), "market_data:AAPL")

	if rec := h.do(t, http.MethodPost, "/disconnect", nil); rec.Code != http.StatusOK {
		t.Fatalf("disconnect status = %d, want 200", rec.Code)
	}
	if !h.subs.Has("market_data:AAPL") {
		t.Error("disconnect should keep subscriptions")
	}

	if rec := h.do(t, http.MethodPost, "/connect", nil); rec.Code != http.StatusOK {
		t.Fatalf("connect status = %d, want 200", rec.Code)
	}

	if rec := h.do(t, http.MethodPost, "/logout", nil); rec.Code != http.StatusOK {
		t.Fatalf("logout status = %d, want 200", rec.Code)
	}
	if h.subs.resets != 1 || h.subs.Has("market_data:AAPL") {
		t.Error("logout should clear subscriptions")
	}
	for _, ch := range []subscription.Channel{"orders:paper", "portfolio:paper"} {
		if !h.subs.Has(ch) {
			t.Errorf("%s not re-subscribed after logout", ch)
		}
	}
	if rec := h.do(t, http.MethodPost, "/connect", nil); rec.Code != http.StatusOK {
		t.Fatalf("connect after logout status = %d, want 200", rec.Code)
	}
	if !h.subs.Has("orders:paper") {
		t.Error("orders:paper missing after reconnecting from logout")
	}

	h.conn.connectErr = connection.ErrAuthorizationFailed
	if rec := h.do(t, http.MethodPost, "/connect", nil); rec.Code != http.StatusBadGateway {
		t.Errorf("failed connect status = %d, want 502", rec.Code)
	}
}

func TestMode(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/mode", map[string]string{"mode": "LIVE"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if h.modes.Active() != model.ModeLive {
		t.Errorf("active = %s, want live", h.modes.Active())
	}
	if !h.subs.Has("orders:live") {
		t.Error("orders:live not subscribed after switch")
	}

	if rec := h.do(t, http.MethodPost, "/mode", map[string]string{"mode": "margin"}); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid mode status = %d, want 400", rec.Code)
	}
	if rec := h.do(t, http.MethodPost, "/mode", map[string]string{}); rec.Code != http.StatusBadRequest {
		t.Errorf("missing mode status = %d, want 400", rec.Code)
	}

	h.modes.Block("pending compliance review")
	if rec := h.do(t, http.MethodPost, "/mode", map[string]string{"mode": "paper"}); rec.Code != http.StatusConflict {
		t.Errorf("blocked switch status = %d, want 409", rec.Code)
	}
	if h.modes.Active() != model.ModeLive {
		t.Error("blocked switch changed the mode")
	}
}

func TestNavigate(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/navigate", map[string]string{"path": "/trade/tsla?tab=chart"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := decode[map[string]string](t, rec)["symbol"]; got != "TSLA" {
		t.Errorf("symbol = %q, want TSLA", got)
	}
	if !h.subs.Has("market_data:TSLA") {
		t.Error("navigation did not subscribe market_data:TSLA")
	}

	h.do(t, http.MethodPost, "/navigate", map[string]string{"path": "/settings"})
	if len(h.subs.chans) != 1 {
		t.Errorf("non-trading path subscribed: %v", h.subs.chans)
	}
}

var order = map[string]any{
	"symbol":     "aapl",
	"side":       "buy",
	"order_type": "limit",
	"quantity":   5,
	"price":      200,
}

func TestOrder_PaperExecutesImmediately(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/orders", order)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}
	if h.placer.count() != 1 {
		t.Fatalf("orders placed = %d, want 1", h.placer.count())
	}
	req := h.placer.reqs[0]
	if !req.PaperTrading || req.Symbol != "AAPL" || req.LimitPrice == nil {
		t.Errorf("request = %+v, want paper AAPL limit", req)
	}
	if !h.subs.Has("market_data:AAPL") {
		t.Error("executed trade did not subscribe market_data:AAPL")
	}
	if !h.store.NeedsRefresh(store.OrderHistoryTag(model.ModePaper)) {
		t.Error("executed trade did not invalidate paper order history")
	}
}

func TestOrder_LiveConfirmationFlow(t *testing.T) {
	h := newHarness(t)
	h.modes.SwitchMode(context.Background(), model.ModeLive)

	rec := h.do(t, http.MethodPost, "/orders", order)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}
	p := decode[safeguard.Pending](t, rec)
	if !p.RequiresAcks {
		t.Error("live order should require acknowledgements")
	}
	if got := safeguard.FormatUSD(p.Estimate.Total); got != "$1,003.50" {
		t.Errorf("estimate total = %s, want $1,003.50", got)
	}
	if h.placer.count() != 0 {
		t.Fatal("live order placed before confirmation")
	}

	base := "/orders/" + p.ID.String()
	if rec := h.do(t, http.MethodPost, base+"/confirm", nil); rec.Code != http.StatusConflict {
		t.Errorf("confirm without acks status = %d, want 409", rec.Code)
	}

	for _, ack := range []string{"real_money", "reviewed_details", "authorized"} {
		if rec := h.do(t, http.MethodPost, base+"/ack", map[string]any{"ack": ack}); rec.Code != http.StatusOK {
			t.Fatalf("ack %s status = %d, want 200", ack, rec.Code)
		}
	}

	if rec := h.do(t, http.MethodPost, base+"/confirm", nil); rec.Code != http.StatusOK {
		t.Fatalf("confirm status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if h.placer.count() != 1 || h.placer.reqs[0].PaperTrading {
		t.Errorf("placed = %+v, want one live order", h.placer.reqs)
	}
	if !h.store.NeedsRefresh(store.PortfolioTag(model.ModeLive)) {
		t.Error("confirmed trade did not invalidate live portfolio")
	}
}

func TestOrder_ConfirmAfterSwitchToPaper(t *testing.T) {
	h := newHarness(t)
	h.modes.SwitchMode(context.Background(), model.ModeLive)

	p := decode[safeguard.Pending](t, h.do(t, http.MethodPost, "/orders", order))
	base := "/orders/" + p.ID.String()
	for _, ack := range []string{"real_money", "reviewed_details", "authorized"} {
		h.do(t, http.MethodPost, base+"/ack", map[string]any{"ack": ack})
	}

	if err := h.modes.SwitchMode(context.Background(), model.ModePaper); err != nil {
		t.Fatalf("SwitchMode failed: %v", err)
	}
	if rec := h.do(t, http.MethodPost, base+"/confirm", nil); rec.Code != http.StatusConflict {
		t.Errorf("confirm after mode switch status = %d, want 409: %s", rec.Code, rec.Body.String())
	}
	if h.placer.count() != 0 {
		t.Errorf("placed = %+v, want no order after mode switch", h.placer.reqs)
	}
	if pending := decode[[]safeguard.Pending](t, h.do(t, http.MethodGet, "/orders/pending", nil)); len(pending) != 0 {
		t.Errorf("pending = %+v, want stale order dropped", pending)
	}
}

func TestOrder_FailureStaysPendingThenCancel(t *testing.T) {
	h := newHarness(t)
	h.modes.SwitchMode(context.Background(), model.ModeLive)
	h.placer.err = &api.APIError{StatusCode: 422, Message: "market closed"}

	p := decode[safeguard.Pending](t, h.do(t, http.MethodPost, "/orders", order))
	base := "/orders/" + p.ID.String()
	for _, ack := range []string{"real_money", "reviewed_details", "authorized"} {
		h.do(t, http.MethodPost, base+"/ack", map[string]any{"ack": ack})
	}

	rec := h.do(t, http.MethodPost, base+"/confirm", nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("confirm status = %d, want 502", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "market closed") {
		t.Errorf("body = %s, want failure message", rec.Body.String())
	}
	if h.subs.Has("market_data:AAPL") {
		t.Error("failed trade should not subscribe")
	}

	pending := decode[[]safeguard.Pending](t, h.do(t, http.MethodGet, "/orders/pending", nil))
	if len(pending) != 1 || pending[0].LastError == "" {
		t.Fatalf("pending = %+v, want one entry with LastError", pending)
	}

	if rec := h.do(t, http.MethodDelete, base, nil); rec.Code != http.StatusNoContent {
		t.Errorf("cancel status = %d, want 204", rec.Code)
	}
	if rec := h.do(t, http.MethodDelete, base, nil); rec.Code != http.StatusNotFound {
		t.Errorf("second cancel status = %d, want 404", rec.Code)
	}
	if h.placer.count() != 1 {
		t.Errorf("orders placed = %d, want 1", h.placer.count())
	}
}

func TestOrder_Validation(t *testing.T) {
	h := newHarness(t)

	tests := []map[string]any{
		{"symbol": "AAPL", "side": "hold", "order_type": "market", "quantity": 1},
		{"symbol": "AAPL", "side": "buy", "order_type": "stop", "quantity": 1},
		{"symbol": "AAPL", "side": "buy", "order_type": "market", "quantity": 0},
		{"side": "buy", "order_type": "market", "quantity": 1},
	}
	for _, body := range tests {
		if rec := h.do(t, http.MethodPost, "/orders", body); rec.Code != http.StatusBadRequest {
			t.Errorf("POST /orders %v status = %d, want 400", body, rec.Code)
		}
	}
	if rec := h.do(t, http.MethodPost, "/orders/not-a-uuid/confirm", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad id status = %d, want 400", rec.Code)
	}
	if h.placer.count() != 0 {
		t.Error("invalid orders reached the backend")
	}
}

func TestMetricsRoute(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "tradesync_up") {
		t.Errorf("GET /metrics = %d %q", rec.Code, rec.Body.String())
	}
}

func TestStartStop(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- h.srv.Start(ctx) }()
	cancel()

	if err := <-done; err != nil && !errors.Is(err, http.ErrServerClosed) {
		t.Errorf("Start() = %v, want nil after cancel", err)
	}
}
