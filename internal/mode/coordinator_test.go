package mode

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rickgao/tradesync/internal/connection"
	"github.com/rickgao/tradesync/internal/model"
	"github.com/rickgao/tradesync/internal/subscription"
)

// authedTransport is an always-authenticated transport recording frames.
type authedTransport struct {
	mu     sync.Mutex
	state  connection.ConnectionState
	frames []connection.Frame
}

func (a *authedTransport) Session() (connection.ConnectionState, uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state, 1
}

func (a *authedTransport) SendOn(ctx context.Context, session uint64, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var f connection.Frame
	json.Unmarshal(data, &f)
	a.frames = append(a.frames, f)
	return nil
}

func (a *authedTransport) count(frameType, channel string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, f := range a.frames {
		if f.Type == frameType && f.Channel == channel {
			n++
		}
	}
	return n
}

func newTestCoordinator(t *testing.T, state connection.ConnectionState) (*Coordinator, *subscription.Registry, *authedTransport) {
	t.Helper()
	tr := &authedTransport{state: state}
	reg := subscription.NewRegistry(tr, nil)
	c := NewCoordinator(model.DefaultTradingMode(), reg, nil, nil)
	if err := c.EnsureChannels(context.Background()); err != nil {
		t.Fatalf("EnsureChannels failed: %v", err)
	}
	return c, reg, tr
}

func TestCoordinator_SwitchSwapsChannels(t *testing.T) {
	c, reg, tr := newTestCoordinator(t, connection.StateAuthenticated)
	reg.Subscribe(context.Background(), subscription.MarketData("AAPL"))

	if err := c.SwitchMode(context.Background(), model.ModeLive); err != nil {
		t.Fatalf("SwitchMode failed: %v", err)
	}

	if got := c.Active(); got != model.ModeLive {
		t.Errorf("Active() = %s, want live", got)
	}
	for _, ch := range []subscription.Channel{"orders:paper", "portfolio:paper"} {
		if reg.Has(ch) {
			t.Errorf("%s still registered after switch", ch)
		}
		if tr.count(connection.FrameUnsubscribe, string(ch)) != 1 {
			t.Errorf("no unsubscribe sent for %s", ch)
		}
	}
	for _, ch := range []subscription.Channel{"orders:live", "portfolio:live"} {
		if !reg.Has(ch) {
			t.Errorf("%s not registered after switch", ch)
		}
		if tr.count(connection.FrameSubscribe, string(ch)) != 1 {
			t.Errorf("no subscribe sent for %s", ch)
		}
	}
	if !reg.Has(subscription.MarketData("AAPL")) {
		t.Error("market data channel touched by mode switch")
	}
}

func TestCoordinator_SwitchWhileDisconnectedQueues(t *testing.T) {
	c, reg, tr := newTestCoordinator(t, connection.StateDisconnected)

	if err := c.SwitchMode(context.Background(), model.ModeLive); err != nil {
		t.Fatalf("SwitchMode failed: %v", err)
	}

	want := []subscription.Channel{"orders:live", "portfolio:live"}
	got := reg.Channels()
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("Channels() = %v, want %v", got, want)
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(tr.frames) != 0 {
		t.Errorf("frames sent while disconnected: %+v", tr.frames)
	}
}

func TestCoordinator_SameModeIsNoop(t *testing.T) {
	c, _, tr := newTestCoordinator(t, connection.StateAuthenticated)
	called := false
	c.AddObserver(ObserverFunc(func(prev, next model.Mode) { called = true }))

	if err := c.SwitchMode(context.Background(), model.ModePaper); err != nil {
		t.Fatalf("SwitchMode failed: %v", err)
	}
	if called {
		t.Error("observer called for same-mode switch")
	}
	if c.Timer().Render() != "" {
		t.Error("timer reset by same-mode switch")
	}
	if tr.count(connection.FrameUnsubscribe, "orders:paper") != 0 {
		t.Error("unsubscribe sent for same-mode switch")
	}
}

func TestCoordinator_BlockedRejects(t *testing.T) {
	c, reg, _ := newTestCoordinator(t, connection.StateAuthenticated)
	c.Block("daily loss limit reached")

	err := c.SwitchMode(context.Background(), model.ModeLive)
	if !errors.Is(err, ErrModeBlocked) {
		t.Fatalf("SwitchMode error = %v, want ErrModeBlocked", err)
	}
	if c.Active() != model.ModePaper {
		t.Errorf("Active() = %s, want paper", c.Active())
	}
	if !reg.Has(subscription.Orders(model.ModePaper)) {
		t.Error("paper channels removed by a rejected switch")
	}

	c.Unblock()
	if err := c.SwitchMode(context.Background(), model.ModeLive); err != nil {
		t.Errorf("SwitchMode after Unblock failed: %v", err)
	}
}

func TestCoordinator_InvalidMode(t *testing.T) {
	c, _, _ := newTestCoordinator(t, connection.StateAuthenticated)
	if err := c.SwitchMode(context.Background(), model.Mode("demo")); !errors.Is(err, ErrInvalidMode) {
		t.Errorf("SwitchMode(demo) = %v, want ErrInvalidMode", err)
	}
}

func TestCoordinator_ResetsTimerAndNotifies(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)}
	reg := subscription.NewRegistry(&authedTransport{state: connection.StateAuthenticated}, nil)
	c := NewCoordinator(model.DefaultTradingMode(), reg, NewSessionTimer(clock.now), nil)

	var got []string
	c.AddObserver(ObserverFunc(func(prev, next model.Mode) {
		got = append(got, string(prev)+"->"+string(next))
	}))

	if c.Timer().Render() != "" {
		t.Error("timer should render nothing before first switch")
	}
	c.SwitchMode(context.Background(), model.ModeLive)
	clock.advance(65 * time.Second)

	if r := c.Timer().Render(); r != "00:01:05" {
		t.Errorf("Render() = %q, want 00:01:05", r)
	}
	if len(got) != 1 || got[0] != "paper->live" {
		t.Errorf("observer calls = %v", got)
	}
}

// failingSubscriber rejects every subscribe.
type failingSubscriber struct{}

func (failingSubscriber) Subscribe(ctx context.Context, ch subscription.Channel) error {
	return errors.New("write: broken pipe")
}

func (failingSubscriber) Unsubscribe(ctx context.Context, ch subscription.Channel) error {
	return nil
}

func TestCoordinator_PartialFailureKeepsMode(t *testing.T) {
	c := NewCoordinator(model.DefaultTradingMode(), failingSubscriber{}, nil, nil)

	err := c.SwitchMode(context.Background(), model.ModeLive)
	var rerr *ResubscribeError
	if !errors.As(err, &rerr) {
		t.Fatalf("SwitchMode error = %v, want *ResubscribeError", err)
	}
	if len(rerr.Errs) != 2 {
		t.Errorf("len(Errs) = %d, want 2", len(rerr.Errs))
	}
	if c.Active() != model.ModeLive {
		t.Errorf("Active() = %s, want live (no rollback)", c.Active())
	}
	if c.Timer().Render() == "" {
		t.Error("timer not reset despite committed switch")
	}
}

func TestCoordinator_LimitsAndProfile(t *testing.T) {
	c := NewCoordinator(model.DefaultTradingMode(), failingSubscriber{}, nil, nil)
	c.SetDailyLimits(model.DailyLimits{OrdersRemaining: 10, DailyOrderLimit: 50, LossRemaining: 250})
	c.SetRiskProfile(model.RiskProfile{Level: "conservative", MaxPositionSize: 5000})

	snap := c.Snapshot()
	if snap.DailyLimits.DailyOrderLimit != 50 || snap.RiskProfile.Level != "conservative" {
		t.Errorf("Snapshot() = %+v", snap)
	}
}

func TestCoordinator_SettersKeepActiveMode(t *testing.T) {
	c, _, tr := newTestCoordinator(t, connection.StateAuthenticated)
	var switches int
	c.AddObserver(ObserverFunc(func(prev, next model.Mode) { switches++ }))

	c.Block("compliance review")
	c.Unblock()
	c.SetDailyLimits(model.DailyLimits{OrdersRemaining: 1, DailyOrderLimit: 5})
	c.SetRiskProfile(model.RiskProfile{Level: "aggressive"})

	if got := c.Active(); got != model.ModePaper {
		t.Errorf("Active() = %s, want paper", got)
	}
	if switches != 0 {
		t.Errorf("observer saw %d switches, want 0", switches)
	}
	if got := tr.count(connection.FrameUnsubscribe, "orders:paper"); got != 0 {
		t.Errorf("setters sent %d unsubscribe frames, want 0", got)
	}
	if c.Timer().Render() != "" {
		t.Error("setters started the session timer")
	}
}
