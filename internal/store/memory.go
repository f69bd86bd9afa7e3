package store

import (
	"sort"
	"sync"

	"github.com/rickgao/tradesync/internal/model"
)

// DefaultOrderHistory is the number of order updates kept per mode.
const DefaultOrderHistory = 500

type modeState struct {
	orders    []model.OrderUpdate
	positions map[string]model.PositionUpdate
	portfolio *model.PortfolioUpdate
}

// Memory is a mutex-guarded in-memory Store.
type Memory struct {
	orderHistory int

	mu            sync.RWMutex
	quotes        map[string]model.Quote
	modes         map[model.Mode]*modeState
	status        ConnectionStatus
	subscriptions map[string]bool
	versions      map[Tag]uint64 // bumped on every Invalidate
	refreshed     map[Tag]uint64 // version seen by the last MarkRefreshed
}

// NewMemory creates an empty store. orderHistory <= 0 uses the default.
func NewMemory(orderHistory int) *Memory {
	if orderHistory <= 0 {
		orderHistory = DefaultOrderHistory
	}
	return &Memory{
		orderHistory:  orderHistory,
		quotes:        make(map[string]model.Quote),
		modes:         make(map[model.Mode]*modeState),
		subscriptions: make(map[string]bool),
		versions:      make(map[Tag]uint64),
		refreshed:     make(map[Tag]uint64),
	}
}

func (m *Memory) mode(mode model.Mode) *modeState {
	s, ok := m.modes[mode]
	if !ok {
		s = &modeState{positions: make(map[string]model.PositionUpdate)}
		m.modes[mode] = s
	}
	return s
}

// MergeQuote overwrites the cached quote for the symbol. Last arrival wins.
func (m *Memory) MergeQuote(q model.Quote) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quotes[q.Symbol] = q
}

// AppendOrder appends to the order history of the update's mode.
func (m *Memory) AppendOrder(u model.OrderUpdate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.mode(u.Mode())
	s.orders = append(s.orders, u)
	if over := len(s.orders) - m.orderHistory; over > 0 {
		s.orders = append([]model.OrderUpdate(nil), s.orders[over:]...)
	}
}

// UpsertPosition replaces the position for the symbol. Zero quantity
// removes it.
func (m *Memory) UpsertPosition(u model.PositionUpdate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.mode(u.Mode())
	if u.Quantity == 0 {
		delete(s.positions, u.Symbol)
		return
	}
	s.positions[u.Symbol] = u
}

// ReplacePortfolio replaces the portfolio snapshot of the update's mode.
func (m *Memory) ReplacePortfolio(u model.PortfolioUpdate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mode(u.Mode()).portfolio = &u
}

// ReplaceOrders replaces the order history of mode with a refetched one.
func (m *Memory) ReplaceOrders(mode model.Mode, orders []model.OrderUpdate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if over := len(orders) - m.orderHistory; over > 0 {
		orders = orders[over:]
	}
	m.mode(mode).orders = append([]model.OrderUpdate(nil), orders...)
}

// ReplacePositions replaces every position of mode with a refetched set.
func (m *Memory) ReplacePositions(mode model.Mode, positions []model.PositionUpdate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := make(map[string]model.PositionUpdate, len(positions))
	for _, p := range positions {
		if p.Quantity != 0 {
			set[p.Symbol] = p
		}
	}
	m.mode(mode).positions = set
}

func (m *Memory) SetConnectionStatus(s ConnectionStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = s
}

func (m *Memory) RecordSubscription(channel string, active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if active {
		m.subscriptions[channel] = true
		return
	}
	delete(m.subscriptions, channel)
}

// Invalidate marks tags as needing a refetch.
func (m *Memory) Invalidate(tags ...Tag) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range tags {
		m.versions[t]++
	}
}

// Quote returns the cached quote for symbol.
func (m *Memory) Quote(symbol string) (model.Quote, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.quotes[symbol]
	return q, ok
}

// Quotes returns every cached quote sorted by symbol.
func (m *Memory) Quotes() []model.Quote {
	m.mu.RLock()
	out := make([]model.Quote, 0, len(m.quotes))
	for _, q := range m.quotes {
		out = append(out, q)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Orders returns the order history of mode, oldest first.
func (m *Memory) Orders(mode model.Mode) []model.OrderUpdate {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.modes[mode]
	if !ok {
		return nil
	}
	return append([]model.OrderUpdate(nil), s.orders...)
}

// Positions returns the open positions of mode sorted by symbol.
func (m *Memory) Positions(mode model.Mode) []model.PositionUpdate {
	m.mu.RLock()
	s, ok := m.modes[mode]
	if !ok {
		m.mu.RUnlock()
		return nil
	}
	out := make([]model.PositionUpdate, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Portfolio returns the latest portfolio snapshot of mode.
func (m *Memory) Portfolio(mode model.Mode) (model.PortfolioUpdate, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.modes[mode]
	if !ok || s.portfolio == nil {
		return model.PortfolioUpdate{}, false
	}
	return *s.portfolio, true
}

// ConnectionStatus returns the last recorded connection status.
func (m *Memory) ConnectionStatus() ConnectionStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Subscriptions returns the recorded active channels, sorted.
func (m *Memory) Subscriptions() []string {
	m.mu.RLock()
	out := make([]string, 0, len(m.subscriptions))
	for ch := range m.subscriptions {
		out = append(out, ch)
	}
	m.mu.RUnlock()

	sort.Strings(out)
	return out
}

// NeedsRefresh reports whether tag was invalidated since its last refresh.
func (m *Memory) NeedsRefresh(tag Tag) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.versions[tag] > m.refreshed[tag]
}

// MarkRefreshed records that the view behind tag was refetched.
func (m *Memory) MarkRefreshed(tag Tag) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshed[tag] = m.versions[tag]
}

// Version returns the invalidation count of tag. Pass it to
// MarkRefreshedAt after a refetch so invalidations that arrive during the
// fetch keep the tag stale.
func (m *Memory) Version(tag Tag) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.versions[tag]
}

// MarkRefreshedAt records a refetch that started at version v.
func (m *Memory) MarkRefreshedAt(tag Tag, v uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v > m.refreshed[tag] {
		m.refreshed[tag] = v
	}
}

// Stale returns every tag awaiting a refresh, sorted.
func (m *Memory) Stale() []Tag {
	m.mu.RLock()
	var out []Tag
	for t, v := range m.versions {
		if v > m.refreshed[t] {
			out = append(out, t)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

var _ Store = (*Memory)(nil)
