package model

import (
	"fmt"
	"strings"
	"time"
)

// -----------------------------------------------------------------------------
// Trading mode
// -----------------------------------------------------------------------------

// Mode is the account execution mode.
type Mode string

const (
	ModePaper Mode = "paper" // simulated execution
	ModeLive  Mode = "live"  // real-money execution
)

// ParseMode parses "paper" or "live" (case-insensitive).
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModePaper:
		return ModePaper, nil
	case ModeLive:
		return ModeLive, nil
	}
	return "", fmt.Errorf("unknown trading mode %q", s)
}

// ModeFor maps a wire paper_trading flag to a Mode.
func ModeFor(paperTrading bool) Mode {
	if paperTrading {
		return ModePaper
	}
	return ModeLive
}

// Valid reports whether m is paper or live.
func (m Mode) Valid() bool {
	return m == ModePaper || m == ModeLive
}

// IsPaper reports whether m is the simulated mode.
func (m Mode) IsPaper() bool {
	return m == ModePaper
}

// Other returns the opposite mode.
func (m Mode) Other() Mode {
	if m == ModeLive {
		return ModePaper
	}
	return ModeLive
}

// DailyLimits are the per-day trading allowances reported by the backend.
type DailyLimits struct {
	OrdersRemaining int     `json:"orders_remaining"`
	DailyOrderLimit int     `json:"daily_order_limit"`
	LossRemaining   float64 `json:"loss_remaining"`
}

// RiskProfile describes the account's risk settings.
type RiskProfile struct {
	Level           string  `json:"level"` // "conservative", "moderate", "aggressive"
	MaxPositionSize float64 `json:"max_position_size"`
}

// TradingMode is the session-wide mode state. One per session; mutated only
// by the mode coordinator.
type TradingMode struct {
	Active      Mode        `json:"active"`
	IsBlocked   bool        `json:"is_blocked"`
	BlockReason string      `json:"block_reason,omitempty"`
	DailyLimits DailyLimits `json:"daily_limits"`
	RiskProfile RiskProfile `json:"risk_profile"`
}

// DefaultTradingMode returns the session default: paper, unblocked.
func DefaultTradingMode() TradingMode {
	return TradingMode{
		Active: ModePaper,
		RiskProfile: RiskProfile{
			Level: "moderate",
		},
	}
}

// -----------------------------------------------------------------------------
// Streamed data
// -----------------------------------------------------------------------------

// Quote is the latest market data for one symbol.
type Quote struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
	Volume    int64     `json:"volume"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	High24h   float64   `json:"high_24h"`
	Low24h    float64   `json:"low_24h"`
	Change24h float64   `json:"change_24h"`
}

// OrderUpdate is a status change or fill for one order.
type OrderUpdate struct {
	ID           string    `json:"id"`
	Symbol       string    `json:"symbol"`
	Status       string    `json:"status"` // "pending", "partially_filled", "filled", "cancelled", "rejected"
	PaperTrading bool      `json:"paper_trading"`
	Quantity     float64   `json:"quantity"`
	FilledPrice  float64   `json:"filled_price"`
	Timestamp    time.Time `json:"timestamp"`
}

// Mode returns the account mode the update belongs to.
func (u OrderUpdate) Mode() Mode { return ModeFor(u.PaperTrading) }

// PositionUpdate is the current state of one holding.
type PositionUpdate struct {
	Symbol               string    `json:"symbol"`
	Quantity             float64   `json:"quantity"`
	CurrentPrice         float64   `json:"current_price"`
	UnrealizedPnL        float64   `json:"unrealized_pnl"`
	UnrealizedPnLPercent float64   `json:"unrealized_pnl_percent"`
	PaperTrading         bool      `json:"paper_trading"`
	Timestamp            time.Time `json:"timestamp"`
}

// Mode returns the account mode the update belongs to.
func (u PositionUpdate) Mode() Mode { return ModeFor(u.PaperTrading) }

// PortfolioUpdate is a full portfolio snapshot.
type PortfolioUpdate struct {
	TotalValue    float64   `json:"total_value"`
	CashBalance   float64   `json:"cash_balance"`
	DayPnL        float64   `json:"day_pnl"`
	DayPnLPercent float64   `json:"day_pnl_percent"`
	PaperTrading  bool      `json:"paper_trading"`
	Timestamp     time.Time `json:"timestamp"`
}

// Mode returns the account mode the update belongs to.
func (u PortfolioUpdate) Mode() Mode { return ModeFor(u.PaperTrading) }
