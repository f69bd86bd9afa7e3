package safeguard

import (
	"fmt"
	"math"

	"github.com/rickgao/tradesync/internal/model"
)

// LimitKind is a daily limit type.
type LimitKind string

const (
	LimitOrderCount   LimitKind = "order_count"
	LimitLossAmount   LimitKind = "loss_amount"
	LimitPositionSize LimitKind = "position_size"
)

// Severity grades limit usage.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityInfo
	SeverityElevated
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityElevated:
		return "elevated"
	case SeverityCritical:
		return "critical"
	}
	return "none"
}

// MarshalText renders the severity by name.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a severity name.
func (s *Severity) UnmarshalText(b []byte) error {
	switch string(b) {
	case "none":
		*s = SeverityNone
	case "info":
		*s = SeverityInfo
	case "elevated":
		*s = SeverityElevated
	case "critical":
		*s = SeverityCritical
	default:
		return fmt.Errorf("unknown severity %q", b)
	}
	return nil
}

// Warning is the graded usage of one limit.
type Warning struct {
	Kind     LimitKind `json:"kind"`
	Current  float64   `json:"current"`
	Limit    float64   `json:"limit"`
	Usage    float64   `json:"usage"`
	Severity Severity  `json:"severity"`
}

// Rendered reports whether the warning is shown at all.
func (w Warning) Rendered() bool { return w.Severity != SeverityNone }

// Critical reports whether the warning is at the critical level.
func (w Warning) Critical() bool { return w.Severity == SeverityCritical }

// Message is the user-facing warning text.
func (w Warning) Message() string {
	pct := math.Round(w.Usage * 100)
	switch w.Kind {
	case LimitOrderCount:
		return fmt.Sprintf("%.0f%% of daily order limit used (%.0f of %.0f)", pct, w.Current, w.Limit)
	case LimitLossAmount:
		return fmt.Sprintf("%.0f%% of daily loss limit reached", pct)
	case LimitPositionSize:
		return fmt.Sprintf("position is %.0f%% of maximum size", pct)
	}
	return fmt.Sprintf("%.0f%% of limit used", pct)
}

// Assess grades current against limit: below 50% none, [50,75) info,
// [75,90) elevated, 90% and above critical. A limit <= 0 is unset.
func Assess(kind LimitKind, current, limit float64) Warning {
	w := Warning{Kind: kind, Current: current, Limit: limit}
	if limit <= 0 {
		return w
	}
	w.Usage = current / limit

	switch {
	case w.Usage < 0.50:
		w.Severity = SeverityNone
	case w.Usage < 0.75:
		w.Severity = SeverityInfo
	case w.Usage < 0.90:
		w.Severity = SeverityElevated
	default:
		w.Severity = SeverityCritical
	}
	return w
}

// Usage is the current consumption of each daily limit.
type Usage struct {
	OrdersUsed    float64
	OrderLimit    float64
	LossUsed      float64
	LossLimit     float64
	PositionSize  float64
	PositionLimit float64
}

// Warnings returns the rendered warnings for u, most severe first.
func (u Usage) Warnings() []Warning {
	all := []Warning{
		Assess(LimitOrderCount, u.OrdersUsed, u.OrderLimit),
		Assess(LimitLossAmount, u.LossUsed, u.LossLimit),
		Assess(LimitPositionSize, u.PositionSize, u.PositionLimit),
	}

	var out []Warning
	for sev := SeverityCritical; sev > SeverityNone; sev-- {
		for _, w := range all {
			if w.Severity == sev {
				out = append(out, w)
			}
		}
	}
	return out
}

// UsageFor derives usage from the session's TradingMode. dailyLossLimit is
// the configured loss cap; positionSize is the size the order would reach.
func UsageFor(tm model.TradingMode, dailyLossLimit, positionSize float64) Usage {
	return Usage{
		OrdersUsed:    float64(tm.DailyLimits.DailyOrderLimit - tm.DailyLimits.OrdersRemaining),
		OrderLimit:    float64(tm.DailyLimits.DailyOrderLimit),
		LossUsed:      dailyLossLimit - tm.DailyLimits.LossRemaining,
		LossLimit:     dailyLossLimit,
		PositionSize:  positionSize,
		PositionLimit: tm.RiskProfile.MaxPositionSize,
	}
}
