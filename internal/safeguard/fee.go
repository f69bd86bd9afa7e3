package safeguard

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/rickgao/tradesync/internal/model"
)

// FeeSchedule holds the display-only fee model.
type FeeSchedule struct {
	LiveRate      decimal.Decimal // fraction of notional, live mode
	PaperPerShare decimal.Decimal // flat per share, paper mode
}

// DefaultFeeSchedule returns 0.35% live and $0.005/share paper.
func DefaultFeeSchedule() FeeSchedule {
	return FeeSchedule{
		LiveRate:      decimal.RequireFromString("0.0035"),
		PaperPerShare: decimal.RequireFromString("0.005"),
	}
}

// ParseFeeSchedule builds a schedule from decimal strings.
func ParseFeeSchedule(liveRate, paperPerShare string) (FeeSchedule, error) {
	live, err := decimal.NewFromString(liveRate)
	if err != nil {
		return FeeSchedule{}, fmt.Errorf("live fee rate: %w", err)
	}
	paper, err := decimal.NewFromString(paperPerShare)
	if err != nil {
		return FeeSchedule{}, fmt.Errorf("paper fee per share: %w", err)
	}
	if live.IsNegative() || paper.IsNegative() {
		return FeeSchedule{}, fmt.Errorf("fees must be >= 0")
	}
	return FeeSchedule{LiveRate: live, PaperPerShare: paper}, nil
}

// OrderTicket is the order an action would place.
type OrderTicket struct {
	Symbol    string          `json:"symbol"`
	Side      string          `json:"side"`       // "buy" or "sell"
	OrderType string          `json:"order_type"` // "market", "limit", ...
	Quantity  decimal.Decimal `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
}

// Estimate is the displayed order total.
type Estimate struct {
	Notional decimal.Decimal `json:"notional"`
	Fee      decimal.Decimal `json:"fee"`
	Total    decimal.Decimal `json:"total"`
}

// Estimate computes quantity x price plus the fee for mode.
func (f FeeSchedule) Estimate(t OrderTicket, mode model.Mode) Estimate {
	notional := t.Quantity.Mul(t.Price)
	var fee decimal.Decimal
	if mode.IsPaper() {
		fee = t.Quantity.Abs().Mul(f.PaperPerShare)
	} else {
		fee = notional.Abs().Mul(f.LiveRate)
	}
	return Estimate{Notional: notional, Fee: fee, Total: notional.Add(fee)}
}

// String renders the estimate for display.
func (e Estimate) String() string {
	return fmt.Sprintf("%s + est. fee %s = %s", FormatUSD(e.Notional), FormatUSD(e.Fee), FormatUSD(e.Total))
}

// FormatUSD renders d as dollars with thousands separators, e.g. "$1,003.50".
func FormatUSD(d decimal.Decimal) string {
	sign := ""
	if d.IsNegative() {
		sign = "-"
		d = d.Abs()
	}
	whole, frac, _ := strings.Cut(d.StringFixed(2), ".")

	var b strings.Builder
	for i, r := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	return sign + "$" + b.String() + "." + frac
}
