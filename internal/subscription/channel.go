package subscription

import (
	"errors"
	"sort"
	"strings"

	"github.com/rickgao/tradesync/internal/model"
)

// ErrInvalidChannel is returned for channel strings that are not kind:scope.
var ErrInvalidChannel = errors.New("invalid channel")

// Channel is a subscription topic of the form kind:scope.
type Channel string

// Channel kinds.
const (
	KindMarketData = "market_data"
	KindOrders     = "orders"
	KindPortfolio  = "portfolio"
)

// MarketData builds a market data channel for symbols. Symbols are
// trimmed, uppercased, deduplicated and sorted so the same logical set
// always yields the same channel. Returns "" if no symbol is usable.
func MarketData(symbols ...string) Channel {
	set := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		for _, part := range strings.Split(s, ",") {
			part = strings.ToUpper(strings.TrimSpace(part))
			if part != "" {
				set[part] = struct{}{}
			}
		}
	}
	if len(set) == 0 {
		return ""
	}

	list := make([]string, 0, len(set))
	for s := range set {
		list = append(list, s)
	}
	sort.Strings(list)
	return Channel(KindMarketData + ":" + strings.Join(list, ","))
}

// Orders returns the order update channel for mode.
func Orders(mode model.Mode) Channel {
	return Channel(KindOrders + ":" + string(mode))
}

// Portfolio returns the portfolio update channel for mode.
func Portfolio(mode model.Mode) Channel {
	return Channel(KindPortfolio + ":" + string(mode))
}

// ModeScoped returns the channels tied to a trading mode.
func ModeScoped(mode model.Mode) []Channel {
	return []Channel{Orders(mode), Portfolio(mode)}
}

// Normalize returns the canonical form of c.
func Normalize(c Channel) (Channel, error) {
	kind, scope, ok := strings.Cut(string(c), ":")
	kind = strings.ToLower(strings.TrimSpace(kind))
	scope = strings.TrimSpace(scope)
	if !ok || kind == "" || scope == "" {
		return "", ErrInvalidChannel
	}

	switch kind {
	case KindMarketData:
		if ch := MarketData(scope); ch != "" {
			return ch, nil
		}
		return "", ErrInvalidChannel
	case KindOrders, KindPortfolio:
		mode, err := model.ParseMode(scope)
		if err != nil {
			return "", ErrInvalidChannel
		}
		return Channel(kind + ":" + string(mode)), nil
	default:
		return Channel(kind + ":" + scope), nil
	}
}

// Kind returns the part before the colon.
func (c Channel) Kind() string {
	kind, _, _ := strings.Cut(string(c), ":")
	return kind
}

// Scope returns the part after the colon.
func (c Channel) Scope() string {
	_, scope, _ := strings.Cut(string(c), ":")
	return scope
}

// ModeScoped reports whether c is tied to a trading mode.
func (c Channel) ModeScoped() bool {
	k := c.Kind()
	return k == KindOrders || k == KindPortfolio
}

// Symbols returns the symbols of a market data channel, or nil.
func (c Channel) Symbols() []string {
	if c.Kind() != KindMarketData || c.Scope() == "" {
		return nil
	}
	return strings.Split(c.Scope(), ",")
}

func (c Channel) String() string { return string(c) }
