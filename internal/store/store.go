package store

import (
	"time"

	"github.com/rickgao/tradesync/internal/model"
)

// Tag names a cached view that must be refetched, e.g. "OrderHistory:paper".
type Tag string

// OrderHistoryTag returns the order history tag for mode.
func OrderHistoryTag(mode model.Mode) Tag { return Tag("OrderHistory:" + string(mode)) }

// PositionsTag returns the positions tag for mode.
func PositionsTag(mode model.Mode) Tag { return Tag("Positions:" + string(mode)) }

// PortfolioTag returns the portfolio tag for mode.
func PortfolioTag(mode model.Mode) Tag { return Tag("Portfolio:" + string(mode)) }

// ModeTags returns every mode-scoped tag for mode.
func ModeTags(mode model.Mode) []Tag {
	return []Tag{OrderHistoryTag(mode), PositionsTag(mode), PortfolioTag(mode)}
}

// ConnectionStatus is the connection indicator shown to the user.
type ConnectionStatus struct {
	State   string    `json:"state"`
	Message string    `json:"message"`
	Since   time.Time `json:"since"`
}

// Store receives state updates from the sync core.
type Store interface {
	MergeQuote(q model.Quote)
	AppendOrder(u model.OrderUpdate)
	UpsertPosition(u model.PositionUpdate)
	ReplacePortfolio(u model.PortfolioUpdate)
	SetConnectionStatus(s ConnectionStatus)
	RecordSubscription(channel string, active bool)
	Invalidate(tags ...Tag)
}
