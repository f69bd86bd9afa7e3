package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/rickgao/tradesync/internal/model"
)

// QuoteResponse from GET /quotes/{symbol}
type QuoteResponse struct {
	Quote model.Quote `json:"quote"`
}

// OrderRequest is the body of POST /orders.
type OrderRequest struct {
	Symbol       string           `json:"symbol"`
	Side         string           `json:"side"`       // "buy" or "sell"
	OrderType    string           `json:"order_type"` // "market" or "limit"
	Quantity     decimal.Decimal  `json:"quantity"`
	LimitPrice   *decimal.Decimal `json:"limit_price,omitempty"`
	PaperTrading bool             `json:"paper_trading"`
}

// Order is an order as acknowledged by the backend.
type Order struct {
	ID           string          `json:"id"`
	Symbol       string          `json:"symbol"`
	Side         string          `json:"side"`
	OrderType    string          `json:"order_type"`
	Status       string          `json:"status"`
	Quantity     decimal.Decimal `json:"quantity"`
	FilledPrice  decimal.Decimal `json:"filled_price"`
	PaperTrading bool            `json:"paper_trading"`
	CreatedAt    time.Time       `json:"created_at"`
}

// OrderResponse from POST /orders and DELETE /orders/{id}
type OrderResponse struct {
	Order Order `json:"order"`
}

// OrdersResponse from GET /orders
type OrdersResponse struct {
	Orders []model.OrderUpdate `json:"orders"`
}

// PositionsResponse from GET /positions
type PositionsResponse struct {
	Positions []model.PositionUpdate `json:"positions"`
}

// PortfolioResponse from GET /portfolio
type PortfolioResponse struct {
	Portfolio model.PortfolioUpdate `json:"portfolio"`
}
