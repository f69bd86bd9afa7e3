package router

import (
	"encoding/json"
	"time"

	"github.com/rickgao/tradesync/internal/model"
)

// RouterConfig holds configuration for the Event Router.
type RouterConfig struct {
	QuoteBufferSize int  // Default: 1000
	FillBufferSize  int  // Default: 1000
	StashOrderLimit int  // Inactive-mode orders retained per mode. Default: 200
	PersistHistory  bool // Publish quotes and fills to the history buffers
}

// DefaultRouterConfig returns default configuration.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		QuoteBufferSize: 1000,
		FillBufferSize:  1000,
		StashOrderLimit: 200,
	}
}

// Kind identifies an inbound message kind.
type Kind string

const (
	KindStatus          Kind = "status"
	KindError           Kind = "error"
	KindMarketData      Kind = "market_data"
	KindOrderUpdate     Kind = "order_update"
	KindPositionUpdate  Kind = "position_update"
	KindPortfolioUpdate Kind = "portfolio_update"
	KindControl         Kind = "control"
)

// Event is a decoded inbound message. The set of implementations is closed.
type Event interface {
	Kind() Kind
	event()
}

// StatusEvent is a server-side status change.
type StatusEvent struct {
	Status     string
	Message    string
	ReceivedAt time.Time
}

// ErrorEvent is a server-reported error, optionally tied to a channel.
type ErrorEvent struct {
	Code       string
	Message    string
	Channel    string
	ReceivedAt time.Time
}

// MarketDataEvent carries one quote.
type MarketDataEvent struct {
	Quote      model.Quote
	ReceivedAt time.Time
}

// OrderEvent carries one order status change or fill.
type OrderEvent struct {
	Update     model.OrderUpdate
	ReceivedAt time.Time
}

// PositionEvent carries one position update.
type PositionEvent struct {
	Update     model.PositionUpdate
	ReceivedAt time.Time
}

// PortfolioEvent carries one portfolio snapshot.
type PortfolioEvent struct {
	Update     model.PortfolioUpdate
	ReceivedAt time.Time
}

// ControlEvent is a subscription acknowledgement or other control frame.
type ControlEvent struct {
	Type       string
	Channel    string
	ReceivedAt time.Time
}

func (StatusEvent) Kind() Kind     { return KindStatus }
func (ErrorEvent) Kind() Kind      { return KindError }
func (MarketDataEvent) Kind() Kind { return KindMarketData }
func (OrderEvent) Kind() Kind      { return KindOrderUpdate }
func (PositionEvent) Kind() Kind   { return KindPositionUpdate }
func (PortfolioEvent) Kind() Kind  { return KindPortfolioUpdate }
func (ControlEvent) Kind() Kind    { return KindControl }

func (StatusEvent) event()     {}
func (ErrorEvent) event()      {}
func (MarketDataEvent) event() {}
func (OrderEvent) event()      {}
func (PositionEvent) event()   {}
func (PortfolioEvent) event()  {}
func (ControlEvent) event()    {}

// Wire types for JSON parsing

// envelope is the outer frame: {"type": ..., "data": {...}}.
type envelope struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel,omitempty"`
	Status  string          `json:"status,omitempty"`
	Code    string          `json:"code,omitempty"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}
