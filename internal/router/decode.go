package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rickgao/tradesync/internal/model"
)

// Decode errors
var (
	ErrUnknownKind = errors.New("unknown message type")
	ErrMalformed   = errors.New("malformed message")
)

// control frame types passed through as ControlEvent
var controlTypes = map[string]bool{
	"subscribed":   true,
	"unsubscribed": true,
	"auth_success": true,
	"auth_failed":  true,
	"pong":         true,
}

// Decode validates a raw frame and returns its typed Event. A zero
// timestamp on a data payload is replaced by receivedAt.
func Decode(data []byte, receivedAt time.Time) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch Kind(env.Type) {
	case KindStatus:
		if env.Status == "" {
			return nil, fmt.Errorf("%w: status frame without status", ErrMalformed)
		}
		return StatusEvent{Status: env.Status, Message: env.Message, ReceivedAt: receivedAt}, nil

	case KindError:
		return ErrorEvent{Code: env.Code, Message: env.Message, Channel: env.Channel, ReceivedAt: receivedAt}, nil

	case KindMarketData:
		var q model.Quote
		if err := decodeData(env, &q); err != nil {
			return nil, err
		}
		q.Symbol = strings.ToUpper(strings.TrimSpace(q.Symbol))
		if q.Symbol == "" {
			return nil, fmt.Errorf("%w: market_data without symbol", ErrMalformed)
		}
		if q.Timestamp.IsZero() {
			q.Timestamp = receivedAt
		}
		return MarketDataEvent{Quote: q, ReceivedAt: receivedAt}, nil

	case KindOrderUpdate:
		var u model.OrderUpdate
		if err := decodeData(env, &u); err != nil {
			return nil, err
		}
		if u.ID == "" {
			return nil, fmt.Errorf("%w: order_update without id", ErrMalformed)
		}
		u.Symbol = strings.ToUpper(strings.TrimSpace(u.Symbol))
		if u.Timestamp.IsZero() {
			u.Timestamp = receivedAt
		}
		return OrderEvent{Update: u, ReceivedAt: receivedAt}, nil

	case KindPositionUpdate:
		var u model.PositionUpdate
		if err := decodeData(env, &u); err != nil {
			return nil, err
		}
		u.Symbol = strings.ToUpper(strings.TrimSpace(u.Symbol))
		if u.Symbol == "" {
			return nil, fmt.Errorf("%w: position_update without symbol", ErrMalformed)
		}
		if u.Timestamp.IsZero() {
			u.Timestamp = receivedAt
		}
		return PositionEvent{Update: u, ReceivedAt: receivedAt}, nil

	case KindPortfolioUpdate:
		var u model.PortfolioUpdate
		if err := decodeData(env, &u); err != nil {
			return nil, err
		}
		if u.Timestamp.IsZero() {
			u.Timestamp = receivedAt
		}
		return PortfolioEvent{Update: u, ReceivedAt: receivedAt}, nil
	}

	if controlTypes[env.Type] {
		return ControlEvent{Type: env.Type, Channel: env.Channel, ReceivedAt: receivedAt}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Type)
}

// decodeData requires the paper_trading flag on mode-scoped payloads.
func decodeData(env envelope, v any) error {
	if len(env.Data) == 0 {
		return fmt.Errorf("%w: %s without data", ErrMalformed, env.Type)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
	}

	switch Kind(env.Type) {
	case KindOrderUpdate, KindPositionUpdate, KindPortfolioUpdate:
		var flag struct {
			PaperTrading *bool `json:"paper_trading"`
		}
		json.Unmarshal(env.Data, &flag)
		if flag.PaperTrading == nil {
			return fmt.Errorf("%w: %s without paper_trading", ErrMalformed, env.Type)
		}
	}
	return nil
}
