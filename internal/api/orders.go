package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// PlaceOrder submits req. Every retry carries the same idempotency key.
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	if err := req.validate(); err != nil {
		return nil, fmt.Errorf("place order: %w", err)
	}
	req.Symbol = strings.ToUpper(req.Symbol)

	r, err := jsonRequest(http.MethodPost, "/orders", req)
	if err != nil {
		return nil, fmt.Errorf("place order: %w", err)
	}
	key := uuid.NewString()
	r.headers = map[string]string{"Idempotency-Key": key}

	var resp OrderResponse
	if err := c.call(ctx, r, &resp); err != nil {
		return nil, fmt.Errorf("place order %s %s: %w", req.Side, req.Symbol, err)
	}

	c.logger.Info("order placed",
		"id", resp.Order.ID,
		"symbol", req.Symbol,
		"side", req.Side,
		"quantity", req.Quantity,
		"paper", req.PaperTrading,
		"idempotency_key", key,
	)
	return &resp.Order, nil
}

// CancelOrder cancels an open order.
func (c *Client) CancelOrder(ctx context.Context, id string) (*Order, error) {
	if id == "" {
		return nil, fmt.Errorf("cancel order: empty id")
	}

	var resp OrderResponse
	r := request{method: http.MethodDelete, path: "/orders/" + url.PathEscape(id)}
	if err := c.call(ctx, r, &resp); err != nil {
		return nil, fmt.Errorf("cancel order %s: %w", id, err)
	}
	return &resp.Order, nil
}

func (r OrderRequest) validate() error {
	if strings.TrimSpace(r.Symbol) == "" {
		return fmt.Errorf("symbol is required")
	}
	switch r.Side {
	case "buy", "sell":
	default:
		return fmt.Errorf("side must be buy or sell, got %q", r.Side)
	}
	switch r.OrderType {
	case "market":
	case "limit":
		if r.LimitPrice == nil || !r.LimitPrice.IsPositive() {
			return fmt.Errorf("limit order needs a positive limit price")
		}
	default:
		return fmt.Errorf("order type must be market or limit, got %q", r.OrderType)
	}
	if !r.Quantity.IsPositive() {
		return fmt.Errorf("quantity must be > 0")
	}
	return nil
}
