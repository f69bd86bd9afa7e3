package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/rickgao/tradesync/internal/model"
)

func modeQuery(path string, mode model.Mode) string {
	q := url.Values{}
	q.Set("paper_trading", strconv.FormatBool(mode.IsPaper()))
	return path + "?" + q.Encode()
}

// ListOrders fetches the order history of mode, oldest first.
func (c *Client) ListOrders(ctx context.Context, mode model.Mode) ([]model.OrderUpdate, error) {
	var resp OrdersResponse
	r := request{method: http.MethodGet, path: modeQuery("/orders", mode)}
	if err := c.call(ctx, r, &resp); err != nil {
		return nil, fmt.Errorf("list %s orders: %w", mode, err)
	}
	for i := range resp.Orders {
		resp.Orders[i].PaperTrading = mode.IsPaper()
	}
	return resp.Orders, nil
}

// ListPositions fetches the open positions of mode.
func (c *Client) ListPositions(ctx context.Context, mode model.Mode) ([]model.PositionUpdate, error) {
	var resp PositionsResponse
	r := request{method: http.MethodGet, path: modeQuery("/positions", mode)}
	if err := c.call(ctx, r, &resp); err != nil {
		return nil, fmt.Errorf("list %s positions: %w", mode, err)
	}
	for i := range resp.Positions {
		resp.Positions[i].PaperTrading = mode.IsPaper()
	}
	return resp.Positions, nil
}

// GetPortfolio fetches the portfolio snapshot of mode.
func (c *Client) GetPortfolio(ctx context.Context, mode model.Mode) (*model.PortfolioUpdate, error) {
	var resp PortfolioResponse
	r := request{method: http.MethodGet, path: modeQuery("/portfolio", mode)}
	if err := c.call(ctx, r, &resp); err != nil {
		return nil, fmt.Errorf("get %s portfolio: %w", mode, err)
	}
	resp.Portfolio.PaperTrading = mode.IsPaper()
	return &resp.Portfolio, nil
}
