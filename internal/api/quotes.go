package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/rickgao/tradesync/internal/model"
)

// GetQuote fetches the latest quote for symbol.
func (c *Client) GetQuote(ctx context.Context, symbol string) (*model.Quote, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, fmt.Errorf("get quote: empty symbol")
	}

	var resp QuoteResponse
	r := request{method: http.MethodGet, path: "/quotes/" + url.PathEscape(symbol)}
	if err := c.call(ctx, r, &resp); err != nil {
		return nil, fmt.Errorf("get quote %s: %w", symbol, err)
	}
	if resp.Quote.Symbol == "" {
		resp.Quote.Symbol = symbol
	}
	return &resp.Quote, nil
}
