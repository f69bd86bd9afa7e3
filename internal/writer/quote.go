package writer

import (
	"log/slog"

	"github.com/jackc/pgx/v5"

	"github.com/rickgao/tradesync/internal/model"
	"github.com/rickgao/tradesync/internal/router"
)

const insertQuote = `
	INSERT INTO quote_ticks (time, symbol, price, bid, ask, volume, change_24h)
	VALUES ($1, $2, $3, $4, $5, $6, $7)`

// NewQuoteWriter persists quotes from the router's quote buffer.
func NewQuoteWriter(
	cfg WriterConfig,
	input *router.GrowableBuffer[model.Quote],
	db BatchSender,
	logger *slog.Logger,
	opts ...Option,
) *Writer[model.Quote] {
	return newWriter("quotes", cfg, input, db, queueQuote, logger, opts...)
}

func queueQuote(b *pgx.Batch, q model.Quote) {
	b.Queue(insertQuote, q.Timestamp, q.Symbol, q.Price, q.Bid, q.Ask, q.Volume, q.Change24h)
}
