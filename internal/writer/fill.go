package writer

import (
	"log/slog"

	"github.com/jackc/pgx/v5"

	"github.com/rickgao/tradesync/internal/model"
	"github.com/rickgao/tradesync/internal/router"
)

const insertFill = `
	INSERT INTO fills (time, order_id, symbol, status, quantity, filled_price, mode)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (order_id, time, status) DO NOTHING`

// NewFillWriter persists fills from the router's fill buffer.
func NewFillWriter(
	cfg WriterConfig,
	input *router.GrowableBuffer[model.OrderUpdate],
	db BatchSender,
	logger *slog.Logger,
	opts ...Option,
) *Writer[model.OrderUpdate] {
	return newWriter("fills", cfg, input, db, queueFill, logger, opts...)
}

func queueFill(b *pgx.Batch, u model.OrderUpdate) {
	b.Queue(insertFill, u.Timestamp, u.ID, u.Symbol, u.Status, u.Quantity, u.FilledPrice, string(u.Mode()))
}
