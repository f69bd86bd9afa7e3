package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// Execer runs a statement. *pgxpool.Pool satisfies it.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Schema creates the history tables. Statements are idempotent.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS quote_ticks (
		time       TIMESTAMPTZ      NOT NULL,
		symbol     TEXT             NOT NULL,
		price      DOUBLE PRECISION NOT NULL,
		bid        DOUBLE PRECISION,
		ask        DOUBLE PRECISION,
		volume     BIGINT,
		change_24h DOUBLE PRECISION
	)`,
	`CREATE INDEX IF NOT EXISTS quote_ticks_symbol_time ON quote_ticks (symbol, time DESC)`,
	`CREATE TABLE IF NOT EXISTS fills (
		time         TIMESTAMPTZ      NOT NULL,
		order_id     TEXT             NOT NULL,
		symbol       TEXT             NOT NULL,
		status       TEXT             NOT NULL,
		quantity     DOUBLE PRECISION NOT NULL,
		filled_price DOUBLE PRECISION,
		mode         TEXT             NOT NULL,
		PRIMARY KEY (order_id, time, status)
	)`,
}

// Migrate applies Schema in order.
func Migrate(ctx context.Context, db Execer) error {
	for i, stmt := range Schema {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d: %w", i, err)
		}
	}
	return nil
}
