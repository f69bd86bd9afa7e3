// Package writer implements batch writers for quote and fill history.
//
// Writers:
//   - Quote writer (quote_ticks)
//   - Fill writer (fills)
//
// Each writer drains one router history buffer, accumulates rows and
// inserts them with a single pgx.Batch per flush. Writes are append-only;
// fills use ON CONFLICT DO NOTHING so a replayed update is not stored twice.
package writer
