// Package model defines the shared data types of the synchronization core.
//
// Conventions:
//   - Prices and amounts arrive from the stream as JSON numbers (float64).
//     Money math that is displayed to a user goes through shopspring/decimal
//     in the safeguard package.
//   - Symbols are uppercase.
//   - Timestamps are time.Time, RFC 3339 on the wire.
package model
