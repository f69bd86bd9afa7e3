// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - Connection state and reconnect attempts
//   - Messages routed per kind, parse errors and inactive-mode stashing
//   - Active subscriptions and subscribe/unsubscribe frames sent
//   - Mode switches and the active mode
//   - Safeguard gate outcomes
//   - Writer batch sizes and failures
//
// A nil *Metrics is valid and records nothing.
package metrics
