// Package reconcile implements the State Reconciler component.
//
// The State Reconciler:
//   - Refetches stale order history, positions and portfolio over REST
//   - Runs a full refresh of the active mode at startup, after a mode switch
//     and whenever the stream re-authenticates
//   - Checks invalidated views on a fixed interval
//   - Never overwrites a view the stream updated while the fetch was in flight
package reconcile
