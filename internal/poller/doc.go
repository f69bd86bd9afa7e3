// Package poller implements the Quote Poller component.
//
// The Quote Poller:
//   - Refreshes quotes for subscribed symbols over REST while the stream is down
//   - Stays idle whenever the stream is authenticated
//   - Uses bounded concurrent requests with a per-request timeout
package poller
