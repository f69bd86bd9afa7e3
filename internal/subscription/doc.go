// Package subscription implements the Subscription Registry.
//
// The Registry is the source of truth for which channels were requested
// from the streaming transport. It keeps membership across reconnects,
// queues subscribes until the connection is authenticated and replays the
// whole set on every new authenticated session.
package subscription
