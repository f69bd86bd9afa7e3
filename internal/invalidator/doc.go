// Package invalidator derives streaming subscriptions and cache
// invalidations from user actions: trade execution, navigation to a
// trading page and quote lookups. It wraps the action handler as
// middleware and never changes the action's outcome.
package invalidator
