// Package store defines the application state store the sync core writes
// into, plus an in-memory implementation used by the daemon and tests.
package store
