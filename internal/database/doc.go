// Package database provides the TimescaleDB connection pool and schema for
// quote and fill history.
//
// History is optional: when no database host is configured the sync daemon
// runs without persistence.
package database
