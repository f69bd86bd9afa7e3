// Package mode implements the Mode Coordinator: it owns the active trading
// mode (paper or live), re-points the mode-scoped channels on a switch and
// resets the session timer.
package mode
