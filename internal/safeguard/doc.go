// Package safeguard implements the Safeguard Gate.
//
// The Gate:
//   - Interposes a confirm/cancel step on actions that need it (explicit
//     request, or any order while live trading is active)
//   - Holds live orders until the user gives all three acknowledgements
//   - Estimates order totals with fees (display only)
//   - Grades daily limit usage into risk warnings
//
// A failed execution leaves the action pending so it can be retried or
// cancelled.
package safeguard
