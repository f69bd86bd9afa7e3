// Package connection implements the Connection Manager component.
//
// The Connection Manager:
//   - Owns the single streaming WebSocket per process and its state machine
//     (DISCONNECTED, CONNECTING, CONNECTED, AUTHENTICATED, RECONNECTING,
//     ERROR, AUTHORIZATION_FAILED)
//   - Performs the auth handshake after the socket opens
//   - Reconnects with bounded exponential backoff and stops after the
//     configured number of attempts
//   - Forwards inbound frames, in delivery order, to the Event Router
//   - Notifies state observers in transition order
package connection
