package connection

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rickgao/tradesync/internal/auth"
)

// Errors
var (
	ErrNotConnected        = errors.New("not connected")
	ErrStaleConnection     = errors.New("connection stale (no pong)")
	ErrTimeout             = errors.New("operation timeout")
	ErrAlreadyClosed       = errors.New("already closed")
	ErrAuthorizationFailed = errors.New("authorization failed")
	ErrStaleSession        = errors.New("session replaced before send")
	ErrManagerClosed       = errors.New("connection manager closed")
)

// ConnectionState is the connection state machine value.
type ConnectionState string

const (
	StateDisconnected        ConnectionState = "DISCONNECTED"
	StateConnecting          ConnectionState = "CONNECTING"
	StateConnected           ConnectionState = "CONNECTED"
	StateAuthenticated       ConnectionState = "AUTHENTICATED"
	StateReconnecting        ConnectionState = "RECONNECTING"
	StateError               ConnectionState = "ERROR"
	StateAuthorizationFailed ConnectionState = "AUTHORIZATION_FAILED"
)

// IsOpen reports whether the socket is up (authenticated or not).
func (s ConnectionState) IsOpen() bool {
	return s == StateConnected || s == StateAuthenticated
}

// Frame types on the wire.
const (
	FrameAuth        = "auth"
	FrameAuthSuccess = "auth_success"
	FrameAuthFailed  = "auth_failed"
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
)

// Frame is a control frame. Outbound: auth, subscribe, unsubscribe.
// Inbound: auth_success, auth_failed.
type Frame struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Channel string `json:"channel,omitempty"`
	Params  any    `json:"params,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// ServerError is a rejection reported by the server.
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("server error: %s", e.Message)
	}
	return fmt.Sprintf("server error %s: %s", e.Code, e.Message)
}

// TimestampedMessage wraps raw message data with receive timestamp.
type TimestampedMessage struct {
	Data       []byte    // Raw message bytes from WebSocket
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// RawMessage is a message from the Connection Manager to the Event Router.
type RawMessage struct {
	Data       []byte
	ReceivedAt time.Time
	Session    uint64 // Connection session that delivered the frame
}

// ClientConfig configures a WebSocket client.
type ClientConfig struct {
	URL              string
	Header           http.Header   // Extra dial headers
	HandshakeTimeout time.Duration // WebSocket upgrade timeout
	PingInterval     time.Duration // How often to send pings
	PingTimeout      time.Duration // Max time without any frame or pong before the connection is stale
	WriteTimeout     time.Duration // Write deadline for sends
	BufferSize       int           // Message channel buffer size
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     20 * time.Second,
		PingTimeout:      60 * time.Second,
		WriteTimeout:     5 * time.Second,
		BufferSize:       4096,
	}
}

// ManagerConfig configures the Connection Manager.
type ManagerConfig struct {
	URL                  string
	Credentials          *auth.Credentials // nil = anonymous handshake
	AuthTimeout          time.Duration     // Max wait for auth_success/auth_failed
	ReconnectBaseWait    time.Duration     // Delay before the first reconnect attempt
	ReconnectMaxWait     time.Duration     // Cap on the doubled delay
	MaxReconnectAttempts int               // Attempts before fail-stop
	Client               ClientConfig
	MessageBufferSize    int // Buffer for the output channel to the router
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		AuthTimeout:          10 * time.Second,
		ReconnectBaseWait:    1 * time.Second,
		ReconnectMaxWait:     30 * time.Second,
		MaxReconnectAttempts: 5,
		Client:               DefaultClientConfig(),
		MessageBufferSize:    10000,
	}
}

// StateObserver is notified of every state transition, in transition order.
// Observers run synchronously and must not call Connect or Disconnect.
type StateObserver interface {
	OnStateChange(prev, next ConnectionState)
}

// StateObserverFunc adapts a function to StateObserver.
type StateObserverFunc func(prev, next ConnectionState)

// OnStateChange calls f.
func (f StateObserverFunc) OnStateChange(prev, next ConnectionState) { f(prev, next) }

// Metrics receives connection metrics. *metrics.Metrics satisfies it.
type Metrics interface {
	SetConnectionState(state string)
	IncReconnectAttempts()
}

// Status is a user-facing summary of the connection.
type Status struct {
	State       ConnectionState `json:"state"`
	Session     uint64          `json:"session"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts"`
	Since       time.Time       `json:"since"`
	LastError   string          `json:"last_error,omitempty"`
	Message     string          `json:"message"`
}
