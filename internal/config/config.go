package config

import "time"

// SyncConfig is the root configuration for a sync daemon instance.
type SyncConfig struct {
	Instance   InstanceConfig   `yaml:"instance"`
	API        APIConfig        `yaml:"api"`
	Connection ConnectionConfig `yaml:"connection"`
	Safeguard  SafeguardConfig  `yaml:"safeguard"`
	Session    SessionConfig    `yaml:"session"`
	Database   DatabaseConfig   `yaml:"database"`
	Writers    WritersConfig    `yaml:"writers"`
	Poller     PollerConfig     `yaml:"poller"`
	Reconcile  ReconcileConfig  `yaml:"reconcile"`
	Server     ServerConfig     `yaml:"server"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// InstanceConfig identifies this process.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// APIConfig holds backend endpoints and credentials.
type APIConfig struct {
	RestURL        string        `yaml:"rest_url"`
	WSURL          string        `yaml:"ws_url"`
	APIKey         string        `yaml:"api_key"`          // API key ID, sent in the auth handshake
	PrivateKeyPath string        `yaml:"private_key_path"` // RSA private key PEM; empty = bearer token only
	Token          string        `yaml:"token"`            // Session bearer token
	Timeout        time.Duration `yaml:"timeout"`
	MaxRetries     int           `yaml:"max_retries"`
}

// ConnectionConfig holds streaming connection settings.
type ConnectionConfig struct {
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	AuthTimeout          time.Duration `yaml:"auth_timeout"`
	PingTimeout          time.Duration `yaml:"ping_timeout"`
	WriteTimeout         time.Duration `yaml:"write_timeout"`
	BufferSize           int           `yaml:"buffer_size"`
	SubscribeRate        float64       `yaml:"subscribe_rate"` // wire subscribe/unsubscribe messages per second
	SubscribeBurst       int           `yaml:"subscribe_burst"`
}

// SafeguardConfig holds the display fee schedule.
type SafeguardConfig struct {
	LiveFeeRate      string `yaml:"live_fee_rate"`       // fraction of notional, e.g. "0.0035"
	PaperFeePerShare string `yaml:"paper_fee_per_share"` // flat per share, e.g. "0.005"
}

// SessionConfig holds the initial trading-mode state.
type SessionConfig struct {
	InitialMode     string  `yaml:"initial_mode"`
	DailyOrderLimit int     `yaml:"daily_order_limit"`
	DailyLossLimit  float64 `yaml:"daily_loss_limit"`
	RiskLevel       string  `yaml:"risk_level"`
	MaxPositionSize float64 `yaml:"max_position_size"`
}

// DatabaseConfig holds the optional TimescaleDB connection for quote and fill history.
// History writers are disabled when Timescale.Host is empty.
type DatabaseConfig struct {
	Timescale DBConfig `yaml:"timescale"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// Enabled reports whether a database host is configured.
func (db DBConfig) Enabled() bool {
	return db.Host != ""
}

// WritersConfig holds batch writer settings.
type WritersConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
}

// PollerConfig holds the REST quote fallback settings.
type PollerConfig struct {
	Interval    time.Duration `yaml:"interval"`
	Concurrency int           `yaml:"concurrency"`
	Timeout     time.Duration `yaml:"timeout"`
}

// ReconcileConfig holds the REST refetch settings for stale account views.
type ReconcileConfig struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// ServerConfig holds the HTTP control surface settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig holds slog handler settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}
