package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultRestURL              = "http://localhost:8000/api/v1"
	DefaultWSURL                = "ws://localhost:8000/ws"
	DefaultAPITimeout           = 30 * time.Second
	DefaultMaxRetries           = 3
	DefaultReconnectBaseDelay   = 1 * time.Second
	DefaultReconnectMaxDelay    = 30 * time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultAuthTimeout          = 10 * time.Second
	DefaultPingTimeout          = 60 * time.Second
	DefaultWriteTimeout         = 5 * time.Second
	DefaultConnBufferSize       = 4096
	DefaultSubscribeRate        = 20
	DefaultSubscribeBurst       = 10
	DefaultLiveFeeRate          = "0.0035"
	DefaultPaperFeePerShare     = "0.005"
	DefaultInitialMode          = "paper"
	DefaultRiskLevel            = "moderate"
	DefaultDBPort               = 5432
	DefaultDBSSLMode            = "prefer"
	DefaultMaxConns             = 10
	DefaultMinConns             = 2
	DefaultBatchSize            = 500
	DefaultFlushInterval        = 1 * time.Second
	DefaultWriterBufferSize     = 10000
	DefaultPollInterval         = 15 * time.Second
	DefaultPollConcurrency      = 8
	DefaultPollTimeout          = 10 * time.Second
	DefaultReconcileInterval    = 30 * time.Second
	DefaultReconcileTimeout     = 10 * time.Second
	DefaultServerPort           = 8080
	DefaultMetricsPath          = "/metrics"
	DefaultLogLevel             = "info"
	DefaultLogFormat            = "text"
)

func (c *SyncConfig) applyDefaults() {
	// API defaults
	if c.API.RestURL == "" {
		c.API.RestURL = DefaultRestURL
	}
	if c.API.WSURL == "" {
		c.API.WSURL = DefaultWSURL
	}
	if c.API.Timeout == 0 {
		c.API.Timeout = DefaultAPITimeout
	}
	if c.API.MaxRetries == 0 {
		c.API.MaxRetries = DefaultMaxRetries
	}

	// Connection defaults
	if c.Connection.ReconnectBaseDelay == 0 {
		c.Connection.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.Connection.ReconnectMaxDelay == 0 {
		c.Connection.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.Connection.MaxReconnectAttempts == 0 {
		c.Connection.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.Connection.AuthTimeout == 0 {
		c.Connection.AuthTimeout = DefaultAuthTimeout
	}
	if c.Connection.PingTimeout == 0 {
		c.Connection.PingTimeout = DefaultPingTimeout
	}
	if c.Connection.WriteTimeout == 0 {
		c.Connection.WriteTimeout = DefaultWriteTimeout
	}
	if c.Connection.BufferSize == 0 {
		c.Connection.BufferSize = DefaultConnBufferSize
	}
	if c.Connection.SubscribeRate == 0 {
		c.Connection.SubscribeRate = DefaultSubscribeRate
	}
	if c.Connection.SubscribeBurst == 0 {
		c.Connection.SubscribeBurst = DefaultSubscribeBurst
	}

	// Safeguard defaults
	if c.Safeguard.LiveFeeRate == "" {
		c.Safeguard.LiveFeeRate = DefaultLiveFeeRate
	}
	if c.Safeguard.PaperFeePerShare == "" {
		c.Safeguard.PaperFeePerShare = DefaultPaperFeePerShare
	}

	// Session defaults
	if c.Session.InitialMode == "" {
		c.Session.InitialMode = DefaultInitialMode
	}
	if c.Session.RiskLevel == "" {
		c.Session.RiskLevel = DefaultRiskLevel
	}

	// Database defaults (only when configured)
	if c.Database.Timescale.Enabled() {
		applyDBDefaults(&c.Database.Timescale)
	}

	// Writers defaults
	if c.Writers.BatchSize == 0 {
		c.Writers.BatchSize = DefaultBatchSize
	}
	if c.Writers.FlushInterval == 0 {
		c.Writers.FlushInterval = DefaultFlushInterval
	}
	if c.Writers.BufferSize == 0 {
		c.Writers.BufferSize = DefaultWriterBufferSize
	}

	if c.Poller.Interval == 0 {
		c.Poller.Interval = DefaultPollInterval
	}
	if c.Poller.Concurrency == 0 {
		c.Poller.Concurrency = DefaultPollConcurrency
	}
	if c.Poller.Timeout == 0 {
		c.Poller.Timeout = DefaultPollTimeout
	}

	if c.Reconcile.Interval == 0 {
		c.Reconcile.Interval = DefaultReconcileInterval
	}
	if c.Reconcile.Timeout == 0 {
		c.Reconcile.Timeout = DefaultReconcileTimeout
	}

	if c.Server.Port == 0 {
		c.Server.Port = DefaultServerPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}

	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
