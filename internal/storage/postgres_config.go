package storage

import "time"

// PostgresConfig describes how the repository initialises its Postgres
// connection pool.
type PostgresConfig struct {
	DSN                 string
	MaxConnections      int32
	MinConnections      int32
	MaxConnLifetime     time.Duration
	MaxConnIdleTime     time.Duration
	HealthCheckInterval time.Duration
	AcquireTimeout      time.Duration
	ApplicationName     string
	// QueryTimeout bounds each statement issued by the repository. Zero
	// leaves the caller's context in charge.
	QueryTimeout time.Duration
	// AutoMigrate applies the embedded schema when the pool opens.
	AutoMigrate bool
}

// PostgresOption mutates a PostgresConfig.
type PostgresOption func(*PostgresConfig)

// WithPostgresPoolLimits configures the pool size bounds.
func WithPostgresPoolLimits(maxConns, minConns int32) PostgresOption {
	return func(cfg *PostgresConfig) {
		cfg.MaxConnections = maxConns
		cfg.MinConnections = minConns
	}
}

// WithPostgresTimeouts configures connection lifecycle timeouts.
func WithPostgresTimeouts(lifetime, idle, health, acquire time.Duration) PostgresOption {
	return func(cfg *PostgresConfig) {
		cfg.MaxConnLifetime = lifetime
		cfg.MaxConnIdleTime = idle
		cfg.HealthCheckInterval = health
		cfg.AcquireTimeout = acquire
	}
}

// WithPostgresApplicationName sets application_name on pooled connections.
func WithPostgresApplicationName(name string) PostgresOption {
	return func(cfg *PostgresConfig) {
		cfg.ApplicationName = name
	}
}

// WithPostgresQueryTimeout bounds individual statements.
func WithPostgresQueryTimeout(timeout time.Duration) PostgresOption {
	return func(cfg *PostgresConfig) {
		cfg.QueryTimeout = timeout
	}
}

// WithPostgresAutoMigrate applies the embedded schema on open.
func WithPostgresAutoMigrate(enabled bool) PostgresOption {
	return func(cfg *PostgresConfig) {
		cfg.AutoMigrate = enabled
	}
}

func newPostgresConfig(dsn string, opts ...PostgresOption) PostgresConfig {
	cfg := PostgresConfig{
		DSN:             dsn,
		MinConnections:  -1,
		ApplicationName: "lifequest-live",
		QueryTimeout:    5 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}
