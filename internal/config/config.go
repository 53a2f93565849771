// Package config loads the server configuration from LIFEQUEST_* environment
// variables and command-line flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "LIFEQUEST_"

const (
	ModeDevelopment = "development"
	ModeProduction  = "production"

	StoreMemory   = "memory"
	StoreJSON     = "json"
	StorePostgres = "postgres"

	FeedNone   = "none"
	FeedMemory = "memory"
	FeedRedis  = "redis"

	minProductionSecret = 32
)

// Config is the complete server configuration.
type Config struct {
	Mode            string        `env:"MODE" envDefault:"development"`
	Addr            string        `env:"ADDR"`
	TLSCertFile     string        `env:"TLS_CERT"`
	TLSKeyFile      string        `env:"TLS_KEY"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	AllowedOrigins  []string      `env:"ALLOWED_ORIGINS" envSeparator:","`

	Log       LogConfig       `envPrefix:"LOG_"`
	Store     StoreConfig     `envPrefix:"STORAGE_"`
	Postgres  PostgresConfig  `envPrefix:"POSTGRES_"`
	Feed      FeedConfig      `envPrefix:"FEED_"`
	JWT       JWTConfig       `envPrefix:"JWT_"`
	Realtime  RealtimeConfig  `envPrefix:"REALTIME_"`
	RateLimit RateLimitConfig `envPrefix:"RATE_LIMIT_"`
}

type LogConfig struct {
	Level  string `env:"LEVEL" envDefault:"info"`
	Format string `env:"FORMAT" envDefault:"json"`
}

// StoreConfig selects the datastore. An empty driver resolves to postgres when
// a DSN is configured and to json otherwise.
type StoreConfig struct {
	Driver      string `env:"DRIVER"`
	DataPath    string `env:"DATA" envDefault:"data/store.json"`
	ChatHistory int    `env:"CHAT_HISTORY" envDefault:"500"`
}

type PostgresConfig struct {
	DSN             string        `env:"DSN"`
	MaxConns        int32         `env:"MAX_CONNS"`
	MinConns        int32         `env:"MIN_CONNS"`
	MaxConnLifetime time.Duration `env:"MAX_CONN_LIFETIME"`
	MaxConnIdle     time.Duration `env:"MAX_CONN_IDLE"`
	HealthInterval  time.Duration `env:"HEALTH_INTERVAL"`
	AcquireTimeout  time.Duration `env:"ACQUIRE_TIMEOUT"`
	QueryTimeout    time.Duration `env:"QUERY_TIMEOUT" envDefault:"5s"`
	AppName         string        `env:"APP_NAME" envDefault:"lifequest-live"`
	AutoMigrate     bool          `env:"AUTO_MIGRATE" envDefault:"true"`
}

// FeedConfig selects where activity events are published.
type FeedConfig struct {
	Driver string      `env:"DRIVER" envDefault:"memory"`
	Buffer int         `env:"BUFFER" envDefault:"128"`
	Redis  RedisConfig `envPrefix:"REDIS_"`
}

type RedisConfig struct {
	Addr          string        `env:"ADDR"`
	Addrs         []string      `env:"ADDRS" envSeparator:","`
	Username      string        `env:"USERNAME"`
	Password      string        `env:"PASSWORD"`
	MasterName    string        `env:"SENTINEL_MASTER"`
	Stream        string        `env:"STREAM" envDefault:"lifequest:activity"`
	Group         string        `env:"GROUP" envDefault:"activity-consumers"`
	PoolSize      int           `env:"POOL_SIZE"`
	MaxLen        int64         `env:"MAX_LEN" envDefault:"100000"`
	Timeout       time.Duration `env:"TIMEOUT" envDefault:"2s"`
	TLSCA         string        `env:"TLS_CA"`
	TLSCert       string        `env:"TLS_CERT"`
	TLSKey        string        `env:"TLS_KEY"`
	TLSServerName string        `env:"TLS_SERVER_NAME"`
	TLSSkipVerify bool          `env:"TLS_SKIP_VERIFY"`
}

// JWTConfig holds the handshake token settings shared with the issuer.
type JWTConfig struct {
	Secret   string        `env:"SECRET"`
	Issuer   string        `env:"ISSUER"`
	Audience string        `env:"AUDIENCE"`
	Leeway   time.Duration `env:"LEEWAY" envDefault:"30s"`
}

type RealtimeConfig struct {
	SendBuffer             int           `env:"SEND_BUFFER" envDefault:"64"`
	HeartbeatInterval      time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"30s"`
	ReadTimeout            time.Duration `env:"READ_TIMEOUT" envDefault:"75s"`
	WriteTimeout           time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`
	MaxMessageBytes        int64         `env:"MAX_MESSAGE_BYTES" envDefault:"16384"`
	CustomChannels         bool          `env:"CUSTOM_CHANNELS"`
	EarnPoints             bool          `env:"EARN_POINTS"`
	SubscriptionRetention  time.Duration `env:"SUBSCRIPTION_RETENTION" envDefault:"24h"`
	LeaderboardLimit       int           `env:"LEADERBOARD_LIMIT" envDefault:"50"`
	LeaderboardInterval    time.Duration `env:"LEADERBOARD_INTERVAL" envDefault:"30s"`
	CompetitionsInterval   time.Duration `env:"COMPETITIONS_INTERVAL" envDefault:"10s"`
	FriendsOnlineInterval  time.Duration `env:"FRIENDS_ONLINE_INTERVAL" envDefault:"60s"`
	SubscriptionGCInterval time.Duration `env:"SUBSCRIPTION_GC_INTERVAL" envDefault:"5m"`
}

// RateLimitConfig throttles HTTP traffic and WebSocket handshakes. With
// Redis enabled the per-client handshake counters live in the feed's Redis
// deployment so every replica shares them.
type RateLimitConfig struct {
	GlobalRPS             float64       `env:"GLOBAL_RPS"`
	GlobalBurst           int           `env:"GLOBAL_BURST"`
	ConnectLimit          int           `env:"CONNECT_LIMIT" envDefault:"30"`
	ConnectWindow         time.Duration `env:"CONNECT_WINDOW" envDefault:"1m"`
	TrustForwardedHeaders bool          `env:"TRUST_FORWARDED_HEADERS"`
	TrustedProxies        []string      `env:"TRUSTED_PROXIES" envSeparator:","`
	Redis                 bool          `env:"REDIS"`
}

// Load reads the configuration from the process environment.
func Load() (Config, error) {
	return load(env.Options{Prefix: EnvPrefix}, os.Getenv("DATABASE_URL"))
}

// LoadFromMap reads the configuration from environ instead of the process
// environment.
func LoadFromMap(environ map[string]string) (Config, error) {
	return load(env.Options{Prefix: EnvPrefix, Environment: environ}, environ["DATABASE_URL"])
}

func load(opts env.Options, databaseURL string) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if strings.TrimSpace(cfg.Postgres.DSN) == "" {
		cfg.Postgres.DSN = strings.TrimSpace(databaseURL)
	}
	return cfg, nil
}

// RegisterFlags binds command-line flags to cfg. The current values become
// the flag defaults, so flags override the environment.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Mode, "mode", c.Mode, "runtime mode (development or production)")
	fs.StringVar(&c.Addr, "addr", c.Addr, "HTTP listen address")
	fs.StringVar(&c.TLSCertFile, "tls-cert", c.TLSCertFile, "path to TLS certificate file")
	fs.StringVar(&c.TLSKeyFile, "tls-key", c.TLSKeyFile, "path to TLS private key file")
	fs.DurationVar(&c.ShutdownTimeout, "shutdown-timeout", c.ShutdownTimeout, "grace period for draining sessions on shutdown")
	fs.StringVar(&c.Log.Level, "log-level", c.Log.Level, "log level (debug, info, warn, error)")
	fs.StringVar(&c.Log.Format, "log-format", c.Log.Format, "log format (json or text)")

	fs.StringVar(&c.Store.Driver, "storage-driver", c.Store.Driver, "datastore driver (memory, json or postgres)")
	fs.StringVar(&c.Store.DataPath, "data", c.Store.DataPath, "path to JSON datastore")
	fs.StringVar(&c.Postgres.DSN, "postgres-dsn", c.Postgres.DSN, "Postgres connection string")
	fs.BoolVar(&c.Postgres.AutoMigrate, "postgres-auto-migrate", c.Postgres.AutoMigrate, "apply the embedded schema on startup")

	fs.StringVar(&c.Feed.Driver, "feed-driver", c.Feed.Driver, "activity feed driver (none, memory or redis)")
	fs.StringVar(&c.Feed.Redis.Addr, "feed-redis-addr", c.Feed.Redis.Addr, "Redis address for the activity feed")
	fs.StringVar(&c.Feed.Redis.Stream, "feed-redis-stream", c.Feed.Redis.Stream, "Redis stream key for activity events")

	fs.StringVar(&c.JWT.Issuer, "jwt-issuer", c.JWT.Issuer, "expected token issuer")
	fs.StringVar(&c.JWT.Audience, "jwt-audience", c.JWT.Audience, "expected token audience")

	fs.IntVar(&c.RateLimit.ConnectLimit, "connect-limit", c.RateLimit.ConnectLimit, "WebSocket handshakes allowed per client per window (0 disables)")
	fs.BoolVar(&c.Realtime.CustomChannels, "custom-channels", c.Realtime.CustomChannels, "allow subscriptions to custom channel names")
	fs.DurationVar(&c.Realtime.HeartbeatInterval, "heartbeat-interval", c.Realtime.HeartbeatInterval, "interval between WebSocket pings (0 disables)")
}

// ListenAddr returns the configured address or the mode default.
func (c Config) ListenAddr() string {
	if addr := strings.TrimSpace(c.Addr); addr != "" {
		return addr
	}
	if c.mode() == ModeProduction {
		return ":80"
	}
	return ":8080"
}

// StoreDriver resolves the datastore driver.
func (c Config) StoreDriver() string {
	if driver := strings.ToLower(strings.TrimSpace(c.Store.Driver)); driver != "" {
		return driver
	}
	if strings.TrimSpace(c.Postgres.DSN) != "" {
		return StorePostgres
	}
	return StoreJSON
}

// FeedDriver resolves the activity feed driver.
func (c Config) FeedDriver() string {
	if driver := strings.ToLower(strings.TrimSpace(c.Feed.Driver)); driver != "" {
		return driver
	}
	return FeedMemory
}

func (c Config) mode() string {
	return strings.ToLower(strings.TrimSpace(c.Mode))
}

// Validate reports every configuration problem at once.
func (c Config) Validate() error {
	var errs []error
	mode := c.mode()
	switch mode {
	case ModeDevelopment, ModeProduction:
	default:
		errs = append(errs, fmt.Errorf("unsupported mode %q", c.Mode))
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		errs = append(errs, errors.New("tls cert and key must be provided together"))
	}
	switch strings.ToLower(strings.TrimSpace(c.Log.Format)) {
	case "", "json", "text":
	default:
		errs = append(errs, fmt.Errorf("unsupported log format %q", c.Log.Format))
	}

	secret := strings.TrimSpace(c.JWT.Secret)
	switch {
	case secret == "":
		errs = append(errs, fmt.Errorf("%sJWT_SECRET is required", EnvPrefix))
	case mode == ModeProduction && len(secret) < minProductionSecret:
		errs = append(errs, fmt.Errorf("%sJWT_SECRET must be at least %d bytes in production", EnvPrefix, minProductionSecret))
	}

	switch driver := c.StoreDriver(); driver {
	case StoreMemory, StoreJSON:
		if mode == ModeProduction {
			errs = append(errs, fmt.Errorf("production mode requires the postgres datastore driver, got %q", driver))
		}
	case StorePostgres:
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			errs = append(errs, errors.New("postgres storage selected without DSN"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported storage driver %q", driver))
	}

	switch driver := c.FeedDriver(); driver {
	case FeedNone, FeedMemory:
	case FeedRedis:
		if strings.TrimSpace(c.Feed.Redis.Addr) == "" && len(c.Feed.Redis.Addrs) == 0 {
			errs = append(errs, errors.New("redis addr is required for the activity feed"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported feed driver %q", driver))
	}

	rl := c.RateLimit
	if rl.GlobalRPS < 0 || rl.GlobalBurst < 0 || rl.ConnectLimit < 0 {
		errs = append(errs, errors.New("rate limits must not be negative"))
	}
	if rl.ConnectLimit > 0 && rl.ConnectWindow <= 0 {
		errs = append(errs, errors.New("rate limit connect window must be positive"))
	}
	if rl.Redis && c.FeedDriver() != FeedRedis {
		errs = append(errs, errors.New("redis rate limiting requires the redis feed driver"))
	}

	rt := c.Realtime
	if rt.SendBuffer <= 0 {
		errs = append(errs, errors.New("realtime send buffer must be positive"))
	}
	if rt.MaxMessageBytes <= 0 {
		errs = append(errs, errors.New("realtime max message bytes must be positive"))
	}
	if rt.HeartbeatInterval > 0 && rt.ReadTimeout > 0 && rt.ReadTimeout <= rt.HeartbeatInterval {
		errs = append(errs, errors.New("realtime read timeout must exceed the heartbeat interval"))
	}
	durations := []struct {
		name  string
		value time.Duration
	}{
		{"leaderboard interval", rt.LeaderboardInterval},
		{"competitions interval", rt.CompetitionsInterval},
		{"friends online interval", rt.FriendsOnlineInterval},
		{"subscription gc interval", rt.SubscriptionGCInterval},
		{"subscription retention", rt.SubscriptionRetention},
	}
	for _, d := range durations {
		if d.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", d.name))
		}
	}
	return errors.Join(errs...)
}
