package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/bizcoin/bizcoin/internal/app/ledger"
)

// ─── Configuration ──────────────────────────────────────────────────────────
// Loaded from $BIZCOIN_HOME/config.toml (or --config). BIZCOIN_* environment
// variables override file values.

// Config is the complete daemon configuration.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Storage StorageConfig `toml:"storage"`
	Ledger  LedgerConfig  `toml:"ledger"`
	Notify  NotifyConfig  `toml:"notify"`
	Metrics MetricsConfig `toml:"metrics"`
	Log     LogConfig     `toml:"log"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Host            string   `toml:"host"`
	Port            int      `toml:"port"`
	CORSOrigins     []string `toml:"cors_origins"`
	RateLimitRPS    float64  `toml:"rate_limit_rps"`
	RateLimitBurst  int      `toml:"rate_limit_burst"`
	ShutdownTimeout string   `toml:"shutdown_timeout"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// StorageConfig selects and configures the persistence backend.
type StorageConfig struct {
	Driver   string         `toml:"driver"` // sqlite | postgres
	DataDir  string         `toml:"data_dir"`
	Postgres PostgresConfig `toml:"postgres"`
}

// PostgresConfig configures the pgx pool.
type PostgresConfig struct {
	URL             string `toml:"url"`
	MaxConns        int32  `toml:"max_conns"`
	MinConns        int32  `toml:"min_conns"`
	MaxConnLifetime string `toml:"max_conn_lifetime"`
	MaxConnIdleTime string `toml:"max_conn_idle_time"`
}

// LedgerConfig configures the award/spend service.
type LedgerConfig struct {
	PenaltyPolicy        string `toml:"penalty_policy"` // clamp | reject
	AwardManyConcurrency int    `toml:"award_many_concurrency"`
	PageSize             int    `toml:"page_size"`
}

// NotifyConfig configures the external notification sinks.
type NotifyConfig struct {
	Timeout   string      `toml:"timeout"`
	QueueSize int         `toml:"queue_size"` // events buffered for delivery; overflow is dropped
	Redis     RedisConfig `toml:"redis"`
	Kafka     KafkaConfig `toml:"kafka"`
}

// RedisConfig configures the Redis pub/sub sink.
type RedisConfig struct {
	Enabled  bool   `toml:"enabled"`
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	Channel  string `toml:"channel"`
}

// KafkaConfig configures the Kafka sink.
type KafkaConfig struct {
	Enabled      bool     `toml:"enabled"`
	Brokers      []string `toml:"brokers"`
	Topic        string   `toml:"topic"`
	BatchTimeout string   `toml:"batch_timeout"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `toml:"enabled"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level  string `toml:"level"`  // debug | info | warn | error
	Format string `toml:"format"` // json | console
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() Config {
	lc := ledger.DefaultConfig()
	return Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8420,
			CORSOrigins:     []string{"*"},
			RateLimitRPS:    20,
			RateLimitBurst:  40,
			ShutdownTimeout: "10s",
		},
		Storage: StorageConfig{
			Driver:  "sqlite",
			DataDir: filepath.Join(Home(), "data"),
			Postgres: PostgresConfig{
				MaxConns:        20,
				MinConns:        2,
				MaxConnLifetime: "30m",
				MaxConnIdleTime: "5m",
			},
		},
		Ledger: LedgerConfig{
			PenaltyPolicy:        string(lc.PenaltyPolicy),
			AwardManyConcurrency: lc.AwardManyConcurrency,
			PageSize:             lc.PageSize,
		},
		Notify: NotifyConfig{
			Timeout:   "2s",
			QueueSize: 1024,
			Redis: RedisConfig{
				Addr:    "127.0.0.1:6379",
				Channel: "bizcoin.events",
			},
			Kafka: KafkaConfig{
				Brokers:      []string{"127.0.0.1:9092"},
				Topic:        "bizcoin.events",
				BatchTimeout: "10ms",
			},
		},
		Metrics: MetricsConfig{Enabled: true},
		Log:     LogConfig{Level: "info", Format: "json"},
	}
}

// Home returns the BizCoin home directory ($BIZCOIN_HOME or ~/.bizcoin).
func Home() string {
	if h := os.Getenv("BIZCOIN_HOME"); h != "" {
		return h
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".bizcoin"
	}
	return filepath.Join(home, ".bizcoin")
}

// DefaultConfigPath returns $BIZCOIN_HOME/config.toml.
func DefaultConfigPath() string {
	return filepath.Join(Home(), "config.toml")
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		path = DefaultConfigPath()
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overrides fields from BIZCOIN_* variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok {
			*dst = v
		}
	}
	list := func(name string, dst *[]string) {
		if v, ok := lookup(name); ok {
			*dst = splitList(v)
		}
	}
	var errs []error
	num := func(name string, dst *int) {
		if v, ok := lookup(name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = n
		}
	}
	flag := func(name string, dst *bool) {
		if v, ok := lookup(name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = b
		}
	}

	str("BIZCOIN_HOST", &c.Server.Host)
	num("BIZCOIN_PORT", &c.Server.Port)
	list("BIZCOIN_CORS_ORIGINS", &c.Server.CORSOrigins)
	if v, ok := lookup("BIZCOIN_RATE_LIMIT_RPS"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("BIZCOIN_RATE_LIMIT_RPS: %w", err))
		} else {
			c.Server.RateLimitRPS = f
		}
	}
	num("BIZCOIN_RATE_LIMIT_BURST", &c.Server.RateLimitBurst)

	str("BIZCOIN_STORAGE_DRIVER", &c.Storage.Driver)
	str("BIZCOIN_DATA_DIR", &c.Storage.DataDir)
	str("BIZCOIN_POSTGRES_URL", &c.Storage.Postgres.URL)

	str("BIZCOIN_PENALTY_POLICY", &c.Ledger.PenaltyPolicy)
	num("BIZCOIN_AWARD_MANY_CONCURRENCY", &c.Ledger.AwardManyConcurrency)
	num("BIZCOIN_PAGE_SIZE", &c.Ledger.PageSize)

	num("BIZCOIN_NOTIFY_QUEUE_SIZE", &c.Notify.QueueSize)
	flag("BIZCOIN_REDIS_ENABLED", &c.Notify.Redis.Enabled)
	str("BIZCOIN_REDIS_ADDR", &c.Notify.Redis.Addr)
	str("BIZCOIN_REDIS_PASSWORD", &c.Notify.Redis.Password)
	num("BIZCOIN_REDIS_DB", &c.Notify.Redis.DB)
	str("BIZCOIN_REDIS_CHANNEL", &c.Notify.Redis.Channel)
	flag("BIZCOIN_KAFKA_ENABLED", &c.Notify.Kafka.Enabled)
	list("BIZCOIN_KAFKA_BROKERS", &c.Notify.Kafka.Brokers)
	str("BIZCOIN_KAFKA_TOPIC", &c.Notify.Kafka.Topic)

	flag("BIZCOIN_METRICS_ENABLED", &c.Metrics.Enabled)
	str("BIZCOIN_LOG_LEVEL", &c.Log.Level)
	str("BIZCOIN_LOG_FORMAT", &c.Log.Format)

	return errors.Join(errs...)
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.RateLimitRPS < 0 {
		errs = append(errs, errors.New("server.rate_limit_rps must not be negative"))
	}
	switch c.Storage.Driver {
	case "sqlite":
		if c.Storage.DataDir == "" {
			errs = append(errs, errors.New("storage.data_dir is required for sqlite"))
		}
	case "postgres":
		if c.Storage.Postgres.URL == "" {
			errs = append(errs, errors.New("storage.postgres.url is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q: want sqlite or postgres", c.Storage.Driver))
	}
	if !ledger.PenaltyPolicy(c.Ledger.PenaltyPolicy).Valid() {
		errs = append(errs, fmt.Errorf("ledger.penalty_policy %q: want clamp or reject", c.Ledger.PenaltyPolicy))
	}
	if c.Notify.QueueSize <= 0 {
		errs = append(errs, errors.New("notify.queue_size must be positive"))
	}
	if c.Notify.Kafka.Enabled && (len(c.Notify.Kafka.Brokers) == 0 || c.Notify.Kafka.Topic == "") {
		errs = append(errs, errors.New("notify.kafka needs brokers and topic when enabled"))
	}
	if c.Notify.Redis.Enabled && c.Notify.Redis.Addr == "" {
		errs = append(errs, errors.New("notify.redis.addr is required when enabled"))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format %q: want json or console", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// LedgerServiceConfig converts the [ledger] section.
func (c Config) LedgerServiceConfig() ledger.Config {
	return ledger.Config{
		PenaltyPolicy:        ledger.PenaltyPolicy(c.Ledger.PenaltyPolicy),
		AwardManyConcurrency: c.Ledger.AwardManyConcurrency,
		PageSize:             c.Ledger.PageSize,
	}
}

// parseDuration parses s, falling back to def when s is empty or invalid.
func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return def
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
