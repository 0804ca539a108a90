// Package config defines all configuration for the arbitrage engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// credentials overridable via CROSSARB_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"crossarb/pkg/types"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun    bool                                  `mapstructure:"dry_run"`
	Exchanges map[types.ExchangeEnum]ExchangeConfig `mapstructure:"exchanges"`
	Scheduler SchedulerConfig                       `mapstructure:"scheduler"`
	Logging   LoggingConfig                         `mapstructure:"logging"`
	Metrics   MetricsConfig                         `mapstructure:"metrics"`
}

// ExchangeConfig is everything one exchange adapter needs to talk to its venue.
type ExchangeConfig struct {
	Name         string          `mapstructure:"name"`
	BaseURL      string          `mapstructure:"base_url"`
	WebsocketURL string          `mapstructure:"websocket_url"`
	Credentials  Credentials     `mapstructure:"credentials"`
	Network      NetworkConfig   `mapstructure:"network"`
	RateLimit    RateLimitConfig `mapstructure:"rate_limit"`
	Websocket    WebsocketConfig `mapstructure:"websocket"`

	// BalanceSyncInterval schedules periodic balance snapshots on the
	// private composite. Zero disables the sync.
	BalanceSyncInterval time.Duration `mapstructure:"balance_sync_interval"`

	// Symbols this venue tracks from startup, in "BASE/QUOTE" form with
	// an optional ":FUT" suffix. Tasks may add more at runtime.
	Symbols []string `mapstructure:"symbols"`
}

// ParsedSymbols converts the configured symbol strings.
func (e ExchangeConfig) ParsedSymbols() ([]types.Symbol, error) {
	out := make([]types.Symbol, 0, len(e.Symbols))
	for _, raw := range e.Symbols {
		sym, err := types.ParseSymbol(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, sym)
	}
	return out, nil
}

// Credentials holds API keys for private endpoints. Empty credentials limit
// the exchange to its public surface.
type Credentials struct {
	APIKey    string `mapstructure:"api_key"`
	SecretKey string `mapstructure:"secret_key"`
}

// HasKeys reports whether private clients can be constructed.
func (c Credentials) HasKeys() bool {
	return c.APIKey != "" && c.SecretKey != ""
}

// NetworkConfig tunes REST transport behavior.
type NetworkConfig struct {
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
}

// RateLimitConfig describes the two nested request budgets: a global
// concurrency cap and a default per-endpoint token bucket. MinInterval is
// the floor between any two consecutive requests.
type RateLimitConfig struct {
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             float64       `mapstructure:"burst"`
	GlobalConcurrency int64         `mapstructure:"global_concurrency"`
	MinInterval       time.Duration `mapstructure:"min_interval"`
}

// WebsocketConfig tunes each WS connection for one exchange.
type WebsocketConfig struct {
	ConnectTimeout       time.Duration `mapstructure:"connect_timeout"`
	PingInterval         time.Duration `mapstructure:"ping_interval"`
	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	ReconnectDelay       time.Duration `mapstructure:"reconnect_delay"`
	ReconnectBackoff     float64       `mapstructure:"reconnect_backoff"`
	MaxReconnectDelay    time.Duration `mapstructure:"max_reconnect_delay"`
	MaxMessageSize       int64         `mapstructure:"max_message_size"`
	MaxQueueSize         int           `mapstructure:"max_queue_size"`
	EnableCompression    bool          `mapstructure:"enable_compression"`
}

// SchedulerConfig controls the strategy task engine.
type SchedulerConfig struct {
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	PersistDir    string        `mapstructure:"persist_dir"`
	Recover       bool          `mapstructure:"recover"`
	MaxContextAge time.Duration `mapstructure:"max_context_age"`
	StopTimeout   time.Duration `mapstructure:"stop_timeout"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig controls the prometheus scrape endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// Load reads config from a YAML file with env var overrides.
// Credentials use env vars: CROSSARB_<EXCHANGE>_API_KEY / _SECRET_KEY,
// e.g. CROSSARB_MEXC_SPOT_API_KEY.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("CROSSARB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	for enum, exc := range cfg.Exchanges {
		prefix := "CROSSARB_" + string(enum)
		if key := os.Getenv(prefix + "_API_KEY"); key != "" {
			exc.Credentials.APIKey = key
		}
		if secret := os.Getenv(prefix + "_SECRET_KEY"); secret != "" {
			exc.Credentials.SecretKey = secret
		}
		cfg.Exchanges[enum] = exc
	}
	if os.Getenv("CROSSARB_DRY_RUN") == "true" || os.Getenv("CROSSARB_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// applyDefaults fills the values a minimal YAML file can omit.
func (c *Config) applyDefaults() {
	for enum, exc := range c.Exchanges {
		if exc.Network.RequestTimeout == 0 {
			exc.Network.RequestTimeout = 10 * time.Second
		}
		if exc.Network.ConnectTimeout == 0 {
			exc.Network.ConnectTimeout = 5 * time.Second
		}
		if exc.Network.MaxRetries == 0 {
			exc.Network.MaxRetries = 3
		}
		if exc.Network.RetryDelay == 0 {
			exc.Network.RetryDelay = 500 * time.Millisecond
		}
		if exc.RateLimit.RequestsPerSecond == 0 {
			exc.RateLimit.RequestsPerSecond = 10
		}
		if exc.RateLimit.Burst == 0 {
			exc.RateLimit.Burst = exc.RateLimit.RequestsPerSecond * 2
		}
		if exc.RateLimit.GlobalConcurrency == 0 {
			exc.RateLimit.GlobalConcurrency = 20
		}
		if exc.Websocket.ConnectTimeout == 0 {
			exc.Websocket.ConnectTimeout = 10 * time.Second
		}
		if exc.Websocket.ReconnectDelay == 0 {
			exc.Websocket.ReconnectDelay = time.Second
		}
		if exc.Websocket.ReconnectBackoff == 0 {
			exc.Websocket.ReconnectBackoff = 2
		}
		if exc.Websocket.MaxReconnectDelay == 0 {
			exc.Websocket.MaxReconnectDelay = 30 * time.Second
		}
		if exc.Websocket.MaxQueueSize == 0 {
			exc.Websocket.MaxQueueSize = 256
		}
		c.Exchanges[enum] = exc
	}
	if c.Scheduler.PollInterval == 0 {
		c.Scheduler.PollInterval = 100 * time.Millisecond
	}
	if c.Scheduler.PersistDir == "" {
		c.Scheduler.PersistDir = "data/tasks"
	}
	if c.Scheduler.MaxContextAge == 0 {
		c.Scheduler.MaxContextAge = 7 * 24 * time.Hour
	}
	if c.Scheduler.StopTimeout == 0 {
		c.Scheduler.StopTimeout = 5 * time.Second
	}
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if len(c.Exchanges) == 0 {
		return fmt.Errorf("at least one exchange must be configured")
	}
	for enum, exc := range c.Exchanges {
		if exc.BaseURL == "" {
			return fmt.Errorf("exchanges.%s.base_url is required", enum)
		}
		if exc.WebsocketURL == "" {
			return fmt.Errorf("exchanges.%s.websocket_url is required", enum)
		}
		if exc.RateLimit.RequestsPerSecond <= 0 {
			return fmt.Errorf("exchanges.%s.rate_limit.requests_per_second must be > 0", enum)
		}
		if _, err := exc.ParsedSymbols(); err != nil {
			return fmt.Errorf("exchanges.%s.symbols: %w", enum, err)
		}
	}
	return nil
}
