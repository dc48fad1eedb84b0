package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App        AppConfig                 `mapstructure:"app"`
	Databases  map[string]DatabaseConfig `mapstructure:"databases"` // keyed by trading mode ("paper", "live")
	Redis      RedisConfig               `mapstructure:"redis"`
	NATS       NATSConfig                `mapstructure:"nats"`
	Vault      VaultConfig               `mapstructure:"vault"`
	Reconciler ReconcilerConfig          `mapstructure:"reconciler"`
	Exchanges  map[string]ExchangeConfig `mapstructure:"exchanges"`
	API        APIConfig                 `mapstructure:"api"`
	Monitoring MonitoringConfig          `mapstructure:"monitoring"`
	Alerting   AlertingConfig            `mapstructure:"alerting"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"` // development, staging, production
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"` // "json" or "console"
}

// DatabaseConfig contains PostgreSQL settings for one trading-mode partition
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
	PoolSize int    `mapstructure:"pool_size"`
}

// RedisConfig contains Redis settings (last-run status snapshots)
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// NATSConfig contains NATS messaging settings
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

// ReconcilerConfig contains reconciliation engine settings
type ReconcilerConfig struct {
	Interval           time.Duration `mapstructure:"interval"`            // cycle cadence
	BatchSize          int           `mapstructure:"batch_size"`          // open orders fetched per account
	AlertThreshold     int           `mapstructure:"alert_threshold"`     // discrepancies per cycle before alerting
	FetchTimeout       time.Duration `mapstructure:"fetch_timeout"`       // per remote status fetch
	RetryAttempts      int           `mapstructure:"retry_attempts"`      // remote fetch retries
	RetryBackoff       time.Duration `mapstructure:"retry_backoff"`       // initial retry backoff
	AccountConcurrency int           `mapstructure:"account_concurrency"` // parallel accounts per trading mode
	TradingModes       []string      `mapstructure:"trading_modes"`       // partitions to reconcile
	HistoryLimit       int           `mapstructure:"history_limit"`       // default history query size
}

// ExchangeConfig contains venue-specific settings
type ExchangeConfig struct {
	APIKey       string  `mapstructure:"api_key"`
	SecretKey    string  `mapstructure:"secret_key"`
	Testnet      bool    `mapstructure:"testnet"`
	RequestsPerS float64 `mapstructure:"requests_per_second"`
}

// APIConfig contains the operational HTTP surface settings
type APIConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// MonitoringConfig contains monitoring settings
type MonitoringConfig struct {
	PrometheusPort int  `mapstructure:"prometheus_port"`
	EnableMetrics  bool `mapstructure:"enable_metrics"`
}

// AlertingConfig contains alert channel settings
type AlertingConfig struct {
	TelegramToken   string  `mapstructure:"telegram_token"`
	TelegramChatIDs []int64 `mapstructure:"telegram_chat_ids"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("ORDERSYNC")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; using defaults and environment variables
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "ordersync")
	v.SetDefault("app.version", "0.1.0")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "json")

	// Per-mode database defaults
	for _, mode := range []string{"paper", "live"} {
		v.SetDefault("databases."+mode+".host", "localhost")
		v.SetDefault("databases."+mode+".port", 5432)
		v.SetDefault("databases."+mode+".user", "postgres")
		v.SetDefault("databases."+mode+".database", "ordersync_"+mode)
		v.SetDefault("databases."+mode+".ssl_mode", "disable")
		v.SetDefault("databases."+mode+".pool_size", 10)
	}

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	// NATS defaults
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.subject_prefix", "ordersync.recon")

	// Vault defaults
	v.SetDefault("vault.enabled", false)
	v.SetDefault("vault.mount_path", "secret")
	v.SetDefault("vault.secret_path", "ordersync")
	v.SetDefault("vault.auth_method", "token")

	// Reconciler defaults
	v.SetDefault("reconciler.interval", "5m")
	v.SetDefault("reconciler.batch_size", 100)
	v.SetDefault("reconciler.alert_threshold", 10)
	v.SetDefault("reconciler.fetch_timeout", "5s")
	v.SetDefault("reconciler.retry_attempts", 3)
	v.SetDefault("reconciler.retry_backoff", "100ms")
	v.SetDefault("reconciler.account_concurrency", 1)
	v.SetDefault("reconciler.trading_modes", []string{"paper", "live"})
	v.SetDefault("reconciler.history_limit", 50)

	// API defaults
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8082)

	// Monitoring defaults
	v.SetDefault("monitoring.prometheus_port", 9100)
	v.SetDefault("monitoring.enable_metrics", true)

	// Exchange defaults
	v.SetDefault("exchanges.binance.testnet", true)
	v.SetDefault("exchanges.binance.requests_per_second", 5.0)
}

// Validate checks configuration invariants before the service starts
func (c *Config) Validate() error {
	if c.Reconciler.Interval <= 0 {
		return fmt.Errorf("reconciler.interval must be positive, got %s", c.Reconciler.Interval)
	}
	if c.Reconciler.BatchSize <= 0 {
		return fmt.Errorf("reconciler.batch_size must be positive, got %d", c.Reconciler.BatchSize)
	}
	if c.Reconciler.AlertThreshold < 0 {
		return fmt.Errorf("reconciler.alert_threshold must not be negative, got %d", c.Reconciler.AlertThreshold)
	}
	if c.Reconciler.FetchTimeout <= 0 {
		return fmt.Errorf("reconciler.fetch_timeout must be positive, got %s", c.Reconciler.FetchTimeout)
	}
	if c.Reconciler.AccountConcurrency < 1 {
		return fmt.Errorf("reconciler.account_concurrency must be at least 1, got %d", c.Reconciler.AccountConcurrency)
	}
	if len(c.Reconciler.TradingModes) == 0 {
		return fmt.Errorf("reconciler.trading_modes must name at least one partition")
	}
	for _, mode := range c.Reconciler.TradingModes {
		if _, ok := c.Databases[mode]; !ok {
			return fmt.Errorf("no database configured for trading mode %q", mode)
		}
	}
	return nil
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// GetRedisAddr returns the Redis address
func (c *RedisConfig) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetAPIAddr returns the API server address
func (c *APIConfig) GetAPIAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
