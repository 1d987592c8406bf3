package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Upstream  UpstreamConfig  `mapstructure:"upstream"`
	Intervals IntervalsConfig `mapstructure:"intervals"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Retention RetentionConfig `mapstructure:"retention"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // sqlite or postgres
	DSN    string `mapstructure:"dsn"`    // Connection string
}

// UpstreamConfig holds upstream endpoints, credentials and retry budgets
type UpstreamConfig struct {
	NASAAPIKey    string        `mapstructure:"nasa_api_key"`
	OSDRURL       string        `mapstructure:"osdr_url"`
	ISSURL        string        `mapstructure:"iss_url"`
	APODURL       string        `mapstructure:"apod_url"`
	NEOURL        string        `mapstructure:"neo_url"`
	DONKIURL      string        `mapstructure:"donki_url"`
	SpaceXURL     string        `mapstructure:"spacex_url"`
	NASATimeout   time.Duration `mapstructure:"nasa_timeout"`
	ISSTimeout    time.Duration `mapstructure:"iss_timeout"`
	SpaceXTimeout time.Duration `mapstructure:"spacex_timeout"`
	MaxRetries    int           `mapstructure:"max_retries"`
	NEODays       int           `mapstructure:"neo_days"`   // NEO feed window, days before today
	DONKIDays     int           `mapstructure:"donki_days"` // DONKI window, days before today
	Pace          bool          `mapstructure:"pace"`       // space out requests per upstream
}

// IntervalsConfig holds the polling interval of every job, in seconds
type IntervalsConfig struct {
	ISS    int `mapstructure:"iss"`
	OSDR   int `mapstructure:"osdr"`
	APOD   int `mapstructure:"apod"`
	NEO    int `mapstructure:"neo"`
	DONKI  int `mapstructure:"donki"`
	SpaceX int `mapstructure:"spacex"`
}

// RateLimitConfig holds the inbound admission gate settings
type RateLimitConfig struct {
	TokensPerSecond int `mapstructure:"tokens_per_second"`
}

// CacheConfig holds read cache settings. An empty RedisURL selects the
// in-process LRU.
type CacheConfig struct {
	RedisURL   string `mapstructure:"redis_url"`
	TTLSeconds int    `mapstructure:"ttl_seconds"`
	LRUSize    int    `mapstructure:"lru_size"`
}

// RetentionConfig holds the cleanup schedule
type RetentionConfig struct {
	CleanupCron string `mapstructure:"cleanup_cron"`
	KeepLast    int    `mapstructure:"keep_last"` // rows kept per table and source
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json or console
	Output string `mapstructure:"output"` // stdout or file path
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	// Load .env file if present (ignore errors if not found)
	_ = godotenv.Load()
	_ = godotenv.Load(".env.local")

	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Look for config in current directory and configs folder
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")

		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(home, ".space-ingest"))
		}
	}

	// Environment variables
	v.SetEnvPrefix("SPACE")
	v.AutomaticEnv()

	// Explicit bindings for nested keys. The unprefixed names are the ones
	// existing deployments already export.
	v.BindEnv("database.driver", "SPACE_DATABASE_DRIVER")
	v.BindEnv("database.dsn", "SPACE_DATABASE_DSN", "DATABASE_URL")
	v.BindEnv("upstream.nasa_api_key", "SPACE_UPSTREAM_NASA_API_KEY", "NASA_API_KEY")
	v.BindEnv("upstream.osdr_url", "SPACE_UPSTREAM_OSDR_URL", "NASA_API_URL")
	v.BindEnv("upstream.iss_url", "SPACE_UPSTREAM_ISS_URL", "WHERE_ISS_URL")
	v.BindEnv("upstream.max_retries", "SPACE_UPSTREAM_MAX_RETRIES")
	v.BindEnv("upstream.pace", "SPACE_UPSTREAM_PACE")
	v.BindEnv("intervals.iss", "SPACE_INTERVALS_ISS", "ISS_EVERY_SECONDS")
	v.BindEnv("intervals.osdr", "SPACE_INTERVALS_OSDR", "FETCH_EVERY_SECONDS")
	v.BindEnv("intervals.apod", "SPACE_INTERVALS_APOD", "APOD_EVERY_SECONDS")
	v.BindEnv("intervals.neo", "SPACE_INTERVALS_NEO", "NEO_EVERY_SECONDS")
	v.BindEnv("intervals.donki", "SPACE_INTERVALS_DONKI", "DONKI_EVERY_SECONDS")
	v.BindEnv("intervals.spacex", "SPACE_INTERVALS_SPACEX", "SPACEX_EVERY_SECONDS")
	v.BindEnv("rate_limit.tokens_per_second", "SPACE_RATE_LIMIT_TOKENS_PER_SECOND", "RATE_LIMIT_PER_SEC")
	v.BindEnv("cache.redis_url", "SPACE_CACHE_REDIS_URL", "REDIS_URL")
	v.BindEnv("cache.ttl_seconds", "SPACE_CACHE_TTL_SECONDS", "REDIS_TTL_SECONDS")
	v.BindEnv("retention.keep_last", "SPACE_RETENTION_KEEP_LAST")
	v.BindEnv("retention.cleanup_cron", "SPACE_RETENTION_CLEANUP_CRON")
	v.BindEnv("server.addr", "SPACE_SERVER_ADDR")
	v.BindEnv("logging.level", "SPACE_LOGGING_LEVEL")
	v.BindEnv("logging.format", "SPACE_LOGGING_FORMAT")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "./data/space.db")

	// Upstream defaults
	v.SetDefault("upstream.osdr_url", "https://visualization.osdr.nasa.gov/biodata/api/v2/datasets/?format=json")
	v.SetDefault("upstream.iss_url", "https://api.wheretheiss.at/v1/satellites/25544")
	v.SetDefault("upstream.apod_url", "https://api.nasa.gov/planetary/apod")
	v.SetDefault("upstream.neo_url", "https://api.nasa.gov/neo/rest/v1/feed")
	v.SetDefault("upstream.donki_url", "https://api.nasa.gov/DONKI")
	v.SetDefault("upstream.spacex_url", "https://api.spacexdata.com/v4/launches/next")
	v.SetDefault("upstream.nasa_timeout", "30s")
	v.SetDefault("upstream.iss_timeout", "20s")
	v.SetDefault("upstream.spacex_timeout", "30s")
	v.SetDefault("upstream.max_retries", 3)
	v.SetDefault("upstream.neo_days", 2)
	v.SetDefault("upstream.donki_days", 5)
	v.SetDefault("upstream.pace", true)

	// Interval defaults (seconds)
	v.SetDefault("intervals.iss", 120)
	v.SetDefault("intervals.osdr", 600)
	v.SetDefault("intervals.apod", 43200) // 12h
	v.SetDefault("intervals.neo", 7200)   // 2h
	v.SetDefault("intervals.donki", 3600)
	v.SetDefault("intervals.spacex", 3600)

	// Rate limit defaults
	v.SetDefault("rate_limit.tokens_per_second", 100)

	// Cache defaults
	v.SetDefault("cache.ttl_seconds", 300)
	v.SetDefault("cache.lru_size", 256)

	// Retention defaults
	v.SetDefault("retention.cleanup_cron", "0 3 * * *") // Daily at 3am
	v.SetDefault("retention.keep_last", 1000)

	// Server defaults
	v.SetDefault("server.addr", ":3000")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.output", "stdout")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	intervals := map[string]int{
		"iss":    c.Intervals.ISS,
		"osdr":   c.Intervals.OSDR,
		"apod":   c.Intervals.APOD,
		"neo":    c.Intervals.NEO,
		"donki":  c.Intervals.DONKI,
		"spacex": c.Intervals.SpaceX,
	}
	for name, seconds := range intervals {
		if seconds <= 0 {
			return fmt.Errorf("intervals.%s must be positive, got %d", name, seconds)
		}
	}

	if c.Upstream.MaxRetries < 0 {
		return fmt.Errorf("upstream.max_retries must not be negative")
	}
	if c.RateLimit.TokensPerSecond <= 0 {
		return fmt.Errorf("rate_limit.tokens_per_second must be positive")
	}
	if c.Cache.TTLSeconds <= 0 || c.Cache.LRUSize <= 0 {
		return fmt.Errorf("cache.ttl_seconds and cache.lru_size must be positive")
	}
	if c.Retention.KeepLast <= 0 {
		return fmt.Errorf("retention.keep_last must be positive")
	}
	if c.Retention.CleanupCron != "" {
		if _, err := cron.ParseStandard(c.Retention.CleanupCron); err != nil {
			return fmt.Errorf("retention.cleanup_cron: %w", err)
		}
	}
	return nil
}

// Interval returns the polling interval of a job
func (i IntervalsConfig) Interval(job string) time.Duration {
	var seconds int
	switch job {
	case "iss":
		seconds = i.ISS
	case "osdr":
		seconds = i.OSDR
	case "apod":
		seconds = i.APOD
	case "neo":
		seconds = i.NEO
	case "donki":
		seconds = i.DONKI
	case "spacex":
		seconds = i.SpaceX
	}
	return time.Duration(seconds) * time.Second
}

// TTL returns the read cache entry lifetime
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}
