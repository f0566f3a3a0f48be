package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/user/sitewatch/internal/domain"
)

// Config stores all configuration for the application.
type Config struct {
	PostgresURL string `mapstructure:"POSTGRES_URL"`
	RedisAddr   string `mapstructure:"REDIS_ADDR"`
	ServerPort  string `mapstructure:"SERVER_PORT"`

	SchedulerTickSeconds int `mapstructure:"SCHEDULER_TICK_SECONDS"`
	MaxConcurrentChecks  int `mapstructure:"MAX_CONCURRENT_CHECKS"`
	CheckTimeoutSeconds  int `mapstructure:"CHECK_TIMEOUT_SECONDS"`
	FetchTimeoutSeconds  int `mapstructure:"FETCH_TIMEOUT_SECONDS"`

	DefaultCrawlLimit   int  `mapstructure:"DEFAULT_CRAWL_LIMIT"`
	DefaultCrawlDepth   int  `mapstructure:"DEFAULT_CRAWL_DEPTH"`
	UseHeadlessFetcher  bool `mapstructure:"USE_HEADLESS_FETCHER"`
	ContentHashTTLHours int  `mapstructure:"CONTENT_HASH_TTL_HOURS"`

	AIDefaultModel     string `mapstructure:"AI_DEFAULT_MODEL"`
	AIDefaultBaseURL   string `mapstructure:"AI_DEFAULT_BASE_URL"`
	AIDefaultThreshold int    `mapstructure:"AI_DEFAULT_THRESHOLD"`

	SMTPAddr      string `mapstructure:"SMTP_ADDR"`
	SMTPFrom      string `mapstructure:"SMTP_FROM"`
	EncryptionKey string `mapstructure:"ENCRYPTION_KEY"` // hex, 32 bytes
}

func (c *Config) SchedulerTick() time.Duration {
	return time.Duration(c.SchedulerTickSeconds) * time.Second
}

func (c *Config) CheckTimeout() time.Duration {
	return time.Duration(c.CheckTimeoutSeconds) * time.Second
}

func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSeconds) * time.Second
}

func (c *Config) ContentHashTTL() time.Duration {
	return time.Duration(c.ContentHashTTLHours) * time.Hour
}

// Load reads configuration from file or environment variables.
func Load() (*Config, error) {
	viper.SetConfigFile(".env")
	viper.SetConfigType("env")
	viper.AutomaticEnv()

	// Attempt to read the .env file, but don't fail if it's not present
	// This allows configuration purely through environment variables in production
	_ = viper.ReadInConfig()

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("REDIS_ADDR", "localhost:6379")
	viper.SetDefault("SCHEDULER_TICK_SECONDS", 60)
	viper.SetDefault("MAX_CONCURRENT_CHECKS", 10)
	viper.SetDefault("CHECK_TIMEOUT_SECONDS", 300)
	viper.SetDefault("FETCH_TIMEOUT_SECONDS", 30)
	viper.SetDefault("DEFAULT_CRAWL_LIMIT", 50)
	viper.SetDefault("DEFAULT_CRAWL_DEPTH", 3)
	viper.SetDefault("USE_HEADLESS_FETCHER", false)
	viper.SetDefault("CONTENT_HASH_TTL_HOURS", 168)
	viper.SetDefault("AI_DEFAULT_MODEL", "gpt-4o-mini")
	viper.SetDefault("AI_DEFAULT_BASE_URL", "https://api.openai.com/v1")
	viper.SetDefault("AI_DEFAULT_THRESHOLD", 70)

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.SchedulerTickSeconds <= 0 {
		return fmt.Errorf("%w: SCHEDULER_TICK_SECONDS must be positive", domain.ErrConfiguration)
	}
	if c.MaxConcurrentChecks <= 0 {
		return fmt.Errorf("%w: MAX_CONCURRENT_CHECKS must be positive", domain.ErrConfiguration)
	}
	if c.CheckTimeoutSeconds <= 0 || c.FetchTimeoutSeconds <= 0 {
		return fmt.Errorf("%w: timeouts must be positive", domain.ErrConfiguration)
	}
	if c.DefaultCrawlLimit <= 0 || c.DefaultCrawlDepth <= 0 {
		return fmt.Errorf("%w: crawl limit and depth must be positive", domain.ErrConfiguration)
	}
	if c.AIDefaultThreshold < 0 || c.AIDefaultThreshold > 100 {
		return fmt.Errorf("%w: AI_DEFAULT_THRESHOLD must be in [0,100]", domain.ErrConfiguration)
	}
	return nil
}
