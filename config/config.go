package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the ghostwriter service.
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Agents    AgentsConfig    `mapstructure:"agents"`
	Scrape    ScrapeConfig    `mapstructure:"scrape"`
	Catalog   CatalogConfig   `mapstructure:"catalog"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Janitor   JanitorConfig   `mapstructure:"janitor"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings.
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	LogLevel       string        `mapstructure:"log_level"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Address string `mapstructure:"address"`
}

// LLMConfig contains the upstream gateway settings and compiled-in
// model defaults used when an agent has no stored configuration.
type LLMConfig struct {
	BaseURL            string        `mapstructure:"base_url"`
	Timeout            time.Duration `mapstructure:"timeout"`
	DefaultModel       string        `mapstructure:"default_model"`
	DefaultTemperature float64       `mapstructure:"default_temperature"`
	DefaultMaxTokens   int           `mapstructure:"default_max_tokens"`
}

func (l LLMConfig) Validate() error {
	if strings.TrimSpace(l.BaseURL) == "" {
		return fmt.Errorf("llm.base_url is required")
	}
	return nil
}

// AgentsConfig contains agent execution bounds.
type AgentsConfig struct {
	MaxRetries    int `mapstructure:"max_retries"`
	MaxToolRounds int `mapstructure:"max_tool_rounds"`
}

// ScrapeConfig controls storefront page fetching.
type ScrapeConfig struct {
	Fetcher      string        `mapstructure:"fetcher"` // http or chromedp
	MaxPages     int           `mapstructure:"max_pages"`
	Concurrency  int           `mapstructure:"concurrency"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
	MaxChars     int           `mapstructure:"max_chars"`
	SessionTTL   time.Duration `mapstructure:"session_ttl"`
}

// CatalogConfig contains the external product catalog API settings.
type CatalogConfig struct {
	BaseURL  string        `mapstructure:"base_url"`
	Type     string        `mapstructure:"type"`
	App      string        `mapstructure:"app"`
	Language string        `mapstructure:"language"`
	PageSize int           `mapstructure:"page_size"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// StorageConfig contains persistence settings.
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains Postgres connection settings.
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN builds a postgres connection string from the configured fields.
func (p PostgresConfig) DSN() string {
	if p.URL != "" {
		return p.URL
	}
	host := p.Host
	port := p.Port
	ssl := p.SSLMode
	if host == "" {
		host = "localhost"
	}
	if port == "" {
		port = "5432"
	}
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, host, port, p.DBName, ssl)
}

// RedisConfig contains Redis connection settings for the scrape session store.
// Redis is optional; when host is empty the in-memory store is used.
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Addr returns host:port, or "" when redis is not configured.
func (r RedisConfig) Addr() string {
	if strings.TrimSpace(r.Host) == "" {
		return ""
	}
	port := r.Port
	if port == "" {
		port = "6379"
	}
	return fmt.Sprintf("%s:%s", r.Host, port)
}

// JanitorConfig controls the periodic cache/trace purge.
type JanitorConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CronSpec string `mapstructure:"cron_spec"`
	KeepDays int    `mapstructure:"keep_days"`
}

// TelemetryConfig contains observability toggles.
type TelemetryConfig struct {
	Enabled     bool `mapstructure:"enabled"`
	DebugEvents bool `mapstructure:"debug_events"`
}

// LoadConfig loads config from file, applying defaults and env overrides.
func LoadConfig(path string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("json")
	viper.SetDefault("general.log_level", "info")
	viper.SetDefault("general.default_timeout", "90s")
	viper.SetDefault("server.address", ":10002")
	viper.SetDefault("llm.base_url", "https://api.openai.com/v1")
	viper.SetDefault("llm.timeout", "120s")
	viper.SetDefault("llm.default_model", "gpt-4o-mini")
	viper.SetDefault("llm.default_temperature", 0.7)
	viper.SetDefault("llm.default_max_tokens", 2048)
	viper.SetDefault("agents.max_retries", 2)
	viper.SetDefault("agents.max_tool_rounds", 4)
	viper.SetDefault("scrape.fetcher", "http")
	viper.SetDefault("scrape.max_pages", 8)
	viper.SetDefault("scrape.concurrency", 4)
	viper.SetDefault("scrape.fetch_timeout", "15s")
	viper.SetDefault("scrape.max_chars", 20000)
	viper.SetDefault("scrape.session_ttl", "1h")
	viper.SetDefault("catalog.type", "product")
	viper.SetDefault("catalog.language", "en")
	viper.SetDefault("catalog.page_size", 100)
	viper.SetDefault("catalog.timeout", "20s")
	viper.SetDefault("janitor.enabled", true)
	viper.SetDefault("janitor.cron_spec", "0 * * * *")
	viper.SetDefault("janitor.keep_days", 30)
	viper.SetDefault("telemetry.enabled", true)

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("GHOSTWRITER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	if err := config.LLM.Validate(); err != nil {
		panic(err)
	}
	if err := config.Storage.Postgres.Validate(); err != nil {
		panic(err)
	}
	return &config
}
