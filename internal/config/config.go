package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full application configuration.
type Config struct {
	Server struct {
		Address  string `mapstructure:"address"`
		HTTPPort string `mapstructure:"http_port"`
	} `mapstructure:"server"`

	Upstream struct {
		BaseURL       string `mapstructure:"base_url"`
		AuthBaseURL   string `mapstructure:"auth_base_url"`
		APIVersion    string `mapstructure:"api_version"`
		ClientID      string `mapstructure:"client_id"`
		ClientSecret  string `mapstructure:"client_secret"`
		RedirectURI   string `mapstructure:"redirect_uri"`
		WebhookSecret string `mapstructure:"webhook_secret"`
	} `mapstructure:"upstream"`

	RateLimit struct {
		Burst         int `mapstructure:"burst"`          // calls per window
		WindowSeconds int `mapstructure:"window_seconds"` // sliding window length
		Daily         int `mapstructure:"daily"`          // rolling 24h ceiling
	} `mapstructure:"ratelimit"`

	Sync struct {
		PageSize      int `mapstructure:"page_size"`
		MaxTasks      int `mapstructure:"max_tasks"`      // per scheduled run
		BudgetSeconds int `mapstructure:"budget_seconds"` // wall clock per scheduled run
	} `mapstructure:"sync"`

	Logging struct {
		Level  string `mapstructure:"level"`  // trace|debug|info|warning|error|fatal
		Format string `mapstructure:"format"` // text|json
		File   string `mapstructure:"file"`   // file prefix, empty means stdout only
	} `mapstructure:"logs"`

	Database struct {
		DSN string `mapstructure:"dsn"` // empty means in-memory store
	} `mapstructure:"database"`
}

// Load reads configuration from environment and an optional file, applying defaults.
func Load() (*Config, error) {
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.address", "0.0.0.0")
	viper.SetDefault("server.http_port", "8080")

	viper.SetDefault("upstream.base_url", "https://services.leadconnectorhq.com")
	viper.SetDefault("upstream.auth_base_url", "https://marketplace.gohighlevel.com")
	viper.SetDefault("upstream.api_version", "2021-07-28")
	viper.SetDefault("upstream.client_id", "")
	viper.SetDefault("upstream.client_secret", "")
	viper.SetDefault("upstream.redirect_uri", "")
	viper.SetDefault("upstream.webhook_secret", "")

	viper.SetDefault("ratelimit.burst", 100)
	viper.SetDefault("ratelimit.window_seconds", 10)
	viper.SetDefault("ratelimit.daily", 200000)

	viper.SetDefault("sync.page_size", 100)
	viper.SetDefault("sync.max_tasks", 10)
	viper.SetDefault("sync.budget_seconds", 55)

	viper.SetDefault("logs.level", "info")
	viper.SetDefault("logs.format", "text")
	viper.SetDefault("logs.file", "")

	viper.SetDefault("database.dsn", "")

	if cfgFile := os.Getenv("CONFIG_FILE"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			viper.AddConfigPath(filepath.Join(xdg, "crmbridge"))
		}
		viper.AddConfigPath("/etc/crmbridge")
	}

	if err := viper.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			return nil, fmt.Errorf("config read error: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config unmarshal error: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// MustLoad panics when the configuration cannot be loaded.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// SyncBudget returns the scheduled-run wall clock budget as a duration.
func (c *Config) SyncBudget() time.Duration {
	return time.Duration(c.Sync.BudgetSeconds) * time.Second
}

// RateWindow returns the sliding window length as a duration.
func (c *Config) RateWindow() time.Duration {
	return time.Duration(c.RateLimit.WindowSeconds) * time.Second
}

func validate(c *Config) error {
	if strings.TrimSpace(c.Server.Address) == "" {
		return errors.New("server.address must not be empty")
	}
	if strings.TrimSpace(c.Server.HTTPPort) == "" {
		return errors.New("server.http_port must not be empty")
	}
	if c.RateLimit.Burst <= 0 || c.RateLimit.WindowSeconds <= 0 || c.RateLimit.Daily <= 0 {
		return errors.New("ratelimit values must be positive")
	}
	if c.Sync.PageSize <= 0 || c.Sync.PageSize > 500 {
		return errors.New("sync.page_size must be between 1 and 500")
	}
	if c.Sync.MaxTasks <= 0 {
		return errors.New("sync.max_tasks must be positive")
	}
	return nil
}
