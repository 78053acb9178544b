package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Storage    StorageConfig    `mapstructure:"storage"`
	Collectors map[string]string `mapstructure:"collectors"` // source_type → collector binary path
	Worker     WorkerConfig     `mapstructure:"worker"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Recycler   RecyclerConfig   `mapstructure:"recycler"`
	Dedup      DedupConfig      `mapstructure:"dedup"`
	Crypto     CryptoConfig     `mapstructure:"crypto"`
	Alerts     AlertsConfig     `mapstructure:"alerts"`
	Server     ServerConfig     `mapstructure:"server"`
}

type StorageConfig struct {
	Path     string         `mapstructure:"path"`
	Memgraph MemgraphConfig `mapstructure:"memgraph"`
}

type MemgraphConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	URI      string `mapstructure:"uri"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

type WorkerConfig struct {
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	BatchSize        int           `mapstructure:"batch_size"`
	CollectorTimeout time.Duration `mapstructure:"collector_timeout"`
}

type SchedulerConfig struct {
	TickInterval time.Duration `mapstructure:"tick_interval"`
}

type RecyclerConfig struct {
	StaleAfter  time.Duration `mapstructure:"stale_after"`
	MaxRecycles int           `mapstructure:"max_recycles"`
}

type DedupConfig struct {
	WindowDays int `mapstructure:"window_days"`
}

type CryptoConfig struct {
	// Key is the AES-256 credential key, hex encoded (64 chars).
	Key string `mapstructure:"key"`
}

type AlertsConfig struct {
	Webhook WebhookConfig `mapstructure:"webhook"`
	Stdout  StdoutConfig  `mapstructure:"stdout"`
}

type WebhookConfig struct {
	Enabled bool              `mapstructure:"enabled"`
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`
}

type StdoutConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type ServerConfig struct {
	Listen     string `mapstructure:"listen"`
	ReadOnly   bool   `mapstructure:"read_only"`
	APIToken   string `mapstructure:"api_token"`
	CORSOrigin string `mapstructure:"cors_origin"`
}

// Load reads the configuration from file and environment variables.
func Load(cfgFile string) (*Config, error) {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(filepath.Join(home, ".ail"))
		}
		viper.AddConfigPath(".")
		viper.SetConfigName("ail")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("AIL")
	viper.AutomaticEnv()

	// Defaults
	viper.SetDefault("storage.path", "./data/ail.db")
	viper.SetDefault("storage.memgraph.enabled", false)
	viper.SetDefault("storage.memgraph.uri", "bolt://localhost:7687")
	viper.SetDefault("worker.poll_interval", "5s")
	viper.SetDefault("worker.batch_size", 2)
	viper.SetDefault("worker.collector_timeout", "10m")
	viper.SetDefault("scheduler.tick_interval", "30s")
	viper.SetDefault("recycler.stale_after", "30m")
	viper.SetDefault("recycler.max_recycles", 3)
	viper.SetDefault("dedup.window_days", 7)
	viper.SetDefault("alerts.stdout.enabled", true)
	viper.SetDefault("server.listen", ":8080")
	viper.SetDefault("server.read_only", false)

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Worker.BatchSize < 1 {
		return fmt.Errorf("worker.batch_size must be at least 1, got %d", c.Worker.BatchSize)
	}
	if c.Worker.PollInterval < time.Second {
		return fmt.Errorf("worker.poll_interval must be at least 1s, got %s", c.Worker.PollInterval)
	}
	if c.Scheduler.TickInterval < time.Second {
		return fmt.Errorf("scheduler.tick_interval must be at least 1s, got %s", c.Scheduler.TickInterval)
	}
	if c.Recycler.StaleAfter < time.Minute {
		return fmt.Errorf("recycler.stale_after must be at least 1m, got %s", c.Recycler.StaleAfter)
	}
	if c.Recycler.MaxRecycles < 0 {
		return fmt.Errorf("recycler.max_recycles must not be negative, got %d", c.Recycler.MaxRecycles)
	}
	if c.Dedup.WindowDays < 1 {
		return fmt.Errorf("dedup.window_days must be at least 1, got %d", c.Dedup.WindowDays)
	}
	return nil
}
