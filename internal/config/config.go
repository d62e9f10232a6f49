// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/sitestitch/sitestitch/internal/batch"
	"github.com/sitestitch/sitestitch/internal/crawler"
)

// Config captures every configuration knob of the service. The crawl section
// reuses crawler.Config directly so the config file, the API request body,
// and the session share one schema.
type Config struct {
	Logging LoggingConfig  `mapstructure:"logging"`
	Crawl   crawler.Config `mapstructure:"crawl"`
	Output  OutputConfig   `mapstructure:"output"`
	Dataset DatasetConfig  `mapstructure:"dataset"`
	Upload  UploadConfig   `mapstructure:"upload"`
	Notify  NotifyConfig   `mapstructure:"notify"`
	Server  ServerConfig   `mapstructure:"server"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// OutputConfig controls where combined output files land and how the token
// ceiling overflow is resolved.
type OutputConfig struct {
	Dir           string `mapstructure:"dir"`
	TokenOverflow string `mapstructure:"tokenOverflow"`
}

// DatasetConfig selects and configures the page record store.
type DatasetConfig struct {
	Provider string `mapstructure:"provider"`
	Dir      string `mapstructure:"dir"`
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
}

// UploadConfig configures the optional output upload step.
type UploadConfig struct {
	Provider string `mapstructure:"provider"`
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
	Dir      string `mapstructure:"dir"`
}

// NotifyConfig configures the optional completion notification.
type NotifyConfig struct {
	Provider  string `mapstructure:"provider"`
	ProjectID string `mapstructure:"projectId"`
	Topic     string `mapstructure:"topic"`
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Addr               string `mapstructure:"addr"`
	RequestTimeoutSecs int    `mapstructure:"requestTimeoutSecs"`
}

// Load builds a Config from disk and environment. An empty path skips the
// config file and uses defaults plus SITESTITCH_* variables only.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SITESTITCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", false)

	v.SetDefault("crawl.engine", crawler.EngineBrowser)
	v.SetDefault("crawl.maxPagesToCrawl", 50)
	v.SetDefault("crawl.waitForSelectorTimeout", 1000)
	v.SetDefault("crawl.outputFileName", "output.json")
	v.SetDefault("crawl.requestDelay", 1000)
	v.SetDefault("crawl.maxConcurrency", 1)
	v.SetDefault("crawl.maxRequestsPerMinute", 0)
	v.SetDefault("crawl.maxOpenPagesPerBrowser", 20)
	v.SetDefault("crawl.retireInstanceAfterRequestCount", 100)
	v.SetDefault("crawl.maxRequestRetries", 3)
	v.SetDefault("crawl.requestHandlerTimeoutSecs", 60)
	v.SetDefault("crawl.navigationTimeoutSecs", 60)

	v.SetDefault("output.dir", ".")
	v.SetDefault("output.tokenOverflow", string(batch.OverflowHalve))

	v.SetDefault("dataset.provider", "fs")
	v.SetDefault("dataset.dir", "storage/datasets/default")
	v.SetDefault("dataset.table", "page_records")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.requestTimeoutSecs", 300)
}

// Validate enforces section-level invariants. The crawl section is validated
// when a session starts, after any per-request merge, so a server can boot
// with a partial crawl section.
func (c Config) Validate() error {
	switch c.Output.TokenOverflow {
	case "", string(batch.OverflowHalve), string(batch.OverflowIsolate):
	default:
		return fmt.Errorf("output.tokenOverflow must be %q or %q, got %q",
			batch.OverflowHalve, batch.OverflowIsolate, c.Output.TokenOverflow)
	}
	switch c.Dataset.Provider {
	case "fs":
		if c.Dataset.Dir == "" {
			return fmt.Errorf("dataset.dir is required for the fs provider")
		}
	case "memory":
	case "postgres":
		if c.Dataset.DSN == "" {
			return fmt.Errorf("dataset.dsn is required for the postgres provider")
		}
		if c.Dataset.Table == "" {
			return fmt.Errorf("dataset.table is required for the postgres provider")
		}
	default:
		return fmt.Errorf("unknown dataset provider %q", c.Dataset.Provider)
	}
	switch c.Upload.Provider {
	case "":
	case "gcs":
		if c.Upload.Bucket == "" {
			return fmt.Errorf("upload.bucket is required for the gcs provider")
		}
	case "local":
		if c.Upload.Dir == "" {
			return fmt.Errorf("upload.dir is required for the local provider")
		}
	default:
		return fmt.Errorf("unknown upload provider %q", c.Upload.Provider)
	}
	switch c.Notify.Provider {
	case "":
	case "pubsub":
		if c.Notify.ProjectID == "" || c.Notify.Topic == "" {
			return fmt.Errorf("notify.projectId and notify.topic are required for the pubsub provider")
		}
	default:
		return fmt.Errorf("unknown notify provider %q", c.Notify.Provider)
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Server.RequestTimeoutSecs <= 0 {
		return fmt.Errorf("server.requestTimeoutSecs must be > 0")
	}
	return nil
}

// RequestTimeout returns the server request deadline.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSecs) * time.Second
}

// Overflow returns the configured token overflow policy.
func (c Config) Overflow() batch.OverflowPolicy {
	return batch.OverflowPolicy(c.Output.TokenOverflow)
}
