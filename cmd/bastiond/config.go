package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/xraph/bastion"
)

// fileConfig is the daemon configuration. Flags override file values.
type fileConfig struct {
	Listen          string         `yaml:"listen"`
	LogLevel        string         `yaml:"log_level"`
	AlertRules      string         `yaml:"alert_rules"`
	CacheMaxEntries int            `yaml:"cache_max_entries"`
	Engine          bastion.Config `yaml:"engine"`
	NATS            natsConfig     `yaml:"nats"`
	Postgres        postgresConfig `yaml:"postgres"`
	Webhooks        []webhook      `yaml:"webhooks"`
}

type natsConfig struct {
	URL          string        `yaml:"url"`
	Bucket       string        `yaml:"bucket"`
	TTL          time.Duration `yaml:"ttl"`
	AlertSubject string        `yaml:"alert_subject"`
}

type postgresConfig struct {
	DSN     string `yaml:"dsn"`
	Channel string `yaml:"channel"`
}

type webhook struct {
	Name      string            `yaml:"name"`
	URL       string            `yaml:"url"`
	Headers   map[string]string `yaml:"headers"`
	PerSecond float64           `yaml:"per_second"`
	Burst     int               `yaml:"burst"`
}

func defaultFileConfig() fileConfig {
	return fileConfig{
		Listen:          ":8080",
		LogLevel:        "info",
		CacheMaxEntries: 10000,
		Engine:          bastion.DefaultConfig(),
	}
}

func (c *fileConfig) validate() error {
	if c.Listen == "" {
		return errors.New("listen address is required")
	}
	if c.CacheMaxEntries < 0 {
		return errors.New("cache_max_entries must not be negative")
	}
	if c.NATS.URL != "" && c.Postgres.DSN != "" {
		return errors.New("configure either nats or postgres invalidation transport, not both")
	}
	for i, w := range c.Webhooks {
		if w.Name == "" || w.URL == "" {
			return fmt.Errorf("webhooks[%d]: name and url are required", i)
		}
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

func decodeConfig(r io.Reader, cfg *fileConfig) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

// loadConfig parses args. A --config file is read first; flags set on the
// command line then replace the file's values.
func loadConfig(args []string) (fileConfig, error) {
	cfg := defaultFileConfig()

	fs := pflag.NewFlagSet("bastiond", pflag.ContinueOnError)
	configPath := fs.String("config", "", "path to a YAML configuration file")
	listen := fs.String("listen", cfg.Listen, "HTTP listen address")
	logLevel := fs.String("log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	alertRules := fs.String("alert-rules", "", "path to a YAML file of alert rules")
	natsURL := fs.String("nats-url", "", "NATS server URL for cross-instance invalidation")
	natsBucket := fs.String("nats-bucket", "", "JetStream key-value bucket for invalidation signals")
	natsAlertSubject := fs.String("nats-alert-subject", "", "NATS subject alerts are published to")
	pgDSN := fs.String("postgres-dsn", "", "PostgreSQL DSN for LISTEN/NOTIFY invalidation")
	cacheTTL := fs.Duration("cache-ttl", cfg.Engine.CacheTTL, "decision cache TTL")
	cacheMax := fs.Int("cache-max-entries", cfg.CacheMaxEntries, "decision cache size bound, 0 for unbounded")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	if *configPath != "" {
		f, err := os.Open(*configPath)
		if err != nil {
			return cfg, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		if err := decodeConfig(f, &cfg); err != nil {
			return cfg, err
		}
	}

	fs.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "listen":
			cfg.Listen = *listen
		case "log-level":
			cfg.LogLevel = *logLevel
		case "alert-rules":
			cfg.AlertRules = *alertRules
		case "nats-url":
			cfg.NATS.URL = *natsURL
		case "nats-bucket":
			cfg.NATS.Bucket = *natsBucket
		case "nats-alert-subject":
			cfg.NATS.AlertSubject = *natsAlertSubject
		case "postgres-dsn":
			cfg.Postgres.DSN = *pgDSN
		case "cache-ttl":
			cfg.Engine.CacheTTL = *cacheTTL
		case "cache-max-entries":
			cfg.CacheMaxEntries = *cacheMax
		}
	})

	return cfg, cfg.validate()
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}
