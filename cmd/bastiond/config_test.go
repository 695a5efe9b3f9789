package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen != ":8080" || cfg.Engine.CacheTTL != 5*time.Minute || cfg.CacheMaxEntries != 10000 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadConfigFileAndFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bastiond.yaml")
	doc := `
listen: ":9090"
log_level: debug
engine:
  cache_ttl: 2m
  rate_limit_max: 20
nats:
  url: nats://localhost:4222
  bucket: authz
webhooks:
  - name: ops
    url: http://hooks.local/alerts
    per_second: 1
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadConfig([]string{"--config", path, "--listen", ":7070"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen != ":7070" {
		t.Fatalf("flag must override file, got %q", cfg.Listen)
	}
	if cfg.Engine.CacheTTL != 2*time.Minute || cfg.Engine.RateLimitMax != 20 {
		t.Fatalf("engine config not decoded: %+v", cfg.Engine)
	}
	if cfg.Engine.SweepInterval != time.Minute {
		t.Fatalf("unset engine fields must keep defaults, got %v", cfg.Engine.SweepInterval)
	}
	if cfg.NATS.Bucket != "authz" || len(cfg.Webhooks) != 1 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestLoadConfigRejectsUnknownFields(t *testing.T) {
	var cfg fileConfig
	err := decodeConfig(strings.NewReader("listen: x\nbogus: 1\n"), &cfg)
	if err == nil {
		t.Fatal("expected unknown field error")
	}
}

func TestLoadConfigValidation(t *testing.T) {
	if _, err := loadConfig([]string{"--nats-url", "nats://a", "--postgres-dsn", "postgres://b"}); err == nil {
		t.Fatal("expected error for two transports")
	}
	if _, err := loadConfig([]string{"--log-level", "loud"}); err == nil {
		t.Fatal("expected error for bad log level")
	}
	if _, err := loadConfig([]string{"--cache-max-entries", "-1"}); err == nil {
		t.Fatal("expected error for negative cache bound")
	}
}
