package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("app:\n  name: test\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.App.Name != "test" {
		t.Fatalf("expected app name from file, got %q", cfg.App.Name)
	}
	if cfg.Filters.MaxTradeAge != 300*time.Second {
		t.Fatalf("default max trade age = %s", cfg.Filters.MaxTradeAge)
	}
	if cfg.Filters.MinTradeSize != 50 {
		t.Fatalf("default min trade size = %v", cfg.Filters.MinTradeSize)
	}
	if cfg.Tiering.RequestTTL != time.Hour {
		t.Fatalf("default request ttl = %s", cfg.Tiering.RequestTTL)
	}
	if cfg.Retention.Candles5m != 7*24*time.Hour || cfg.Retention.Candles1d != 0 {
		t.Fatalf("unexpected candle retention %+v", cfg.Retention)
	}
	if cfg.Ingest.Concurrency != 10 {
		t.Fatalf("default concurrency = %d", cfg.Ingest.Concurrency)
	}
}

func TestValidateThresholdOrdering(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := "tiering:\n  promote_tier2: 0.8\n  promote_tier3: 0.5\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("promote_tier3 below promote_tier2 must be rejected")
	}
}

func TestValidateTelegramCredentials(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := "alerting:\n  telegram:\n    enabled: true\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("telegram without bot token must be rejected")
	}
}

func TestResolveMaxPoints(t *testing.T) {
	cfg := &Config{Export: ExportConfig{MaxDataPoints: 10}}
	if got := cfg.ResolveMaxPoints(0); got != 10 {
		t.Fatalf("expected config default, got %d", got)
	}
	if got := cfg.ResolveMaxPoints(3); got != 3 {
		t.Fatalf("expected override, got %d", got)
	}
}
