package storage

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"market-tiers/internal/config"
)

func TestApplyPoolLimits(t *testing.T) {
	pc, err := pgxpool.ParseConfig("postgres://u:p@localhost:5432/db")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	applyPoolLimits(pc, config.DatabaseConfig{
		MaxOpenConns:    4,
		MaxIdleConns:    9,
		ConnMaxLifetime: 10 * time.Minute,
		HealthCheck:     30 * time.Second,
		ApplicationName: "markettiers-test",
	})

	if pc.MaxConns != 4 {
		t.Fatalf("max conns = %d", pc.MaxConns)
	}
	if pc.MinConns != 4 {
		t.Fatalf("min conns should be capped at max, got %d", pc.MinConns)
	}
	if pc.MaxConnLifetime != 10*time.Minute || pc.HealthCheckPeriod != 30*time.Second {
		t.Fatalf("unexpected durations: %v %v", pc.MaxConnLifetime, pc.HealthCheckPeriod)
	}
	if got := pc.ConnConfig.RuntimeParams["application_name"]; got != "markettiers-test" {
		t.Fatalf("application_name = %q", got)
	}
}

func TestNewPoolRequiresDSN(t *testing.T) {
	if _, err := NewPool(context.Background(), config.DatabaseConfig{}); err == nil {
		t.Fatal("expected error without dsn")
	}
}
