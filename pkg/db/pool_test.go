package db

import (
	"context"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func TestNewPoolValidation(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		name   string
		config PoolConfig
	}{
		{"missing driver", PoolConfig{DSN: "x", MaxOpenConns: 1}},
		{"missing dsn", PoolConfig{DriverName: "sqlite3", MaxOpenConns: 1}},
		{"zero conns", PoolConfig{DriverName: "sqlite3", DSN: "x"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewPool(ctx, tc.config); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestNewPoolSQLite(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "pool.db")

	pool, err := NewPool(ctx, DefaultPoolConfig("sqlite3", dsn))
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	defer pool.Close()

	if _, err := pool.DB().Exec("CREATE TABLE t (id INTEGER)"); err != nil {
		t.Fatalf("exec failed: %v", err)
	}
	if pool.Stats().MaxOpenConnections != 10 {
		t.Errorf("expected MaxOpenConnections 10, got %d", pool.Stats().MaxOpenConnections)
	}
}
