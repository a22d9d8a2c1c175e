package database

import (
	"context"
	"io"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/bardlex/poolportal/internal/config"
	"github.com/bardlex/poolportal/internal/ledger"
	"github.com/bardlex/poolportal/pkg/errors"
	"github.com/bardlex/poolportal/pkg/log"
)

func testLogger() *log.Logger {
	return log.NewWithWriter(io.Discard, "test", "dev", "error", "json")
}

func TestNewManager_RedisOnly(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := &config.Portal{RedisURL: "redis://" + mr.Addr() + "/0"}

	m, err := NewManager(context.Background(), cfg, testLogger())
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer m.Close()

	if m.Postgres != nil || m.Influx != nil {
		t.Error("optional sinks should stay disabled without URLs")
	}
	if got := len(m.Observers()); got != 0 {
		t.Errorf("Observers() = %d, want 0", got)
	}
	if err := m.Health(context.Background()); err != nil {
		t.Errorf("Health() error = %v", err)
	}
	if got := m.Ledger("bitcoin", testLogger()).Keys().Current(ledger.TimesLast); got != "bitcoin:rounds:current:times:last" {
		t.Errorf("ledger key = %s", got)
	}
}

func TestNewManager_RedisUnreachable(t *testing.T) {
	cfg := &config.Portal{RedisURL: "redis://127.0.0.1:1/0"}

	_, err := NewManager(context.Background(), cfg, testLogger())
	if err == nil {
		t.Fatal("NewManager() error = nil for an unreachable Redis")
	}
	if !errors.IsType(err, errors.ErrorTypeDatabase) {
		t.Errorf("error type = %v, want database", err)
	}
}
