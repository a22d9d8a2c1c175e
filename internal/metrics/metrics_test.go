package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/bardlex/poolportal/internal/ledger"
)

func TestObserveShare(t *testing.T) {
	m := New(prometheus.NewRegistry())
	ctx := context.Background()

	m.ObserveShare(ctx, "bitcoin", &ledger.Share{}, true, false)
	m.ObserveShare(ctx, "bitcoin", &ledger.Share{}, false, false)
	m.ObserveShare(ctx, "bitcoin", &ledger.Share{Hash: "00ab"}, true, true)
	m.ObserveShare(ctx, "bitcoin", &ledger.Share{Hash: "00cd"}, true, false)

	tests := []struct {
		name string
		c    prometheus.Collector
		want float64
	}{
		{"valid shares", m.shares.WithLabelValues("bitcoin", "true"), 3},
		{"invalid shares", m.shares.WithLabelValues("bitcoin", "false"), 1},
		{"valid blocks", m.blocks.WithLabelValues("bitcoin", "true"), 1},
		{"invalid blocks", m.blocks.WithLabelValues("bitcoin", "false"), 1},
	}
	for _, tt := range tests {
		if got := testutil.ToFloat64(tt.c); got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestWorkers(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.WorkerStarted(0, false)
	m.WorkerStarted(1, false)
	m.WorkerExited(1)
	m.WorkerStarted(1, true)

	if got := testutil.ToFloat64(m.workers); got != 2 {
		t.Errorf("workers_running = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.workerRestarts.WithLabelValues("1")); got != 1 {
		t.Errorf("worker_restarts_total{fork_id=1} = %v, want 1", got)
	}
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.RecordBan("bitcoin")

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if body := rec.Body.String(); !strings.Contains(body, `poolportal_engine_bans_total{coin="bitcoin"} 1`) {
		t.Errorf("body missing ban counter:\n%s", body)
	}
}
