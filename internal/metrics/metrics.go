// Package metrics exposes the portal's Prometheus collectors. Collectors are
// registered on the registry handed to New, never on the global one.
package metrics

import (
	"context"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bardlex/poolportal/internal/ledger"
)

const namespace = "poolportal"

// Metrics holds every collector of one process
type Metrics struct {
	shares         *prometheus.CounterVec
	blocks         *prometheus.CounterVec
	bans           *prometheus.CounterVec
	workerRestarts *prometheus.CounterVec
	workers        prometheus.Gauge
}

// New creates the collectors and registers them on reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		shares: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "shares_total",
				Help:      "Shares recorded in the ledger.",
			},
			[]string{"coin", "valid"},
		),
		blocks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "blocks_total",
				Help:      "Block candidates by daemon verdict.",
			},
			[]string{"coin", "valid"},
		),
		bans: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "bans_total",
				Help:      "IP bans issued for invalid shares.",
			},
			[]string{"coin"},
		),
		workerRestarts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cluster",
				Name:      "worker_restarts_total",
				Help:      "Worker processes respawned after an exit.",
			},
			[]string{"fork_id"},
		),
		workers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "cluster",
				Name:      "workers_running",
				Help:      "Worker processes currently running.",
			},
		),
	}
	reg.MustRegister(m.shares, m.blocks, m.bans, m.workerRestarts, m.workers)
	return m
}

// ObserveShare counts a share after the ledger handled it
func (m *Metrics) ObserveShare(_ context.Context, coin string, share *ledger.Share, shareValid, blockValid bool) {
	m.shares.WithLabelValues(coin, strconv.FormatBool(shareValid)).Inc()
	if share.Hash != "" || blockValid {
		m.blocks.WithLabelValues(coin, strconv.FormatBool(blockValid)).Inc()
	}
}

// RecordBan counts a ban issued by a local engine
func (m *Metrics) RecordBan(coin string) {
	m.bans.WithLabelValues(coin).Inc()
}

// WorkerStarted tracks a worker process coming up. restart is false for the
// initial spawn.
func (m *Metrics) WorkerStarted(forkID int, restart bool) {
	m.workers.Inc()
	if restart {
		m.workerRestarts.WithLabelValues(strconv.Itoa(forkID)).Inc()
	}
}

// WorkerExited tracks a worker process going away
func (m *Metrics) WorkerExited(int) {
	m.workers.Dec()
}

// Handler serves the collectors of g in the text exposition format
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
