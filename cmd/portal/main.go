// Package main implements the portal binary. Started plainly it runs as the
// master, which loads the configuration and keeps one worker process per
// fork alive. Started with WORKER_TYPE=worker it runs the pools of one fork.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/bardlex/poolportal/internal/cluster"
	"github.com/bardlex/poolportal/internal/config"
	"github.com/bardlex/poolportal/internal/database/redis"
	"github.com/bardlex/poolportal/internal/metrics"
	"github.com/bardlex/poolportal/internal/workers"
	"github.com/bardlex/poolportal/pkg/log"
)

// minRedisVersion is the oldest Redis the ledger is known to work with
const minRedisVersion = 2.6

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cluster.IsWorker(os.Getenv) {
		os.Exit(runWorker(ctx, os.Getenv))
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	os.Exit(runMaster(ctx, cfg, logger))
}

func runMaster(ctx context.Context, cfg *config.Portal, logger *log.Logger) int {
	logger = logger.WithComponent("master")

	pools, err := config.LoadPools(cfg.PoolConfigDir, cfg, logger)
	if err != nil {
		logger.WithError(err).Error("failed to load pool configs")
		return 1
	}
	if len(pools) == 0 {
		logger.Error("no pool configs exist or are enabled, add one to the pool config directory",
			"dir", cfg.PoolConfigDir)
		return 1
	}

	forks, err := cfg.ForkCount()
	if err != nil {
		logger.WithError(err).Error("invalid fork count")
		return 1
	}

	checkRedis(ctx, cfg, logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	spawner, err := cluster.NewExecSpawner(func(forkID int) *cluster.Handoff {
		return &cluster.Handoff{Pools: pools, Portal: cfg, ForkID: forkID}
	})
	if err != nil {
		logger.WithError(err).Error("failed to set up worker spawner")
		return 1
	}

	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddr, reg, logger); err != nil {
				logger.WithError(err).Error("metrics server failed")
			}
		}()
	}

	orch := cluster.NewOrchestrator(spawner, cluster.Config{
		Forks:         forks,
		Pools:         len(pools),
		RespawnDelay:  cfg.RespawnDelay,
		SpawnInterval: cfg.SpawnInterval,
	}, logger, cluster.WithRecorder(m))

	logger.Info("starting portal", "version", cfg.Version, "pools", len(pools), "forks", forks)
	if err := orch.Run(ctx); err != nil {
		logger.WithError(err).Error("orchestrator failed")
		return 1
	}
	logger.Info("portal stopped")
	return 0
}

// checkRedis warns when the Redis server is too old for the ledger or does
// not report its version. It never stops the portal: workers connect on
// their own and fail loudly if Redis is unreachable.
func checkRedis(ctx context.Context, cfg *config.Portal, logger *log.Logger) {
	client, err := redis.NewClient(ctx, &redis.Config{URL: cfg.RedisURL, PoolSize: 1, Timeout: cfg.RedisTimeout})
	if err != nil {
		logger.WithError(err).Warn("failed to connect to Redis to check its version")
		return
	}
	defer client.Close()

	version, err := client.ServerVersion(ctx)
	switch {
	case err != nil || version == 0:
		logger.WithError(err).Warn("could not detect redis version, the ledger may not work", "url", cfg.RedisURL)
	case !redisVersionSupported(version):
		logger.Warn("redis version is too old, the ledger may not work",
			"version", version, "min_version", minRedisVersion)
	}
}

func redisVersionSupported(version float64) bool {
	return version > minRedisVersion
}

func runWorker(ctx context.Context, getenv func(string) string) int {
	h, err := cluster.ParseHandoff(getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to decode worker handoff: %v\n", err)
		return 1
	}
	logger := log.New(h.Portal.ServiceName, h.Portal.Version, h.Portal.LogLevel, h.Portal.LogFormat)

	link, err := cluster.OpenWorkerLink()
	if err != nil {
		logger.WithError(err).Error("failed to open control channel")
		return 1
	}

	if err := workers.Run(ctx, &workers.Env{
		Portal: h.Portal,
		Pools:  h.Pools,
		ForkID: h.ForkID,
		Logger: logger,
		Link:   link,
	}); err != nil {
		logger.WithFork(h.ForkID).WithError(err).Error("worker failed")
		return 1
	}
	return 0
}
