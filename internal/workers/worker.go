// Package workers hosts the pools of one worker process: a gateway per coin
// with its daemons, ledger and observers, the job feed, block notifications
// and the ban bridge to the master.
package workers

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bardlex/poolportal/internal/bitcoin"
	"github.com/bardlex/poolportal/internal/bitcoin/notify"
	"github.com/bardlex/poolportal/internal/cluster"
	"github.com/bardlex/poolportal/internal/config"
	"github.com/bardlex/poolportal/internal/database"
	"github.com/bardlex/poolportal/internal/engine"
	"github.com/bardlex/poolportal/internal/gateway"
	"github.com/bardlex/poolportal/internal/ledger"
	"github.com/bardlex/poolportal/internal/messaging"
	"github.com/bardlex/poolportal/internal/metrics"
	"github.com/bardlex/poolportal/pkg/errors"
	"github.com/bardlex/poolportal/pkg/log"
)

// banBuffer bounds the local bans waiting to be relayed
const banBuffer = 64

const (
	daemonCheckTimeout = 5 * time.Second
	healthInterval     = 30 * time.Second
	healthTimeout      = 5 * time.Second
)

// Env is everything a worker process runs with
type Env struct {
	Portal *config.Portal
	Pools  map[string]*config.Pool
	ForkID int
	Logger *log.Logger
	// Link connects the worker to its master, nil when running alone
	Link *cluster.Link
	// Registry receives the worker's collectors, a private one when nil
	Registry *prometheus.Registry
	// Host is the stratum listen address, empty for all interfaces
	Host string
}

// Worker is a running worker process
type Worker struct {
	env    *Env
	base   *log.Logger
	logger *log.Logger

	db       *database.Manager
	kafka    *messaging.KafkaClient
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	feed     *messaging.JobFeed

	gateways  []*gateway.Gateway
	daemons   []*bitcoin.DaemonSet
	notifiers []notifier
	bans      chan gateway.BanEvent

	healthEvery time.Duration
}

type notifier struct {
	n  *notify.Notifier
	gw *gateway.Gateway
}

// Run sets the worker up and serves until ctx ends
func Run(ctx context.Context, env *Env) error {
	w, err := Setup(ctx, env)
	if err != nil {
		return err
	}
	defer w.Close()
	return w.Serve(ctx)
}

// Setup connects the stores and builds the gateway of every pool. A pool
// whose daemons cannot be set up or reached is skipped; having none left is
// an error.
func Setup(ctx context.Context, env *Env) (*Worker, error) {
	base := env.Logger.WithFork(env.ForkID)
	logger := base.WithComponent("workers")

	db, err := database.NewManager(ctx, env.Portal, base)
	if err != nil {
		return nil, err
	}

	registry := env.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	w := &Worker{
		env:      env,
		base:     base,
		logger:   logger,
		db:       db,
		registry: registry,
		metrics:  metrics.New(registry),
		feed:     messaging.NewJobFeed(base),
		bans:     make(chan gateway.BanEvent, banBuffer),

		healthEvery: healthInterval,
	}

	observers := append(db.Observers(), w.metrics)
	if len(env.Portal.KafkaBrokers) > 0 {
		w.kafka = messaging.NewKafkaClient(env.Portal.KafkaBrokers, base)
		observers = append(observers, messaging.NewResultPublisher(w.kafka, base))
	}

	names := make([]string, 0, len(env.Pools))
	for name := range env.Pools {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := w.addPool(ctx, env.Pools[name], observers); err != nil {
			logger.WithCoin(name).WithError(err).Error("failed to set up pool")
		}
	}

	if len(w.gateways) == 0 {
		w.Close()
		return nil, errors.New(errors.ErrorTypeConfig, "worker_setup", "no pool could be set up")
	}
	return w, nil
}

func (w *Worker) addPool(ctx context.Context, pool *config.Pool, observers []ledger.Observer) error {
	daemons, err := bitcoin.NewDaemonSet(pool, w.base)
	if err != nil {
		return err
	}
	if err := w.checkDaemons(ctx, pool, daemons); err != nil {
		daemons.Close()
		return err
	}

	gw, err := gateway.New(pool,
		engine.Config{ForkID: w.env.ForkID, Host: w.env.Host},
		daemons,
		w.db.Ledger(pool.Name(), w.base),
		w.bans,
		w.env.Logger,
		gateway.WithObservers(observers...),
		gateway.WithBanRecorder(w.metrics),
	)
	if err != nil {
		daemons.Close()
		return err
	}

	var notifiers []notifier
	for _, d := range pool.Daemons {
		if d.ZMQ == "" {
			continue
		}
		n, err := notify.NewNotifier(d.ZMQ, w.base.WithCoin(pool.Name()))
		if err != nil {
			for _, opened := range notifiers {
				_ = opened.n.Close()
			}
			daemons.Close()
			return err
		}
		notifiers = append(notifiers, notifier{n: n, gw: gw})
	}

	w.daemons = append(w.daemons, daemons)
	w.gateways = append(w.gateways, gw)
	w.notifiers = append(w.notifiers, notifiers...)
	w.feed.Register(pool.Name(), gw)
	return nil
}

// checkDaemons fails unless at least one daemon of the pool answers
func (w *Worker) checkDaemons(ctx context.Context, pool *config.Pool, daemons *bitcoin.DaemonSet) error {
	checkCtx, cancel := context.WithTimeout(ctx, daemonCheckTimeout)
	defer cancel()

	if err := daemons.Ping(checkCtx); err != nil {
		return errors.Wrap(err, errors.ErrorTypeNetwork, "daemon_check",
			"no daemon reachable").WithContext("coin", pool.Name())
	}

	logger := w.logger.WithCoin(pool.Name())
	height, err := daemons.GetBlockCount(checkCtx)
	if err != nil {
		logger.WithError(err).Warn("connected to daemon but could not read block height")
		return nil
	}
	logger.Info("connected to daemon", "height", height)
	return nil
}

// Gateways returns the gateways of the worker ordered by coin
func (w *Worker) Gateways() []*gateway.Gateway { return w.gateways }

// Serve starts every gateway and the background loops, then blocks until ctx
// ends or the master goes away.
func (w *Worker) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, gw := range w.gateways {
		if err := gw.Start(ctx); err != nil {
			w.stopGateways()
			return err
		}
	}

	var wg sync.WaitGroup

	if w.kafka != nil {
		groupID := w.env.Portal.KafkaGroupID + "-fork-" + strconv.Itoa(w.env.ForkID)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.feed.Run(ctx, w.kafka, groupID); err != nil && ctx.Err() == nil {
				w.logger.WithError(err).Error("job feed stopped")
			}
		}()
	} else {
		w.logger.Warn("no Kafka brokers configured, miners will not receive jobs")
	}

	for _, nb := range w.notifiers {
		wg.Add(1)
		go func(nb notifier) {
			defer wg.Done()
			if err := nb.n.Run(ctx, nb.gw.InvalidateJobs); err != nil && ctx.Err() == nil {
				w.logger.WithError(err).Error("block notifications stopped", "endpoint", nb.n.Endpoint())
			}
		}(nb)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		w.relayBans(ctx)
	}()

	if w.env.Link != nil {
		// Receive only returns once the master closed the pipe
		go func() {
			if err := w.env.Link.Receive(w.handleControl); err != nil {
				w.logger.WithError(err).Warn("control channel failed")
			}
			if ctx.Err() == nil {
				w.logger.Warn("control channel closed, shutting down")
				cancel()
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		w.watchStores(ctx)
	}()

	if addr := w.env.Portal.MetricsAddr; addr != "" {
		w.serveMetrics(ctx, &wg, addr)
	}

	w.logger.Info("worker started", "pools", len(w.gateways))
	<-ctx.Done()

	w.stopGateways()
	wg.Wait()
	w.logger.Info("worker stopped")
	return nil
}

func (w *Worker) serveMetrics(ctx context.Context, wg *sync.WaitGroup, addr string) {
	workerAddr, err := metrics.WorkerAddr(addr, w.env.ForkID)
	if err != nil {
		w.logger.WithError(err).Warn("worker metrics disabled")
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := metrics.Serve(ctx, workerAddr, w.registry, w.logger); err != nil {
			w.logger.WithError(err).Warn("worker metrics server failed")
		}
	}()
}

// watchStores checks the worker's store connections until ctx ends
func (w *Worker) watchStores(ctx context.Context) {
	ticker := time.NewTicker(w.healthEvery)
	defer ticker.Stop()

	healthy := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		checkCtx, cancel := context.WithTimeout(ctx, healthTimeout)
		err := w.db.Health(checkCtx)
		cancel()

		switch {
		case err != nil && ctx.Err() == nil:
			w.logger.WithError(err).Warn("store health check failed")
			healthy = false
		case err == nil && !healthy:
			w.logger.Info("stores healthy again")
			healthy = true
		}
	}
}

func (w *Worker) stopGateways() {
	for _, gw := range w.gateways {
		gw.Stop()
	}
}

// relayBans applies every local ban to the worker's other pools and sends it
// to the master, which passes it on to the other workers
func (w *Worker) relayBans(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-w.bans:
			for _, gw := range w.gateways {
				if gw.Coin() != ev.Coin {
					gw.BanIP(ev.IP)
				}
			}
			if w.env.Link == nil {
				continue
			}
			if err := w.env.Link.Send(cluster.Message{Type: cluster.TypeBanIP, IP: ev.IP}); err != nil {
				w.logger.WithError(err).Warn("failed to relay ban to the master", "ip", ev.IP)
			}
		}
	}
}

// handleControl applies a message relayed by the master
func (w *Worker) handleControl(msg cluster.Message) {
	switch msg.Type {
	case cluster.TypeBanIP:
		for _, gw := range w.gateways {
			gw.BanIP(msg.IP)
		}
	default:
		w.logger.Warn("unknown control message", "type", msg.Type)
	}
}

// Close releases every connection of the worker
func (w *Worker) Close() {
	for _, nb := range w.notifiers {
		if err := nb.n.Close(); err != nil {
			w.logger.WithError(err).Warn("failed to close ZMQ socket")
		}
	}
	for _, d := range w.daemons {
		d.Close()
	}
	if w.kafka != nil {
		if err := w.kafka.Close(); err != nil {
			w.logger.WithError(err).Warn("failed to close Kafka client")
		}
	}
	if err := w.db.Close(); err != nil {
		w.logger.WithError(err).Warn("failed to close database connections")
	}
}
