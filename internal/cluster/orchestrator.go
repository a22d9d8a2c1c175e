package cluster

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bardlex/poolportal/pkg/errors"
	"github.com/bardlex/poolportal/pkg/log"
)

const (
	defaultRespawnDelay  = 2 * time.Second
	defaultSpawnInterval = 250 * time.Millisecond
)

// Recorder is notified of worker lifecycle events
type Recorder interface {
	WorkerStarted(forkID int, restart bool)
	WorkerExited(forkID int)
}

// Config tunes the orchestrator
type Config struct {
	Forks int
	// Pools is the number of enabled pools, for the startup summary
	Pools         int
	RespawnDelay  time.Duration
	SpawnInterval time.Duration
}

// Orchestrator keeps one worker per fork id alive and relays control
// messages between them
type Orchestrator struct {
	spawner  Spawner
	cfg      Config
	logger   *log.Logger
	recorder Recorder

	mu       sync.Mutex
	workers  map[int]Process
	stopping bool
	wg       sync.WaitGroup
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithRecorder reports worker starts and exits to r
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// NewOrchestrator creates an orchestrator spawning through spawner
func NewOrchestrator(spawner Spawner, cfg Config, logger *log.Logger, opts ...Option) *Orchestrator {
	if cfg.Forks <= 0 {
		cfg.Forks = 1
	}
	if cfg.RespawnDelay <= 0 {
		cfg.RespawnDelay = defaultRespawnDelay
	}
	if cfg.SpawnInterval <= 0 {
		cfg.SpawnInterval = defaultSpawnInterval
	}
	o := &Orchestrator{
		spawner: spawner,
		cfg:     cfg,
		logger:  logger.WithComponent("orchestrator"),
		workers: make(map[int]Process),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run spawns the workers one interval apart and supervises them until ctx
// ends, then stops them all and waits for them to exit.
func (o *Orchestrator) Run(ctx context.Context) error {
	defer o.shutdown()

	ticker := time.NewTicker(o.cfg.SpawnInterval)
	defer ticker.Stop()

	for forkID := 0; forkID < o.cfg.Forks; forkID++ {
		if forkID > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
		if err := o.start(ctx, forkID, false); err != nil {
			return err
		}
	}
	o.logger.Info(fmt.Sprintf("started %d pool(s) on %d fork(s)", o.cfg.Pools, o.cfg.Forks))

	<-ctx.Done()
	return nil
}

func (o *Orchestrator) start(ctx context.Context, forkID int, restart bool) error {
	p, err := o.spawner.Spawn(ctx, forkID)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeWorker, "spawn_worker", "cannot start worker").
			WithContext("fork_id", forkID)
	}

	o.mu.Lock()
	o.workers[forkID] = p
	o.wg.Add(1)
	stopping := o.stopping
	o.mu.Unlock()

	// a replacement that raced shutdown is stopped right away
	if stopping {
		_ = p.Stop()
	}

	if o.recorder != nil {
		o.recorder.WorkerStarted(forkID, restart)
	}
	o.logger.WithFork(forkID).Debug("worker started", "restart", restart)

	go o.supervise(ctx, p)
	return nil
}

// supervise relays p's messages until it exits, then schedules its
// replacement unless the orchestrator is shutting down
func (o *Orchestrator) supervise(ctx context.Context, p Process) {
	defer o.wg.Done()
	forkID := p.ForkID()
	logger := o.logger.WithFork(forkID)

	for msg := range p.Messages() {
		o.handle(forkID, msg)
	}
	err := p.Wait()

	o.mu.Lock()
	if o.workers[forkID] == p {
		delete(o.workers, forkID)
	}
	stopping := o.stopping
	o.mu.Unlock()

	if o.recorder != nil {
		o.recorder.WorkerExited(forkID)
	}
	if stopping || ctx.Err() != nil {
		logger.Debug("worker stopped")
		return
	}

	logger.WithError(err).Error("fork died, starting replacement worker")
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(o.cfg.RespawnDelay):
		}
		if o.isStopping() {
			return
		}
		if err := o.start(ctx, forkID, true); err != nil {
			logger.WithError(err).Error("failed to start replacement worker")
			continue
		}
		return
	}
}

func (o *Orchestrator) handle(from int, msg Message) {
	switch msg.Type {
	case TypeBanIP:
		o.Broadcast(msg, from)
	default:
		o.logger.WithFork(from).Warn("unknown control message", "type", msg.Type)
	}
}

// Broadcast sends msg to every live worker except the one with fork id
// except
func (o *Orchestrator) Broadcast(msg Message, except int) {
	o.mu.Lock()
	targets := make([]Process, 0, len(o.workers))
	for id, p := range o.workers {
		if id != except {
			targets = append(targets, p)
		}
	}
	o.mu.Unlock()

	for _, p := range targets {
		if err := p.Send(msg); err != nil {
			o.logger.WithFork(p.ForkID()).WithError(err).Warn("failed to relay control message", "type", msg.Type)
		}
	}
}

// Workers returns the fork ids of the live workers
func (o *Orchestrator) Workers() []int {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]int, 0, len(o.workers))
	for id := range o.workers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func (o *Orchestrator) isStopping() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stopping
}

func (o *Orchestrator) shutdown() {
	o.mu.Lock()
	o.stopping = true
	workers := make([]Process, 0, len(o.workers))
	for _, p := range o.workers {
		workers = append(workers, p)
	}
	o.mu.Unlock()

	for _, p := range workers {
		if err := p.Stop(); err != nil {
			o.logger.WithFork(p.ForkID()).WithError(err).Warn("failed to stop worker")
		}
	}
	o.wg.Wait()
}
