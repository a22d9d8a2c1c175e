// Package gateway connects one coin's stratum engine to the daemon and the
// round ledger. It authorizes workers against the daemon, records every
// share in the ledger and passes local bans up to the master.
package gateway

import (
	"context"
	"strings"

	"github.com/bardlex/poolportal/internal/config"
	"github.com/bardlex/poolportal/internal/engine"
	"github.com/bardlex/poolportal/internal/ledger"
	"github.com/bardlex/poolportal/internal/validation"
	"github.com/bardlex/poolportal/pkg/log"
)

// Daemon is the part of the daemon client the gateway needs
type Daemon interface {
	ValidateAddress(ctx context.Context, address string) (bool, error)
	SubmitBlock(ctx context.Context, blockHex string) error
}

// Ledger records shares
type Ledger interface {
	HandleShares(ctx context.Context, share *ledger.Share, shareValid, blockValid bool) ([]ledger.Reply, error)
}

// BanRecorder counts bans issued by the local engine
type BanRecorder interface {
	RecordBan(coin string)
}

// BanEvent is a ban decided by a local engine, to be relayed to the other
// processes
type BanEvent struct {
	Coin string
	IP   string
}

// Gateway owns the engine of one coin
type Gateway struct {
	coin      string
	daemon    Daemon
	ledger    Ledger
	engine    *engine.Engine
	observers []ledger.Observer
	banRec    BanRecorder
	bans      chan<- BanEvent
	logger    *log.Logger
}

// Option configures a Gateway
type Option func(*Gateway)

// WithObservers adds sinks told about every handled share
func WithObservers(observers ...ledger.Observer) Option {
	return func(g *Gateway) { g.observers = append(g.observers, observers...) }
}

// WithBanRecorder counts local bans
func WithBanRecorder(r BanRecorder) Option {
	return func(g *Gateway) { g.banRec = r }
}

// New creates the gateway of pool and its engine. Local bans are sent on
// bans, which may be nil in a single-process setup.
func New(pool *config.Pool, cfg engine.Config, daemon Daemon, l Ledger, bans chan<- BanEvent, logger *log.Logger, opts ...Option) (*Gateway, error) {
	g := &Gateway{
		coin:   pool.Name(),
		daemon: daemon,
		ledger: l,
		bans:   bans,
		logger: logger.WithComponent("gateway").WithCoin(pool.Name()).WithFork(cfg.ForkID),
	}
	for _, opt := range opts {
		opt(g)
	}

	e, err := engine.New(pool, cfg, g, daemon, logger)
	if err != nil {
		return nil, err
	}
	g.engine = e
	return g, nil
}

// Coin returns the coin name of the gateway
func (g *Gateway) Coin() string { return g.coin }

// Start starts the engine's listeners
func (g *Gateway) Start(ctx context.Context) error {
	return g.engine.Start(ctx)
}

// Stop stops the engine
func (g *Gateway) Stop() {
	g.engine.Stop()
}

// UpdateJob hands a new job to the engine
func (g *Gateway) UpdateJob(job *validation.Job) error {
	return g.engine.UpdateJob(job)
}

// InvalidateJobs drops jobs that do not build on tip
func (g *Gateway) InvalidateJobs(tip string) {
	g.engine.InvalidateJobs(tip)
}

// BanIP applies a ban received from the master
func (g *Gateway) BanIP(ip string) {
	g.logger.Info("ban received from another fork", "ip", ip)
	g.engine.BanIP(ip)
}

// CheckWorker asks the daemon whether address is valid on the pool's network.
// Daemon failures count as invalid.
func (g *Gateway) CheckWorker(ctx context.Context, address string) bool {
	valid, err := g.daemon.ValidateAddress(ctx, address)
	if err != nil {
		g.logger.WithError(err).Warn("address validation failed", "address", address)
		return false
	}
	return valid
}

// AuthorizeWorker authorizes a worker whose name starts with a valid address
func (g *Gateway) AuthorizeWorker(ctx context.Context, ip string, port int, worker, _ string) engine.AuthResult {
	address, _, _ := strings.Cut(worker, ".")
	authorized := g.CheckWorker(ctx, address)

	logger := g.logger.WithWorker(worker, ip).WithFields("port", port)
	if authorized {
		logger.Info("worker authorized")
	} else {
		logger.Info("worker unauthorized")
	}
	return engine.AuthResult{Authorized: authorized}
}

// CheckShare logs the verdict on a recorded share
func (g *Gateway) CheckShare(share *ledger.Share, accepted bool) {
	logger := g.logger.WithWorker(share.Worker, share.IP)
	if accepted {
		logger.Debug("share accepted at difficulty",
			"difficulty", share.Difficulty, "share_diff", share.ShareDiff, "job_id", share.Job)
		return
	}
	logger.Info("share rejected by the daemon", "job_id", share.Job, "share_diff", share.ShareDiff)
}

// CheckBlock logs the daemon's verdict on a block candidate
func (g *Gateway) CheckBlock(share *ledger.Share, accepted bool) {
	if accepted {
		g.logger.LogBlockFound(share.Hash, share.Height, share.Worker, share.BlockDiff)
		return
	}
	g.logger.Warn("we thought a block was found but it was rejected by the daemon",
		"hash", share.Hash, "height", share.Height, "worker", share.Worker)
}

// HandleShares records the share in the ledger, logs the outcome and tells
// the observers. Observers run even when the ledger failed.
func (g *Gateway) HandleShares(ctx context.Context, share *ledger.Share, shareValid, blockValid bool) ([]ledger.Reply, error) {
	replies, err := g.ledger.HandleShares(ctx, share, shareValid, blockValid)
	if err != nil {
		g.logger.WithError(err).Error("failed to record share in the ledger",
			"worker", share.Worker, "job_id", share.Job)
	} else {
		g.CheckShare(share, shareValid)
		if share.Hash != "" || blockValid {
			g.CheckBlock(share, blockValid)
		}
	}

	for _, o := range g.observers {
		o.ObserveShare(ctx, g.coin, share, shareValid, blockValid)
	}
	return replies, err
}

// OnShare is called by the engine for every classified submission
func (g *Gateway) OnShare(ctx context.Context, share *ledger.Share, shareValid, blockValid bool) {
	_, _ = g.HandleShares(ctx, share, shareValid, blockValid)
}

// OnBanIP relays a local ban upward. The send never blocks a session; a full
// channel drops the event with a warning.
func (g *Gateway) OnBanIP(ip string) {
	if g.banRec != nil {
		g.banRec.RecordBan(g.coin)
	}
	if g.bans == nil {
		return
	}
	select {
	case g.bans <- BanEvent{Coin: g.coin, IP: ip}:
	default:
		g.logger.Warn("ban event dropped, relay is full", "ip", ip)
	}
}

// OnDifficultyUpdate logs a vardiff retarget
func (g *Gateway) OnDifficultyUpdate(worker string, diff float64) {
	g.logger.Debug("difficulty update", "worker", worker, "difficulty", diff)
}

var _ engine.Handlers = (*Gateway)(nil)
