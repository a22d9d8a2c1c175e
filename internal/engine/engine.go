package engine

import (
	"context"
	stderrors "errors"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bardlex/poolportal/internal/config"
	"github.com/bardlex/poolportal/internal/stratum"
	"github.com/bardlex/poolportal/internal/validation"
	"github.com/bardlex/poolportal/pkg/errors"
	"github.com/bardlex/poolportal/pkg/log"
)

const (
	defaultExtraNonce2Size = 4
	defaultMaxTimeSkew     = 2 * time.Hour
	defaultWriteTimeout    = 10 * time.Second
	defaultIdleTimeout     = 10 * time.Minute
)

// Config tunes one engine instance
type Config struct {
	// ForkID prefixes every extranonce1 handed out by this process
	ForkID int
	// Host is the listen address, empty for all interfaces
	Host            string
	ExtraNonce2Size int
	MaxTimeSkew     time.Duration
	WriteTimeout    time.Duration
}

// Engine is the stratum server of one coin inside one process
type Engine struct {
	pool      *config.Pool
	cfg       Config
	handlers  Handlers
	submitter BlockSubmitter
	validator *validation.Validator
	logger    *log.Logger

	jobs       *JobCache
	bans       *BanList
	extraNonce *ExtraNonceCounter

	mu        sync.Mutex
	sessions  map[string]*stratum.Session
	listeners []net.Listener
	wg        sync.WaitGroup
	quit      chan struct{}
	stopOnce  sync.Once
	now       func() time.Time
}

// New creates the engine of pool. handlers receive every classified share;
// submitter takes the assembled blocks.
func New(pool *config.Pool, cfg Config, handlers Handlers, submitter BlockSubmitter, logger *log.Logger) (*Engine, error) {
	if cfg.ExtraNonce2Size <= 0 {
		cfg.ExtraNonce2Size = defaultExtraNonce2Size
	}
	if cfg.MaxTimeSkew <= 0 {
		cfg.MaxTimeSkew = defaultMaxTimeSkew
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}

	validator, err := validation.NewValidator(pool.Coin.Algorithm, cfg.ExtraNonce2Size, cfg.MaxTimeSkew)
	if err != nil {
		return nil, err
	}

	return &Engine{
		pool:       pool,
		cfg:        cfg,
		handlers:   handlers,
		submitter:  submitter,
		validator:  validator,
		logger:     logger.WithComponent("engine").WithCoin(pool.Name()).WithFork(cfg.ForkID),
		jobs:       NewJobCache(),
		bans:       NewBanList(pool.Settings.Banning.Time),
		extraNonce: NewExtraNonceCounter(cfg.ForkID),
		sessions:   make(map[string]*stratum.Session),
		quit:       make(chan struct{}),
		now:        time.Now,
	}, nil
}

// Start binds every enabled port of the pool and serves until ctx ends or
// Stop is called. A bind failure closes the ports already bound.
func (e *Engine) Start(ctx context.Context) error {
	for _, port := range e.pool.ListenPorts() {
		ln, err := e.listen(ctx, port)
		if err != nil {
			e.closeListeners()
			return errors.Wrap(err, errors.ErrorTypeNetwork, "engine_start", "cannot bind stratum port").
				WithContext("port", port)
		}
		e.serve(ctx, ln, port)
		e.logger.Info("stratum port listening", "port", port, "difficulty", e.pool.Ports[strconv.Itoa(port)].Difficulty)
	}

	if e.pool.Settings.Banning.Enabled && e.pool.Settings.Banning.PurgeInterval > 0 {
		e.wg.Add(1)
		go e.purgeBans(ctx, e.pool.Settings.Banning.PurgeInterval)
	}
	return nil
}

// Stop closes every listener and session and waits for the accept loops
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.quit) })
	e.closeListeners()

	e.mu.Lock()
	for _, s := range e.sessions {
		s.Close()
	}
	e.mu.Unlock()

	e.wg.Wait()
}

func (e *Engine) listen(ctx context.Context, port int) (net.Listener, error) {
	lc := net.ListenConfig{Control: reusePort}
	return lc.Listen(ctx, "tcp", net.JoinHostPort(e.cfg.Host, strconv.Itoa(port)))
}

// serve registers ln and accepts on it in the background. Connections are
// attributed to port, the configured port, even when ln was bound elsewhere.
func (e *Engine) serve(ctx context.Context, ln net.Listener, port int) {
	e.mu.Lock()
	e.listeners = append(e.listeners, ln)
	e.mu.Unlock()

	e.wg.Add(1)
	go e.acceptLoop(ctx, ln, port)
}

func (e *Engine) closeListeners() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ln := range e.listeners {
		if err := ln.Close(); err != nil && !stderrors.Is(err, net.ErrClosed) {
			e.logger.WithError(err).Warn("failed to close listener")
		}
	}
	e.listeners = nil
}

func (e *Engine) acceptLoop(ctx context.Context, ln net.Listener, port int) {
	defer e.wg.Done()

	go func() {
		select {
		case <-ctx.Done():
		case <-e.quit:
		}
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if stderrors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			e.logger.WithError(err).Warn("accept failed")
			continue
		}

		host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
		if e.bans.IsBanned(host) {
			e.logger.Info("rejected connection from banned IP", "ip", host)
			_ = conn.Close()
			continue
		}

		go e.handleConnection(ctx, conn, port)
	}
}

func (e *Engine) handleConnection(ctx context.Context, conn net.Conn, port int) {
	timeout := e.pool.Settings.ConnectionTimeout
	if timeout <= 0 {
		timeout = defaultIdleTimeout
	}
	s := stratum.NewSession(uuid.NewString(), conn, port, e.logger, timeout, e.cfg.WriteTimeout)
	e.attach(s)
	defer e.detach(s)

	if err := s.Start(ctx, e); err != nil && ctx.Err() == nil {
		s.Logger().WithError(err).Debug("session ended")
	}
}

// attach registers a session and applies its port's vardiff settings
func (e *Engine) attach(s *stratum.Session) {
	if port, ok := e.pool.Ports[strconv.Itoa(s.Port())]; ok && port.Vardiff.Enabled {
		s.SetVardiff(stratum.NewVardiff(port.Vardiff))
	}
	e.mu.Lock()
	e.sessions[s.ID()] = s
	e.mu.Unlock()
}

func (e *Engine) detach(s *stratum.Session) {
	e.mu.Lock()
	delete(e.sessions, s.ID())
	e.mu.Unlock()
}

// SessionCount returns the number of connected sessions
func (e *Engine) SessionCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

func (e *Engine) snapshot() []*stratum.Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*stratum.Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		out = append(out, s)
	}
	return out
}

// UpdateJob caches job and pushes it to every subscribed session
func (e *Engine) UpdateJob(job *validation.Job) error {
	clean := e.jobs.Add(job)
	msg, err := stratum.NewNotify(job, clean)
	if err != nil {
		return err
	}

	sent := 0
	for _, s := range e.snapshot() {
		if !s.IsSubscribed() {
			continue
		}
		if err := s.SendMessage(msg); err != nil {
			s.Logger().WithError(err).Warn("failed to send job")
			continue
		}
		sent++
	}
	e.logger.Info("job broadcast", "job_id", job.ID, "height", job.Height, "clean", clean, "sessions", sent)
	return nil
}

// InvalidateJobs drops cached jobs that do not build on tip. Called when the
// daemon announces a new block before the job feed catches up.
func (e *Engine) InvalidateJobs(tip string) {
	if n := e.jobs.Invalidate(tip); n > 0 {
		e.logger.Info("stale jobs dropped", "tip", tip, "count", n)
	}
}

// BanIP applies a ban decided elsewhere and drops the IP's sessions. The
// Handlers are not notified.
func (e *Engine) BanIP(ip string) {
	e.bans.Ban(ip)
	e.dropIP(ip)
}

func (e *Engine) dropIP(ip string) {
	for _, s := range e.snapshot() {
		if s.IP() == ip {
			s.Close()
		}
	}
}

func (e *Engine) purgeBans(ctx context.Context, interval time.Duration) {
	defer e.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.quit:
			return
		case <-ticker.C:
			if n := e.bans.Purge(); n > 0 {
				e.logger.Debug("expired bans purged", "count", n)
			}
		}
	}
}
