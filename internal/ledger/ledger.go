// Package ledger keeps the per-coin round accounting in Redis.
//
// Every share submission becomes one ordered batch of commands:
//   - time accrual for the worker (times:values, times:last)
//   - share credit and counts (shares:values, shares:counts, shares:records)
//   - for block candidates, either the round rotation plus a pending block,
//     or an invalidBlocks count
//
// The batch is applied as one MULTI/EXEC group, so a block's rotation and its
// validBlocks increment are never observed apart. Counters are commutative and
// tolerate concurrent batches from other workers and processes. The rename
// based rotation is not, and assumes block confirmations for a coin do not
// race each other.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/bardlex/poolportal/internal/database/redis"
	"github.com/bardlex/poolportal/pkg/errors"
	"github.com/bardlex/poolportal/pkg/log"
)

// Store is the subset of the Redis client the ledger needs
type Store interface {
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	TxDo(ctx context.Context, cmds [][]any) ([]redis.Reply, error)
}

// CommandErrorFunc receives the index and ledger error of a command Redis
// rejected inside an executed batch
type CommandErrorFunc func(index int, err error)

// Ledger builds and applies round accounting batches for one coin
type Ledger struct {
	coin   string
	keys   Keys
	store  Store
	logger *log.Logger
	now    func() time.Time
}

// Option configures a Ledger
type Option func(*Ledger)

// WithClock replaces time.Now, mostly for tests
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates the ledger of coin on top of store
func New(coin string, store Store, logger *log.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		coin:   coin,
		keys:   NewKeys(coin),
		store:  store,
		logger: logger.WithComponent("ledger").WithCoin(coin),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Keys returns the key namespace of the ledger's coin
func (l *Ledger) Keys() Keys { return l.keys }

// TimingSamples reads the last-share timestamps of the current round
func (l *Ledger) TimingSamples(ctx context.Context) (TimingSamples, error) {
	raw, err := l.store.HGetAll(ctx, l.keys.Current(TimesLast))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "read_timing_samples",
			"failed to read times:last").WithContext("coin", l.coin)
	}
	return ParseTimingSamples(raw), nil
}

// ExecuteCommands applies cmds as one atomic group. A failure of the group is
// returned as the error. Commands Redis rejected inside a successful group are
// logged and passed to onCommandError one by one, and the full reply slice is
// still returned. onCommandError may be nil.
func (l *Ledger) ExecuteCommands(ctx context.Context, cmds []Command, onCommandError CommandErrorFunc) ([]Reply, error) {
	replies, err := l.store.TxDo(ctx, toArgs(cmds))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "execute_commands",
			"ledger batch failed").
			WithContext("coin", l.coin).
			WithContext("commands", len(cmds))
	}

	for i, reply := range replies {
		if reply.Err == nil {
			continue
		}
		cerr := errors.Wrap(reply.Err, errors.ErrorTypeLedger, "execute_commands",
			fmt.Sprintf("%s rejected", cmds[i].Name())).
			WithContext("coin", l.coin).
			WithContext("index", i)
		l.logger.WithError(cerr).Error("ledger command failed", "index", i, "command", cmds[i].Name())
		if onCommandError != nil {
			onCommandError(i, cerr)
		}
	}

	return replies, nil
}

// HandleShares records one submission: it reads the timing samples, builds
// the merged batch and executes it. Exactly one of the two results is set.
func (l *Ledger) HandleShares(ctx context.Context, share *Share, shareValid, blockValid bool) ([]Reply, error) {
	start := l.now()

	samples, err := l.TimingSamples(ctx)
	if err != nil {
		return nil, err
	}

	cmds := l.BuildCommands(samples, share, shareValid, blockValid)
	replies, err := l.ExecuteCommands(ctx, cmds, nil)
	if err != nil {
		return nil, err
	}

	l.logger.LogDuration("handle_shares", l.now().Sub(start))
	return replies, nil
}
