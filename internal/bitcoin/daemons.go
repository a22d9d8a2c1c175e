package bitcoin

import (
	"context"

	"github.com/bardlex/poolportal/internal/config"
	"github.com/bardlex/poolportal/pkg/errors"
	"github.com/bardlex/poolportal/pkg/log"
)

// DaemonSet fans calls out over every daemon configured for a coin.
// Reads are answered by the first daemon that responds. Blocks go to all
// of them and count as accepted when any one accepts.
type DaemonSet struct {
	coin    string
	daemons []Daemon
	logger  *log.Logger
}

// NewDaemonSet connects an RPC client to every daemon of pool
func NewDaemonSet(pool *config.Pool, logger *log.Logger) (*DaemonSet, error) {
	if len(pool.Daemons) == 0 {
		return nil, errors.New(errors.ErrorTypeConfig, "daemon_set",
			"no daemons configured").WithContext("coin", pool.Name())
	}

	daemons := make([]Daemon, 0, len(pool.Daemons))
	for _, d := range pool.Daemons {
		client, err := NewRPCClient(d, pool.Coin.Network)
		if err != nil {
			for _, opened := range daemons {
				opened.Close()
			}
			return nil, err
		}
		daemons = append(daemons, client)
	}

	return NewDaemonSetFrom(pool.Name(), daemons, logger), nil
}

// NewDaemonSetFrom builds a set over already constructed daemons
func NewDaemonSetFrom(coin string, daemons []Daemon, logger *log.Logger) *DaemonSet {
	return &DaemonSet{
		coin:    coin,
		daemons: daemons,
		logger:  logger.WithComponent("daemons").WithCoin(coin),
	}
}

// Len returns the number of daemons in the set
func (s *DaemonSet) Len() int { return len(s.daemons) }

// ValidateAddress asks each daemon in turn until one answers
func (s *DaemonSet) ValidateAddress(ctx context.Context, address string) (bool, error) {
	var lastErr error
	for i, d := range s.daemons {
		valid, err := d.ValidateAddress(ctx, address)
		if err == nil {
			return valid, nil
		}
		s.logger.WithError(err).Warn("daemon failed to validate address", "daemon", i)
		lastErr = err
	}
	return false, lastErr
}

// SubmitBlock sends the block to every daemon. It returns nil when at least
// one accepted, otherwise the last rejection.
func (s *DaemonSet) SubmitBlock(ctx context.Context, blockHex string) error {
	var lastErr error
	accepted := false
	for i, d := range s.daemons {
		if err := d.SubmitBlock(ctx, blockHex); err != nil {
			s.logger.WithError(err).Warn("daemon rejected block submission", "daemon", i)
			lastErr = err
			continue
		}
		accepted = true
	}
	if accepted {
		return nil
	}
	return lastErr
}

// GetBlockCount returns the height reported by the first daemon that answers
func (s *DaemonSet) GetBlockCount(ctx context.Context) (int64, error) {
	var lastErr error
	for _, d := range s.daemons {
		height, err := d.GetBlockCount(ctx)
		if err == nil {
			return height, nil
		}
		lastErr = err
	}
	return 0, lastErr
}

// Ping succeeds when at least one daemon is reachable
func (s *DaemonSet) Ping(ctx context.Context) error {
	var lastErr error
	for i, d := range s.daemons {
		err := d.Ping(ctx)
		if err == nil {
			return nil
		}
		s.logger.WithError(err).Warn("daemon unreachable", "daemon", i)
		lastErr = err
	}
	return lastErr
}

// Close closes every daemon client
func (s *DaemonSet) Close() {
	for _, d := range s.daemons {
		d.Close()
	}
}
