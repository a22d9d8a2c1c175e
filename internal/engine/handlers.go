// Package engine runs the stratum server of one coin inside a worker
// process. It owns the listeners, sessions, job cache, share validation,
// block submission, IP bans and vardiff, and reports every outcome to a
// Handlers implementation.
package engine

import (
	"context"

	"github.com/bardlex/poolportal/internal/ledger"
)

// AuthResult is the outcome of a worker authorization
type AuthResult struct {
	Authorized bool
	// Disconnect asks the engine to drop the connection
	Disconnect bool
	Error      error
}

// Handlers receives engine events. Calls come from session goroutines and
// must be safe for concurrent use.
type Handlers interface {
	AuthorizeWorker(ctx context.Context, ip string, port int, worker, password string) AuthResult
	OnShare(ctx context.Context, share *ledger.Share, shareValid, blockValid bool)
	OnBanIP(ip string)
	OnDifficultyUpdate(worker string, difficulty float64)
}

// BlockSubmitter hands a solved block to the coin daemon. A nil error means
// the block was accepted.
type BlockSubmitter interface {
	SubmitBlock(ctx context.Context, blockHex string) error
}
