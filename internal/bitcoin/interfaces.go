// Package bitcoin is the coin daemon client of the portal. It validates
// payout addresses and submits found blocks over JSON-RPC, against one or
// several daemons per coin.
package bitcoin

import "context"

// Daemon is the RPC surface the portal consumes from a coin daemon.
//
// All methods take a context for cancellation. Errors are ServiceErrors of
// type daemon, network or validation.
type Daemon interface {
	// ValidateAddress reports whether the daemon considers address valid
	ValidateAddress(ctx context.Context, address string) (bool, error)

	// SubmitBlock submits a hex-serialized block, nil meaning accepted
	SubmitBlock(ctx context.Context, blockHex string) error

	// GetBlockCount returns the current chain height
	GetBlockCount(ctx context.Context) (int64, error)

	// Ping tests connectivity
	Ping(ctx context.Context) error

	// Close releases the connection
	Close()
}

// Compile-time interface compliance checks
var (
	_ Daemon = (*RPCClient)(nil)
	_ Daemon = (*DaemonSet)(nil)
)
