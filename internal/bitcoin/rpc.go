package bitcoin

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/poolportal/internal/config"
	"github.com/bardlex/poolportal/pkg/circuit"
	"github.com/bardlex/poolportal/pkg/errors"
	"github.com/bardlex/poolportal/pkg/retry"
)

// RPCClient talks JSON-RPC to one coin daemon. It wraps btcd's RPC client
// with a circuit breaker and a short retry policy, since miners are waiting
// on most of its calls.
type RPCClient struct {
	host           string
	client         *rpcclient.Client
	params         *chaincfg.Params
	circuitBreaker *circuit.Breaker
	retryPolicy    *retry.Policy
}

// NetworkParams maps a pool network name to its chain parameters. An empty
// name means mainnet.
func NetworkParams(network string) (*chaincfg.Params, error) {
	switch strings.ToLower(network) {
	case "", "mainnet", "main":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3", "test":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "simnet":
		return &chaincfg.SimNetParams, nil
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "network_params", "unknown network %q", network)
	}
}

// NewRPCClient creates a client for daemon on the given network. Nothing is
// sent until the first call.
func NewRPCClient(daemon config.Daemon, network string) (*RPCClient, error) {
	params, err := NetworkParams(network)
	if err != nil {
		return nil, err
	}

	host := fmt.Sprintf("%s:%d", daemon.Host, daemon.Port)
	connCfg := &rpcclient.ConnConfig{
		Host:         host,
		User:         daemon.User,
		Pass:         daemon.Password,
		HTTPPostMode: true,
		DisableTLS:   daemon.DisableTLS,
	}

	client, err := rpcclient.New(connCfg, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDaemon, "rpc_client_creation",
			"failed to create daemon RPC client").
			WithContext("host", host)
	}

	cbConfig := circuit.DefaultConfig("daemon " + host)
	cbConfig.MaxFailures = 3

	return &RPCClient{
		host:           host,
		client:         client,
		params:         params,
		circuitBreaker: circuit.New(cbConfig),
		retryPolicy:    retry.DaemonPolicy(),
	}, nil
}

// Host returns the host:port of the daemon
func (c *RPCClient) Host() string { return c.host }

// Close shuts down the RPC client
func (c *RPCClient) Close() {
	c.client.Shutdown()
}

// ValidateAddress reports whether address is well-formed for the client's
// network and accepted by the daemon's validateaddress. An address that does
// not even decode is invalid without a round trip.
func (c *RPCClient) ValidateAddress(ctx context.Context, address string) (bool, error) {
	addr, err := btcutil.DecodeAddress(address, c.params)
	if err != nil || !addr.IsForNet(c.params) {
		return false, nil
	}

	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (bool, error) {
		return retry.DoWithResult(ctx, c.retryPolicy, func() (bool, error) {
			result, err := c.client.ValidateAddressAsync(addr).Receive()
			if err != nil {
				return false, errors.Wrap(err, errors.ErrorTypeDaemon, "validate_address",
					"failed to validate address").
					WithContext("address", address).
					WithContext("host", c.host)
			}
			return result.IsValid, nil
		})
	})
}

// SubmitBlock submits a serialized block. A nil error means the daemon
// accepted it. A rejection reason such as "duplicate" or "high-hash" comes
// back as an error.
func (c *RPCClient) SubmitBlock(ctx context.Context, blockHex string) error {
	blockBytes, err := hex.DecodeString(blockHex)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "block_validation",
			"invalid block hex encoding").
			WithContext("block_hex_length", len(blockHex))
	}

	block := &wire.MsgBlock{}
	if err := block.Deserialize(bytes.NewReader(blockBytes)); err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "block_deserialization",
			"failed to deserialize block data").
			WithContext("block_size", len(blockBytes))
	}

	// block submission is time-critical, one quick retry at most
	policy := *c.retryPolicy
	policy.MaxAttempts = 2

	return c.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, &policy, func() error {
			if err := c.client.SubmitBlockAsync(btcutil.NewBlock(block), nil).Receive(); err != nil {
				return errors.Wrap(err, errors.ErrorTypeDaemon, "submit_block",
					"daemon did not accept block").
					WithContext("block_hash", block.BlockHash().String()).
					WithContext("host", c.host)
			}
			return nil
		})
	})
}

// GetBlockCount returns the daemon's chain height
func (c *RPCClient) GetBlockCount(ctx context.Context) (int64, error) {
	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (int64, error) {
		return retry.DoWithResult(ctx, c.retryPolicy, func() (int64, error) {
			count, err := c.client.GetBlockCountAsync().Receive()
			if err != nil {
				return 0, errors.Wrap(err, errors.ErrorTypeDaemon, "get_block_count",
					"failed to retrieve current block height").
					WithContext("host", c.host)
			}
			return count, nil
		})
	})
}

// Ping tests the connection to the daemon
func (c *RPCClient) Ping(ctx context.Context) error {
	return c.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryPolicy, func() error {
			if err := c.client.PingAsync().Receive(); err != nil {
				return errors.Wrap(err, errors.ErrorTypeNetwork, "ping",
					"daemon connectivity check failed").
					WithContext("host", c.host)
			}
			return nil
		})
	})
}
