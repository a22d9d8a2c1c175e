// Package notify subscribes to a coin daemon's ZMQ block notifications.
// It lives apart from the RPC client because pebbe/zmq4 needs cgo and libzmq.
package notify

import (
	"context"
	"encoding/hex"
	"fmt"
	"slices"
	"time"

	zmq "github.com/pebbe/zmq4"

	"github.com/bardlex/poolportal/pkg/log"
)

// TopicHashBlock is the topic published by -zmqpubhashblock
const TopicHashBlock = "hashblock"

// pollInterval bounds how long Run takes to notice cancellation
const pollInterval = 250 * time.Millisecond

// Notifier receives hashblock notifications from one daemon
type Notifier struct {
	socket   *zmq.Socket
	endpoint string
	logger   *log.Logger
}

// NewNotifier creates a SUB socket for endpoint, subscribed to hashblock.
// The socket is not connected until Run.
func NewNotifier(endpoint string, logger *log.Logger) (*Notifier, error) {
	socket, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		return nil, fmt.Errorf("failed to create ZMQ socket: %w", err)
	}
	if err := socket.SetSubscribe(TopicHashBlock); err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("failed to subscribe to topic %s: %w", TopicHashBlock, err)
	}

	return &Notifier{
		socket:   socket,
		endpoint: endpoint,
		logger:   logger.WithComponent("zmq").WithFields("endpoint", endpoint),
	}, nil
}

// Endpoint returns the address the notifier connects to
func (n *Notifier) Endpoint() string { return n.endpoint }

// Run connects and calls onBlock with the display-order hash of every new
// block until ctx is done.
func (n *Notifier) Run(ctx context.Context, onBlock func(hash string)) error {
	if err := n.socket.Connect(n.endpoint); err != nil {
		return fmt.Errorf("failed to connect to ZMQ endpoint %s: %w", n.endpoint, err)
	}
	n.logger.Info("connected to ZMQ endpoint")

	poller := zmq.NewPoller()
	poller.Add(n.socket, zmq.POLLIN)

	for {
		if ctx.Err() != nil {
			n.logger.Info("ZMQ listener stopping")
			return ctx.Err()
		}

		polled, err := poller.Poll(pollInterval)
		if err != nil {
			n.logger.WithError(err).Error("failed to poll ZMQ socket")
			continue
		}
		if len(polled) == 0 {
			continue
		}

		msg, err := n.socket.RecvMessageBytes(0)
		if err != nil {
			n.logger.WithError(err).Error("failed to receive ZMQ message")
			continue
		}

		hash, err := ParseMessage(msg)
		if err != nil {
			n.logger.WithError(err).Warn("received malformed ZMQ message")
			continue
		}
		n.logger.Info("new block notification", "hash", hash)
		onBlock(hash)
	}
}

// Close closes the socket
func (n *Notifier) Close() error {
	if n.socket != nil {
		return n.socket.Close()
	}
	return nil
}

// ParseMessage decodes a multipart hashblock message into the block hash in
// display order. The daemon sends the hash in internal byte order.
func ParseMessage(parts [][]byte) (string, error) {
	if len(parts) < 2 {
		return "", fmt.Errorf("expected at least 2 parts, got %d", len(parts))
	}
	if topic := string(parts[0]); topic != TopicHashBlock {
		return "", fmt.Errorf("unexpected topic %q", topic)
	}
	if len(parts[1]) != 32 {
		return "", fmt.Errorf("invalid block hash length: %d", len(parts[1]))
	}

	reversed := slices.Clone(parts[1])
	slices.Reverse(reversed)
	return hex.EncodeToString(reversed), nil
}
