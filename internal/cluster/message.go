// Package cluster runs the portal as one master and several worker
// processes. The master spawns workers by re-executing its own binary,
// hands them their configuration through the environment, replaces workers
// that exit and relays ban messages between them over inherited pipes.
package cluster

import (
	"bufio"
	"encoding/json"
	"io"
	"sync"
)

// TypeBanIP is the message a worker sends when its engine banned an IP, and
// the master relays to every other worker
const TypeBanIP = "banIP"

// Message is one control message, encoded as a single JSON line
type Message struct {
	Type string `json:"type"`
	IP   string `json:"ip,omitempty"`
}

// maxMessageSize bounds one encoded control message
const maxMessageSize = 64 * 1024

// Link is one end of a control channel
type Link struct {
	r  io.Reader
	mu sync.Mutex
	w  io.Writer
}

// NewLink creates a link reading from r and writing to w
func NewLink(r io.Reader, w io.Writer) *Link {
	return &Link{r: r, w: w}
}

// Send writes msg as one line. Safe for concurrent use.
func (l *Link) Send(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err = l.w.Write(append(data, '\n'))
	return err
}

// Receive calls handle for every message read until the peer closes its
// end. Lines that do not decode are skipped.
func (l *Link) Receive(handle func(Message)) error {
	scanner := bufio.NewScanner(l.r)
	scanner.Buffer(make([]byte, 4096), maxMessageSize)
	for scanner.Scan() {
		var msg Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil || msg.Type == "" {
			continue
		}
		handle(msg)
	}
	return scanner.Err()
}
