package engine

import (
	"encoding/binary"
	"encoding/hex"
	"sync/atomic"
)

// ExtraNonce1Size is the byte length of the extranonce1 handed to sessions
const ExtraNonce1Size = 4

// ExtraNonceCounter hands out extranonce1 values that are unique across
// forks: the first byte is the fork ID, the other three a per-process counter.
type ExtraNonceCounter struct {
	prefix  byte
	counter atomic.Uint32
}

// NewExtraNonceCounter creates the counter of forkID. Fork IDs above 255
// wrap, which only matters past 256 forks.
func NewExtraNonceCounter(forkID int) *ExtraNonceCounter {
	return &ExtraNonceCounter{prefix: byte(forkID)}
}

// Next returns the next extranonce1 as hex
func (c *ExtraNonceCounter) Next() string {
	n := c.counter.Add(1) & 0xffffff
	var b [ExtraNonce1Size]byte
	binary.BigEndian.PutUint32(b[:], n)
	b[0] = c.prefix
	return hex.EncodeToString(b[:])
}
