package ledger

import (
	"context"
	"strconv"

	"github.com/bardlex/poolportal/internal/database/redis"
)

// Share is one submission as reported by the stratum engine
type Share struct {
	Job             string  `json:"job"`
	Worker          string  `json:"worker"`
	IP              string  `json:"ip"`
	Port            int     `json:"port"`
	Difficulty      float64 `json:"difficulty"`
	BlockDiff       float64 `json:"blockDiff"`
	BlockDiffActual float64 `json:"blockDiffActual"`
	ShareDiff       float64 `json:"shareDiff"`
	Height          int64   `json:"height"`
	Reward          int64   `json:"reward"`
	// Hash is set when the share met the network target
	Hash string `json:"hash,omitempty"`
	// HashInvalid carries the hash of a rejected share that could still be hashed
	HashInvalid string `json:"hashInvalid,omitempty"`
}

// TimingSamples maps a worker to the ms timestamp of its last valid share in
// the current round
type TimingSamples map[string]int64

// ParseTimingSamples converts the raw times:last hash. Unparseable entries are
// dropped.
func ParseTimingSamples(raw map[string]string) TimingSamples {
	samples := make(TimingSamples, len(raw))
	for worker, value := range raw {
		ts, err := strconv.ParseFloat(value, 64)
		if err != nil {
			continue
		}
		samples[worker] = int64(ts)
	}
	return samples
}

// shareRecord is the member appended to shares:records
type shareRecord struct {
	Time       int64   `json:"time"`
	Worker     string  `json:"worker"`
	Job        string  `json:"job"`
	IP         string  `json:"ip"`
	Port       int     `json:"port"`
	Difficulty float64 `json:"difficulty"`
	ShareDiff  float64 `json:"shareDiff"`
	BlockDiff  float64 `json:"blockDiff"`
	Height     int64   `json:"height"`
	Valid      bool    `json:"valid"`
}

// BlockRecord is the descriptor added to blocks:pending when a block is accepted
type BlockRecord struct {
	Time       int64   `json:"time"`
	Height     int64   `json:"height"`
	Hash       string  `json:"hash"`
	Reward     int64   `json:"reward"`
	Worker     string  `json:"worker"`
	Difficulty float64 `json:"difficulty"`
	ShareDiff  float64 `json:"shareDiff"`
}

// Reply is the per-command result of an executed batch
type Reply = redis.Reply

// Observer is told about every share after the ledger handled it. Observers
// are best effort sinks and must not block for long.
type Observer interface {
	ObserveShare(ctx context.Context, coin string, share *Share, shareValid, blockValid bool)
}
