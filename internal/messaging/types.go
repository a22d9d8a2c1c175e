package messaging

import (
	"time"

	"github.com/bardlex/poolportal/internal/ledger"
	"github.com/bardlex/poolportal/internal/validation"
)

// JobMessage carries a ready-to-mine job for one coin
type JobMessage struct {
	Coin string          `json:"coin"`
	Job  *validation.Job `json:"job"`
}

// ShareResult is published for every share the ledger handled
type ShareResult struct {
	Coin       string    `json:"coin"`
	Worker     string    `json:"worker"`
	IP         string    `json:"ip"`
	Port       int       `json:"port"`
	JobID      string    `json:"job_id"`
	Difficulty float64   `json:"difficulty"`
	ShareDiff  float64   `json:"share_diff"`
	Height     int64     `json:"height"`
	Valid      bool      `json:"valid"`
	Time       time.Time `json:"time"`
}

// BlockResult is published for every block candidate
type BlockResult struct {
	Coin       string    `json:"coin"`
	Height     int64     `json:"height"`
	Hash       string    `json:"hash"`
	Worker     string    `json:"worker"`
	Reward     int64     `json:"reward"`
	Difficulty float64   `json:"difficulty"`
	Accepted   bool      `json:"accepted"`
	Time       time.Time `json:"time"`
}

// NewShareResult describes share for the results topic
func NewShareResult(coin string, share *ledger.Share, valid bool, at time.Time) *ShareResult {
	return &ShareResult{
		Coin:       coin,
		Worker:     share.Worker,
		IP:         share.IP,
		Port:       share.Port,
		JobID:      share.Job,
		Difficulty: share.Difficulty,
		ShareDiff:  share.ShareDiff,
		Height:     share.Height,
		Valid:      valid,
		Time:       at,
	}
}

// NewBlockResult describes the block candidate carried by share
func NewBlockResult(coin string, share *ledger.Share, accepted bool, at time.Time) *BlockResult {
	return &BlockResult{
		Coin:       coin,
		Height:     share.Height,
		Hash:       share.Hash,
		Worker:     share.Worker,
		Reward:     share.Reward,
		Difficulty: share.BlockDiff,
		Accepted:   accepted,
		Time:       at,
	}
}
