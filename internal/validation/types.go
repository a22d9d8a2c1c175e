package validation

import "time"

// Job is a unit of work handed to miners through mining.notify. Jobs are built
// upstream and arrive on the job feed ready to use.
type Job struct {
	ID string `json:"job_id"`
	// Height of the block this job would create
	Height int64 `json:"height"`
	// PrevHash is the previous block hash in display (RPC) byte order
	PrevHash string `json:"prev_hash"`
	Coinb1   string `json:"coinb1"`
	Coinb2   string `json:"coinb2"`
	// MerkleBranch entries are hex in internal byte order
	MerkleBranch []string `json:"merkle_branch"`
	Version      string   `json:"version"`
	NBits        string   `json:"nbits"`
	NTime        string   `json:"ntime"`
	// Target optionally overrides the network target derived from NBits
	Target string `json:"target,omitempty"`
	Reward int64  `json:"reward"`
	// Transactions are the raw non-coinbase transactions of the template
	Transactions []string  `json:"transactions"`
	CleanJobs    bool      `json:"clean_jobs"`
	CreatedAt    time.Time `json:"created_at"`
}

// Submission is the work a miner returned through mining.submit
type Submission struct {
	JobID       string
	ExtraNonce1 string
	ExtraNonce2 string
	NTime       string
	Nonce       string
	// Difficulty is the session difficulty the share must meet
	Difficulty float64
}

// Result is the outcome of hashing a submission
type Result struct {
	// Hash is the header hash in display byte order
	Hash      string
	ShareDiff float64
	// BlockDiff is the difficulty of the network target
	BlockDiff      float64
	BlockCandidate bool
	// BlockHex is the serialized block, set only for block candidates
	BlockHex string
}
