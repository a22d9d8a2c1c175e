// Package validation rebuilds block headers from stratum submissions, hashes
// them and classifies the result as a share and possibly a block candidate.
package validation

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/poolportal/pkg/errors"
)

// Share rejection reasons. They are returned wrapped, so match with errors.Is.
var (
	ErrMalformed       = errors.New(errors.ErrorTypeValidation, "validate_share", "malformed submission")
	ErrExtraNonce2Size = errors.New(errors.ErrorTypeValidation, "validate_share", "incorrect size of extranonce2")
	ErrNTimeOutOfRange = errors.New(errors.ErrorTypeValidation, "validate_share", "ntime out of range")
	ErrLowDifficulty   = errors.New(errors.ErrorTypeValidation, "validate_share", "low difficulty share")
)

var (
	errUnsupportedAlgo = errors.New(errors.ErrorTypeConfig, "new_validator", "unsupported algorithm")

	// difficulty 1 target, 0x00000000ffff0000...
	diff1Target        = blockchain.CompactToBig(0x1d00ffff)
	diff1TargetAsFloat = new(big.Float).SetInt(diff1Target)
)

// HashFunc hashes a serialized block header
type HashFunc func(header []byte) chainhash.Hash

var algorithms = map[string]HashFunc{
	"sha256d": chainhash.DoubleHashH,
}

// Supported reports whether shares for the algorithm can be validated
func Supported(algorithm string) bool {
	_, ok := algorithms[strings.ToLower(algorithm)]
	return ok
}

// Validator checks submissions against the job they claim to solve
type Validator struct {
	hash            HashFunc
	extraNonce2Size int
	maxTimeSkew     time.Duration
	now             func() time.Time
}

// NewValidator creates a validator for the given algorithm
func NewValidator(algorithm string, extraNonce2Size int, maxTimeSkew time.Duration) (*Validator, error) {
	hash, ok := algorithms[strings.ToLower(algorithm)]
	if !ok {
		return nil, errors.Wrap(errUnsupportedAlgo, errors.ErrorTypeConfig, "new_validator", algorithm)
	}
	return &Validator{
		hash:            hash,
		extraNonce2Size: extraNonce2Size,
		maxTimeSkew:     maxTimeSkew,
		now:             time.Now,
	}, nil
}

// Validate hashes the submission. A low difficulty share returns both the
// populated result and ErrLowDifficulty so it can still be recorded.
func (v *Validator) Validate(job *Job, sub *Submission) (*Result, error) {
	if len(sub.ExtraNonce2) != v.extraNonce2Size*2 {
		return nil, ErrExtraNonce2Size
	}

	ntime, err := parseHexUint32(sub.NTime)
	if err != nil {
		return nil, fmt.Errorf("ntime: %w", ErrMalformed)
	}
	nonce, err := parseHexUint32(sub.Nonce)
	if err != nil {
		return nil, fmt.Errorf("nonce: %w", ErrMalformed)
	}
	if err := v.checkTime(job, ntime); err != nil {
		return nil, err
	}

	coinbase, err := hex.DecodeString(job.Coinb1 + sub.ExtraNonce1 + sub.ExtraNonce2 + job.Coinb2)
	if err != nil {
		return nil, fmt.Errorf("coinbase: %w", ErrMalformed)
	}
	header, err := buildHeader(job, coinbase, ntime, nonce)
	if err != nil {
		return nil, err
	}

	var raw bytes.Buffer
	if err := header.Serialize(&raw); err != nil {
		return nil, fmt.Errorf("serialize header: %w", err)
	}
	hash := v.hash(raw.Bytes())
	hashInt := blockchain.HashToBig(&hash)

	target, err := networkTarget(job)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Hash:           hash.String(),
		ShareDiff:      difficultyOf(hashInt),
		BlockDiff:      difficultyOf(target),
		BlockCandidate: hashInt.Cmp(target) <= 0,
	}

	if res.BlockCandidate {
		block, err := serializeBlock(raw.Bytes(), coinbase, job.Transactions)
		if err != nil {
			return nil, err
		}
		res.BlockHex = block
		return res, nil
	}

	if res.ShareDiff < sub.Difficulty {
		return res, ErrLowDifficulty
	}
	return res, nil
}

func (v *Validator) checkTime(job *Job, ntime uint32) error {
	jobTime, err := parseHexUint32(job.NTime)
	if err != nil {
		return fmt.Errorf("job ntime: %w", ErrMalformed)
	}
	if ntime < jobTime {
		return ErrNTimeOutOfRange
	}
	if time.Unix(int64(ntime), 0).After(v.now().Add(v.maxTimeSkew)) {
		return ErrNTimeOutOfRange
	}
	return nil
}

func buildHeader(job *Job, coinbase []byte, ntime, nonce uint32) (*wire.BlockHeader, error) {
	version, err := parseHexUint32(job.Version)
	if err != nil {
		return nil, fmt.Errorf("job version: %w", ErrMalformed)
	}
	bits, err := parseHexUint32(job.NBits)
	if err != nil {
		return nil, fmt.Errorf("job nbits: %w", ErrMalformed)
	}
	prev, err := chainhash.NewHashFromStr(job.PrevHash)
	if err != nil {
		return nil, fmt.Errorf("job prev hash: %w", ErrMalformed)
	}
	root, err := MerkleRootFromBranch(chainhash.DoubleHashH(coinbase), job.MerkleBranch)
	if err != nil {
		return nil, err
	}

	return &wire.BlockHeader{
		Version:    int32(version),
		PrevBlock:  *prev,
		MerkleRoot: root,
		Timestamp:  time.Unix(int64(ntime), 0),
		Bits:       bits,
		Nonce:      nonce,
	}, nil
}

// MerkleRootFromBranch folds the coinbase hash up the merkle branch
func MerkleRootFromBranch(coinbaseHash chainhash.Hash, branch []string) (chainhash.Hash, error) {
	root := coinbaseHash
	buf := make([]byte, 0, 2*chainhash.HashSize)
	for _, step := range branch {
		b, err := hex.DecodeString(step)
		if err != nil || len(b) != chainhash.HashSize {
			return chainhash.Hash{}, fmt.Errorf("merkle branch: %w", ErrMalformed)
		}
		buf = append(buf[:0], root[:]...)
		buf = append(buf, b...)
		root = chainhash.DoubleHashH(buf)
	}
	return root, nil
}

func networkTarget(job *Job) (*big.Int, error) {
	if job.Target != "" {
		target, ok := new(big.Int).SetString(job.Target, 16)
		if !ok {
			return nil, fmt.Errorf("job target: %w", ErrMalformed)
		}
		return target, nil
	}
	bits, err := parseHexUint32(job.NBits)
	if err != nil {
		return nil, fmt.Errorf("job nbits: %w", ErrMalformed)
	}
	return blockchain.CompactToBig(bits), nil
}

// difficultyOf converts a target-sized integer into pool difficulty units
func difficultyOf(n *big.Int) float64 {
	if n.Sign() <= 0 {
		return 0
	}
	q := new(big.Float).Quo(diff1TargetAsFloat, new(big.Float).SetInt(n))
	f, _ := q.Float64()
	return f
}

func serializeBlock(header, coinbase []byte, txs []string) (string, error) {
	var block bytes.Buffer
	block.Write(header)
	if err := wire.WriteVarInt(&block, 0, uint64(len(txs)+1)); err != nil {
		return "", err
	}
	block.Write(coinbase)
	for _, tx := range txs {
		raw, err := hex.DecodeString(tx)
		if err != nil {
			return "", fmt.Errorf("template transaction: %w", ErrMalformed)
		}
		block.Write(raw)
	}
	return hex.EncodeToString(block.Bytes()), nil
}

func parseHexUint32(s string) (uint32, error) {
	if len(s) != 8 {
		return 0, fmt.Errorf("expected 8 hex characters, got %d", len(s))
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}
