package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/bardlex/poolportal/internal/ledger"
	"github.com/bardlex/poolportal/pkg/circuit"
	"github.com/bardlex/poolportal/pkg/errors"
	"github.com/bardlex/poolportal/pkg/log"
	"github.com/bardlex/poolportal/pkg/retry"
)

// Schema creates the found_blocks table
const Schema = `
CREATE TABLE IF NOT EXISTS found_blocks (
	id          BIGSERIAL PRIMARY KEY,
	coin        TEXT             NOT NULL,
	height      BIGINT           NOT NULL,
	hash        TEXT             NOT NULL,
	worker      TEXT             NOT NULL,
	reward      BIGINT           NOT NULL,
	difficulty  DOUBLE PRECISION NOT NULL,
	share_diff  DOUBLE PRECISION NOT NULL,
	status      TEXT             NOT NULL,
	found_at    TIMESTAMPTZ      NOT NULL,
	UNIQUE (coin, hash)
)`

// Block statuses
const (
	StatusPending  = "pending"
	StatusRejected = "rejected"
)

// Block is one found block candidate
type Block struct {
	Coin       string    `db:"coin"`
	Height     int64     `db:"height"`
	Hash       string    `db:"hash"`
	Worker     string    `db:"worker"`
	Reward     int64     `db:"reward"`
	Difficulty float64   `db:"difficulty"`
	ShareDiff  float64   `db:"share_diff"`
	Status     string    `db:"status"`
	FoundAt    time.Time `db:"found_at"`
}

// Execer is the part of *sql.DB the repository uses
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// BlockRepository handles found block operations
type BlockRepository struct {
	db Execer
}

// NewBlockRepository creates a new block repository
func NewBlockRepository(db Execer) *BlockRepository {
	return &BlockRepository{db: db}
}

// CreateBlock inserts block. It reports false when the block was already
// recorded.
func (r *BlockRepository) CreateBlock(ctx context.Context, block *Block) (bool, error) {
	query := `
		INSERT INTO found_blocks (coin, height, hash, worker, reward, difficulty, share_diff, status, found_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (coin, hash) DO NOTHING`

	res, err := r.db.ExecContext(ctx, query,
		block.Coin, block.Height, block.Hash, block.Worker, block.Reward,
		block.Difficulty, block.ShareDiff, block.Status, block.FoundAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to create block: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n > 0, nil
}

// BlockRecorder persists every block candidate the ledger handled
type BlockRecorder struct {
	repo    *BlockRepository
	breaker *circuit.Breaker
	policy  *retry.Policy
	logger  *log.Logger
	now     func() time.Time
}

// NewBlockRecorder creates a recorder on top of repo
func NewBlockRecorder(repo *BlockRepository, logger *log.Logger) *BlockRecorder {
	return &BlockRecorder{
		repo:    repo,
		breaker: circuit.New(circuit.DefaultConfig("postgres")),
		policy:  retry.StorePolicy(),
		logger:  logger.WithComponent("postgres"),
		now:     time.Now,
	}
}

// ObserveShare records the block a share carried, if any
func (b *BlockRecorder) ObserveShare(ctx context.Context, coin string, share *ledger.Share, _, blockValid bool) {
	if share.Hash == "" {
		return
	}

	status := StatusRejected
	if blockValid {
		status = StatusPending
	}
	block := &Block{
		Coin:       coin,
		Height:     share.Height,
		Hash:       share.Hash,
		Worker:     share.Worker,
		Reward:     share.Reward,
		Difficulty: share.BlockDiff,
		ShareDiff:  share.ShareDiff,
		Status:     status,
		FoundAt:    b.now(),
	}

	err := b.breaker.Execute(ctx, func() error {
		return retry.Do(ctx, b.policy, func() error {
			if _, err := b.repo.CreateBlock(ctx, block); err != nil {
				return errors.Wrap(err, errors.ErrorTypeDatabase, "record_block", "failed to store block").
					WithContext("hash", block.Hash)
			}
			return nil
		})
	})
	if err != nil {
		b.logger.WithError(err).Error("failed to record block", "coin", coin, "hash", share.Hash, "height", share.Height)
	}
}
