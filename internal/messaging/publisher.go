package messaging

import (
	"context"
	"time"

	"github.com/bardlex/poolportal/internal/ledger"
	"github.com/bardlex/poolportal/pkg/log"
)

// Publisher is the part of KafkaClient the result publisher needs
type Publisher interface {
	PublishJSON(ctx context.Context, topic, key string, v any) error
}

// ResultPublisher publishes share and block outcomes. Failures are logged
// and never reach the miner.
type ResultPublisher struct {
	publisher Publisher
	logger    *log.Logger
	now       func() time.Time
}

// NewResultPublisher creates a publisher on top of p
func NewResultPublisher(p Publisher, logger *log.Logger) *ResultPublisher {
	return &ResultPublisher{
		publisher: p,
		logger:    logger.WithComponent("results"),
		now:       time.Now,
	}
}

// ObserveShare publishes the share, and the block it carried if any
func (r *ResultPublisher) ObserveShare(ctx context.Context, coin string, share *ledger.Share, shareValid, blockValid bool) {
	now := r.now()

	if err := r.publisher.PublishJSON(ctx, TopicShareResults, coin+":"+share.Worker,
		NewShareResult(coin, share, shareValid, now)); err != nil {
		r.logger.WithError(err).Warn("failed to publish share result", "coin", coin)
	}

	if share.Hash == "" && !blockValid {
		return
	}
	if err := r.publisher.PublishJSON(ctx, TopicBlockResults, coin,
		NewBlockResult(coin, share, blockValid, now)); err != nil {
		r.logger.WithError(err).Warn("failed to publish block result", "coin", coin, "hash", share.Hash)
	}
}
