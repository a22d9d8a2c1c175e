package messaging

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/bardlex/poolportal/internal/validation"
	"github.com/bardlex/poolportal/pkg/errors"
	"github.com/bardlex/poolportal/pkg/log"
)

// JobSink receives the jobs of one coin
type JobSink interface {
	UpdateJob(job *validation.Job) error
}

// JobFeed routes job messages to the sink registered for their coin
type JobFeed struct {
	mu     sync.RWMutex
	sinks  map[string]JobSink
	logger *log.Logger
}

// NewJobFeed creates a feed with no sinks
func NewJobFeed(logger *log.Logger) *JobFeed {
	return &JobFeed{
		sinks:  make(map[string]JobSink),
		logger: logger.WithComponent("job_feed"),
	}
}

// Register routes jobs of coin to sink
func (f *JobFeed) Register(coin string, sink JobSink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinks[coin] = sink
}

// HandleMessage decodes one job message. Jobs for coins without a sink are
// skipped, since every process consumes the whole topic.
func (f *JobFeed) HandleMessage(_ context.Context, key string, value []byte) error {
	var msg JobMessage
	if err := json.Unmarshal(value, &msg); err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "decode_job", "malformed job message").
			WithContext("key", key)
	}
	if msg.Job == nil || msg.Job.ID == "" {
		return errors.New(errors.ErrorTypeValidation, "decode_job", "job message without a job").
			WithContext("coin", msg.Coin)
	}

	f.mu.RLock()
	sink, ok := f.sinks[msg.Coin]
	f.mu.RUnlock()
	if !ok {
		f.logger.Debug("job for unknown coin skipped", "coin", msg.Coin, "job_id", msg.Job.ID)
		return nil
	}
	return sink.UpdateJob(msg.Job)
}

// Run consumes TopicJobs with client until ctx ends
func (f *JobFeed) Run(ctx context.Context, client *KafkaClient, groupID string) error {
	return client.StartConsumer(ctx, TopicJobs, groupID, f.HandleMessage)
}
