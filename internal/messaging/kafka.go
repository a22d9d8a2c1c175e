// Package messaging carries the portal's Kafka traffic: the job feed the
// engines mine from and the share and block results the gateways publish.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/bardlex/poolportal/pkg/circuit"
	"github.com/bardlex/poolportal/pkg/errors"
	"github.com/bardlex/poolportal/pkg/log"
	"github.com/bardlex/poolportal/pkg/retry"
)

// KafkaClient wraps kafka-go with JSON payloads and per-topic connection reuse
type KafkaClient struct {
	brokers        []string
	logger         *log.Logger
	writers        map[string]*kafka.Writer
	readers        map[string]*kafka.Reader
	writersMu      sync.RWMutex
	readersMu      sync.RWMutex
	circuitBreaker *circuit.Breaker
	retryPolicy    *retry.Policy
}

// NewKafkaClient creates a client for brokers. Nothing connects until the
// first publish or read.
func NewKafkaClient(brokers []string, logger *log.Logger) *KafkaClient {
	cbConfig := &circuit.Config{
		Name:            "kafka",
		MaxFailures:     5,
		SuccessRequired: 3,
		Timeout:         60 * time.Second,
	}

	return &KafkaClient{
		brokers:        brokers,
		logger:         logger.WithComponent("kafka"),
		writers:        make(map[string]*kafka.Writer),
		readers:        make(map[string]*kafka.Reader),
		circuitBreaker: circuit.New(cbConfig),
		retryPolicy:    retry.StorePolicy(),
	}
}

// GetProducer gets or creates the writer of topic
func (k *KafkaClient) GetProducer(topic string) *kafka.Writer {
	k.writersMu.RLock()
	if writer, exists := k.writers[topic]; exists {
		k.writersMu.RUnlock()
		return writer
	}
	k.writersMu.RUnlock()

	k.writersMu.Lock()
	defer k.writersMu.Unlock()

	if writer, exists := k.writers[topic]; exists {
		return writer
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(k.brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		Compression:  kafka.Snappy,
	}

	k.writers[topic] = writer
	k.logger.Info("created Kafka producer", "topic", topic)
	return writer
}

// GetConsumer gets or creates the reader of topic for groupID
func (k *KafkaClient) GetConsumer(topic, groupID string) *kafka.Reader {
	key := fmt.Sprintf("%s-%s", topic, groupID)

	k.readersMu.RLock()
	if reader, exists := k.readers[key]; exists {
		k.readersMu.RUnlock()
		return reader
	}
	k.readersMu.RUnlock()

	k.readersMu.Lock()
	defer k.readersMu.Unlock()

	if reader, exists := k.readers[key]; exists {
		return reader
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     k.brokers,
		Topic:       topic,
		GroupID:     groupID,
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     1 * time.Second,
	})

	k.readers[key] = reader
	k.logger.Info("created Kafka consumer", "topic", topic, "group_id", groupID)
	return reader
}

// PublishJSON marshals v and publishes it under key
func (k *KafkaClient) PublishJSON(ctx context.Context, topic, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "json_marshal", "failed to marshal message").
			WithContext("topic", topic)
	}

	return k.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, k.retryPolicy, func() error {
			msg := kafka.Message{
				Key:   []byte(key),
				Value: data,
				Time:  time.Now(),
			}
			if err := k.GetProducer(topic).WriteMessages(ctx, msg); err != nil {
				return errors.Wrap(err, errors.ErrorTypeKafka, "publish_json",
					"failed to publish message to Kafka").
					WithContext("topic", topic).
					WithContext("key", key).
					WithContext("message_size", len(data))
			}

			k.logger.Debug("published message", "topic", topic, "key", key, "size", len(data))
			return nil
		})
	})
}

// HandlerFunc processes one consumed message
type HandlerFunc func(ctx context.Context, key string, value []byte) error

// StartConsumer reads topic as groupID and feeds every message to handler
// until ctx ends. Handler errors are logged and do not stop the loop.
func (k *KafkaClient) StartConsumer(ctx context.Context, topic, groupID string, handler HandlerFunc) error {
	reader := k.GetConsumer(topic, groupID)

	k.logger.Info("starting consumer", "topic", topic, "group_id", groupID)

	for {
		msg, err := circuit.ExecuteWithResult(ctx, k.circuitBreaker, func() (kafka.Message, error) {
			return reader.ReadMessage(ctx)
		})
		if err != nil {
			if ctx.Err() != nil {
				k.logger.Info("consumer stopping", "topic", topic)
				return ctx.Err()
			}
			k.logger.WithError(err).Error("failed to consume message", "topic", topic)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		key := string(msg.Key)
		k.logger.Debug("consumed message", "topic", msg.Topic, "key", key, "size", len(msg.Value))
		if err := handler(ctx, key, msg.Value); err != nil {
			k.logger.WithError(err).Error("failed to handle message", "topic", topic, "key", key)
		}
	}
}

// Close closes all producers and consumers
func (k *KafkaClient) Close() error {
	k.writersMu.Lock()
	defer k.writersMu.Unlock()

	k.readersMu.Lock()
	defer k.readersMu.Unlock()

	var lastErr error

	for topic, writer := range k.writers {
		if err := writer.Close(); err != nil {
			k.logger.Error("failed to close producer", "topic", topic, "error", err)
			lastErr = err
		}
	}

	for key, reader := range k.readers {
		if err := reader.Close(); err != nil {
			k.logger.Error("failed to close consumer", "key", key, "error", err)
			lastErr = err
		}
	}

	k.writers = make(map[string]*kafka.Writer)
	k.readers = make(map[string]*kafka.Reader)
	return lastErr
}
