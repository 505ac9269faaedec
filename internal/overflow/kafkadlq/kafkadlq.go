// Package kafkadlq publishes undeliverable batches to a Kafka dead-letter
// topic.
package kafkadlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/rs/zerolog"

	"github.com/example/operate-log-client/internal/kafka/producer"
	"github.com/example/operate-log-client/internal/models"
)

var errProducerNotInitialised = errors.New("kafka dlq: producer not initialised")

// SyncProducer captures the subset of producer behaviour required by the
// dead-letter sink.
type SyncProducer interface {
	PublishSync(ctx context.Context, topic string, key []byte, headers map[string][]byte, payload []byte) error
}

var _ SyncProducer = (*producer.Producer)(nil)

// ErrProducerNotInitialised exposes the sentinel error for callers and tests.
func ErrProducerNotInitialised() error {
	return errProducerNotInitialised
}

// Sink writes delivery failures to the configured Kafka topic.
type Sink struct {
	producer SyncProducer
	topic    string
	logger   zerolog.Logger
}

// New constructs a Sink. It returns nil when prod is nil.
func New(prod SyncProducer, topic string, logger zerolog.Logger) *Sink {
	if prod == nil {
		return nil
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &Sink{
		producer: prod,
		topic:    topic,
		logger:   logger.With().Str("component", "kafka_dlq").Logger(),
	}
}

// Persist publishes failure as one JSON document keyed by batch id.
func (s *Sink) Persist(ctx context.Context, failure models.DeliveryFailure) error {
	if s == nil || s.producer == nil {
		return errProducerNotInitialised
	}

	payload, err := json.Marshal(failure)
	if err != nil {
		return fmt.Errorf("kafka dlq: marshal delivery failure: %w", err)
	}

	headers := map[string][]byte{
		"content-type":   []byte("application/json"),
		"failure-reason": []byte(failure.Reason),
	}

	if err := s.producer.PublishSync(ctx, s.topic, []byte(failure.BatchID), headers, payload); err != nil {
		return fmt.Errorf("kafka dlq: publish batch %s: %w", failure.BatchID, err)
	}

	s.logger.Debug().
		Str("batch_id", failure.BatchID).
		Str("topic", s.topic).
		Int("records", len(failure.Records)).
		Msg("kafka dlq: batch published")
	return nil
}
