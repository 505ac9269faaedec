package kafka

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"

	"github.com/example/operate-log-client/internal/kafka/producer"
	"github.com/example/operate-log-client/internal/models"
	"github.com/example/operate-log-client/internal/transport"
)

const contentTypeJSON = "application/json"

// BatchPublisher is the subset of producer behaviour the transport needs.
// *producer.Producer satisfies it.
type BatchPublisher interface {
	PublishBatch(ctx context.Context, msgs []*sarama.ProducerMessage) error
	Close() error
}

var _ BatchPublisher = (*producer.Producer)(nil)

// fatalErrors are broker responses that will not succeed on retry.
var fatalErrors = []error{
	sarama.ErrMessageSizeTooLarge,
	sarama.ErrInvalidMessage,
	sarama.ErrInvalidMessageSize,
	sarama.ErrTopicAuthorizationFailed,
	sarama.ErrClusterAuthorizationFailed,
	sarama.ErrSASLAuthenticationFailed,
	sarama.ErrInvalidTopic,
	sarama.ErrInvalidRecord,
}

// Transport publishes each record of a batch as one Kafka message. Send
// returns once the producer answers or ctx is done, whichever comes first.
type Transport struct {
	publisher BatchPublisher
	topic     string
	logger    zerolog.Logger
}

// New constructs a Kafka transport writing to topic.
func New(pub BatchPublisher, topic string, logger zerolog.Logger) (*Transport, error) {
	if pub == nil {
		return nil, errors.New("kafka transport: publisher is required")
	}
	if topic == "" {
		return nil, errors.New("kafka transport: topic is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &Transport{
		publisher: pub,
		topic:     topic,
		logger:    logger.With().Str("component", "kafka_transport").Str("topic", topic).Logger(),
	}, nil
}

// Send publishes the batch and classifies the outcome.
func (t *Transport) Send(ctx context.Context, batch *models.Batch) error {
	msgs := t.messages(batch)
	err := t.publisher.PublishBatch(ctx, msgs)
	if err == nil {
		return nil
	}

	if isFatal(err) {
		return transport.WrapFatal(err)
	}
	return transport.WrapRetryable(err)
}

// Close closes the underlying producer.
func (t *Transport) Close() error {
	if err := t.publisher.Close(); err != nil {
		return fmt.Errorf("kafka transport: close producer: %w", err)
	}
	return nil
}

func (t *Transport) messages(batch *models.Batch) []*sarama.ProducerMessage {
	payloads := batch.Payloads()
	msgs := make([]*sarama.ProducerMessage, 0, batch.Len())
	for i, rec := range batch.Records {
		headers := map[string][]byte{
			"content-type": []byte(contentTypeJSON),
			"operation-id": []byte(rec.OperationID),
		}
		if rec.Application != "" {
			headers["application"] = []byte(rec.Application)
		}
		msgs = append(msgs, &sarama.ProducerMessage{
			Topic:    t.topic,
			Key:      sarama.StringEncoder(rec.TenantKey()),
			Value:    sarama.ByteEncoder(payloads[i]),
			Headers:  producer.ToRecordHeaders(headers),
			Metadata: rec.OperationID,
		})
	}
	return msgs
}

func isFatal(err error) bool {
	var cfgErr sarama.ConfigurationError
	if errors.As(err, &cfgErr) {
		return true
	}

	var perrs sarama.ProducerErrors
	if errors.As(err, &perrs) {
		for _, pe := range perrs {
			if pe != nil && isFatalKafkaError(pe.Err) {
				return true
			}
		}
		return false
	}
	return isFatalKafkaError(err)
}

func isFatalKafkaError(err error) bool {
	for _, fatal := range fatalErrors {
		if errors.Is(err, fatal) {
			return true
		}
	}
	return false
}
