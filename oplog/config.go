package oplog

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/example/operate-log-client/internal/config"
	"github.com/example/operate-log-client/internal/dispatcher"
	"github.com/example/operate-log-client/internal/kafka/producer"
	"github.com/example/operate-log-client/internal/overflow"
	"github.com/example/operate-log-client/internal/overflow/kafkadlq"
	"github.com/example/operate-log-client/internal/transport"
	"github.com/example/operate-log-client/internal/transport/httpx"
	kafkatransport "github.com/example/operate-log-client/internal/transport/kafka"
	"github.com/example/operate-log-client/internal/transport/natsjs"
)

// ConfigFromEnv maps the loaded process configuration onto a client
// configuration.
func ConfigFromEnv(c *config.Config) Config {
	return Config{
		Application:     c.Client.Application,
		Environment:     c.Client.Environment,
		QueueCapacity:   c.Queue.Capacity,
		BlockTimeout:    c.Queue.BlockTimeout,
		MaxBatchRecords: c.Batch.MaxRecords,
		MaxBatchBytes:   c.Batch.MaxBytes,
		MaxBatchWait:    c.Batch.MaxWait,
		SendTimeout:     c.Retry.SendTimeout,
		MaxAttempts:     c.Retry.MaxAttempts,
		BaseBackoff:     c.Retry.BaseBackoff,
		MaxBackoff:      c.Retry.MaxBackoff,
		BackoffJitter:   c.Retry.BackoffJitter,
		FailurePolicy:   FailurePolicy(c.Overflow.FailurePolicy),
		CloseTimeout:    c.Client.CloseTimeout,
		Shards:          c.Client.Shards,
	}
}

func kafkaOptions(c *config.Config) []producer.Option {
	opts := []producer.Option{producer.WithSendTimeout(c.Retry.SendTimeout)}
	if c.Client.Application != "" {
		opts = append(opts, producer.WithClientID(c.Client.Application+"-oplog"))
	}
	if c.Kafka.SASLUsername != "" {
		opts = append(opts, producer.WithSASLPlain(c.Kafka.SASLUsername, c.Kafka.SASLPassword))
	}
	if c.Kafka.TLS {
		opts = append(opts, producer.WithTLS(nil))
	}
	return opts
}

// NewTransport builds the transport selected by OPLOG_TRANSPORT.
func NewTransport(c *config.Config, logger zerolog.Logger) (transport.Client, error) {
	switch c.Client.Transport {
	case config.TransportKafka:
		prod, err := producer.New(c.Kafka.Brokers, logger, kafkaOptions(c)...)
		if err != nil {
			return nil, err
		}
		tr, err := kafkatransport.New(prod, c.Kafka.Topic, logger)
		if err != nil {
			_ = prod.Close()
			return nil, err
		}
		return tr, nil
	case config.TransportHTTP:
		tr, err := httpx.New(httpx.Config{
			Endpoint: c.HTTP.Endpoint,
			APIKey:   c.HTTP.APIKey,
			TenantID: c.HTTP.TenantID,
			Compress: c.HTTP.Compress,
			Timeout:  c.Retry.SendTimeout,
		}, logger)
		if err != nil {
			return nil, err
		}
		return tr, nil
	case config.TransportNATS:
		tr, err := natsjs.Dial(c.NATS.URL, c.NATS.Subject, logger)
		if err != nil {
			return nil, err
		}
		return tr, nil
	default:
		return nil, fmt.Errorf("oplog: unknown transport %q", c.Client.Transport)
	}
}

// NewOverflowSink builds the sink selected by OVERFLOW_SINK. The returned
// closer releases the sink's resources.
func NewOverflowSink(ctx context.Context, c *config.Config, logger zerolog.Logger) (dispatcher.Sink, io.Closer, error) {
	switch c.Overflow.Sink {
	case config.SinkSQLite:
		store, err := overflow.Open(ctx, overflow.Config{Path: c.Overflow.SQLitePath, Logger: logger})
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	case config.SinkKafka:
		prod, err := producer.New(c.Kafka.Brokers, logger, kafkaOptions(c)...)
		if err != nil {
			return nil, nil, err
		}
		return kafkadlq.New(prod, c.Kafka.DLQTopic, logger), prod, nil
	default:
		return nil, nil, fmt.Errorf("oplog: unknown overflow sink %q", c.Overflow.Sink)
	}
}

// FromConfig builds a client from process configuration: one transport per
// shard and, under the persist policy, the configured overflow sink. opts
// are applied after the ones derived from c.
func FromConfig(ctx context.Context, c *config.Config, logger zerolog.Logger, opts ...Option) (*Client, error) {
	base := []Option{
		WithLogger(logger),
		WithTransportFactory(func(shard int) (transport.Client, error) {
			return NewTransport(c, logger.With().Int("shard", shard).Logger())
		}),
	}
	if c.Overflow.FailurePolicy == string(FailurePolicyPersist) {
		sink, closer, err := NewOverflowSink(ctx, c, logger)
		if err != nil {
			return nil, err
		}
		base = append(base, WithOverflowSink(sink), withCloser(closer))
	}
	return New(ConfigFromEnv(c), append(base, opts...)...)
}
