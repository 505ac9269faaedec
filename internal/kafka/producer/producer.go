package producer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"
)

const (
	defaultMetadataRefreshInterval = 30 * time.Second
	defaultClientID                = "operate-log-client"
)

// Option customises the producer during construction.
type Option func(*options)

type options struct {
	config          *sarama.Config
	refreshInterval time.Duration
	saslUser        string
	saslPassword    string
	tls             bool
	tlsConfig       *tls.Config
	clientID        string
	sendTimeout     time.Duration
}

// WithConfig allows callers to supply a preconfigured Sarama config. The
// configuration is cloned internally so the caller retains ownership.
func WithConfig(cfg *sarama.Config) Option {
	return func(o *options) {
		if cfg != nil {
			o.config = cfg
		}
	}
}

// WithMetadataRefreshInterval overrides the interval used when refreshing
// cluster metadata to keep readiness information current.
func WithMetadataRefreshInterval(interval time.Duration) Option {
	return func(o *options) {
		if interval > 0 {
			o.refreshInterval = interval
		}
	}
}

// WithSASLPlain enables SASL/PLAIN authentication. TLS is switched on as
// well because credentials are never sent in clear text.
func WithSASLPlain(user, password string) Option {
	return func(o *options) {
		if user != "" {
			o.saslUser = user
			o.saslPassword = password
			o.tls = true
		}
	}
}

// WithTLS enables TLS. A nil config uses the system roots.
func WithTLS(cfg *tls.Config) Option {
	return func(o *options) {
		o.tls = true
		o.tlsConfig = cfg
	}
}

// WithClientID overrides the Kafka client id.
func WithClientID(id string) Option {
	return func(o *options) {
		if id != "" {
			o.clientID = id
		}
	}
}

// WithSendTimeout bounds a single send. It sets the broker ack timeout and
// the dial, read and write timeouts of the connection.
func WithSendTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.sendTimeout = d
		}
	}
}

// Producer wraps a Sarama sync producer and tracks readiness based on
// periodic metadata refreshes.
type Producer struct {
	logger zerolog.Logger

	client       sarama.Client
	syncProducer sarama.SyncProducer

	refreshInterval time.Duration

	ready atomic.Bool

	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New constructs a Producer using the supplied broker list and logger.
func New(brokers []string, logger zerolog.Logger, opts ...Option) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka producer: at least one broker is required")
	}

	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	cfg := Config(opts...)

	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: create client: %w", err)
	}

	syncProd, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("kafka producer: create sync producer: %w", err)
	}

	p := &Producer{
		logger:          logger,
		client:          client,
		syncProducer:    syncProd,
		refreshInterval: cfg.Metadata.RefreshFrequency,
		stopCh:          make(chan struct{}),
	}

	if err := p.refreshMetadata(); err != nil {
		logger.Error().Err(err).Msg("kafka producer initial metadata refresh failed")
	} else {
		p.ready.Store(true)
	}

	p.wg.Add(1)
	go p.watchMetadata()

	return p, nil
}

// NewFromSyncProducer wraps an existing sync producer. No metadata refresh
// runs and the producer always reports ready until a send fails.
func NewFromSyncProducer(sp sarama.SyncProducer, logger zerolog.Logger) *Producer {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	p := &Producer{
		logger:       logger,
		syncProducer: sp,
		stopCh:       make(chan struct{}),
	}
	p.ready.Store(true)
	return p
}

// PublishSync publishes a message and waits for the Kafka broker to acknowledge
// receipt. Required acks default to WaitForAll due to the default config.
func (p *Producer) PublishSync(ctx context.Context, topic string, key []byte, headers map[string][]byte, payload []byte) error {
	if topic == "" {
		return errors.New("kafka producer: topic is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := &sarama.ProducerMessage{
		Topic:   topic,
		Value:   sarama.ByteEncoder(payload),
		Headers: ToRecordHeaders(headers),
	}
	if len(key) > 0 {
		msg.Key = sarama.ByteEncoder(key)
	}

	err := p.await(ctx, func() error {
		_, _, err := p.syncProducer.SendMessage(msg)
		return err
	})
	if err != nil {
		p.ready.Store(false)
		return fmt.Errorf("kafka producer: send sync: %w", err)
	}

	p.ready.Store(true)
	return nil
}

// PublishBatch sends msgs and waits until every message is acknowledged or
// failed, or ctx is done. The returned error wraps sarama.ProducerErrors when
// individual messages failed and ctx.Err() when the wait was abandoned. An
// abandoned send keeps running in the background until Sarama gives up.
func (p *Producer) PublishBatch(ctx context.Context, msgs []*sarama.ProducerMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := p.await(ctx, func() error { return p.syncProducer.SendMessages(msgs) }); err != nil {
		p.ready.Store(false)
		return fmt.Errorf("kafka producer: send batch of %d: %w", len(msgs), err)
	}

	p.ready.Store(true)
	return nil
}

// await runs send and returns its result, or ctx.Err() if ctx finishes first.
func (p *Producer) await(ctx context.Context, send func() error) error {
	done := make(chan error, 1)
	go func() { done <- send() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsReady indicates whether the producer has successfully refreshed metadata
// or sent recently.
func (p *Producer) IsReady() bool {
	return p.ready.Load()
}

// Close releases the underlying Sarama producer and stops background
// goroutines.
func (p *Producer) Close() error {
	var errs []error
	p.closeOnce.Do(func() {
		close(p.stopCh)
		p.wg.Wait()

		if err := p.syncProducer.Close(); err != nil {
			errs = append(errs, err)
		}
		if p.client != nil && !p.client.Closed() {
			if err := p.client.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

func (p *Producer) watchMetadata() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.refreshMetadata(); err != nil {
				p.logger.Error().Err(err).Msg("kafka producer metadata refresh failed")
				p.ready.Store(false)
			} else {
				p.ready.Store(true)
			}
		}
	}
}

func (p *Producer) refreshMetadata() error {
	return p.client.RefreshMetadata()
}

// ToRecordHeaders converts a header map into Sarama record headers sorted by
// key.
func ToRecordHeaders(headers map[string][]byte) []sarama.RecordHeader {
	if len(headers) == 0 {
		return nil
	}
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	out := make([]sarama.RecordHeader, 0, len(headers))
	for _, k := range keys {
		out = append(out, sarama.RecordHeader{
			Key:   []byte(k),
			Value: cloneBytes(headers[k]),
		})
	}
	return out
}

func cloneBytes(src []byte) []byte {
	if len(src) == 0 {
		return nil
	}
	dst := make([]byte, len(src))
	copy(dst, src)
	return dst
}

// DefaultConfig returns the producer settings used when WithConfig is not
// supplied.
func DefaultConfig() *sarama.Config { return defaultConfig() }

// Config returns the Sarama config New would build for opts.
func Config(opts ...Option) *sarama.Config {
	settings := &options{
		config:          defaultConfig(),
		refreshInterval: defaultMetadataRefreshInterval,
		clientID:        defaultClientID,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(settings)
		}
	}
	return buildConfig(settings)
}

func defaultConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Retry.Backoff = 250 * time.Millisecond
	cfg.Producer.Return.Errors = true
	cfg.Producer.Return.Successes = true
	cfg.Producer.Idempotent = true
	cfg.Producer.Timeout = 10 * time.Second
	cfg.Net.MaxOpenRequests = 1
	cfg.Net.DialTimeout = 10 * time.Second
	cfg.Net.WriteTimeout = 10 * time.Second
	cfg.Net.ReadTimeout = 10 * time.Second
	cfg.Metadata.Full = true
	cfg.Metadata.RefreshFrequency = defaultMetadataRefreshInterval
	cfg.Producer.Flush.Bytes = 0
	cfg.Producer.Flush.Messages = 0
	cfg.Producer.Flush.Frequency = 0
	return cfg
}

func buildConfig(o *options) *sarama.Config {
	cfg := cloneConfig(o.config)
	if o.refreshInterval > 0 {
		cfg.Metadata.RefreshFrequency = o.refreshInterval
	}
	if o.clientID != "" {
		cfg.ClientID = o.clientID
	}
	if o.sendTimeout > 0 {
		cfg.Producer.Timeout = o.sendTimeout
		cfg.Net.DialTimeout = o.sendTimeout
		cfg.Net.ReadTimeout = o.sendTimeout
		cfg.Net.WriteTimeout = o.sendTimeout
	}
	if o.saslUser != "" {
		cfg.Net.SASL.Enable = true
		cfg.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		cfg.Net.SASL.User = o.saslUser
		cfg.Net.SASL.Password = o.saslPassword
	}
	if o.tls {
		cfg.Net.TLS.Enable = true
		if o.tlsConfig != nil {
			cfg.Net.TLS.Config = o.tlsConfig
		} else {
			cfg.Net.TLS.Config = &tls.Config{MinVersion: tls.VersionTLS12}
		}
	}
	return cfg
}

func cloneConfig(cfg *sarama.Config) *sarama.Config {
	if cfg == nil {
		return defaultConfig()
	}
	cloned := *cfg
	return &cloned
}
