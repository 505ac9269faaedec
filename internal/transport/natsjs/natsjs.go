package natsjs

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/example/operate-log-client/internal/models"
	"github.com/example/operate-log-client/internal/transport"
)

// Publisher is the subset of jetstream.JetStream the transport uses.
type Publisher interface {
	PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

var fatalErrors = []error{
	nats.ErrMaxPayload,
	nats.ErrAuthorization,
	nats.ErrBadSubject,
	nats.ErrInvalidMsg,
}

// Transport publishes every record of a batch to a JetStream subject. The
// operation id is used as the message id so a retried batch is
// deduplicated by the stream.
type Transport struct {
	js      Publisher
	subject string
	closeFn func()
	logger  zerolog.Logger
}

// New wraps an existing JetStream publisher. closeFn, if non-nil, is called
// by Close.
func New(js Publisher, subject string, closeFn func(), logger zerolog.Logger) (*Transport, error) {
	if js == nil {
		return nil, errors.New("nats transport: jetstream publisher is required")
	}
	if subject == "" {
		return nil, errors.New("nats transport: subject is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &Transport{
		js:      js,
		subject: subject,
		closeFn: closeFn,
		logger:  logger.With().Str("component", "nats_transport").Str("subject", subject).Logger(),
	}, nil
}

// Dial connects to url and returns a transport publishing to subject.
func Dial(url, subject string, logger zerolog.Logger) (*Transport, error) {
	conn, err := nats.Connect(url,
		nats.Name("operate-log-client"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("nats transport: disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("nats transport: reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats transport: connect: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("nats transport: jetstream: %w", err)
	}

	t, err := New(js, subject, conn.Close, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return t, nil
}

// Send publishes records in batch order and stops at the first failure.
func (t *Transport) Send(ctx context.Context, batch *models.Batch) error {
	payloads := batch.Payloads()
	for i, rec := range batch.Records {
		msg := nats.NewMsg(t.subject)
		msg.Data = payloads[i]
		msg.Header.Set("Content-Type", "application/json")
		if rec.Application != "" {
			msg.Header.Set("Application", rec.Application)
		}

		if _, err := t.js.PublishMsg(ctx, msg, jetstream.WithMsgID(rec.OperationID)); err != nil {
			err = fmt.Errorf("nats transport: publish %s: %w", rec.OperationID, err)
			if isFatal(err) {
				return transport.WrapFatal(err)
			}
			return transport.WrapRetryable(err)
		}
	}
	return nil
}

// Close closes the NATS connection when the transport owns it.
func (t *Transport) Close() error {
	if t.closeFn != nil {
		t.closeFn()
	}
	return nil
}

func isFatal(err error) bool {
	for _, fatal := range fatalErrors {
		if errors.Is(err, fatal) {
			return true
		}
	}
	return false
}
