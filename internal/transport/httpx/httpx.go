package httpx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"

	"github.com/example/operate-log-client/internal/models"
	"github.com/example/operate-log-client/internal/transport"
)

const (
	defaultTimeout  = 10 * time.Second
	maxErrorBodyLen = 512
)

// Config holds the endpoint settings.
type Config struct {
	Endpoint string
	// APIKey is sent as a bearer token when set.
	APIKey string
	// TenantID is sent in the X-Scope-OrgID header when set.
	TenantID string
	// Compress enables zstd request bodies.
	Compress bool
	// Timeout bounds a single request. The dispatcher's send timeout still
	// applies through the request context.
	Timeout time.Duration
	Client  *http.Client
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http transport: endpoint returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("http transport: endpoint returned status %d: %s", e.StatusCode, e.Body)
}

// Transport POSTs each batch as a JSON array of records.
type Transport struct {
	cfg     Config
	client  *http.Client
	encoder *zstd.Encoder
	logger  zerolog.Logger
	bufPool sync.Pool
}

// New constructs an HTTP transport.
func New(cfg Config, logger zerolog.Logger) (*Transport, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("http transport: endpoint is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	t := &Transport{
		cfg:    cfg,
		client: cfg.Client,
		logger: logger.With().Str("component", "http_transport").Logger(),
	}
	if t.client == nil {
		t.client = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Compress {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("http transport: create zstd encoder: %w", err)
		}
		t.encoder = enc
	}
	t.bufPool = sync.Pool{
		New: func() any {
			return bytes.NewBuffer(make([]byte, 0, 64*1024))
		},
	}
	return t, nil
}

// Send posts the batch. 2xx acknowledges; 408, 429 and 5xx are retryable;
// any other status is fatal. Network errors are retryable.
func (t *Transport) Send(ctx context.Context, batch *models.Batch) error {
	buf := t.bufPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		t.bufPool.Put(buf)
	}()

	writeArray(buf, batch.Payloads())

	body := buf.Bytes()
	if t.encoder != nil {
		body = t.encoder.EncodeAll(body, make([]byte, 0, len(body)/2))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return transport.WrapFatal(fmt.Errorf("http transport: create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Batch-ID", batch.ID)
	if t.encoder != nil {
		req.Header.Set("Content-Encoding", "zstd")
	}
	if t.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.cfg.APIKey)
	}
	if t.cfg.TenantID != "" {
		req.Header.Set("X-Scope-OrgID", t.cfg.TenantID)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return transport.WrapRetryable(fmt.Errorf("http transport: send request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLen))
	statusErr := &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	if retryableStatus(resp.StatusCode) {
		return transport.WrapRetryable(statusErr)
	}
	return transport.WrapFatal(statusErr)
}

// Close releases the encoder and idle connections.
func (t *Transport) Close() error {
	if t.encoder != nil {
		t.encoder.Close()
	}
	t.client.CloseIdleConnections()
	return nil
}

func retryableStatus(code int) bool {
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500
}

func writeArray(buf *bytes.Buffer, payloads [][]byte) {
	buf.WriteByte('[')
	for i, p := range payloads {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(p)
	}
	buf.WriteByte(']')
}
