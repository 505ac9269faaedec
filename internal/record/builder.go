package record

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/example/operate-log-client/internal/models"
)

// ErrValidation is returned when caller supplied fields cannot form a valid
// operation record.
var ErrValidation = errors.New("record: validation failed")

// Params carries the caller supplied fields of an operation.
type Params struct {
	OperationType string
	Operator      string
	Target        string
	UserID        string
	SubuserID     string
	Details       models.Details
	Status        string
	SourceIP      string
	RequestID     string
	TraceContext  models.Details
	// Timestamp overrides the generated creation time when non-zero.
	Timestamp time.Time
	// Extra carries additional top-level string fields.
	Extra map[string]string
}

// Config holds the process-wide constants and limits applied by the builder.
type Config struct {
	Application string
	Environment string
	// MaxDetailEntries bounds the number of top-level detail keys. Zero
	// disables the check.
	MaxDetailEntries int
	// MaxKeyLen bounds detail and extra key length in runes. Zero disables
	// the check.
	MaxKeyLen int
}

// Builder validates and normalizes Params into OperationRecords. It is safe
// for concurrent use.
type Builder struct {
	cfg Config
	now func() time.Time
	ids func() (string, error)

	mu   sync.Mutex
	last time.Time
}

// Option customises a Builder.
type Option func(*Builder)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Builder) {
		if now != nil {
			b.now = now
		}
	}
}

// WithIDGenerator overrides operation id generation.
func WithIDGenerator(gen func() (string, error)) Option {
	return func(b *Builder) {
		if gen != nil {
			b.ids = gen
		}
	}
}

// NewBuilder constructs a Builder.
func NewBuilder(cfg Config, opts ...Option) *Builder {
	b := &Builder{
		cfg: cfg,
		now: time.Now,
		ids: newOperationID,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

type normalized struct {
	opType   string
	operator string
	target   string
	extra    map[string]string
}

// Validate reports whether p would build a valid record without generating
// an id or timestamp.
func (b *Builder) Validate(p Params) error {
	_, err := b.normalize(p)
	return err
}

func (b *Builder) normalize(p Params) (normalized, error) {
	n := normalized{
		opType:   strings.TrimSpace(p.OperationType),
		operator: strings.TrimSpace(p.Operator),
		target:   strings.TrimSpace(p.Target),
	}

	var missing []string
	if n.opType == "" {
		missing = append(missing, "operation_type")
	}
	if n.operator == "" {
		missing = append(missing, "operator")
	}
	if n.target == "" {
		missing = append(missing, "target")
	}
	if len(missing) > 0 {
		return n, fmt.Errorf("%w: %s required", ErrValidation, strings.Join(missing, ", "))
	}

	if err := validateDetails(p.Details, b.cfg.MaxDetailEntries, b.cfg.MaxKeyLen); err != nil {
		return n, err
	}
	extra, err := validateExtra(p.Extra, b.cfg.MaxKeyLen)
	if err != nil {
		return n, err
	}
	n.extra = extra
	return n, nil
}

// Build validates p and returns a new immutable record. Build performs no
// I/O.
func (b *Builder) Build(p Params) (*models.OperationRecord, error) {
	n, err := b.normalize(p)
	if err != nil {
		return nil, err
	}

	id, err := b.ids()
	if err != nil {
		return nil, fmt.Errorf("record: generate operation id: %w", err)
	}

	status := strings.TrimSpace(p.Status)
	if status == "" {
		status = models.DefaultStatus
	}

	ts := p.Timestamp
	if ts.IsZero() {
		ts = b.nextTimestamp()
	}

	return &models.OperationRecord{
		OperationID:   id,
		RequestID:     strings.TrimSpace(p.RequestID),
		Timestamp:     ts.UTC(),
		OperationType: n.opType,
		Operator:      n.operator,
		UserID:        strings.TrimSpace(p.UserID),
		SubuserID:     strings.TrimSpace(p.SubuserID),
		Target:        n.target,
		Status:        status,
		Details:       p.Details.Clone(),
		SourceIP:      strings.TrimSpace(p.SourceIP),
		Application:   b.cfg.Application,
		Environment:   b.cfg.Environment,
		TraceContext:  p.TraceContext.Clone(),
		Extra:         n.extra,
	}, nil
}

// nextTimestamp returns the current time, never earlier than the previous
// generated timestamp.
func (b *Builder) nextTimestamp() time.Time {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	if now.Before(b.last) {
		now = b.last
	}
	b.last = now
	return now
}

func newOperationID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func validateDetails(d models.Details, maxEntries, maxKeyLen int) error {
	if maxEntries > 0 && d.Len() > maxEntries {
		return fmt.Errorf("%w: details entries exceeded: got %d, max %d", ErrValidation, d.Len(), maxEntries)
	}
	for _, key := range d.Keys() {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("%w: details key cannot be empty", ErrValidation)
		}
		if maxKeyLen > 0 && utf8.RuneCountInString(key) > maxKeyLen {
			return fmt.Errorf("%w: details key %q exceeds max length %d", ErrValidation, key, maxKeyLen)
		}
	}
	return nil
}

func validateExtra(extra map[string]string, maxKeyLen int) (map[string]string, error) {
	if len(extra) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(extra))
	for rawKey, value := range extra {
		key := strings.TrimSpace(rawKey)
		if key == "" {
			return nil, fmt.Errorf("%w: extra field name cannot be empty", ErrValidation)
		}
		if _, reserved := models.ReservedFields[key]; reserved {
			return nil, fmt.Errorf("%w: extra field %q collides with a record field", ErrValidation, key)
		}
		if maxKeyLen > 0 && utf8.RuneCountInString(key) > maxKeyLen {
			return nil, fmt.Errorf("%w: extra field %q exceeds max length %d", ErrValidation, key, maxKeyLen)
		}
		out[key] = value
	}
	return out, nil
}
