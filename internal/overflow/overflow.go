// Package overflow stores batches that could not be delivered in a local
// SQLite database so they can be replayed once the backend recovers.
package overflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/example/operate-log-client/internal/models"
	"github.com/example/operate-log-client/internal/transport"
)

const defaultPoolSize = 4

const schema = `
CREATE TABLE IF NOT EXISTS overflow_batches (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	batch_id     TEXT    NOT NULL,
	reason       TEXT    NOT NULL,
	attempts     INTEGER NOT NULL,
	last_error   TEXT    NOT NULL DEFAULT '',
	failed_at    INTEGER NOT NULL,
	record_count INTEGER NOT NULL,
	payload      BLOB    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_overflow_batches_batch_id ON overflow_batches(batch_id);
`

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA temp_store=MEMORY",
}

var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	decoder, _ = zstd.NewReader(nil)
)

// Config configures the store.
type Config struct {
	// Path of the database file. ":memory:" works with PoolSize 1.
	Path     string
	PoolSize int
	Logger   zerolog.Logger
	Now      func() time.Time
}

// Entry is one stored batch.
type Entry struct {
	ID          int64
	BatchID     string
	Reason      models.FailureReason
	Attempts    int
	LastError   string
	FailedAt    time.Time
	RecordCount int
	Records     []*models.OperationRecord

	payloads [][]byte
}

// Batch rebuilds the batch for resending. The stored batch id is kept so
// backends that deduplicate on it see the same identifier.
func (e *Entry) Batch(now time.Time) *models.Batch {
	b := models.NewBatch(e.BatchID, now)
	for i, rec := range e.Records {
		b.Add(rec, e.payloads[i])
	}
	return b
}

// Store is a dispatcher sink backed by SQLite.
type Store struct {
	pool   *sqlitex.Pool
	logger zerolog.Logger
	now    func() time.Time
	path   string
}

// Open opens or creates the database at cfg.Path and applies the schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("overflow: path is required")
	}
	logger := cfg.Logger
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	logger = logger.With().Str("component", "overflow").Logger()

	if cfg.PoolSize <= 0 {
		cfg.PoolSize = defaultPoolSize
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    cfg.PoolSize,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, fmt.Errorf("overflow: open %s: %w", cfg.Path, err)
	}

	s := &Store{pool: pool, logger: logger, now: cfg.Now, path: cfg.Path}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	logger.Info().Str("path", cfg.Path).Int("pool_size", cfg.PoolSize).Msg("overflow: store opened")
	return s, nil
}

func prepareConn(conn *sqlite.Conn) error {
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("overflow: %s: %w", pragma, err)
		}
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("overflow: take connection: %w", err)
	}
	defer s.pool.Put(conn)

	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("overflow: apply schema: %w", err)
	}
	return nil
}

// Persist stores a failed batch. Records are kept as zstd-compressed
// newline-delimited JSON.
func (s *Store) Persist(ctx context.Context, failure models.DeliveryFailure) (err error) {
	payload, err := encodeRecords(failure.Records)
	if err != nil {
		return err
	}

	failedAt := failure.LastAttemptAt
	if failedAt.IsZero() {
		failedAt = s.now()
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("overflow: take connection: %w", err)
	}
	defer s.pool.Put(conn)

	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("overflow: begin: %w", err)
	}
	defer endFn(&err)

	err = sqlitex.Execute(conn,
		`INSERT INTO overflow_batches (batch_id, reason, attempts, last_error, failed_at, record_count, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			failure.BatchID,
			string(failure.Reason),
			failure.Attempts,
			failure.LastError,
			failedAt.UnixNano(),
			len(failure.Records),
			payload,
		}})
	if err != nil {
		return fmt.Errorf("overflow: insert batch %s: %w", failure.BatchID, err)
	}

	s.logger.Debug().
		Str("batch_id", failure.BatchID).
		Int("records", len(failure.Records)).
		Str("reason", string(failure.Reason)).
		Msg("overflow: batch persisted")
	return nil
}

// Pending returns the number of stored batches and the records they hold.
func (s *Store) Pending(ctx context.Context) (batches, records int, err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("overflow: take connection: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`SELECT COUNT(*), COALESCE(SUM(record_count), 0) FROM overflow_batches`,
		&sqlitex.ExecOptions{ResultFunc: func(stmt *sqlite.Stmt) error {
			batches = stmt.ColumnInt(0)
			records = stmt.ColumnInt(1)
			return nil
		}})
	if err != nil {
		return 0, 0, fmt.Errorf("overflow: count: %w", err)
	}
	return batches, records, nil
}

// List returns up to limit stored batches, oldest first. A limit of zero or
// less returns all of them.
func (s *Store) List(ctx context.Context, limit int) ([]*Entry, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("overflow: take connection: %w", err)
	}
	defer s.pool.Put(conn)

	if limit <= 0 {
		limit = -1
	}

	var entries []*Entry
	err = sqlitex.Execute(conn,
		`SELECT id, batch_id, reason, attempts, last_error, failed_at, record_count, payload
		 FROM overflow_batches ORDER BY id LIMIT ?`,
		&sqlitex.ExecOptions{
			Args: []any{limit},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				raw := make([]byte, stmt.ColumnLen(7))
				stmt.ColumnBytes(7, raw)

				e := &Entry{
					ID:          stmt.ColumnInt64(0),
					BatchID:     stmt.ColumnText(1),
					Reason:      models.FailureReason(stmt.ColumnText(2)),
					Attempts:    stmt.ColumnInt(3),
					LastError:   stmt.ColumnText(4),
					FailedAt:    time.Unix(0, stmt.ColumnInt64(5)).UTC(),
					RecordCount: stmt.ColumnInt(6),
				}
				if err := e.decode(raw); err != nil {
					return fmt.Errorf("batch %s: %w", e.BatchID, err)
				}
				entries = append(entries, e)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("overflow: list: %w", err)
	}
	return entries, nil
}

// Delete removes a stored batch by row id.
func (s *Store) Delete(ctx context.Context, id int64) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("overflow: take connection: %w", err)
	}
	defer s.pool.Put(conn)

	if err := sqlitex.Execute(conn, `DELETE FROM overflow_batches WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{id}}); err != nil {
		return fmt.Errorf("overflow: delete %d: %w", id, err)
	}
	return nil
}

// Replay resends up to limit stored batches in insertion order through
// client, deleting each one once it is acknowledged. It stops at the first
// failed send and returns the number of batches replayed so far.
func (s *Store) Replay(ctx context.Context, client transport.Client, limit int) (int, error) {
	entries, err := s.List(ctx, limit)
	if err != nil {
		return 0, err
	}

	replayed := 0
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return replayed, err
		}
		if err := client.Send(ctx, e.Batch(s.now())); err != nil {
			s.logger.Warn().
				Err(err).
				Str("batch_id", e.BatchID).
				Str("result", transport.Classify(err).String()).
				Msg("overflow: replay stopped")
			return replayed, fmt.Errorf("overflow: replay batch %s: %w", e.BatchID, err)
		}
		if err := s.Delete(ctx, e.ID); err != nil {
			return replayed, err
		}
		replayed++
		s.logger.Info().
			Str("batch_id", e.BatchID).
			Int("records", len(e.Records)).
			Msg("overflow: batch replayed")
	}
	return replayed, nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("overflow: close %s: %w", s.path, err)
	}
	s.logger.Info().Str("path", s.path).Msg("overflow: store closed")
	return nil
}

func encodeRecords(records []*models.OperationRecord) ([]byte, error) {
	var buf bytes.Buffer
	for _, rec := range records {
		line, err := json.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("overflow: encode record %s: %w", rec.OperationID, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return encoder.EncodeAll(buf.Bytes(), nil), nil
}

func (e *Entry) decode(raw []byte) error {
	ndjson, err := decoder.DecodeAll(raw, nil)
	if err != nil {
		return fmt.Errorf("decompress payload: %w", err)
	}
	for _, line := range bytes.Split(ndjson, []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		rec := &models.OperationRecord{}
		if err := json.Unmarshal(line, rec); err != nil {
			return fmt.Errorf("decode record: %w", err)
		}
		e.Records = append(e.Records, rec)
		e.payloads = append(e.payloads, line)
	}
	return nil
}
