package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PostgresStore persists the audit ledger to a PostgreSQL database.
// It implements the Store interface.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a PostgresStore backed by the given connection pool.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger}
}

// advisoryLockKey derives a stable per-stream advisory lock key, so appends
// to different streams never contend with each other.
func advisoryLockKey(stream string) int64 {
	h := fnv.New64a()
	h.Write([]byte("ledgerlock/" + stream))
	return int64(h.Sum64())
}

// Append implements Appender.
// It acquires a per-stream PostgreSQL advisory lock, reads the chain tail,
// computes the new entry hash, and inserts it — all within a single
// transaction, so no mutation can commit without its ledger entry and two
// appends can never claim the same predecessor.
func (s *PostgresStore) Append(ctx context.Context, stream, recordID string, op Operation, before, after Image) (*Entry, error) {
	if !op.Valid() {
		return nil, fmt.Errorf("invalid operation %q", op)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// The lock is released automatically when the transaction commits or
	// rolls back.
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey(stream)); err != nil {
		return nil, fmt.Errorf("acquire advisory lock: %w", err)
	}

	var registered bool
	if err := tx.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM ledger_streams WHERE stream_name = $1)",
		stream,
	).Scan(&registered); err != nil {
		return nil, fmt.Errorf("check stream registration: %w", err)
	}
	if !registered {
		return nil, ErrStreamNotFound
	}

	var prevSeq int64
	prevHash := GenesisHash
	err = tx.QueryRow(ctx,
		"SELECT sequence, entry_hash FROM ledger_entries WHERE stream_name = $1 ORDER BY sequence DESC LIMIT 1",
		stream,
	).Scan(&prevSeq, &prevHash)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("read ledger tail: %w", err)
	}

	entry := &Entry{
		Sequence:      prevSeq + 1,
		TransactionID: uuid.New().String(),
		StreamName:    stream,
		RecordID:      recordID,
		Operation:     op,
		Before:        before,
		After:         after,
		Timestamp:     time.Now().UTC().Truncate(time.Microsecond),
		PrevHash:      prevHash,
	}
	entry.Hash = entry.ComputeHash()

	beforeJSON, afterJSON, err := marshalImages(before, after)
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO ledger_entries (
			stream_name, sequence, transaction_id, record_id, operation,
			before_image, after_image, captured_at, predecessor_hash, entry_hash
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		entry.StreamName, entry.Sequence, entry.TransactionID, entry.RecordID,
		entry.Operation, beforeJSON, afterJSON, entry.Timestamp,
		entry.PrevHash, entry.Hash,
	); err != nil {
		return nil, fmt.Errorf("insert ledger entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit ledger tx: %w", err)
	}

	s.logger.Debug("ledger entry appended",
		zap.String("stream", entry.StreamName),
		zap.Int64("sequence", entry.Sequence),
		zap.String("operation", string(entry.Operation)),
		zap.String("record_id", entry.RecordID),
	)
	return entry, nil
}

func marshalImages(before, after Image) ([]byte, []byte, error) {
	var beforeJSON, afterJSON []byte
	var err error
	if before != nil {
		if beforeJSON, err = json.Marshal(before); err != nil {
			return nil, nil, fmt.Errorf("marshal before image: %w", err)
		}
	}
	if after != nil {
		if afterJSON, err = json.Marshal(after); err != nil {
			return nil, nil, fmt.Errorf("marshal after image: %w", err)
		}
	}
	return beforeJSON, afterJSON, nil
}

const entryColumns = `stream_name, sequence, transaction_id, record_id, operation,
	before_image, after_image, captured_at, predecessor_hash, entry_hash`

func scanEntry(row pgx.Row) (*Entry, error) {
	e := &Entry{}
	var beforeJSON, afterJSON []byte
	if err := row.Scan(
		&e.StreamName, &e.Sequence, &e.TransactionID, &e.RecordID, &e.Operation,
		&beforeJSON, &afterJSON, &e.Timestamp, &e.PrevHash, &e.Hash,
	); err != nil {
		return nil, err
	}
	if len(beforeJSON) > 0 {
		if err := json.Unmarshal(beforeJSON, &e.Before); err != nil {
			return nil, fmt.Errorf("decode before image: %w", err)
		}
	}
	if len(afterJSON) > 0 {
		if err := json.Unmarshal(afterJSON, &e.After); err != nil {
			return nil, fmt.Errorf("decode after image: %w", err)
		}
	}
	e.Timestamp = e.Timestamp.UTC()
	return e, nil
}

func (s *PostgresStore) queryEntries(ctx context.Context, query string, args ...any) ([]*Entry, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ledger row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Entries implements Reader.
func (s *PostgresStore) Entries(ctx context.Context, stream string) ([]*Entry, error) {
	return s.queryEntries(ctx,
		"SELECT "+entryColumns+" FROM ledger_entries WHERE stream_name = $1 ORDER BY sequence ASC",
		stream)
}

// EntriesRange implements Reader.
func (s *PostgresStore) EntriesRange(ctx context.Context, stream string, fromSeq, toSeq int64) ([]*Entry, error) {
	if toSeq <= 0 {
		return s.queryEntries(ctx,
			"SELECT "+entryColumns+" FROM ledger_entries WHERE stream_name = $1 AND sequence >= $2 ORDER BY sequence ASC",
			stream, fromSeq)
	}
	return s.queryEntries(ctx,
		"SELECT "+entryColumns+" FROM ledger_entries WHERE stream_name = $1 AND sequence BETWEEN $2 AND $3 ORDER BY sequence ASC",
		stream, fromSeq, toSeq)
}

// EntriesForRecord implements Reader.
func (s *PostgresStore) EntriesForRecord(ctx context.Context, stream, recordID string) ([]*Entry, error) {
	return s.queryEntries(ctx,
		"SELECT "+entryColumns+" FROM ledger_entries WHERE stream_name = $1 AND record_id = $2 ORDER BY sequence ASC",
		stream, recordID)
}

// TailHash implements Reader.
func (s *PostgresStore) TailHash(ctx context.Context, stream string) (string, error) {
	var hash string
	err := s.pool.QueryRow(ctx,
		"SELECT entry_hash FROM ledger_entries WHERE stream_name = $1 ORDER BY sequence DESC LIMIT 1",
		stream,
	).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return GenesisHash, nil
	}
	if err != nil {
		return "", fmt.Errorf("read ledger tail: %w", err)
	}
	return hash, nil
}

// LastSequence implements Reader.
func (s *PostgresStore) LastSequence(ctx context.Context, stream string) (int64, error) {
	var seq int64
	err := s.pool.QueryRow(ctx,
		"SELECT COALESCE(MAX(sequence), 0) FROM ledger_entries WHERE stream_name = $1",
		stream,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("read last sequence: %w", err)
	}
	return seq, nil
}

// SaveCheckpoint implements CheckpointStore.
func (s *PostgresStore) SaveCheckpoint(ctx context.Context, cp *Checkpoint) error {
	var refStream, refRoot *string
	if cp.ReferenceStream != "" {
		refStream, refRoot = &cp.ReferenceStream, &cp.ReferenceRoot
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO ledger_checkpoints (
			stream_name, root_hash, computed_at, signer_id, signature,
			public_key_fingerprint, reference_stream, reference_root
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		cp.StreamName, cp.RootHash, cp.ComputedAt, cp.SignerID, cp.Signature,
		cp.PublicKeyFingerprint, refStream, refRoot,
	); err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	s.logger.Info("checkpoint stored",
		zap.String("stream", cp.StreamName),
		zap.String("root", cp.RootHash),
	)
	return nil
}

// LatestCheckpoint implements CheckpointStore.
func (s *PostgresStore) LatestCheckpoint(ctx context.Context, stream string) (*Checkpoint, error) {
	cp := &Checkpoint{}
	var refStream, refRoot *string
	err := s.pool.QueryRow(ctx,
		`SELECT stream_name, root_hash, computed_at, signer_id, signature,
			public_key_fingerprint, reference_stream, reference_root
		 FROM ledger_checkpoints WHERE stream_name = $1
		 ORDER BY computed_at DESC LIMIT 1`,
		stream,
	).Scan(&cp.StreamName, &cp.RootHash, &cp.ComputedAt, &cp.SignerID,
		&cp.Signature, &cp.PublicKeyFingerprint, &refStream, &refRoot)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoCheckpoint
	}
	if err != nil {
		return nil, fmt.Errorf("read latest checkpoint: %w", err)
	}
	if refStream != nil {
		cp.ReferenceStream = *refStream
	}
	if refRoot != nil {
		cp.ReferenceRoot = *refRoot
	}
	cp.ComputedAt = cp.ComputedAt.UTC()
	return cp, nil
}

// RegisterStream implements StreamRegistry.
func (s *PostgresStore) RegisterStream(ctx context.Context, cfg *StreamConfig) error {
	if cfg.PrimaryKey == "" {
		cfg.PrimaryKey = "id"
	}
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = time.Now().UTC()
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO ledger_streams (stream_name, primary_key, fields_to_hash, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (stream_name) DO UPDATE
		 SET primary_key = EXCLUDED.primary_key, fields_to_hash = EXCLUDED.fields_to_hash`,
		cfg.Name, cfg.PrimaryKey, cfg.FieldsToHash, cfg.CreatedAt,
	); err != nil {
		return fmt.Errorf("register stream: %w", err)
	}
	return nil
}

// Stream implements StreamRegistry.
func (s *PostgresStore) Stream(ctx context.Context, name string) (*StreamConfig, error) {
	cfg := &StreamConfig{}
	err := s.pool.QueryRow(ctx,
		"SELECT stream_name, primary_key, COALESCE(fields_to_hash, '{}'), created_at FROM ledger_streams WHERE stream_name = $1",
		name,
	).Scan(&cfg.Name, &cfg.PrimaryKey, &cfg.FieldsToHash, &cfg.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrStreamNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read stream config: %w", err)
	}
	if len(cfg.FieldsToHash) == 0 {
		cfg.FieldsToHash = nil
	}
	return cfg, nil
}

// LiveState implements LiveReader. It reads the current contents of the
// tracked table itself (not the ledger), keyed by the registered primary key
// column, with that column excluded from the payload.
func (s *PostgresStore) LiveState(ctx context.Context, stream string) (map[string]Image, error) {
	cfg, err := s.Stream(ctx, stream)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT * FROM %s ORDER BY %s",
		pgx.Identifier{stream}.Sanitize(),
		pgx.Identifier{cfg.PrimaryKey}.Sanitize(),
	)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("read live table %s: %w", stream, err)
	}
	defer rows.Close()

	state := make(map[string]Image)
	fields := rows.FieldDescriptions()
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("read live row: %w", err)
		}
		img := make(Image, len(values))
		recordID := ""
		for i, fd := range fields {
			if fd.Name == cfg.PrimaryKey {
				recordID = fmt.Sprint(values[i])
				continue
			}
			img[fd.Name] = values[i]
		}
		if recordID == "" {
			return nil, fmt.Errorf("live row in %s has empty %s", stream, cfg.PrimaryKey)
		}
		state[recordID] = img
	}
	return state, rows.Err()
}

// DetectPrimaryKey looks up the table's primary key column from
// information_schema. Returns an error if the table has no primary key.
func (s *PostgresStore) DetectPrimaryKey(ctx context.Context, table string) (string, error) {
	var col string
	err := s.pool.QueryRow(ctx,
		`SELECT k.column_name
		 FROM information_schema.table_constraints t
		 JOIN information_schema.key_column_usage k
			ON t.constraint_name = k.constraint_name
			AND t.table_schema = k.table_schema
			AND t.table_name = k.table_name
		 WHERE t.constraint_type = 'PRIMARY KEY'
			AND t.table_schema = current_schema()
			AND t.table_name = $1
		 ORDER BY k.ordinal_position
		 LIMIT 1`,
		table,
	).Scan(&col)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("table %q has no primary key; specify one explicitly", table)
	}
	if err != nil {
		return "", fmt.Errorf("detect primary key for %q: %w", table, err)
	}
	return col, nil
}

// Ping verifies database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
