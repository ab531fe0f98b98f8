package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrStreamNotFound is returned when a stream has not been bootstrapped.
	ErrStreamNotFound = errors.New("stream not found")

	// ErrNoCheckpoint is returned when a stream has no trusted root anchor yet.
	ErrNoCheckpoint = errors.New("no checkpoint for stream")

	// ErrNoEntries is returned by reads against a stream with an empty ledger.
	ErrNoEntries = errors.New("no ledger entries for stream")
)

// Checkpoint is a signed Merkle root anchoring trust for a stream at a point
// in time. Checkpoints are append-only; the latest row per stream by
// ComputedAt is the trusted anchor.
type Checkpoint struct {
	StreamName           string    `json:"stream_name"`
	RootHash             string    `json:"root_hash"`
	ComputedAt           time.Time `json:"computed_at"`
	SignerID             string    `json:"signer_id"`
	Signature            string    `json:"signature"`
	PublicKeyFingerprint string    `json:"public_key_fingerprint"`

	// ReferenceStream/ReferenceRoot optionally commit to another stream's
	// latest known root (cross-stream trust link). Both are set or both
	// are empty; a missing counterpart is absence, not failure.
	ReferenceStream string `json:"reference_stream,omitempty"`
	ReferenceRoot   string `json:"reference_root,omitempty"`
}

// StreamConfig is the bootstrap-time registration of a tracked table.
type StreamConfig struct {
	Name string `json:"name"`

	// PrimaryKey is the live table's identifier column; its value becomes
	// the entry RecordID and is excluded from image payloads.
	PrimaryKey string `json:"primary_key"`

	// FieldsToHash restricts which image fields participate in verification
	// hashing. Empty means all fields. Full images are stored regardless.
	FieldsToHash []string  `json:"fields_to_hash,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Appender is the synchronous capture hook. Implementations serialise
// appends per stream: reading the tail hash, computing the new entry hash,
// and persisting the row form one atomic critical section.
type Appender interface {
	Append(ctx context.Context, stream, recordID string, op Operation, before, after Image) (*Entry, error)
}

// Reader provides ordered retrieval of persisted entries. The ledger is
// append-only, so reads are lock-free and safe to run concurrently with
// appends.
type Reader interface {
	// Entries returns all entries for stream ordered by sequence.
	Entries(ctx context.Context, stream string) ([]*Entry, error)

	// EntriesRange returns entries with fromSeq <= sequence <= toSeq,
	// ordered by sequence. toSeq <= 0 means no upper bound.
	EntriesRange(ctx context.Context, stream string, fromSeq, toSeq int64) ([]*Entry, error)

	// EntriesForRecord returns the ordered history of a single record.
	EntriesForRecord(ctx context.Context, stream, recordID string) ([]*Entry, error)

	// TailHash returns the entry hash of the latest entry for stream, or
	// GenesisHash if the stream has no entries.
	TailHash(ctx context.Context, stream string) (string, error)

	// LastSequence returns the highest assigned sequence for stream
	// (0 if empty).
	LastSequence(ctx context.Context, stream string) (int64, error)
}

// CheckpointStore persists and retrieves signed root anchors.
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, cp *Checkpoint) error
	LatestCheckpoint(ctx context.Context, stream string) (*Checkpoint, error)
}

// StreamRegistry tracks which tables are under ledger control and their
// verification policy.
type StreamRegistry interface {
	RegisterStream(ctx context.Context, cfg *StreamConfig) error
	Stream(ctx context.Context, name string) (*StreamConfig, error)
}

// LiveReader reads the current contents of a tracked table, independent of
// the ledger, keyed by record id with the primary key column excluded from
// the payload.
type LiveReader interface {
	LiveState(ctx context.Context, stream string) (map[string]Image, error)
}

// Store is the full persistence surface the engine is wired against. The
// per-stream tail hash is the only mutable shared resource; everything else
// is append-only or derived.
type Store interface {
	Appender
	Reader
	CheckpointStore
	StreamRegistry
	LiveReader
}
