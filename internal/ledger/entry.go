package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// GenesisHash is the fixed predecessor hash of the first entry of every
// stream. It is the trust anchor of each chain; all subsequent entry hashes
// chain from this constant rather than from a computed value.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Operation is the kind of row mutation an entry captures.
type Operation string

const (
	OpInsert Operation = "INSERT"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// Valid reports whether op is one of the three capture operations.
func (op Operation) Valid() bool {
	return op == OpInsert || op == OpUpdate || op == OpDelete
}

// Image is a structured snapshot of a tracked row. A nil Image means the
// image is absent (no before-image on INSERT, no after-image on DELETE),
// which is distinct from an empty map.
type Image map[string]any

// Entry is a single immutable record in the audit ledger.
type Entry struct {
	Sequence      int64     `json:"sequence"`
	TransactionID string    `json:"transaction_id"`
	StreamName    string    `json:"stream_name"`
	RecordID      string    `json:"record_id"`
	Operation     Operation `json:"operation"`
	Before        Image     `json:"before_image,omitempty"`
	After         Image     `json:"after_image,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	PrevHash      string    `json:"predecessor_hash"`
	Hash          string    `json:"entry_hash"`
}

// ComputeHash returns the deterministic SHA-256 digest binding the entry to
// its predecessor. The digest covers, pipe-joined in order: predecessor hash,
// transaction id, record id, operation, canonical before-image, canonical
// after-image, and the canonical microsecond timestamp. The sequence number
// is assigned by the store and deliberately excluded.
//
// Recomputing this from persisted fields must reproduce the stored Hash
// exactly; any divergence is proof of tampering.
func (e *Entry) ComputeHash() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%s|%s",
		e.PrevHash, e.TransactionID, e.RecordID, e.Operation,
		CanonicalImage(e.Before), CanonicalImage(e.After),
		CanonicalTime(e.Timestamp),
	)
	return hex.EncodeToString(h.Sum(nil))
}

// sha256Hex returns the hex-encoded SHA-256 digest of data.
func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
