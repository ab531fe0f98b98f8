// Package verify orchestrates the replay engine and the Merkle tree builder
// against stored checkpoints and live table contents. Integrity failures are
// results, not errors: verification always completes and describes exactly
// what failed and where; only structural problems (unreadable store, missing
// checkpoint) surface as errors.
package verify

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ledgerlock/ledgerlock/internal/ledger"
	"github.com/ledgerlock/ledgerlock/internal/merkle"
	"github.com/ledgerlock/ledgerlock/internal/replay"
)

var (
	// ErrNoMatchingRecord is returned when a row-level filter matches nothing.
	ErrNoMatchingRecord = errors.New("no record matches the given filter")

	// ErrAmbiguousTarget is returned when a row-level filter matches more
	// than one record; narrow the filter to a single record.
	ErrAmbiguousTarget = errors.New("filter matches more than one record")

	// ErrEmptyLedger is returned when an operation needs at least one entry.
	ErrEmptyLedger = errors.New("ledger has no entries for stream")
)

// RootSigner signs Merkle roots for checkpoints and snapshot artifacts.
// Implemented by signing.Signer.
type RootSigner interface {
	SignRoot(root string) (string, error)
	SignerID() string
	Fingerprint() string
}

// Verifier runs the four verification modes for bootstrapped streams.
type Verifier struct {
	store   ledger.Store
	logger  *zap.Logger
	workers int
}

// New creates a Verifier. Leaf hashing is parallelised across
// runtime.GOMAXPROCS workers.
func New(store ledger.Store, logger *zap.Logger) *Verifier {
	return &Verifier{store: store, logger: logger, workers: runtime.GOMAXPROCS(0)}
}

// StoredRootResult is the outcome of stored-root verification. A mismatch
// means the ledger's own history no longer reproduces the anchored root:
// tampering in the ledger itself.
type StoredRootResult struct {
	StreamName      string           `json:"stream_name"`
	StoredRoot      string           `json:"stored_root"`
	ComputedRoot    string           `json:"computed_root"`
	CheckpointAt    time.Time        `json:"checkpoint_at"`
	SignerID        string           `json:"signer_id,omitempty"`
	Match           bool             `json:"match"`
	EntriesReplayed int              `json:"entries_replayed"`
	RecordCount     int              `json:"record_count"`
	Warnings        []replay.Warning `json:"warnings,omitempty"`
}

// StoredRoot replays the stream, hashes the replayed records into leaves,
// rebuilds the Merkle root, and compares it to the latest checkpoint.
func (v *Verifier) StoredRoot(ctx context.Context, stream string) (*StoredRootResult, error) {
	cp, err := v.store.LatestCheckpoint(ctx, stream)
	if err != nil {
		return nil, err
	}

	res, cfg, err := v.replayStream(ctx, stream)
	if err != nil {
		return nil, err
	}
	root, err := v.stateRoot(ctx, res.State, cfg.FieldsToHash)
	if err != nil {
		return nil, err
	}

	out := &StoredRootResult{
		StreamName:      stream,
		StoredRoot:      cp.RootHash,
		ComputedRoot:    root,
		CheckpointAt:    cp.ComputedAt,
		SignerID:        cp.SignerID,
		Match:           root != "" && root == cp.RootHash,
		EntriesReplayed: res.EntriesReplayed,
		RecordCount:     len(res.State),
		Warnings:        res.Warnings,
	}
	v.logger.Info("stored-root verification finished",
		zap.String("stream", stream),
		zap.Bool("match", out.Match),
	)
	return out, nil
}

// Divergence describes one record where the live table and the audited
// history disagree.
type Divergence struct {
	RecordID string `json:"record_id"`
	Kind     string `json:"kind"` // missing_in_live, extra_in_live, field_mismatch
	Detail   string `json:"detail"`
}

// LiveStateResult is the outcome of live-state verification. A mismatch
// means the tracked table diverged from its audited history, e.g. it was
// edited outside the capture path.
type LiveStateResult struct {
	StreamName   string           `json:"stream_name"`
	ReplayedRoot string           `json:"replayed_root"`
	LiveRoot     string           `json:"live_root"`
	Match        bool             `json:"match"`
	Divergences  []Divergence     `json:"divergences,omitempty"`
	Warnings     []replay.Warning `json:"warnings,omitempty"`
}

// LiveState replays the stream and compares the result record-by-record
// against the current contents of the tracked table.
func (v *Verifier) LiveState(ctx context.Context, stream string) (*LiveStateResult, error) {
	res, cfg, err := v.replayStream(ctx, stream)
	if err != nil {
		return nil, err
	}
	live, err := v.store.LiveState(ctx, stream)
	if err != nil {
		return nil, fmt.Errorf("read live state: %w", err)
	}

	replayedRoot, err := v.stateRoot(ctx, res.State, cfg.FieldsToHash)
	if err != nil {
		return nil, err
	}
	liveRoot, err := v.stateRoot(ctx, replay.State(live), cfg.FieldsToHash)
	if err != nil {
		return nil, err
	}

	out := &LiveStateResult{
		StreamName:   stream,
		ReplayedRoot: replayedRoot,
		LiveRoot:     liveRoot,
		Match:        replayedRoot == liveRoot,
		Warnings:     res.Warnings,
	}
	if !out.Match {
		out.Divergences = diffStates(res.State, live, cfg.FieldsToHash)
	}
	v.logger.Info("live-state verification finished",
		zap.String("stream", stream),
		zap.Bool("match", out.Match),
		zap.Int("divergences", len(out.Divergences)),
	)
	return out, nil
}

// ComprehensiveResult bundles both independent checks; they detect different
// failure classes and are reported separately.
type ComprehensiveResult struct {
	Stored *StoredRootResult `json:"stored"`
	Live   *LiveStateResult  `json:"live"`
}

// Match reports whether both checks passed.
func (r *ComprehensiveResult) Match() bool {
	return r.Stored.Match && r.Live.Match
}

// Comprehensive runs stored-root and live-state verification.
func (v *Verifier) Comprehensive(ctx context.Context, stream string) (*ComprehensiveResult, error) {
	stored, err := v.StoredRoot(ctx, stream)
	if err != nil {
		return nil, err
	}
	live, err := v.LiveState(ctx, stream)
	if err != nil {
		return nil, err
	}
	return &ComprehensiveResult{Stored: stored, Live: live}, nil
}

// RowResult is the outcome of row-level verification of a single record.
type RowResult struct {
	StreamName string             `json:"stream_name"`
	RecordID   string             `json:"record_id"`
	Record     ledger.Image       `json:"record"`
	Proof      *merkle.Proof      `json:"proof"`
	Checkpoint *ledger.Checkpoint `json:"checkpoint,omitempty"`

	// Match is true when the inclusion proof verifies and, if a checkpoint
	// exists, the recomputed root equals the anchored one.
	Match bool `json:"match"`
}

// Row verifies a single record selected by the filter and produces its
// inclusion proof against the replayed state's root. Zero or multiple
// matches are policy errors rejected before any proof is built.
func (v *Verifier) Row(ctx context.Context, stream string, predicates map[string]string) (*RowResult, error) {
	res, cfg, err := v.replayStream(ctx, stream)
	if err != nil {
		return nil, err
	}

	matched := res.State.Filter(predicates)
	switch len(matched) {
	case 0:
		return nil, ErrNoMatchingRecord
	case 1:
	default:
		return nil, fmt.Errorf("%w (%d matches)", ErrAmbiguousTarget, len(matched))
	}

	var recordID string
	for id := range matched {
		recordID = id
	}

	leaves, err := v.leafHashes(ctx, res.State, cfg.FieldsToHash)
	if err != nil {
		return nil, err
	}
	tree := merkle.New(leaves)
	if tree == nil {
		return nil, ErrEmptyLedger
	}
	index := sort.SearchStrings(res.State.RecordIDs(), recordID)
	proof, err := tree.Proof(index)
	if err != nil {
		return nil, err
	}

	out := &RowResult{
		StreamName: stream,
		RecordID:   recordID,
		Record:     res.State[recordID],
		Proof:      proof,
		Match:      merkle.VerifyProof(proof),
	}
	cp, err := v.store.LatestCheckpoint(ctx, stream)
	switch {
	case errors.Is(err, ledger.ErrNoCheckpoint):
		// No anchor yet; proof stands alone against the computed root.
	case err != nil:
		return nil, err
	default:
		out.Checkpoint = cp
		out.Match = out.Match && proof.RootHash == cp.RootHash
	}
	return out, nil
}

// Reanchor computes a fresh root from the current replayed state and writes
// it as a new signed checkpoint. This is an explicit, audited trust
// re-anchoring after a mismatch attributable to intended changes; it is
// never invoked automatically.
func (v *Verifier) Reanchor(ctx context.Context, stream string, signer RootSigner) (*ledger.Checkpoint, error) {
	res, cfg, err := v.replayStream(ctx, stream)
	if err != nil {
		return nil, err
	}
	root, err := v.stateRoot(ctx, res.State, cfg.FieldsToHash)
	if err != nil {
		return nil, err
	}
	if root == "" {
		return nil, fmt.Errorf("stream %q replays to an empty state; nothing to anchor", stream)
	}

	sig, err := signer.SignRoot(root)
	if err != nil {
		return nil, fmt.Errorf("sign root: %w", err)
	}
	cp := &ledger.Checkpoint{
		StreamName:           stream,
		RootHash:             root,
		ComputedAt:           time.Now().UTC(),
		SignerID:             signer.SignerID(),
		Signature:            sig,
		PublicKeyFingerprint: signer.Fingerprint(),
	}
	if err := v.store.SaveCheckpoint(ctx, cp); err != nil {
		return nil, err
	}
	v.logger.Info("trust re-anchored",
		zap.String("stream", stream),
		zap.String("root", root),
	)
	return cp, nil
}

// replayResult carries replay output plus how many entries fed it.
type replayResult struct {
	State           replay.State
	Warnings        []replay.Warning
	EntriesReplayed int
}

func (v *Verifier) replayStream(ctx context.Context, stream string) (*replayResult, *ledger.StreamConfig, error) {
	cfg, err := v.store.Stream(ctx, stream)
	if err != nil {
		return nil, nil, err
	}
	entries, err := v.store.Entries(ctx, stream)
	if err != nil {
		return nil, nil, err
	}
	res := replay.Replay(entries)
	return &replayResult{
		State:           res.State,
		Warnings:        res.Warnings,
		EntriesReplayed: len(entries),
	}, cfg, nil
}

func (v *Verifier) stateRoot(ctx context.Context, st replay.State, fields []string) (string, error) {
	leaves, err := v.leafHashes(ctx, st, fields)
	if err != nil {
		return "", err
	}
	return merkle.Root(leaves), nil
}

// leafHashChunk bounds how much work happens between cancellation checks.
const leafHashChunk = 256

// leafHashes computes the state's Merkle leaves in deterministic record-id
// order. The map phase fans out across workers; the sequential Merkle fold
// happens in the caller. Cancellation is cooperative, checked between
// chunks, and a cancelled run produces no partial output.
func (v *Verifier) leafHashes(ctx context.Context, st replay.State, fields []string) ([]string, error) {
	ids := st.RecordIDs()
	if len(ids) <= leafHashChunk || v.workers <= 1 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return st.LeafHashes(fields), nil
	}

	leaves := make([]string, len(ids))
	chunks := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < v.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for start := range chunks {
				end := start + leafHashChunk
				if end > len(ids) {
					end = len(ids)
				}
				for i := start; i < end; i++ {
					leaves[i] = ledger.RecordHash(ids[i], st[ids[i]], fields)
				}
			}
		}()
	}

	var cancelled error
	for start := 0; start < len(ids); start += leafHashChunk {
		if err := ctx.Err(); err != nil {
			cancelled = err
			break
		}
		chunks <- start
	}
	close(chunks)
	wg.Wait()
	if cancelled != nil {
		return nil, cancelled
	}
	return leaves, nil
}

// diffStates compares the replayed and live states record-by-record.
func diffStates(replayed replay.State, live map[string]ledger.Image, fields []string) []Divergence {
	var out []Divergence
	for _, id := range replayed.RecordIDs() {
		liveImg, ok := live[id]
		if !ok {
			out = append(out, Divergence{
				RecordID: id,
				Kind:     "missing_in_live",
				Detail:   "record present in audited history but absent from live table",
			})
			continue
		}
		if ledger.RecordHash(id, replayed[id], fields) != ledger.RecordHash(id, liveImg, fields) {
			out = append(out, Divergence{
				RecordID: id,
				Kind:     "field_mismatch",
				Detail:   fmt.Sprintf("differing fields: %v", differingFields(replayed[id], liveImg, fields)),
			})
		}
	}

	liveIDs := make([]string, 0, len(live))
	for id := range live {
		liveIDs = append(liveIDs, id)
	}
	sort.Strings(liveIDs)
	for _, id := range liveIDs {
		if _, ok := replayed[id]; !ok {
			out = append(out, Divergence{
				RecordID: id,
				Kind:     "extra_in_live",
				Detail:   "record present in live table but absent from audited history",
			})
		}
	}
	return out
}

func differingFields(a, b ledger.Image, fields []string) []string {
	keys := make(map[string]struct{})
	if len(fields) > 0 {
		for _, f := range fields {
			keys[f] = struct{}{}
		}
	} else {
		for k := range a {
			keys[k] = struct{}{}
		}
		for k := range b {
			keys[k] = struct{}{}
		}
	}
	var out []string
	for k := range keys {
		if ledger.CanonicalImage(ledger.Image{k: a[k]}) != ledger.CanonicalImage(ledger.Image{k: b[k]}) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
