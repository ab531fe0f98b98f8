// Package snapshot packages a replayed state and its Merkle root into
// portable, signed artifacts that can be verified offline with no store
// access, and emits single-record inclusion proofs.
package snapshot

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/ledgerlock/ledgerlock/internal/ledger"
	"github.com/ledgerlock/ledgerlock/internal/merkle"
	"github.com/ledgerlock/ledgerlock/internal/replay"
	"github.com/ledgerlock/ledgerlock/internal/signing"
	"github.com/ledgerlock/ledgerlock/internal/verify"
)

// Artifact is a signed snapshot of a stream's replayed state. FieldsToHash
// is embedded so the root remains re-derivable offline under the stream's
// verification policy.
type Artifact struct {
	StreamName           string                  `json:"stream_name"`
	RootHash             string                  `json:"root_hash"`
	Signature            string                  `json:"signature"`
	SignerID             string                  `json:"signer_id"`
	PublicKeyFingerprint string                  `json:"public_key_fingerprint"`
	ComputedAt           time.Time               `json:"computed_at"`
	LastSequence         int64                   `json:"last_sequence"`
	FieldsToHash         []string                `json:"fields_to_hash,omitempty"`
	State                map[string]ledger.Image `json:"state,omitempty"`
}

// ProofArtifact is a portable single-record inclusion proof. It is
// verifiable with only the Merkle proof fold and, when signed, the public
// signing key.
type ProofArtifact struct {
	StreamName  string             `json:"stream_name"`
	RecordID    string             `json:"record_id"`
	LeafHash    string             `json:"leaf_hash"`
	SiblingPath []merkle.ProofStep `json:"sibling_path"`
	RootHash    string             `json:"root_hash"`
	Signature   string             `json:"signature,omitempty"`
	SignerID    string             `json:"signer_id,omitempty"`
	ComputedAt  time.Time          `json:"computed_at"`
}

// Proof reassembles the artifact's merkle proof for verification.
func (p *ProofArtifact) Proof() *merkle.Proof {
	return &merkle.Proof{LeafHash: p.LeafHash, Path: p.SiblingPath, RootHash: p.RootHash}
}

// Options control what Export produces.
type Options struct {
	// IncludeState embeds the full replayed state in the artifact, allowing
	// offline root re-derivation at the cost of artifact size.
	IncludeState bool

	// StoreRoot also persists the root as a new checkpoint. Snapshotting
	// for export and anchoring trust are independent actions; this is an
	// explicit opt-in.
	StoreRoot bool
}

// Exporter builds signed snapshot artifacts from the store.
type Exporter struct {
	store  ledger.Store
	signer verify.RootSigner
	logger *zap.Logger
}

// NewExporter creates an Exporter.
func NewExporter(store ledger.Store, signer verify.RootSigner, logger *zap.Logger) *Exporter {
	return &Exporter{store: store, signer: signer, logger: logger}
}

// Export replays the stream, computes and signs its Merkle root, and
// returns the artifact.
func (e *Exporter) Export(ctx context.Context, stream string, opts Options) (*Artifact, error) {
	cfg, err := e.store.Stream(ctx, stream)
	if err != nil {
		return nil, err
	}
	entries, err := e.store.Entries(ctx, stream)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, verify.ErrEmptyLedger
	}

	res := replay.Replay(entries)
	root := merkle.Root(res.State.LeafHashes(cfg.FieldsToHash))
	sig, err := e.signer.SignRoot(root)
	if err != nil {
		return nil, fmt.Errorf("sign root: %w", err)
	}

	a := &Artifact{
		StreamName:           stream,
		RootHash:             root,
		Signature:            sig,
		SignerID:             e.signer.SignerID(),
		PublicKeyFingerprint: e.signer.Fingerprint(),
		ComputedAt:           time.Now().UTC(),
		LastSequence:         entries[len(entries)-1].Sequence,
		FieldsToHash:         cfg.FieldsToHash,
	}
	if opts.IncludeState {
		a.State = res.State
	}

	if opts.StoreRoot {
		if err := e.store.SaveCheckpoint(ctx, &ledger.Checkpoint{
			StreamName:           stream,
			RootHash:             root,
			ComputedAt:           a.ComputedAt,
			SignerID:             a.SignerID,
			Signature:            sig,
			PublicKeyFingerprint: a.PublicKeyFingerprint,
		}); err != nil {
			return nil, err
		}
	}

	e.logger.Info("snapshot exported",
		zap.String("stream", stream),
		zap.String("root", root),
		zap.Bool("state_embedded", opts.IncludeState),
		zap.Bool("root_stored", opts.StoreRoot),
	)
	return a, nil
}

// ExportProof packages a row-level verification result as a portable proof.
// When the result is anchored to a checkpoint whose root matches the
// proof's, the checkpoint's signature travels with the artifact.
func ExportProof(row *verify.RowResult) *ProofArtifact {
	p := &ProofArtifact{
		StreamName:  row.StreamName,
		RecordID:    row.RecordID,
		LeafHash:    row.Proof.LeafHash,
		SiblingPath: row.Proof.Path,
		RootHash:    row.Proof.RootHash,
		ComputedAt:  time.Now().UTC(),
	}
	if cp := row.Checkpoint; cp != nil && cp.RootHash == row.Proof.RootHash {
		p.Signature = cp.Signature
		p.SignerID = cp.SignerID
	}
	return p
}

// CheckResult reports an offline artifact verification. Integrity failures
// are results, not errors.
type CheckResult struct {
	SignatureValid bool   `json:"signature_valid"`
	StateChecked   bool   `json:"state_checked"`
	RootMatch      bool   `json:"root_match"`
	RecomputedRoot string `json:"recomputed_root,omitempty"`
}

// OK reports whether every performed check passed.
func (c *CheckResult) OK() bool {
	return c.SignatureValid && (!c.StateChecked || c.RootMatch)
}

// VerifyArtifact checks the artifact signature against pub and, when the
// state is embedded, re-derives the root from it. Requires no store access.
func VerifyArtifact(a *Artifact, pub *rsa.PublicKey) *CheckResult {
	res := &CheckResult{
		SignatureValid: signing.VerifyRoot(pub, a.RootHash, a.Signature) == nil,
	}
	if a.State != nil {
		res.StateChecked = true
		res.RecomputedRoot = merkle.Root(replay.State(a.State).LeafHashes(a.FieldsToHash))
		res.RootMatch = res.RecomputedRoot == a.RootHash
	}
	return res
}

// VerifyProofArtifact folds the proof path and, when the artifact is signed
// and pub is provided, checks the root signature.
func VerifyProofArtifact(p *ProofArtifact, pub *rsa.PublicKey) *CheckResult {
	res := &CheckResult{
		StateChecked:   true,
		RootMatch:      merkle.VerifyProof(p.Proof()),
		RecomputedRoot: p.RootHash,
		SignatureValid: true,
	}
	if p.Signature != "" && pub != nil {
		res.SignatureValid = signing.VerifyRoot(pub, p.RootHash, p.Signature) == nil
	}
	return res
}

// WriteFile writes an artifact (or proof artifact) as indented JSON,
// creating parent directories as needed.
func WriteFile(path string, v any) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode artifact: %w", err)
	}
	if err := os.WriteFile(path, append(raw, '\n'), 0o644); err != nil {
		return fmt.Errorf("write artifact: %w", err)
	}
	return nil
}

// ReadArtifact loads a snapshot artifact from disk.
func ReadArtifact(path string) (*Artifact, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	a := &Artifact{}
	if err := json.Unmarshal(raw, a); err != nil {
		return nil, fmt.Errorf("decode artifact: %w", err)
	}
	return a, nil
}

// ReadProofArtifact loads a proof artifact from disk.
func ReadProofArtifact(path string) (*ProofArtifact, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read proof artifact: %w", err)
	}
	p := &ProofArtifact{}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("decode proof artifact: %w", err)
	}
	return p, nil
}
