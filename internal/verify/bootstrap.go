package verify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/ledgerlock/ledgerlock/internal/ledger"
)

// BootstrapResult reports what Bootstrap did.
type BootstrapResult struct {
	Stream             *ledger.StreamConfig `json:"stream"`
	RecordsSnapshotted int                  `json:"records_snapshotted"`
	Checkpoint         *ledger.Checkpoint   `json:"checkpoint,omitempty"`
}

// Bootstrap brings an existing table under ledger control: it registers the
// stream (including its fields-to-hash verification policy), snapshots every
// current live row as a synthetic INSERT entry in record-id order, and
// writes the stream's first signed checkpoint. An empty table registers
// successfully but gets no checkpoint until it has entries.
func (v *Verifier) Bootstrap(ctx context.Context, cfg *ledger.StreamConfig, signer RootSigner) (*BootstrapResult, error) {
	if err := v.store.RegisterStream(ctx, cfg); err != nil {
		return nil, err
	}

	live, err := v.store.LiveState(ctx, cfg.Name)
	if err != nil {
		return nil, fmt.Errorf("snapshot live table: %w", err)
	}
	ids := make([]string, 0, len(live))
	for id := range live {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if _, err := v.store.Append(ctx, cfg.Name, id, ledger.OpInsert, nil, live[id]); err != nil {
			return nil, fmt.Errorf("snapshot record %s: %w", id, err)
		}
	}

	out := &BootstrapResult{Stream: cfg, RecordsSnapshotted: len(ids)}
	if len(ids) > 0 {
		cp, err := v.Reanchor(ctx, cfg.Name, signer)
		if err != nil {
			return nil, fmt.Errorf("initial checkpoint: %w", err)
		}
		out.Checkpoint = cp
	}

	v.logger.Info("stream bootstrapped",
		zap.String("stream", cfg.Name),
		zap.Int("records", len(ids)),
		zap.Strings("fields_to_hash", cfg.FieldsToHash),
	)
	return out, nil
}

// CrossLink records reciprocal checkpoints between two streams, each
// committing to the other's latest known root. Both streams must already
// have a checkpoint. The link carries no semantics beyond "this checkpoint
// also commits to another stream's root".
func (v *Verifier) CrossLink(ctx context.Context, streamA, streamB string, signer RootSigner) error {
	cpA, err := v.store.LatestCheckpoint(ctx, streamA)
	if err != nil {
		if errors.Is(err, ledger.ErrNoCheckpoint) {
			return fmt.Errorf("stream %q has no checkpoint to link", streamA)
		}
		return err
	}
	cpB, err := v.store.LatestCheckpoint(ctx, streamB)
	if err != nil {
		if errors.Is(err, ledger.ErrNoCheckpoint) {
			return fmt.Errorf("stream %q has no checkpoint to link", streamB)
		}
		return err
	}

	now := time.Now().UTC()
	for _, pair := range []struct {
		own, other *ledger.Checkpoint
	}{{cpA, cpB}, {cpB, cpA}} {
		sig, err := signer.SignRoot(pair.own.RootHash)
		if err != nil {
			return fmt.Errorf("sign root: %w", err)
		}
		if err := v.store.SaveCheckpoint(ctx, &ledger.Checkpoint{
			StreamName:           pair.own.StreamName,
			RootHash:             pair.own.RootHash,
			ComputedAt:           now,
			SignerID:             signer.SignerID(),
			Signature:            sig,
			PublicKeyFingerprint: signer.Fingerprint(),
			ReferenceStream:      pair.other.StreamName,
			ReferenceRoot:        pair.other.RootHash,
		}); err != nil {
			return err
		}
	}

	v.logger.Info("cross-stream trust link recorded",
		zap.String("stream_a", streamA),
		zap.String("stream_b", streamB),
	)
	return nil
}
