package snapshot_test

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/ledgerlock/ledgerlock/internal/ledger"
	"github.com/ledgerlock/ledgerlock/internal/signing"
	"github.com/ledgerlock/ledgerlock/internal/snapshot"
	"github.com/ledgerlock/ledgerlock/internal/verify"
)

var ctx = context.Background()

func fixture(t *testing.T) (*snapshot.Exporter, *ledger.MemoryStore, *signing.Signer, string) {
	t.Helper()
	dir := t.TempDir()
	privPath, pubPath, err := signing.Generate(dir)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := signing.Load(privPath, "snapshot-test")
	if err != nil {
		t.Fatal(err)
	}

	store := ledger.NewMemoryStore()
	if err := store.RegisterStream(ctx, &ledger.StreamConfig{Name: "customers", PrimaryKey: "id"}); err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= 4; i++ {
		img := ledger.Image{"name": fmt.Sprintf("user-%d", i), "balance": float64(i)}
		if _, err := store.Append(ctx, "customers", fmt.Sprint(i), ledger.OpInsert, nil, img); err != nil {
			t.Fatal(err)
		}
	}
	return snapshot.NewExporter(store, signer, zap.NewNop()), store, signer, pubPath
}

func TestExport_signedArtifact(t *testing.T) {
	exporter, _, signer, pubPath := fixture(t)

	a, err := exporter.Export(ctx, "customers", snapshot.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if a.StreamName != "customers" || a.LastSequence != 4 {
		t.Errorf("artifact header: %+v", a)
	}
	if a.SignerID != "snapshot-test" || a.PublicKeyFingerprint != signer.Fingerprint() {
		t.Errorf("signer metadata: %q %q", a.SignerID, a.PublicKeyFingerprint)
	}
	if a.State != nil {
		t.Error("state embedded without --include-state")
	}

	pub, _, err := signing.LoadPublicKey(pubPath)
	if err != nil {
		t.Fatal(err)
	}
	res := snapshot.VerifyArtifact(a, pub)
	if !res.SignatureValid {
		t.Error("signature invalid")
	}
	if res.StateChecked {
		t.Error("state check performed without embedded state")
	}
}

func TestExport_withStateVerifiesOffline(t *testing.T) {
	exporter, _, _, pubPath := fixture(t)

	a, err := exporter.Export(ctx, "customers", snapshot.Options{IncludeState: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(a.State) != 4 {
		t.Fatalf("embedded state: %d records", len(a.State))
	}

	pub, _, err := signing.LoadPublicKey(pubPath)
	if err != nil {
		t.Fatal(err)
	}
	res := snapshot.VerifyArtifact(a, pub)
	if !res.OK() {
		t.Errorf("offline verification failed: %+v", res)
	}
	if res.RecomputedRoot != a.RootHash {
		t.Errorf("recomputed %q != declared %q", res.RecomputedRoot, a.RootHash)
	}
}

func TestVerifyArtifact_detectsStateTamper(t *testing.T) {
	exporter, _, _, pubPath := fixture(t)
	a, err := exporter.Export(ctx, "customers", snapshot.Options{IncludeState: true})
	if err != nil {
		t.Fatal(err)
	}

	a.State["2"]["balance"] = 999.0

	pub, _, err := signing.LoadPublicKey(pubPath)
	if err != nil {
		t.Fatal(err)
	}
	res := snapshot.VerifyArtifact(a, pub)
	if res.RootMatch {
		t.Error("tampered embedded state still matches the root")
	}
	if res.OK() {
		t.Error("artifact with tampered state verified")
	}
	// The signature over the declared root is still valid; only the state
	// check fails.
	if !res.SignatureValid {
		t.Error("signature check should still pass")
	}
}

func TestVerifyArtifact_detectsRootSwap(t *testing.T) {
	exporter, _, _, pubPath := fixture(t)
	a, err := exporter.Export(ctx, "customers", snapshot.Options{})
	if err != nil {
		t.Fatal(err)
	}
	a.RootHash = "00" + a.RootHash[2:]

	pub, _, err := signing.LoadPublicKey(pubPath)
	if err != nil {
		t.Fatal(err)
	}
	if snapshot.VerifyArtifact(a, pub).SignatureValid {
		t.Error("signature accepted for a swapped root")
	}
}

func TestExport_storeRootPersistsCheckpoint(t *testing.T) {
	exporter, store, _, _ := fixture(t)

	a, err := exporter.Export(ctx, "customers", snapshot.Options{StoreRoot: true})
	if err != nil {
		t.Fatal(err)
	}
	cp, err := store.LatestCheckpoint(ctx, "customers")
	if err != nil {
		t.Fatal(err)
	}
	if cp.RootHash != a.RootHash {
		t.Errorf("checkpoint root %q != artifact root %q", cp.RootHash, a.RootHash)
	}
}

func TestExport_withoutStoreRootLeavesNoCheckpoint(t *testing.T) {
	exporter, store, _, _ := fixture(t)
	if _, err := exporter.Export(ctx, "customers", snapshot.Options{}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.LatestCheckpoint(ctx, "customers"); err != ledger.ErrNoCheckpoint {
		t.Errorf("snapshotting must not anchor trust: %v", err)
	}
}

func TestExport_emptyStream(t *testing.T) {
	exporter, store, _, _ := fixture(t)
	if err := store.RegisterStream(ctx, &ledger.StreamConfig{Name: "empty"}); err != nil {
		t.Fatal(err)
	}
	if _, err := exporter.Export(ctx, "empty", snapshot.Options{}); err == nil {
		t.Fatal("expected error snapshotting an empty stream")
	}
}

func TestArtifact_fileRoundTrip(t *testing.T) {
	exporter, _, _, pubPath := fixture(t)
	a, err := exporter.Export(ctx, "customers", snapshot.Options{IncludeState: true})
	if err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "out", "artifact.json")
	if err := snapshot.WriteFile(path, a); err != nil {
		t.Fatal(err)
	}
	loaded, err := snapshot.ReadArtifact(path)
	if err != nil {
		t.Fatal(err)
	}

	pub, _, err := signing.LoadPublicKey(pubPath)
	if err != nil {
		t.Fatal(err)
	}
	res := snapshot.VerifyArtifact(loaded, pub)
	if !res.OK() {
		t.Errorf("artifact failed verification after file round trip: %+v", res)
	}
}

func TestExportProof_roundTrip(t *testing.T) {
	_, store, signer, pubPath := fixture(t)

	v := verify.New(store, zap.NewNop())
	if _, err := v.Reanchor(ctx, "customers", signer); err != nil {
		t.Fatal(err)
	}
	row, err := v.Row(ctx, "customers", map[string]string{"name": "user-2"})
	if err != nil {
		t.Fatal(err)
	}

	proof := snapshot.ExportProof(row)
	if proof.RecordID != "2" {
		t.Errorf("record: %q", proof.RecordID)
	}
	if proof.Signature == "" || proof.SignerID != "snapshot-test" {
		t.Error("anchored proof must carry the checkpoint signature")
	}

	path := filepath.Join(t.TempDir(), "proof.json")
	if err := snapshot.WriteFile(path, proof); err != nil {
		t.Fatal(err)
	}
	loaded, err := snapshot.ReadProofArtifact(path)
	if err != nil {
		t.Fatal(err)
	}

	pub, _, err := signing.LoadPublicKey(pubPath)
	if err != nil {
		t.Fatal(err)
	}
	res := snapshot.VerifyProofArtifact(loaded, pub)
	if !res.OK() {
		t.Errorf("proof failed after round trip: %+v", res)
	}

	loaded.LeafHash = "00" + loaded.LeafHash[2:]
	if snapshot.VerifyProofArtifact(loaded, pub).OK() {
		t.Error("tampered leaf hash accepted")
	}
}
