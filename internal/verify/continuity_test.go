package verify_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/ledgerlock/ledgerlock/internal/ledger"
	"github.com/ledgerlock/ledgerlock/internal/verify"
)

func chainOf(t *testing.T, n int) []*ledger.Entry {
	t.Helper()
	store := ledger.NewMemoryStore()
	if err := store.RegisterStream(ctx, &ledger.StreamConfig{Name: "s"}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < n; i++ {
		if _, err := store.Append(ctx, "s", fmt.Sprint(i%7), ledger.OpInsert, nil, ledger.Image{"i": float64(i)}); err != nil {
			t.Fatal(err)
		}
	}
	entries, err := store.Entries(ctx, "s")
	if err != nil {
		t.Fatal(err)
	}
	return entries
}

func TestValidateChain_intact(t *testing.T) {
	if brk := verify.ValidateChain(chainOf(t, 20)); brk != nil {
		t.Errorf("intact chain reported broken: %v", brk)
	}
}

func TestValidateChain_empty(t *testing.T) {
	if brk := verify.ValidateChain(nil); brk != nil {
		t.Errorf("empty chain reported broken: %v", brk)
	}
}

func TestValidateChain_payloadTamper(t *testing.T) {
	entries := chainOf(t, 5)
	entries[2].After["i"] = 999.0

	brk := verify.ValidateChain(entries)
	if brk == nil {
		t.Fatal("tampered entry not detected")
	}
	if brk.Sequence != 3 || brk.Kind != verify.BreakHashMismatch {
		t.Errorf("got seq=%d kind=%s, want seq=3 hash_mismatch", brk.Sequence, brk.Kind)
	}
}

func TestValidateChain_predecessorTamper(t *testing.T) {
	entries := chainOf(t, 5)
	// Rewrite entry 3 entirely, as an attacker replacing a row would: the
	// hash is self-consistent but no longer chains from entry 2.
	entries[2].After = ledger.Image{"i": 999.0}
	entries[2].PrevHash = ledger.GenesisHash
	entries[2].Hash = entries[2].ComputeHash()

	brk := verify.ValidateChain(entries)
	if brk == nil {
		t.Fatal("re-written entry not detected")
	}
	if brk.Sequence != 3 || brk.Kind != verify.BreakPredecessor {
		t.Errorf("got seq=%d kind=%s, want seq=3 predecessor_mismatch", brk.Sequence, brk.Kind)
	}
}

func TestValidateChain_reportsFirstBreakOnly(t *testing.T) {
	entries := chainOf(t, 10)
	entries[2].After["i"] = 999.0
	entries[7].After["i"] = 888.0

	brk := verify.ValidateChain(entries)
	if brk == nil || brk.Sequence != 3 {
		t.Errorf("expected first break at sequence 3, got %v", brk)
	}
}

func TestValidateChainParallel_agreesWithSerial(t *testing.T) {
	entries := chainOf(t, 200)

	brk, err := verify.ValidateChainParallel(context.Background(), entries)
	if err != nil {
		t.Fatal(err)
	}
	if brk != nil {
		t.Errorf("parallel reported break on intact chain: %v", brk)
	}

	entries[150].After["i"] = 999.0
	serial := verify.ValidateChain(entries)
	parallel, err := verify.ValidateChainParallel(context.Background(), entries)
	if err != nil {
		t.Fatal(err)
	}
	if serial == nil || parallel == nil {
		t.Fatal("tamper not detected")
	}
	if serial.Sequence != parallel.Sequence || serial.Kind != parallel.Kind {
		t.Errorf("serial %v != parallel %v", serial, parallel)
	}
}

func TestValidateChainParallel_cancelled(t *testing.T) {
	entries := chainOf(t, 50)
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := verify.ValidateChainParallel(cancelled, entries); err == nil {
		t.Error("expected cancellation error")
	}
}
