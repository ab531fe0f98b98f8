package ledger_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ledgerlock/ledgerlock/internal/ledger"
)

var ctx = context.Background()

func newStream(t *testing.T, store *ledger.MemoryStore, name string) {
	t.Helper()
	if err := store.RegisterStream(ctx, &ledger.StreamConfig{Name: name, PrimaryKey: "id"}); err != nil {
		t.Fatal(err)
	}
}

func TestComputeHash_deterministic(t *testing.T) {
	e := &ledger.Entry{
		TransactionID: "4f1c2a9e-0000-0000-0000-000000000001",
		RecordID:      "42",
		Operation:     ledger.OpUpdate,
		Before:        ledger.Image{"balance": 100.0},
		After:         ledger.Image{"balance": 250.0},
		Timestamp:     time.Date(2026, 3, 14, 9, 26, 53, 589793000, time.UTC),
		PrevHash:      ledger.GenesisHash,
	}
	h1 := e.ComputeHash()
	h2 := e.ComputeHash()
	if h1 != h2 {
		t.Errorf("hash not deterministic: %q vs %q", h1, h2)
	}
	if len(h1) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(h1))
	}
}

func TestComputeHash_sequenceNotHashed(t *testing.T) {
	e := &ledger.Entry{
		Sequence:      3,
		TransactionID: "tx-1",
		RecordID:      "1",
		Operation:     ledger.OpInsert,
		After:         ledger.Image{"name": "alice"},
		Timestamp:     time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		PrevHash:      ledger.GenesisHash,
	}
	h := e.ComputeHash()
	e.Sequence = 99
	if e.ComputeHash() != h {
		t.Error("renumbering the sequence must not change the entry hash")
	}
}

func TestComputeHash_sensitiveToEveryInput(t *testing.T) {
	base := func() *ledger.Entry {
		return &ledger.Entry{
			TransactionID: "tx-1",
			RecordID:      "1",
			Operation:     ledger.OpUpdate,
			Before:        ledger.Image{"v": 1.0},
			After:         ledger.Image{"v": 2.0},
			Timestamp:     time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			PrevHash:      ledger.GenesisHash,
		}
	}
	want := base().ComputeHash()

	mutations := map[string]func(*ledger.Entry){
		"tx id":     func(e *ledger.Entry) { e.TransactionID = "tx-2" },
		"record id": func(e *ledger.Entry) { e.RecordID = "2" },
		"operation": func(e *ledger.Entry) { e.Operation = ledger.OpInsert },
		"before":    func(e *ledger.Entry) { e.Before = ledger.Image{"v": 9.0} },
		"after":     func(e *ledger.Entry) { e.After = ledger.Image{"v": 9.0} },
		"timestamp": func(e *ledger.Entry) { e.Timestamp = e.Timestamp.Add(time.Microsecond) },
		"prev hash": func(e *ledger.Entry) { e.PrevHash = "ff" + ledger.GenesisHash[2:] },
	}
	for name, mutate := range mutations {
		e := base()
		mutate(e)
		if e.ComputeHash() == want {
			t.Errorf("changing %s did not change the hash", name)
		}
	}
}

func TestCanonicalImage_nilVsEmpty(t *testing.T) {
	if got := ledger.CanonicalImage(nil); got != "NULL" {
		t.Errorf("nil image: got %q, want NULL", got)
	}
	if got := ledger.CanonicalImage(ledger.Image{}); got != "{}" {
		t.Errorf("empty image: got %q, want {}", got)
	}
}

func TestCanonicalImage_sortedKeysCompact(t *testing.T) {
	img := ledger.Image{"zeta": 1.0, "alpha": "x", "mid": true}
	got := ledger.CanonicalImage(img)
	want := `{"alpha":"x","mid":true,"zeta":1}`
	if got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestCanonicalImage_integralFloats(t *testing.T) {
	// JSONB decodes integers as float64; the canonical form must render
	// them identically to native ints so both sides hash the same.
	a := ledger.CanonicalImage(ledger.Image{"n": float64(7)})
	b := ledger.CanonicalImage(ledger.Image{"n": int64(7)})
	if a != b {
		t.Errorf("float64(7) and int64(7) canonicalize differently: %s vs %s", a, b)
	}
	c := ledger.CanonicalImage(ledger.Image{"n": 7.5})
	if c != `{"n":7.5}` {
		t.Errorf("fractional float: got %s", c)
	}
}

func TestCanonicalTime_microsecondLayout(t *testing.T) {
	ts := time.Date(2026, 3, 14, 9, 26, 53, 589793123, time.UTC)
	if got := ledger.CanonicalTime(ts); got != "2026-03-14 09:26:53.589793" {
		t.Errorf("got %q", got)
	}
}

func TestCanonicalTime_convertsToUTC(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*3600)
	ts := time.Date(2026, 3, 14, 11, 0, 0, 0, loc)
	if got := ledger.CanonicalTime(ts); got != "2026-03-14 09:00:00.000000" {
		t.Errorf("got %q", got)
	}
}

func TestRecordHash_fieldSubset(t *testing.T) {
	payload := ledger.Image{"name": "alice", "email": "a@example.com", "updated_at": "now"}

	full := ledger.RecordHash("1", payload, nil)
	subset := ledger.RecordHash("1", payload, []string{"name", "email"})
	if full == subset {
		t.Error("field subset must hash differently from the full payload")
	}

	// Volatile fields outside the policy must not affect the hash.
	changed := ledger.Image{"name": "alice", "email": "a@example.com", "updated_at": "later"}
	if ledger.RecordHash("1", changed, []string{"name", "email"}) != subset {
		t.Error("change to excluded field altered the hash")
	}
}

func TestRecordHash_missingPolicyField(t *testing.T) {
	withField := ledger.RecordHash("1", ledger.Image{"a": "x", "b": "y"}, []string{"a", "b"})
	missing := ledger.RecordHash("1", ledger.Image{"a": "x"}, []string{"a", "b"})
	if withField == missing {
		t.Error("a missing policy field must change the hash")
	}
}

func TestMemoryStore_appendChains(t *testing.T) {
	store := ledger.NewMemoryStore()
	newStream(t, store, "customers")

	e1, err := store.Append(ctx, "customers", "1", ledger.OpInsert, nil, ledger.Image{"name": "alice"})
	if err != nil {
		t.Fatal(err)
	}
	if e1.Sequence != 1 {
		t.Errorf("first sequence: got %d, want 1", e1.Sequence)
	}
	if e1.PrevHash != ledger.GenesisHash {
		t.Errorf("first entry must chain from genesis, got %q", e1.PrevHash)
	}

	e2, err := store.Append(ctx, "customers", "1", ledger.OpUpdate, e1.After, ledger.Image{"name": "bob"})
	if err != nil {
		t.Fatal(err)
	}
	if e2.PrevHash != e1.Hash {
		t.Errorf("chain broken: e2.PrevHash=%q, want %q", e2.PrevHash, e1.Hash)
	}
	if e2.Hash != e2.ComputeHash() {
		t.Error("stored hash does not match recomputation")
	}
}

func TestMemoryStore_appendUnknownStream(t *testing.T) {
	store := ledger.NewMemoryStore()
	_, err := store.Append(ctx, "ghost", "1", ledger.OpInsert, nil, ledger.Image{"a": 1})
	if err == nil {
		t.Fatal("expected error for unregistered stream")
	}
}

func TestMemoryStore_streamsIsolated(t *testing.T) {
	store := ledger.NewMemoryStore()
	newStream(t, store, "a")
	newStream(t, store, "b")

	ea, _ := store.Append(ctx, "a", "1", ledger.OpInsert, nil, ledger.Image{"v": 1.0})
	eb, err := store.Append(ctx, "b", "1", ledger.OpInsert, nil, ledger.Image{"v": 1.0})
	if err != nil {
		t.Fatal(err)
	}
	if eb.PrevHash != ledger.GenesisHash {
		t.Error("streams must maintain independent chains")
	}
	if ea.Sequence != 1 || eb.Sequence != 1 {
		t.Error("streams must number sequences independently")
	}
}

func TestMemoryStore_concurrentAppendsStayChained(t *testing.T) {
	store := ledger.NewMemoryStore()
	newStream(t, store, "orders")

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.Append(ctx, "orders", fmt.Sprint(i), ledger.OpInsert, nil, ledger.Image{"i": float64(i)})
			if err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	entries, err := store.Entries(ctx, "orders")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != n {
		t.Fatalf("expected %d entries, got %d", n, len(entries))
	}
	prev := ledger.GenesisHash
	for i, e := range entries {
		if e.Sequence != int64(i+1) {
			t.Fatalf("sequence at index %d: got %d", i, e.Sequence)
		}
		if e.PrevHash != prev {
			t.Fatalf("chain broken at sequence %d", e.Sequence)
		}
		prev = e.Hash
	}
}

func TestMemoryStore_tailHash(t *testing.T) {
	store := ledger.NewMemoryStore()
	newStream(t, store, "s")

	tail, err := store.TailHash(ctx, "s")
	if err != nil {
		t.Fatal(err)
	}
	if tail != ledger.GenesisHash {
		t.Errorf("empty stream tail: got %q, want genesis", tail)
	}

	e, _ := store.Append(ctx, "s", "1", ledger.OpInsert, nil, ledger.Image{"a": 1.0})
	tail, _ = store.TailHash(ctx, "s")
	if tail != e.Hash {
		t.Errorf("tail: got %q, want %q", tail, e.Hash)
	}
}

func TestMemoryStore_entriesRange(t *testing.T) {
	store := ledger.NewMemoryStore()
	newStream(t, store, "s")
	for i := 0; i < 5; i++ {
		if _, err := store.Append(ctx, "s", fmt.Sprint(i), ledger.OpInsert, nil, ledger.Image{"i": float64(i)}); err != nil {
			t.Fatal(err)
		}
	}

	got, err := store.EntriesRange(ctx, "s", 2, 4)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || got[0].Sequence != 2 || got[2].Sequence != 4 {
		t.Errorf("range 2..4: got %d entries", len(got))
	}

	open, err := store.EntriesRange(ctx, "s", 3, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 3 {
		t.Errorf("open-ended range from 3: got %d entries", len(open))
	}
}

func TestMemoryStore_checkpoints(t *testing.T) {
	store := ledger.NewMemoryStore()
	newStream(t, store, "s")

	if _, err := store.LatestCheckpoint(ctx, "s"); err != ledger.ErrNoCheckpoint {
		t.Fatalf("expected ErrNoCheckpoint, got %v", err)
	}

	older := &ledger.Checkpoint{StreamName: "s", RootHash: "aa", ComputedAt: time.Now().Add(-time.Hour)}
	newer := &ledger.Checkpoint{StreamName: "s", RootHash: "bb", ComputedAt: time.Now()}
	for _, cp := range []*ledger.Checkpoint{newer, older} {
		if err := store.SaveCheckpoint(ctx, cp); err != nil {
			t.Fatal(err)
		}
	}

	got, err := store.LatestCheckpoint(ctx, "s")
	if err != nil {
		t.Fatal(err)
	}
	if got.RootHash != "bb" {
		t.Errorf("latest checkpoint: got root %q, want bb", got.RootHash)
	}
}
