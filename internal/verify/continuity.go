package verify

import (
	"context"
	"fmt"
	"sync"

	"github.com/ledgerlock/ledgerlock/internal/ledger"
)

// BreakKind distinguishes the two ways a chain can fail continuity.
type BreakKind string

const (
	// BreakHashMismatch: recomputing an entry's hash from its stored fields
	// no longer reproduces the stored value — the entry itself was altered.
	BreakHashMismatch BreakKind = "hash_mismatch"

	// BreakPredecessor: an entry's declared predecessor hash does not match
	// the actual hash of its chronological predecessor.
	BreakPredecessor BreakKind = "predecessor_mismatch"
)

// Break reports the first point at which a chain loses continuity. Entries
// before it remain trustworthy; everything at and after it does not.
type Break struct {
	Sequence int64     `json:"sequence"`
	Kind     BreakKind `json:"kind"`
	Expected string    `json:"expected"`
	Actual   string    `json:"actual"`
	Detail   string    `json:"detail"`
}

func (b *Break) String() string {
	return fmt.Sprintf("chain break at sequence %d (%s): expected %s, found %s",
		b.Sequence, b.Kind, b.Expected, b.Actual)
}

// ValidateChain walks entries (ordered by sequence) and returns the first
// break, or nil if the chain is intact. It stops at the first offending
// entry and does not attempt to repair or continue past it.
func ValidateChain(entries []*ledger.Entry) *Break {
	prevHash := ledger.GenesisHash
	for _, e := range entries {
		if b := checkEntry(e, prevHash); b != nil {
			return b
		}
		prevHash = e.Hash
	}
	return nil
}

// checkEntry validates one link: declared predecessor, then recomputed hash.
func checkEntry(e *ledger.Entry, prevHash string) *Break {
	if e.PrevHash != prevHash {
		return &Break{
			Sequence: e.Sequence,
			Kind:     BreakPredecessor,
			Expected: prevHash,
			Actual:   e.PrevHash,
			Detail:   "declared predecessor hash does not match the preceding entry",
		}
	}
	if computed := e.ComputeHash(); computed != e.Hash {
		return &Break{
			Sequence: e.Sequence,
			Kind:     BreakHashMismatch,
			Expected: computed,
			Actual:   e.Hash,
			Detail:   "stored entry hash does not match recomputation from stored fields",
		}
	}
	return nil
}

// continuityPartition is the range size validated per worker task.
const continuityPartition = 4096

// ValidateChainParallel partitions the (inherently sequential) walk into
// contiguous ranges checked concurrently. Each range is seeded with the
// stored hash of the entry just before it, so inter-partition boundaries are
// covered by the seed itself; a forged seed hash is caught by its own
// partition's recomputation. Returns the earliest break across partitions.
func ValidateChainParallel(ctx context.Context, entries []*ledger.Entry) (*Break, error) {
	if len(entries) <= continuityPartition {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return ValidateChain(entries), nil
	}

	var (
		mu       sync.Mutex
		earliest *Break
		wg       sync.WaitGroup
	)
	for start := 0; start < len(entries); start += continuityPartition {
		if err := ctx.Err(); err != nil {
			wg.Wait()
			return nil, err
		}
		end := start + continuityPartition
		if end > len(entries) {
			end = len(entries)
		}
		seed := ledger.GenesisHash
		if start > 0 {
			seed = entries[start-1].Hash
		}
		wg.Add(1)
		go func(part []*ledger.Entry, seed string) {
			defer wg.Done()
			prevHash := seed
			for _, e := range part {
				if b := checkEntry(e, prevHash); b != nil {
					mu.Lock()
					if earliest == nil || b.Sequence < earliest.Sequence {
						earliest = b
					}
					mu.Unlock()
					return
				}
				prevHash = e.Hash
			}
		}(entries[start:end], seed)
	}
	wg.Wait()
	return earliest, nil
}
