// Package replay folds ordered ledger entries into the current logical
// state of a tracked table. Replay is a pure function of its input: the same
// entries always yield the same state.
package replay

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ledgerlock/ledgerlock/internal/ledger"
)

// State maps record id to the record's current field values after replay.
type State map[string]ledger.Image

// Warning is a non-fatal irregularity observed during replay, such as an
// UPDATE for a record the fold has never seen. These usually indicate a gap
// in the captured history and are reported alongside the state rather than
// aborting it.
type Warning struct {
	Sequence int64  `json:"sequence"`
	RecordID string `json:"record_id"`
	Message  string `json:"message"`
}

// Result is the outcome of a replay run.
type Result struct {
	State    State
	Warnings []Warning
}

// Replay folds entries (already ordered by sequence) into a fresh State.
// INSERT stores the after-image, UPDATE replaces it, DELETE removes the
// record. The state starts empty and is discarded by callers after use.
func Replay(entries []*ledger.Entry) *Result {
	res := &Result{State: make(State)}
	for _, e := range entries {
		switch e.Operation {
		case ledger.OpInsert:
			res.State[e.RecordID] = e.After
		case ledger.OpUpdate:
			if _, ok := res.State[e.RecordID]; !ok {
				res.Warnings = append(res.Warnings, Warning{
					Sequence: e.Sequence,
					RecordID: e.RecordID,
					Message:  "UPDATE for record not present in replayed state",
				})
			}
			res.State[e.RecordID] = e.After
		case ledger.OpDelete:
			delete(res.State, e.RecordID)
		default:
			res.Warnings = append(res.Warnings, Warning{
				Sequence: e.Sequence,
				RecordID: e.RecordID,
				Message:  fmt.Sprintf("unknown operation %q ignored", e.Operation),
			})
		}
	}
	return res
}

// ChangeKind classifies how a record differs between two states.
type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeRemoved  ChangeKind = "removed"
	ChangeModified ChangeKind = "modified"
)

// RecordChange is one record's difference between two replayed states.
// Fields lists the changed field names, sorted, for modified records.
type RecordChange struct {
	RecordID string     `json:"record_id"`
	Kind     ChangeKind `json:"kind"`
	Fields   []string   `json:"fields,omitempty"`
}

// Diff compares two states and reports every record that was added,
// removed, or modified going from from to to, ordered by record id.
// Field values compare by rendered form, so an int64 and a float64 holding
// the same integral value are not a difference.
func Diff(from, to State) []RecordChange {
	ids := make(map[string]struct{}, len(from)+len(to))
	for id := range from {
		ids[id] = struct{}{}
	}
	for id := range to {
		ids[id] = struct{}{}
	}

	var changes []RecordChange
	for id := range ids {
		before, inFrom := from[id]
		after, inTo := to[id]
		switch {
		case !inFrom:
			changes = append(changes, RecordChange{RecordID: id, Kind: ChangeAdded})
		case !inTo:
			changes = append(changes, RecordChange{RecordID: id, Kind: ChangeRemoved})
		default:
			if fields := changedFields(before, after); len(fields) > 0 {
				changes = append(changes, RecordChange{RecordID: id, Kind: ChangeModified, Fields: fields})
			}
		}
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].RecordID < changes[j].RecordID })
	return changes
}

func changedFields(before, after ledger.Image) []string {
	names := make(map[string]struct{}, len(before)+len(after))
	for f := range before {
		names[f] = struct{}{}
	}
	for f := range after {
		names[f] = struct{}{}
	}

	var out []string
	for f := range names {
		b, inB := before[f]
		a, inA := after[f]
		if inB != inA || fmt.Sprint(b) != fmt.Sprint(a) {
			out = append(out, f)
		}
	}
	sort.Strings(out)
	return out
}

// Until returns the prefix of entries captured at or before bound,
// preserving order. Replaying it yields the stream's state as of bound.
func Until(entries []*ledger.Entry, bound time.Time) []*ledger.Entry {
	var out []*ledger.Entry
	for _, e := range entries {
		if !e.Timestamp.After(bound) {
			out = append(out, e)
		}
	}
	return out
}

// Filter returns the subset of s whose current field values match every
// key/value predicate. Filtering happens after a full replay, never during
// it, so deletions followed by re-insertions resolve correctly.
func (s State) Filter(predicates map[string]string) State {
	if len(predicates) == 0 {
		return s
	}
	out := make(State)
recordLoop:
	for id, img := range s {
		for field, want := range predicates {
			got, ok := img[field]
			if !ok || fmt.Sprint(got) != want {
				continue recordLoop
			}
		}
		out[id] = img
	}
	return out
}

// RecordIDs returns the state's record ids sorted lexicographically — the
// deterministic leaf order used for Merkle construction.
func (s State) RecordIDs() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// LeafHashes computes the Merkle leaves for the state in RecordIDs order,
// restricted to fieldsToHash when the stream's policy sets one.
func (s State) LeafHashes(fieldsToHash []string) []string {
	ids := s.RecordIDs()
	leaves := make([]string, len(ids))
	for i, id := range ids {
		leaves[i] = ledger.RecordHash(id, s[id], fieldsToHash)
	}
	return leaves
}

// ParseFilters parses "field:value" predicate strings. A malformed predicate
// is a policy error rejected before any computation.
func ParseFilters(raw []string) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(raw))
	for _, f := range raw {
		field, value, ok := strings.Cut(f, ":")
		if !ok || field == "" {
			return nil, fmt.Errorf("invalid filter %q: want field:value", f)
		}
		out[field] = value
	}
	return out, nil
}
