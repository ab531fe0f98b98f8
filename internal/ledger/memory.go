package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory, thread-safe Store implementation. It is
// primarily useful for testing and for single-process deployments that do
// not require durable persistence across restarts.
type MemoryStore struct {
	mu          sync.RWMutex
	entries     map[string][]*Entry
	checkpoints map[string][]*Checkpoint
	streams     map[string]*StreamConfig
	live        map[string]map[string]Image

	appendMu sync.Mutex
	locks    map[string]*sync.Mutex
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:     make(map[string][]*Entry),
		checkpoints: make(map[string][]*Checkpoint),
		streams:     make(map[string]*StreamConfig),
		live:        make(map[string]map[string]Image),
		locks:       make(map[string]*sync.Mutex),
	}
}

// streamLock returns the append mutex for stream, creating it on first use.
// Appends to different streams hold different locks and run in parallel.
func (s *MemoryStore) streamLock(stream string) *sync.Mutex {
	s.appendMu.Lock()
	defer s.appendMu.Unlock()
	l, ok := s.locks[stream]
	if !ok {
		l = &sync.Mutex{}
		s.locks[stream] = l
	}
	return l
}

// Append implements Appender. The critical section spans reading the tail
// hash, computing the new entry hash, and storing the row.
func (s *MemoryStore) Append(_ context.Context, stream, recordID string, op Operation, before, after Image) (*Entry, error) {
	if !op.Valid() {
		return nil, fmt.Errorf("invalid operation %q", op)
	}

	lock := s.streamLock(stream)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	_, registered := s.streams[stream]
	chain := s.entries[stream]
	prevHash := GenesisHash
	var seq int64 = 1
	if n := len(chain); n > 0 {
		prevHash = chain[n-1].Hash
		seq = chain[n-1].Sequence + 1
	}
	s.mu.RUnlock()
	if !registered {
		return nil, ErrStreamNotFound
	}

	entry := &Entry{
		Sequence:      seq,
		TransactionID: uuid.New().String(),
		StreamName:    stream,
		RecordID:      recordID,
		Operation:     op,
		Before:        before,
		After:         after,
		Timestamp:     time.Now().UTC().Truncate(time.Microsecond),
		PrevHash:      prevHash,
	}
	entry.Hash = entry.ComputeHash()

	s.mu.Lock()
	s.entries[stream] = append(s.entries[stream], entry)
	s.mu.Unlock()
	return entry, nil
}

// Entries implements Reader.
func (s *MemoryStore) Entries(_ context.Context, stream string) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*Entry(nil), s.entries[stream]...), nil
}

// EntriesRange implements Reader.
func (s *MemoryStore) EntriesRange(_ context.Context, stream string, fromSeq, toSeq int64) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Entry
	for _, e := range s.entries[stream] {
		if e.Sequence < fromSeq {
			continue
		}
		if toSeq > 0 && e.Sequence > toSeq {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// EntriesForRecord implements Reader.
func (s *MemoryStore) EntriesForRecord(_ context.Context, stream, recordID string) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Entry
	for _, e := range s.entries[stream] {
		if e.RecordID == recordID {
			out = append(out, e)
		}
	}
	return out, nil
}

// TailHash implements Reader.
func (s *MemoryStore) TailHash(_ context.Context, stream string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.entries[stream]
	if len(chain) == 0 {
		return GenesisHash, nil
	}
	return chain[len(chain)-1].Hash, nil
}

// LastSequence implements Reader.
func (s *MemoryStore) LastSequence(_ context.Context, stream string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.entries[stream]
	if len(chain) == 0 {
		return 0, nil
	}
	return chain[len(chain)-1].Sequence, nil
}

// SaveCheckpoint implements CheckpointStore.
func (s *MemoryStore) SaveCheckpoint(_ context.Context, cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[cp.StreamName] = append(s.checkpoints[cp.StreamName], cp)
	return nil
}

// LatestCheckpoint implements CheckpointStore.
func (s *MemoryStore) LatestCheckpoint(_ context.Context, stream string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cps := s.checkpoints[stream]
	if len(cps) == 0 {
		return nil, ErrNoCheckpoint
	}
	latest := cps[0]
	for _, cp := range cps[1:] {
		if cp.ComputedAt.After(latest.ComputedAt) {
			latest = cp
		}
	}
	return latest, nil
}

// RegisterStream implements StreamRegistry.
func (s *MemoryStore) RegisterStream(_ context.Context, cfg *StreamConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.PrimaryKey == "" {
		cfg.PrimaryKey = "id"
	}
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = time.Now().UTC()
	}
	s.streams[cfg.Name] = cfg
	return nil
}

// Stream implements StreamRegistry.
func (s *MemoryStore) Stream(_ context.Context, name string) (*StreamConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.streams[name]
	if !ok {
		return nil, ErrStreamNotFound
	}
	return cfg, nil
}

// LiveState implements LiveReader.
func (s *MemoryStore) LiveState(_ context.Context, stream string) (map[string]Image, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Image, len(s.live[stream]))
	for id, img := range s.live[stream] {
		copied := make(Image, len(img))
		for k, v := range img {
			copied[k] = v
		}
		out[id] = copied
	}
	return out, nil
}

// SetLiveRow writes a row into the simulated live table. Tests use it to
// model mutations that did (or deliberately did not) go through the capture
// hook.
func (s *MemoryStore) SetLiveRow(stream, recordID string, row Image) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.live[stream] == nil {
		s.live[stream] = make(map[string]Image)
	}
	s.live[stream][recordID] = row
}

// DeleteLiveRow removes a row from the simulated live table.
func (s *MemoryStore) DeleteLiveRow(stream, recordID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.live[stream], recordID)
}

// LiveRecordIDs returns the sorted record ids currently in the live table,
// used by bootstrap snapshotting.
func (s *MemoryStore) LiveRecordIDs(stream string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.live[stream]))
	for id := range s.live[stream] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
