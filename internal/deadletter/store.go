package deadletter

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store persists dead letter records in insertion order.
type Store interface {
	// Insert is idempotent on Record.ID.
	Insert(ctx context.Context, rec Record) error
	Get(ctx context.Context, id string) (Record, error)
	Delete(ctx context.Context, id string) (bool, error)
	// List returns up to limit records after the given sequence, filtered by
	// queue (matching either the source queue or its DLQ name) when set.
	List(ctx context.Context, queue string, afterSeq int64, limit int) ([]Record, int64, bool, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int, error)
	Count(ctx context.Context) (int, error)
}

type memoryEntry struct {
	seq    int64
	record Record
}

type MemoryStore struct {
	mu      sync.RWMutex
	seq     int64
	entries []memoryEntry
	byID    map[string]int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]int64)}
}

func (s *MemoryStore) Insert(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[rec.ID]; exists {
		return nil
	}
	s.seq++
	s.entries = append(s.entries, memoryEntry{seq: s.seq, record: rec})
	s.byID[rec.ID] = s.seq
	return nil
}

// find returns the index of seq in entries, which stay sorted by seq.
func (s *MemoryStore) find(seq int64) (int, bool) {
	i := sort.Search(len(s.entries), func(i int) bool { return s.entries[i].seq >= seq })
	return i, i < len(s.entries) && s.entries[i].seq == seq
}

func (s *MemoryStore) Get(_ context.Context, id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seq, ok := s.byID[id]
	if !ok {
		return Record{}, recordNotFound(id)
	}
	i, _ := s.find(seq)
	return s.entries[i].record, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq, ok := s.byID[id]
	if !ok {
		return false, nil
	}
	i, _ := s.find(seq)
	s.entries = append(s.entries[:i], s.entries[i+1:]...)
	delete(s.byID, id)
	return true, nil
}

func (s *MemoryStore) List(_ context.Context, queue string, afterSeq int64, limit int) ([]Record, int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := sort.Search(len(s.entries), func(i int) bool { return s.entries[i].seq > afterSeq })

	var (
		out     []Record
		lastSeq int64
	)
	for _, e := range s.entries[start:] {
		if queue != "" && e.record.LastQueue != queue && e.record.DLQName != queue {
			continue
		}
		if len(out) == limit {
			return out, lastSeq, true, nil
		}
		out = append(out, e.record)
		lastSeq = e.seq
	}
	return out, lastSeq, false, nil
}

func (s *MemoryStore) DeleteBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.entries[:0]
	removed := 0
	for _, e := range s.entries {
		if e.record.DeadLetteredAt.Before(cutoff) {
			delete(s.byID, e.record.ID)
			removed++
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
	return removed, nil
}

func (s *MemoryStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries), nil
}
