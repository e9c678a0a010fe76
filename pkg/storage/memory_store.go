package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of ReplayStore. Records are
// stored in encoded form, so a reload sees the same value types a durable
// store would return.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string][]byte
	order   []string
	now     func() time.Time
}

var _ ReplayStore = (*MemoryStore)(nil)

// NewMemoryStore creates a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string][]byte),
		now:     time.Now,
	}
}

// Save stores rec, assigning an id and creation time when missing.
func (s *MemoryStore) Save(_ context.Context, rec *Record) error {
	Prepare(rec, s.now())
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", rec.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[rec.ID]; !exists {
		s.order = append(s.order, rec.ID)
	}
	s.records[rec.ID] = data
	return nil
}

// Get retrieves a record from memory.
func (s *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	s.mu.RLock()
	data, ok := s.records[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return decodeRecord(data)
}

// List returns records newest first.
func (s *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Record, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		rec, err := decodeRecord(s.records[s.order[i]])
		if err != nil {
			return nil, err
		}
		if opts.Pipeline != "" && rec.Pipeline != opts.Pipeline {
			continue
		}
		out = append(out, rec)
	}

	// Later inserts win ties between equal timestamps.
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// Close is a no-op for memory store.
func (s *MemoryStore) Close() error {
	return nil
}

func decodeRecord(data []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return &rec, nil
}
