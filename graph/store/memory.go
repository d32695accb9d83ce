package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-memory implementation of Store.
//
// It is designed for:
//   - Testing and development
//   - Single-process deployments where runs need not survive a restart
//
// MemStore is thread-safe. Save is a true compare-and-swap under a mutex.
// Data is lost when the process terminates.
type MemStore struct {
	mu      sync.RWMutex
	latest  map[string]Record   // runID -> latest record
	history map[string][]Record // runID -> every saved version
	now     func() time.Time
}

// NewMemStore creates a new in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		latest:  make(map[string]Record),
		history: make(map[string][]Record),
		now:     time.Now,
	}
}

// Load returns the latest record for runID.
func (m *MemStore) Load(_ context.Context, runID string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.latest[runID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return copyRecord(rec), nil
}

// Save performs a compare-and-swap on the run's version.
func (m *MemStore) Save(_ context.Context, rec Record) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, exists := m.latest[rec.RunID]
	switch {
	case !exists && rec.Version != 0:
		return Record{}, ErrConflict
	case exists && current.Version != rec.Version:
		return Record{}, ErrConflict
	}

	stored := copyRecord(rec)
	stored.Version = rec.Version + 1
	stored.UpdatedAt = m.now().UTC()

	m.latest[rec.RunID] = stored
	m.history[rec.RunID] = append(m.history[rec.RunID], stored)

	return copyRecord(stored), nil
}

// History returns every saved version of runID, oldest first.
func (m *MemStore) History(_ context.Context, runID string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	versions, ok := m.history[runID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]Record, len(versions))
	for i, rec := range versions {
		out[i] = copyRecord(rec)
	}
	return out, nil
}

// List returns the latest record of each matching run, most recent first.
func (m *MemStore) List(_ context.Context, q Query) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Record, 0, len(m.latest))
	for _, rec := range m.latest {
		if q.Status != "" && rec.Status != q.Status {
			continue
		}
		out = append(out, copyRecord(rec))
	}
	sortRecent(out)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func copyRecord(rec Record) Record {
	rec.Data = cloneBytes(rec.Data)
	return rec
}

// sortRecent orders records by UpdatedAt descending, breaking ties by run ID
// so that listings are stable.
func sortRecent(recs []Record) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].UpdatedAt.Equal(recs[j].UpdatedAt) {
			return recs[i].UpdatedAt.After(recs[j].UpdatedAt)
		}
		return recs[i].RunID < recs[j].RunID
	})
}
