// Package store provides the checkpoint persistence contract and its backends.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested run does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned by Save when the stored version does not match the
// version the caller read. Another writer advanced the run in the meantime.
var ErrConflict = errors.New("version conflict")

// Record is the persisted checkpoint of a single run.
//
// The store treats Data as opaque bytes. Status and Cursor are duplicated out
// of Data so that backends can index and filter runs without decoding them.
type Record struct {
	// RunID is the caller-supplied identifier of the run.
	RunID string

	// Version is the compare-and-swap token. Zero means "never saved".
	// Every successful Save stores Version+1.
	Version int64

	// Status is the run status at the time of the save.
	Status string

	// Cursor is the step that will execute next.
	Cursor string

	// Data is the serialized run document.
	Data []byte

	// UpdatedAt is when this version was written.
	UpdatedAt time.Time
}

// Query filters the runs returned by List.
type Query struct {
	// Status restricts results to runs in this status. Empty matches all.
	Status string

	// Limit caps the number of results. Zero means no limit.
	Limit int
}

// Store persists run checkpoints with optimistic concurrency.
//
// Implementations must be safe for concurrent use by multiple goroutines and,
// for the durable backends, by multiple processes.
type Store interface {
	// Load returns the latest record for runID, or ErrNotFound.
	Load(ctx context.Context, runID string) (Record, error)

	// Save writes rec if and only if the stored version equals rec.Version.
	// A rec.Version of zero inserts a new run and conflicts if the run exists.
	// On success the returned record carries the new version (rec.Version+1).
	// On a version mismatch Save returns ErrConflict and writes nothing.
	Save(ctx context.Context, rec Record) (Record, error)

	// History returns every saved version of runID, oldest first.
	History(ctx context.Context, runID string) ([]Record, error)

	// List returns the latest record of each run matching q, most recently
	// updated first.
	List(ctx context.Context, q Query) ([]Record, error)
}

// UnlockFunc releases a lock acquired through a Locker.
type UnlockFunc func(ctx context.Context) error

// Locker provides a lease on a key shared across processes.
type Locker interface {
	// Lock blocks until the lock for key is held, the context is done, or an
	// error occurs. The lock expires after ttl if never released.
	Lock(ctx context.Context, key string, ttl time.Duration) (UnlockFunc, error)
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
