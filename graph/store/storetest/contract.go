// Package storetest provides a reusable contract suite for store.Store
// implementations.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dshills/interruptgraph/graph/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunContract verifies that st satisfies the store.Store contract.
//
// Run IDs are suffixed with a timestamp so the suite can run against a shared
// database without cleanup.
func RunContract(t *testing.T, st store.Store) {
	t.Helper()

	ctx := context.Background()
	prefix := "contract-" + time.Now().Format("20060102150405.000000000") + "-"

	t.Run("Load missing run", func(t *testing.T) {
		_, err := st.Load(ctx, prefix+"missing")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("Insert then load", func(t *testing.T) {
		runID := prefix + "insert"
		saved, err := st.Save(ctx, record(runID, 0, "running", "discover", `{"n":1}`))
		require.NoError(t, err)
		assert.Equal(t, int64(1), saved.Version)

		loaded, err := st.Load(ctx, runID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), loaded.Version)
		assert.Equal(t, "running", loaded.Status)
		assert.Equal(t, "discover", loaded.Cursor)
		assert.Equal(t, `{"n":1}`, string(loaded.Data))
		assert.False(t, loaded.UpdatedAt.IsZero())
	})

	t.Run("Insert twice conflicts", func(t *testing.T) {
		runID := prefix + "double-insert"
		_, err := st.Save(ctx, record(runID, 0, "running", "a", `{}`))
		require.NoError(t, err)

		_, err = st.Save(ctx, record(runID, 0, "running", "a", `{"other":true}`))
		assert.ErrorIs(t, err, store.ErrConflict)

		loaded, err := st.Load(ctx, runID)
		require.NoError(t, err)
		assert.Equal(t, `{}`, string(loaded.Data), "conflicting insert must not overwrite")
	})

	t.Run("Update advances version", func(t *testing.T) {
		runID := prefix + "update"
		first, err := st.Save(ctx, record(runID, 0, "running", "a", `{"n":1}`))
		require.NoError(t, err)

		second, err := st.Save(ctx, record(runID, first.Version, "suspended", "b", `{"n":2}`))
		require.NoError(t, err)
		assert.Equal(t, int64(2), second.Version)

		loaded, err := st.Load(ctx, runID)
		require.NoError(t, err)
		assert.Equal(t, "suspended", loaded.Status)
		assert.Equal(t, "b", loaded.Cursor)
	})

	t.Run("Stale version conflicts", func(t *testing.T) {
		runID := prefix + "stale"
		first, err := st.Save(ctx, record(runID, 0, "running", "a", `{}`))
		require.NoError(t, err)
		_, err = st.Save(ctx, record(runID, first.Version, "running", "b", `{}`))
		require.NoError(t, err)

		_, err = st.Save(ctx, record(runID, first.Version, "running", "c", `{}`))
		assert.ErrorIs(t, err, store.ErrConflict)

		_, err = st.Save(ctx, record(prefix+"never-inserted", 3, "running", "a", `{}`))
		assert.ErrorIs(t, err, store.ErrConflict, "update of a missing run must conflict")
	})

	t.Run("Racing saves at the same version", func(t *testing.T) {
		runID := prefix + "race"
		base, err := st.Save(ctx, record(runID, 0, "running", "a", `{}`))
		require.NoError(t, err)

		const writers = 8
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			successes int
			conflicts int
		)
		start := make(chan struct{})
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				_, err := st.Save(ctx, record(runID, base.Version, "running", fmt.Sprintf("w%d", i), `{}`))
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					successes++
				case errors.Is(err, store.ErrConflict):
					conflicts++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}(i)
		}
		close(start)
		wg.Wait()

		assert.Equal(t, 1, successes, "exactly one writer must win")
		assert.Equal(t, writers-1, conflicts)

		loaded, err := st.Load(ctx, runID)
		require.NoError(t, err)
		assert.Equal(t, base.Version+1, loaded.Version)
	})

	t.Run("History keeps every version", func(t *testing.T) {
		runID := prefix + "history"
		rec, err := st.Save(ctx, record(runID, 0, "running", "a", `{"n":1}`))
		require.NoError(t, err)
		rec, err = st.Save(ctx, record(runID, rec.Version, "running", "b", `{"n":2}`))
		require.NoError(t, err)
		_, err = st.Save(ctx, record(runID, rec.Version, "failed", "b", `{"n":3}`))
		require.NoError(t, err)

		history, err := st.History(ctx, runID)
		require.NoError(t, err)
		require.Len(t, history, 3)
		for i, h := range history {
			assert.Equal(t, int64(i+1), h.Version)
		}
		assert.Equal(t, "failed", history[2].Status)
		assert.Equal(t, `{"n":1}`, string(history[0].Data))

		_, err = st.History(ctx, prefix+"no-history")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("List filters by status", func(t *testing.T) {
		suspended := prefix + "list-suspended"
		completed := prefix + "list-completed"
		_, err := st.Save(ctx, record(suspended, 0, "suspended", "ask", `{}`))
		require.NoError(t, err)
		_, err = st.Save(ctx, record(completed, 0, "completed", "__end__", `{}`))
		require.NoError(t, err)

		recs, err := st.List(ctx, store.Query{Status: "suspended"})
		require.NoError(t, err)
		ids := runIDs(recs)
		assert.Contains(t, ids, suspended)
		assert.NotContains(t, ids, completed)
		for _, rec := range recs {
			assert.Equal(t, "suspended", rec.Status)
		}

		limited, err := st.List(ctx, store.Query{Limit: 1})
		require.NoError(t, err)
		assert.Len(t, limited, 1)
	})
}

func record(runID string, version int64, status, cursor, data string) store.Record {
	return store.Record{
		RunID:   runID,
		Version: version,
		Status:  status,
		Cursor:  cursor,
		Data:    []byte(data),
	}
}

func runIDs(recs []store.Record) []string {
	ids := make([]string, len(recs))
	for i, rec := range recs {
		ids[i] = rec.RunID
	}
	return ids
}
