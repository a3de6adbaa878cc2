package cache

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testStores(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := NewSQLite(filepath.Join(t.TempDir(), "snapshots.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })
	return map[string]Store{
		"memory": NewMemory(),
		"sqlite": sqlite,
	}
}

func TestStoreRoundTrip(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			_, ok, err := store.Get("dashboard-metrics")
			require.NoError(t, err)
			require.False(t, ok, "missing key must not be an error")

			retrieved := time.Date(2026, time.March, 4, 10, 30, 0, 0, time.UTC)
			entry := Entry{Payload: json.RawMessage(`{"total":42}`), RetrievedAt: retrieved}
			require.NoError(t, store.Set("dashboard-metrics", entry))

			got, ok, err := store.Get("dashboard-metrics")
			require.NoError(t, err)
			require.True(t, ok)
			require.JSONEq(t, `{"total":42}`, string(got.Payload))
			require.True(t, got.RetrievedAt.Equal(retrieved))

			// Replacement is wholesale, never a partial update.
			require.NoError(t, store.Set("dashboard-metrics", Entry{
				Payload:     json.RawMessage(`{"total":43}`),
				RetrievedAt: retrieved.Add(time.Minute),
			}))
			got, ok, err = store.Get("dashboard-metrics")
			require.NoError(t, err)
			require.True(t, ok)
			require.JSONEq(t, `{"total":43}`, string(got.Payload))
		})
	}
}

func TestStorePrune(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			now := time.Now()
			require.NoError(t, store.Set("old", Entry{Payload: json.RawMessage(`1`), RetrievedAt: now.Add(-48 * time.Hour)}))
			require.NoError(t, store.Set("fresh", Entry{Payload: json.RawMessage(`2`), RetrievedAt: now}))

			removed, err := store.Prune(now.Add(-24 * time.Hour))
			require.NoError(t, err)
			require.Equal(t, 1, removed)

			_, ok, err := store.Get("old")
			require.NoError(t, err)
			require.False(t, ok)
			_, ok, err = store.Get("fresh")
			require.NoError(t, err)
			require.True(t, ok)
		})
	}
}

func TestSQLitePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshots.db")
	store, err := NewSQLite(path)
	require.NoError(t, err)
	require.NoError(t, store.Set("census", Entry{Payload: json.RawMessage(`{"beds":120}`), RetrievedAt: time.Now()}))
	require.NoError(t, store.Close())

	reopened, err := NewSQLite(path)
	require.NoError(t, err)
	defer reopened.Close()
	got, ok, err := reopened.Get("census")
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `{"beds":120}`, string(got.Payload))
}

func TestSQLiteRequiresPath(t *testing.T) {
	_, err := NewSQLite("")
	require.Error(t, err)
}
