package output

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T, path string) *ActionStore {
	t.Helper()
	config := DefaultActionStoreConfig()
	config.DBPath = path
	store, err := NewActionStore(config)
	require.NoError(t, err)
	return store
}

func TestActionStoreRecordAndList(t *testing.T) {
	store := openStore(t, filepath.Join(t.TempDir(), "data", "actions.db"))
	defer store.Close()

	for i := 1; i <= 5; i++ {
		require.NoError(t, store.Record(context.Background(), testAction(i)))
	}
	assert.Equal(t, int64(5), store.Count())

	all, err := store.List(0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, "id-5", all[0].ID)
	assert.Equal(t, "id-1", all[4].ID)
	assert.Equal(t, 25, all[0].Details.Score)
	assert.Equal(t, testAction(5).Timestamp, all[0].Timestamp)

	page, err := store.List(2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "id-4", page[1].ID)

	id, ok := store.LastActionID("10.0.0.3")
	assert.True(t, ok)
	assert.Equal(t, "id-3", id)
	_, ok = store.LastActionID("192.0.2.1")
	assert.False(t, ok)
}

func TestActionStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "actions.db")

	store := openStore(t, path)
	require.NoError(t, store.Record(context.Background(), testAction(1)))
	require.NoError(t, store.Record(context.Background(), testAction(2)))
	require.NoError(t, store.Close())

	store = openStore(t, path)
	defer store.Close()
	assert.Equal(t, int64(2), store.Count())

	require.NoError(t, store.Record(context.Background(), testAction(3)))
	all, err := store.List(0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "id-3", all[0].ID)
}

func TestActionStoreReadOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "actions.db")
	store := openStore(t, path)
	require.NoError(t, store.Record(context.Background(), testAction(1)))
	require.NoError(t, store.Close())

	ro, err := NewActionStore(ActionStoreConfig{DBPath: path, ReadOnly: true, Timeout: time.Second})
	require.NoError(t, err)
	defer ro.Close()

	all, err := ro.List(10)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Error(t, ro.Record(context.Background(), testAction(2)))
}

func TestActionStoreLockTimeout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "actions.db")
	store := openStore(t, path)
	defer store.Close()

	_, err := NewActionStore(ActionStoreConfig{DBPath: path, Timeout: 50 * time.Millisecond})
	assert.Error(t, err)
}
