package state

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestFileStore_Contract(t *testing.T) {
	store, err := NewFileStore(filepath.Join(t.TempDir(), "nested", "state.json"), zaptest.NewLogger(t))
	require.NoError(t, err)
	storeContract(t, store)
}

func TestFileStore_WritesSingerDocumentWithoutTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	store, err := NewFileStore(path, nil)
	require.NoError(t, err)

	require.NoError(t, store.Save(context.Background(), "exceptions", day1))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"bookmarks":{"exceptions":{"replication_key_value":"2024-01-04T00:00:00Z"}}}`, string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file must be renamed into place")
}

func TestFileStore_PreservesOtherStreams(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"bookmarks":{"legacy":{"replication_key_value":"2023-06-01T00:00:00Z"}}}`), 0644))

	store, err := NewFileStore(path, nil)
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), "exceptions", day1))

	st, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Len(t, st.Bookmarks, 2)
}

func TestFileStore_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte(`not json`), 0644))

	store, err := NewFileStore(path, nil)
	require.NoError(t, err)
	_, err = store.Load(context.Background())
	assert.Error(t, err)
	assert.Error(t, store.Save(context.Background(), "s", day1))
}

func TestFileStore_Replace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	store, err := NewFileStore(path, nil)
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), "s", day2))

	require.NoError(t, store.Replace(New()))
	st, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, st.Bookmarks)
}

func TestNewFileStore_RequiresPath(t *testing.T) {
	_, err := NewFileStore("", nil)
	assert.Error(t, err)
}
