package state

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestSQLiteStore_Contract(t *testing.T) {
	store, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "state.db"), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer store.Close()

	storeContract(t, store)
}

func TestSQLiteStore_Reopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")

	store, err := NewSQLiteStore(ctx, path, nil)
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, "exceptions", day2))
	require.NoError(t, store.Close())

	store, err = NewSQLiteStore(ctx, path, nil)
	require.NoError(t, err)
	defer store.Close()

	st, err := store.Load(ctx)
	require.NoError(t, err)
	got, err := st.Get("exceptions")
	require.NoError(t, err)
	assert.Equal(t, day2, got)
}

func TestSQLiteStore_RequiresPath(t *testing.T) {
	_, err := NewSQLiteStore(context.Background(), "", nil)
	assert.Error(t, err)
}
