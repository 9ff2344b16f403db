package store_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perceptr/perceptr-go/internal/domain"
	"github.com/perceptr/perceptr-go/internal/store"
)

// both implementations must satisfy the same contract.
func openStores(t *testing.T) map[string]domain.Store {
	t.Helper()

	sqlitePath := filepath.Join(t.TempDir(), "perceptr.db")
	sq, err := store.NewSQLite(sqlitePath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sq.Close() })

	mem := store.NewMemory()
	t.Cleanup(func() { _ = mem.Close() })

	return map[string]domain.Store{"sqlite": sq, "memory": mem}
}

func TestStore_GetSetDelete(t *testing.T) {
	ctx := context.Background()

	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			_, ok, err := s.Get(ctx, domain.KeySessionState)
			require.NoError(t, err)
			assert.False(t, ok, "missing key reads as absent")

			value := []byte(`{"sessionId":"s-1","startTime":100,"lastActivityTime":150}`)
			require.NoError(t, s.Set(ctx, domain.KeySessionState, value))

			got, ok, err := s.Get(ctx, domain.KeySessionState)
			require.NoError(t, err)
			require.True(t, ok)
			assert.JSONEq(t, string(value), string(got))

			// Overwrite.
			updated := []byte(`{"sessionId":"s-1","startTime":100,"lastActivityTime":999}`)
			require.NoError(t, s.Set(ctx, domain.KeySessionState, updated))
			got, ok, err = s.Get(ctx, domain.KeySessionState)
			require.NoError(t, err)
			require.True(t, ok)
			assert.JSONEq(t, string(updated), string(got))

			require.NoError(t, s.Delete(ctx, domain.KeySessionState))
			_, ok, err = s.Get(ctx, domain.KeySessionState)
			require.NoError(t, err)
			assert.False(t, ok)

			// Deleting an absent key is a no-op.
			require.NoError(t, s.Delete(ctx, "never_written"))
		})
	}
}

func TestSQLite_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "perceptr.db")

	s, err := store.NewSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, domain.KeyBufferData, []byte(`[{"sessionId":"s-1"}]`)))
	require.NoError(t, s.Close())

	reopened, err := store.NewSQLite(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, ok, err := reopened.Get(ctx, domain.KeyBufferData)
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `[{"sessionId":"s-1"}]`, string(got))
}

func TestMemory_ClosedStoreErrors(t *testing.T) {
	ctx := context.Background()

	m := store.NewMemory()
	require.NoError(t, m.Close())

	err := m.Set(ctx, "k", []byte(`{}`))
	assert.ErrorIs(t, err, domain.ErrStoreClosed)

	_, _, err = m.Get(ctx, "k")
	assert.ErrorIs(t, err, domain.ErrStoreClosed)
}
