package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTempSQLite(t *testing.T) *SQLite {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "nested", "calhub.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestKVImplementations(t *testing.T) {
	impls := map[string]func(t *testing.T) KV{
		"memory": func(*testing.T) KV { return NewMemory() },
		"sqlite": func(t *testing.T) KV { return openTempSQLite(t) },
	}

	for name, mk := range impls {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			kv := mk(t)

			_, err := kv.Get(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, kv.Set(ctx, "calendars", `[]`))
			require.NoError(t, kv.Set(ctx, "calendars", `[{"id":"a"}]`))
			v, err := kv.Get(ctx, "calendars")
			require.NoError(t, err)
			assert.Equal(t, `[{"id":"a"}]`, v)

			require.NoError(t, kv.Set(ctx, "events:b", "x"))
			require.NoError(t, kv.Set(ctx, "events:a", "y"))
			keys, err := kv.Keys(ctx, "events:")
			require.NoError(t, err)
			assert.Equal(t, []string{"events:a", "events:b"}, keys)

			require.NoError(t, kv.Delete(ctx, "events:a"))
			_, err = kv.Get(ctx, "events:a")
			assert.ErrorIs(t, err, ErrNotFound)

			// Deleting twice is not an error.
			require.NoError(t, kv.Delete(ctx, "events:a"))
		})
	}
}

func TestSQLitePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "calhub.db")

	s, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "k", "v"))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(path)
	require.NoError(t, err)
	defer s.Close()

	v, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)
	assert.NoError(t, s.Ping(ctx))
}

func TestOpenSQLiteRejectsEmptyPath(t *testing.T) {
	_, err := OpenSQLite("")
	assert.Error(t, err)
}
