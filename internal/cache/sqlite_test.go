package cache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLite(t *testing.T) *SQLiteBackend {
	t.Helper()
	b, err := NewSQLite(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestSQLite_PutGetDelete(t *testing.T) {
	b := newTestSQLite(t)
	ctx := context.Background()

	_, ok, err := b.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	storedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, b.Put(ctx, "acme", []byte(`{"v":1}`), storedAt))

	data, ok, err := b.Get(ctx, "acme")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"v":1}`, string(data))

	require.NoError(t, b.Delete(ctx, "acme"))
	_, ok, err = b.Get(ctx, "acme")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLite_PutOverwrites(t *testing.T) {
	b := newTestSQLite(t)
	ctx := context.Background()

	require.NoError(t, b.Put(ctx, "acme", []byte("first"), time.Now()))
	require.NoError(t, b.Put(ctx, "acme", []byte("second"), time.Now()))

	data, ok, err := b.Get(ctx, "acme")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "second", string(data))

	infos, err := b.Keys(ctx)
	require.NoError(t, err)
	assert.Len(t, infos, 1)
}

func TestSQLite_KeysOrderedByStoredAt(t *testing.T) {
	b := newTestSQLite(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, b.Put(ctx, "newest", []byte("c"), base.Add(2*time.Hour)))
	require.NoError(t, b.Put(ctx, "oldest", []byte("a"), base))
	require.NoError(t, b.Put(ctx, "middle", []byte("b"), base.Add(time.Hour)))

	infos, err := b.Keys(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 3)
	assert.Equal(t, "oldest", infos[0].Key)
	assert.Equal(t, "middle", infos[1].Key)
	assert.Equal(t, "newest", infos[2].Key)
}

func TestSQLite_BacksProfileCache(t *testing.T) {
	b := newTestSQLite(t)
	c := New(b, Config{TTL: time.Hour, Capacity: 2})
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, completedProfile("Acme AB", "556793-5183")))

	got, ok, err := c.Get(ctx, completedProfile("Acme AB", "556793-5183").Identity)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Acme AB", got.Identity.DisplayName)
}
