package objectstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLocalStore(t *testing.T) {
	ctx := context.Background()
	store := NewLocal(t.TempDir(), "deliveries")

	t.Run("read missing", func(t *testing.T) {
		_, err := store.Read(ctx, "nope.json")
		require.ErrorIs(t, err, ErrNotExist)

		exists, err := store.Exists(ctx, "nope.json")
		require.NoError(t, err)
		require.False(t, exists)
	})

	t.Run("write and read back", func(t *testing.T) {
		require.NoError(t, store.Write(ctx, "2026-07-01/artifacts/job_status/job-1.json", []byte(`{"job_id":"job-1"}`)))

		data, err := store.Read(ctx, "2026-07-01/artifacts/job_status/job-1.json")
		require.NoError(t, err)
		require.JSONEq(t, `{"job_id":"job-1"}`, string(data))

		exists, err := store.Exists(ctx, "2026-07-01/artifacts/job_status/job-1.json")
		require.NoError(t, err)
		require.True(t, exists)
	})

	t.Run("list", func(t *testing.T) {
		require.NoError(t, store.Write(ctx, "2026-07-01/a/one.parquet", []byte("x")))
		require.NoError(t, store.Write(ctx, "2026-07-01/a/two.parquet", []byte("y")))
		require.NoError(t, store.Write(ctx, "2026-07-01/b/three.parquet", []byte("z")))

		keys, err := store.List(ctx, "2026-07-01/a")
		require.NoError(t, err)
		require.Equal(t, []string{"2026-07-01/a/one.parquet", "2026-07-01/a/two.parquet"}, keys)

		keys, err = store.List(ctx, "2026-07-01/missing")
		require.NoError(t, err)
		require.Empty(t, keys)
	})

	t.Run("list dirs", func(t *testing.T) {
		dirs, err := store.ListDirs(ctx, "2026-07-01")
		require.NoError(t, err)
		require.Contains(t, dirs, "a")
		require.Contains(t, dirs, "b")
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		require.NoError(t, store.Write(ctx, "2026-07-01/a/gone.parquet", []byte("x")))
		require.NoError(t, store.Delete(ctx, "2026-07-01/a/gone.parquet"))
		require.NoError(t, store.Delete(ctx, "2026-07-01/a/gone.parquet"))
	})

	t.Run("bucket and uri", func(t *testing.T) {
		require.Equal(t, "deliveries", store.Bucket())
		require.Contains(t, store.URI("2026-07-01/a/one.parquet"), "deliveries")
	})
}
