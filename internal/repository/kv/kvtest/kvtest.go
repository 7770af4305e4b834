// Package kvtest holds the behaviour every kv.Store backend must satisfy.
package kvtest

import (
	"context"
	"testing"

	"e2ee_messenger/internal/repository/kv"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Run(t *testing.T, s kv.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("missing key", func(t *testing.T) {
		_, err := s.Get(ctx, "absent")
		assert.ErrorIs(t, err, kv.ErrNotFound)
	})

	t.Run("set get overwrite", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, "privateKey_1", "first"))
		v, err := s.Get(ctx, "privateKey_1")
		require.NoError(t, err)
		assert.Equal(t, "first", v)

		require.NoError(t, s.Set(ctx, "privateKey_1", "second"))
		v, err = s.Get(ctx, "privateKey_1")
		require.NoError(t, err)
		assert.Equal(t, "second", v)
	})

	t.Run("remove", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, "gone", "x"))
		require.NoError(t, s.Remove(ctx, "gone"))
		_, err := s.Get(ctx, "gone")
		assert.ErrorIs(t, err, kv.ErrNotFound)

		require.NoError(t, s.Remove(ctx, "never-set"))
	})

	t.Run("empty value is stored", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, "empty", ""))
		v, ok, err := kv.GetOptional(ctx, s, "empty")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "", v)
	})

	t.Run("large blob", func(t *testing.T) {
		blob := make([]byte, 256*1024)
		for i := range blob {
			blob[i] = 'a' + byte(i%26)
		}
		require.NoError(t, s.Set(ctx, "messages_1_2", string(blob)))
		v, err := s.Get(ctx, "messages_1_2")
		require.NoError(t, err)
		assert.Equal(t, string(blob), v)
	})
}
