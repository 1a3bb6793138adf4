package repository

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/toolgate/internal/infra"
	"github.com/xela07ax/toolgate/internal/state"
)

func TestOpenStateStore(t *testing.T) {
	ctx := context.Background()

	s, closeFn, err := OpenStateStore(ctx, infra.StateConfig{Driver: "memory"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &state.MemoryStore{}, s)
	assert.NoError(t, closeFn())

	_, _, err = OpenStateStore(ctx, infra.StateConfig{Driver: "redis"}, nil)
	assert.Error(t, err)

	_, _, err = OpenStateStore(ctx, infra.StateConfig{Driver: "etcd"}, nil)
	assert.Error(t, err)

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	s, _, err = OpenStateStore(ctx, infra.StateConfig{Driver: "redis", RedisHash: "test:state"}, rdb)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "k", []byte("v")))
	assert.True(t, mr.Exists("test:state"))

	s, closeFn, err = OpenStateStore(ctx, infra.StateConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "state.db"),
	}, nil)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "k", []byte("v")))
	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(got))
	assert.NoError(t, closeFn())
}
