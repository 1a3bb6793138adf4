package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/toolgate/internal/state"
)

func TestStateRepo_CRUD(t *testing.T) {
	ctx := context.Background()
	repo, err := NewStateRepo(ctx, ":memory:")
	require.NoError(t, err)
	defer repo.Close()

	_, err = repo.Get(ctx, "nope")
	require.ErrorIs(t, err, state.ErrNotFound)

	require.NoError(t, repo.Put(ctx, "policy:rule:SUB_AGENT:group:safe", []byte("v1")))
	require.NoError(t, repo.Put(ctx, "policy:rule:SUB_AGENT:group:safe", []byte("v2")))
	require.NoError(t, repo.Put(ctx, "policy_rule_x", []byte("not-a-prefix-match")))

	v, err := repo.Get(ctx, "policy:rule:SUB_AGENT:group:safe")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(v))

	listed, err := repo.List(ctx, "policy:rule:")
	require.NoError(t, err)
	assert.Len(t, listed, 1)

	require.NoError(t, repo.Delete(ctx, "policy:rule:SUB_AGENT:group:safe"))
	listed, err = repo.List(ctx, "policy:rule:")
	require.NoError(t, err)
	assert.Empty(t, listed)
}

func TestStateRepo_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")

	repo, err := NewStateRepo(ctx, path)
	require.NoError(t, err)
	require.NoError(t, repo.Put(ctx, "policy:grants:web_search", []byte(`["network"]`)))
	require.NoError(t, repo.Close())

	reopened, err := NewStateRepo(ctx, path)
	require.NoError(t, err)
	defer reopened.Close()

	v, err := reopened.Get(ctx, "policy:grants:web_search")
	require.NoError(t, err)
	assert.Equal(t, `["network"]`, string(v))
}
