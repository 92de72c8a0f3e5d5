package cache

import (
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parseltongue/parseltongue-go/internal/models"
	"github.com/parseltongue/parseltongue-go/internal/retrieval"
)

func setupTestCache(t *testing.T) *Cache {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	c, err := Open(filepath.Join(t.TempDir(), "cache.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func sampleContextSet() *models.ContextSet {
	return &models.ContextSet{
		Nodes: []models.ScoredNode{{
			Node:  &models.Node{ID: "fn_a", Kind: models.NodeKindFunction, DisplayName: "a"},
			Score: 0.6,
			Evidence: models.Evidence{
				SeedID: "fn_a", Reason: "seed", VectorDistance: -1,
			},
		}},
	}
}

func TestCachePutGet(t *testing.T) {
	c := setupTestCache(t)
	key := Key(1, []string{"fn_a"}, retrieval.DefaultOptions())

	_, ok := c.Get(key)
	assert.False(t, ok)

	require.NoError(t, c.Put(key, sampleContextSet()))

	got, ok := c.Get(key)
	require.True(t, ok)
	require.Len(t, got.Nodes, 1)
	assert.Equal(t, "fn_a", got.Nodes[0].Node.ID)
	assert.Equal(t, 0.6, got.Nodes[0].Score)
}

func TestCacheKeySeedOrderIndependent(t *testing.T) {
	opts := retrieval.DefaultOptions()
	a := Key(1, []string{"x", "y", "z"}, opts)
	b := Key(1, []string{"z", "x", "y"}, opts)
	assert.Equal(t, a, b)
}

func TestCacheKeyRevisionSensitive(t *testing.T) {
	opts := retrieval.DefaultOptions()
	assert.NotEqual(t, Key(1, []string{"x"}, opts), Key(2, []string{"x"}, opts))
}

func TestCacheKeyOptionsSensitive(t *testing.T) {
	base := retrieval.DefaultOptions()
	wider := base
	wider.MaxHops = base.MaxHops + 1
	assert.NotEqual(t, Key(1, []string{"x"}, base), Key(1, []string{"x"}, wider))
}

func TestCacheDelete(t *testing.T) {
	c := setupTestCache(t)
	key := Key(1, []string{"fn_a"}, retrieval.DefaultOptions())

	require.NoError(t, c.Put(key, sampleContextSet()))
	require.NoError(t, c.Delete(key))

	_, ok := c.Get(key)
	assert.False(t, ok)
}

func TestCachePrune(t *testing.T) {
	c := setupTestCache(t)
	opts := retrieval.DefaultOptions()

	require.NoError(t, c.Put(Key(1, []string{"a"}, opts), sampleContextSet()))
	require.NoError(t, c.Put(Key(1, []string{"b"}, opts), sampleContextSet()))

	n, err := c.Prune()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, ok := c.Get(Key(1, []string{"a"}, opts))
	assert.False(t, ok)
}

func TestCacheSurvivesReopen(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	path := filepath.Join(t.TempDir(), "cache.db")
	key := Key(7, []string{"fn_a"}, retrieval.DefaultOptions())

	c, err := Open(path, logger)
	require.NoError(t, err)
	require.NoError(t, c.Put(key, sampleContextSet()))
	require.NoError(t, c.Close())

	c, err = Open(path, logger)
	require.NoError(t, err)
	defer c.Close()

	_, ok := c.Get(key)
	assert.True(t, ok)
}
