package retrieval

import (
	"context"
	"fmt"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parseltongue/parseltongue-go/internal/graph"
	"github.com/parseltongue/parseltongue-go/internal/models"
)

func setupTestStore(t *testing.T) graph.Store {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	store, err := graph.NewSQLiteStore(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func addNode(t *testing.T, store graph.Store, id string, kind models.NodeKind) {
	t.Helper()
	require.NoError(t, store.UpsertNodes(context.Background(), []*models.Node{{
		ID:          id,
		Kind:        kind,
		DisplayName: id,
		Metadata:    models.NodeMetadata{Signature: "fn " + id + "()"},
	}}))
}

func addEdge(t *testing.T, store graph.Store, src, dst string, kind models.EdgeKind) {
	t.Helper()
	require.NoError(t, store.UpsertEdges(context.Background(), []models.Edge{
		{SrcID: src, DstID: dst, Kind: kind},
	}))
}

func newTestEngine(store graph.Store) *Engine {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return NewEngine(store, nil, logger)
}

func TestRetrieveNoSeeds(t *testing.T) {
	engine := newTestEngine(setupTestStore(t))

	_, err := engine.Retrieve(context.Background(), nil, Options{})
	assert.ErrorIs(t, err, ErrNoSeeds)
}

func TestRetrieveAllSeedsMissing(t *testing.T) {
	engine := newTestEngine(setupTestStore(t))

	_, err := engine.Retrieve(context.Background(), []string{"ghost"}, Options{})
	assert.ErrorIs(t, err, ErrAllSeedsMissing)
}

func TestRetrieveMissingSeedWarns(t *testing.T) {
	store := setupTestStore(t)
	addNode(t, store, "a", models.NodeKindFunction)
	engine := newTestEngine(store)

	cs, err := engine.Retrieve(context.Background(), []string{"a", "ghost"}, Options{})
	require.NoError(t, err)
	require.Len(t, cs.Warnings, 1)
	assert.Contains(t, cs.Warnings[0], "ghost")
	require.Len(t, cs.Nodes, 1)
	assert.Equal(t, "a", cs.Nodes[0].Node.ID)
	assert.Equal(t, "seed", cs.Nodes[0].Evidence.Reason)
}

func TestRetrieveGraphExpansion(t *testing.T) {
	store := setupTestStore(t)
	addNode(t, store, "login", models.NodeKindFunction)
	addNode(t, store, "hash_password", models.NodeKindFunction)
	addNode(t, store, "store_session", models.NodeKindFunction)
	addNode(t, store, "db_write", models.NodeKindFunction)
	addEdge(t, store, "login", "hash_password", models.EdgeKindCalls)
	addEdge(t, store, "login", "store_session", models.EdgeKindCalls)
	addEdge(t, store, "store_session", "db_write", models.EdgeKindCalls)
	engine := newTestEngine(store)

	cs, err := engine.Retrieve(context.Background(), []string{"login"}, Options{MaxHops: 2})
	require.NoError(t, err)
	require.Len(t, cs.Nodes, 4)

	// Seed ranks first, one-hop before two-hop
	assert.Equal(t, "login", cs.Nodes[0].Node.ID)
	assert.Equal(t, 0, cs.Nodes[0].Evidence.HopDistance)

	byID := map[string]models.Evidence{}
	for _, sn := range cs.Nodes {
		byID[sn.Node.ID] = sn.Evidence
	}
	assert.Equal(t, 1, byID["hash_password"].HopDistance)
	assert.Equal(t, 1, byID["store_session"].HopDistance)
	assert.Equal(t, 2, byID["db_write"].HopDistance)
	assert.Equal(t, models.EdgeKindCalls, byID["db_write"].ViaEdge)
	assert.Equal(t, "graph", byID["db_write"].Reason)

	// Only edges among returned nodes appear
	assert.Len(t, cs.Edges, 3)
}

func TestRetrieveHopLimit(t *testing.T) {
	store := setupTestStore(t)
	addNode(t, store, "a", models.NodeKindFunction)
	addNode(t, store, "b", models.NodeKindFunction)
	addNode(t, store, "c", models.NodeKindFunction)
	addEdge(t, store, "a", "b", models.EdgeKindCalls)
	addEdge(t, store, "b", "c", models.EdgeKindCalls)
	engine := newTestEngine(store)

	cs, err := engine.Retrieve(context.Background(), []string{"a"}, Options{MaxHops: 1})
	require.NoError(t, err)
	require.Len(t, cs.Nodes, 2)
	for _, sn := range cs.Nodes {
		assert.NotEqual(t, "c", sn.Node.ID)
	}
}

func TestRetrieveCycleTerminates(t *testing.T) {
	store := setupTestStore(t)
	addNode(t, store, "a", models.NodeKindFunction)
	addNode(t, store, "b", models.NodeKindFunction)
	addNode(t, store, "c", models.NodeKindFunction)
	addEdge(t, store, "a", "b", models.EdgeKindCalls)
	addEdge(t, store, "b", "c", models.EdgeKindCalls)
	addEdge(t, store, "c", "a", models.EdgeKindCalls)
	engine := newTestEngine(store)

	cs, err := engine.Retrieve(context.Background(), []string{"a"}, Options{MaxHops: 10})
	require.NoError(t, err)
	assert.Len(t, cs.Nodes, 3)
}

func TestRetrieveDeterministic(t *testing.T) {
	store := setupTestStore(t)
	for i := 0; i < 20; i++ {
		addNode(t, store, fmt.Sprintf("n%02d", i), models.NodeKindFunction)
	}
	for i := 1; i < 20; i++ {
		addEdge(t, store, "n00", fmt.Sprintf("n%02d", i), models.EdgeKindCalls)
	}
	engine := newTestEngine(store)

	opts := Options{MaxHops: 2, PerHopCap: 5, MaxTotalNodes: 6}
	first, err := engine.Retrieve(context.Background(), []string{"n00"}, opts)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		again, err := engine.Retrieve(context.Background(), []string{"n00"}, opts)
		require.NoError(t, err)
		require.Equal(t, len(first.Nodes), len(again.Nodes))
		for j := range first.Nodes {
			assert.Equal(t, first.Nodes[j].Node.ID, again.Nodes[j].Node.ID)
			assert.Equal(t, first.Nodes[j].Score, again.Nodes[j].Score)
		}
	}
}

func TestRetrievePerHopCapPrefersKindThenID(t *testing.T) {
	store := setupTestStore(t)
	addNode(t, store, "seed", models.NodeKindFunction)
	addNode(t, store, "aaa_module", models.NodeKindModule)
	addNode(t, store, "zzz_func", models.NodeKindFunction)
	addNode(t, store, "mmm_type", models.NodeKindType)
	addEdge(t, store, "seed", "aaa_module", models.EdgeKindCalls)
	addEdge(t, store, "seed", "zzz_func", models.EdgeKindCalls)
	addEdge(t, store, "seed", "mmm_type", models.EdgeKindCalls)
	engine := newTestEngine(store)

	// Cap of 2 admits the function and the type, never the module
	cs, err := engine.Retrieve(context.Background(), []string{"seed"}, Options{MaxHops: 1, PerHopCap: 2})
	require.NoError(t, err)
	ids := map[string]bool{}
	for _, sn := range cs.Nodes {
		ids[sn.Node.ID] = true
	}
	assert.True(t, ids["zzz_func"])
	assert.True(t, ids["mmm_type"])
	assert.False(t, ids["aaa_module"])
}

func TestRetrieveBudgetTruncatesByScore(t *testing.T) {
	store := setupTestStore(t)
	addNode(t, store, "seed", models.NodeKindFunction)
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("hop1_%d", i)
		addNode(t, store, id, models.NodeKindFunction)
		addEdge(t, store, "seed", id, models.EdgeKindCalls)
	}
	engine := newTestEngine(store)

	cs, err := engine.Retrieve(context.Background(), []string{"seed"}, Options{MaxHops: 1, MaxTotalNodes: 4})
	require.NoError(t, err)
	require.Len(t, cs.Nodes, 4)
	assert.Equal(t, "seed", cs.Nodes[0].Node.ID, "seed outranks every expansion")
}

func TestRetrieveEdgeKindFilter(t *testing.T) {
	store := setupTestStore(t)
	addNode(t, store, "a", models.NodeKindFunction)
	addNode(t, store, "b", models.NodeKindFunction)
	addNode(t, store, "gated", models.NodeKindFunction)
	addEdge(t, store, "a", "b", models.EdgeKindCalls)
	addEdge(t, store, "a", "gated", models.EdgeKindFeatureGatedBy)
	engine := newTestEngine(store)

	cs, err := engine.Retrieve(context.Background(), []string{"a"}, Options{
		MaxHops:   2,
		EdgeKinds: []models.EdgeKind{models.EdgeKindCalls},
	})
	require.NoError(t, err)
	require.Len(t, cs.Nodes, 2)
	for _, sn := range cs.Nodes {
		assert.NotEqual(t, "gated", sn.Node.ID)
	}
}

func TestRetrieveHybridMerge(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	addNode(t, store, "seed", models.NodeKindFunction)
	addNode(t, store, "called", models.NodeKindFunction)
	addNode(t, store, "similar", models.NodeKindFunction)
	addNode(t, store, "both", models.NodeKindFunction)
	addEdge(t, store, "seed", "called", models.EdgeKindCalls)
	addEdge(t, store, "seed", "both", models.EdgeKindCalls)

	require.NoError(t, store.SetEmbedding(ctx, "seed", []float32{1, 0}))
	require.NoError(t, store.SetEmbedding(ctx, "similar", []float32{0.95, 0.05}))
	require.NoError(t, store.SetEmbedding(ctx, "both", []float32{0.9, 0.1}))
	require.NoError(t, store.SetEmbedding(ctx, "called", []float32{0, 1}))

	engine := newTestEngine(store)
	cs, err := engine.Retrieve(ctx, []string{"seed"}, Options{MaxHops: 1, VectorK: 3})
	require.NoError(t, err)

	byID := map[string]models.Evidence{}
	for _, sn := range cs.Nodes {
		byID[sn.Node.ID] = sn.Evidence
	}

	require.Contains(t, byID, "similar")
	assert.Equal(t, "vector", byID["similar"].Reason)
	assert.Equal(t, -1, byID["similar"].HopDistance)

	require.Contains(t, byID, "both")
	assert.Equal(t, "graph+vector", byID["both"].Reason)
	assert.Equal(t, 1, byID["both"].HopDistance)
	assert.GreaterOrEqual(t, byID["both"].VectorDistance, 0.0)
}

func TestRetrieveVectorLegSkippedWithoutIndex(t *testing.T) {
	store := setupTestStore(t)
	addNode(t, store, "a", models.NodeKindFunction)
	engine := newTestEngine(store)

	// Node has no embedding and engine has no embedder: graph-only, no error
	cs, err := engine.Retrieve(context.Background(), []string{"a"}, Options{})
	require.NoError(t, err)
	assert.Len(t, cs.Nodes, 1)
}

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()
	assert.Equal(t, 2, opts.MaxHops)
	assert.Equal(t, []models.EdgeKind{models.EdgeKindCalls, models.EdgeKindDepends}, opts.EdgeKinds)
	assert.Equal(t, 30, opts.PerHopCap)
	assert.Equal(t, 15, opts.VectorK)
	assert.Equal(t, 50, opts.MaxTotalNodes)
	assert.InDelta(t, 0.6, opts.GraphWeight, 1e-9)
	assert.InDelta(t, 0.4, opts.VectorWeight, 1e-9)
}

type constEmbedder struct {
	vec []float32
}

func (c *constEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return c.vec, nil
}

func TestRetrieveIndexNotBuiltWarnsOnce(t *testing.T) {
	store := setupTestStore(t)
	addNode(t, store, "a", models.NodeKindFunction)
	addNode(t, store, "b", models.NodeKindFunction)

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	engine := NewEngine(store, &constEmbedder{vec: []float32{1, 0}}, logger)

	// Both seeds hit the empty index; the warning must not repeat per seed
	cs, err := engine.Retrieve(context.Background(), []string{"a", "b"}, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"vector index not built; graph-only retrieval"}, cs.Warnings)
}
