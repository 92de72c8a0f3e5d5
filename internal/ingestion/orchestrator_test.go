package ingestion

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parseltongue/parseltongue-go/internal/graph"
	"github.com/parseltongue/parseltongue-go/internal/ledger"
	"github.com/parseltongue/parseltongue-go/internal/models"
)

type fakeSource struct {
	name  string
	nodes []*models.Node
	edges []models.Edge
	err   error
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Extract(ctx context.Context) ([]*models.Node, []models.Edge, error) {
	return f.nodes, f.edges, f.err
}

type fakeEmbedder struct {
	mu    sync.Mutex
	calls int
	fail  map[string]bool // texts that should fail
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.fail[text] {
		return nil, errors.New("provider unavailable")
	}
	return []float32{1, 0, 0}, nil
}

func setupOrchestrator(t *testing.T) (*Orchestrator, *graph.SQLiteStore, *ledger.Ledger) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	store, err := graph.NewSQLiteStore(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	led, err := ledger.NewLedger(store.DB(), logger)
	require.NoError(t, err)

	return NewOrchestrator(store, led, logger), store, led
}

func fnNode(id string) *models.Node {
	return &models.Node{
		ID:          id,
		Kind:        models.NodeKindFunction,
		DisplayName: id,
		Metadata:    models.NodeMetadata{Signature: "fn " + id + "()"},
	}
}

func TestIngestUpsertsAndCounts(t *testing.T) {
	orch, store, led := setupOrchestrator(t)
	ctx := context.Background()

	src := &fakeSource{
		name:  "test",
		nodes: []*models.Node{fnNode("a"), fnNode("b")},
		edges: []models.Edge{{SrcID: "a", DstID: "b", Kind: models.EdgeKindCalls}},
	}

	result, err := orch.Ingest(ctx, src)
	require.NoError(t, err)
	assert.Equal(t, "test", result.Source)
	assert.Equal(t, 2, result.NodeCount)
	assert.Equal(t, 1, result.EdgeCount)
	assert.Equal(t, 0, result.Retired)
	assert.Positive(t, result.Revision)

	node, err := store.GetNode(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, node)

	// Ledger seeded with the embedding text
	row, err := led.Get(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, "fn a()", row.CurrentText)
}

func TestIngestRetiresVanishedNodes(t *testing.T) {
	orch, store, _ := setupOrchestrator(t)
	ctx := context.Background()

	_, err := orch.Ingest(ctx, &fakeSource{name: "test", nodes: []*models.Node{fnNode("a"), fnNode("b")}})
	require.NoError(t, err)

	result, err := orch.Ingest(ctx, &fakeSource{name: "test", nodes: []*models.Node{fnNode("a")}})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Retired)

	gone, err := store.GetNode(ctx, "b")
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestIngestExtractionError(t *testing.T) {
	orch, _, _ := setupOrchestrator(t)

	_, err := orch.Ingest(context.Background(), &fakeSource{name: "bad", err: errors.New("parse error")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "extraction failed")
}

func TestIngestSkipsLockedLedgerRows(t *testing.T) {
	orch, _, led := setupOrchestrator(t)
	ctx := context.Background()

	_, err := orch.Ingest(ctx, &fakeSource{name: "test", nodes: []*models.Node{fnNode("a")}})
	require.NoError(t, err)

	// An in-flight candidate holds the node; re-ingestion must not clobber it
	require.NoError(t, led.Propose(ctx, "cand-1", []models.Change{
		{NodeID: "a", FutureText: "fn a() { new }", Action: models.ActionEdit},
	}))

	_, err = orch.Ingest(ctx, &fakeSource{name: "test", nodes: []*models.Node{fnNode("a")}})
	require.NoError(t, err)

	row, err := led.Get(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, row.FutureText)
	assert.Equal(t, "fn a() { new }", *row.FutureText)
	assert.Equal(t, "cand-1", row.CandidateID)
}

func TestEnrichEmbeddings(t *testing.T) {
	orch, store, _ := setupOrchestrator(t)
	ctx := context.Background()

	_, err := orch.Ingest(ctx, &fakeSource{name: "test", nodes: []*models.Node{fnNode("a"), fnNode("b")}})
	require.NoError(t, err)

	embedder := &fakeEmbedder{}
	result, err := orch.EnrichEmbeddings(ctx, embedder)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Embedded)
	assert.Equal(t, 0, result.Failed)

	missing, err := store.NodesMissingEmbedding(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, missing)

	// A second pass finds nothing to do
	result, err = orch.EnrichEmbeddings(ctx, embedder)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Embedded)
}

func TestEnrichEmbeddingsCountsFailures(t *testing.T) {
	orch, store, _ := setupOrchestrator(t)
	ctx := context.Background()

	_, err := orch.Ingest(ctx, &fakeSource{name: "test", nodes: []*models.Node{fnNode("a"), fnNode("b")}})
	require.NoError(t, err)

	embedder := &fakeEmbedder{fail: map[string]bool{"fn a()": true}}
	result, err := orch.EnrichEmbeddings(ctx, embedder)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Embedded)
	assert.Equal(t, 1, result.Failed)

	// The failed node still lacks an embedding but the pass terminated
	missing, err := store.NodesMissingEmbedding(ctx, 10)
	require.NoError(t, err)
	require.Len(t, missing, 1)
	assert.Equal(t, "a", missing[0].ID)
}

func TestEmbeddingText(t *testing.T) {
	tests := []struct {
		name string
		node *models.Node
		want string
	}{
		{
			name: "signature and doc",
			node: &models.Node{DisplayName: "f", Metadata: models.NodeMetadata{
				Signature: "fn f()", DocSummary: "Does f",
			}},
			want: "fn f()\nDoes f",
		},
		{
			name: "signature only",
			node: &models.Node{DisplayName: "f", Metadata: models.NodeMetadata{Signature: "fn f()"}},
			want: "fn f()",
		},
		{
			name: "doc only",
			node: &models.Node{DisplayName: "f", Metadata: models.NodeMetadata{DocSummary: "Does f"}},
			want: "Does f",
		},
		{
			name: "display name fallback",
			node: &models.Node{DisplayName: "f"},
			want: "f",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, embeddingText(tt.node))
		})
	}
}
