package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parseltongue/parseltongue-go/internal/models"
	"github.com/parseltongue/parseltongue-go/internal/retrieval"
)

type fakeRetriever struct {
	gotSeeds []string
	gotOpts  retrieval.Options
	result   *models.ContextSet
	err      error
}

func (f *fakeRetriever) Retrieve(ctx context.Context, seeds []string, opts retrieval.Options) (*models.ContextSet, error) {
	f.gotSeeds = seeds
	f.gotOpts = opts
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &models.ContextSet{}, nil
}

type fakeProposer struct {
	gotID      string
	gotChanges []models.Change
	err        error
}

func (f *fakeProposer) Propose(ctx context.Context, candidateID string, changes []models.Change) error {
	f.gotID = candidateID
	f.gotChanges = changes
	return f.err
}

type fakeLedgerReader struct {
	status models.ValidationStatus
	rows   []models.CandidateLedgerRow
	err    error
}

func (f *fakeLedgerReader) Status(ctx context.Context, candidateID string) (models.ValidationStatus, error) {
	return f.status, f.err
}

func (f *fakeLedgerReader) Rows(ctx context.Context, candidateID string) ([]models.CandidateLedgerRow, error) {
	return f.rows, f.err
}

func TestRetrieveToolParsesArgs(t *testing.T) {
	engine := &fakeRetriever{}
	tool := NewRetrieveTool(engine, retrieval.DefaultOptions())

	_, err := tool.Execute(context.Background(), map[string]interface{}{
		"seeds":           []interface{}{"fn_a", "fn_b"},
		"max_hops":        float64(3),
		"max_total_nodes": float64(20),
		"vector_k":        float64(5),
		"edge_kinds":      []interface{}{"calls", "implements"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"fn_a", "fn_b"}, engine.gotSeeds)
	assert.Equal(t, 3, engine.gotOpts.MaxHops)
	assert.Equal(t, 20, engine.gotOpts.MaxTotalNodes)
	assert.Equal(t, 5, engine.gotOpts.VectorK)
	assert.Equal(t, []models.EdgeKind{models.EdgeKindCalls, models.EdgeKindImplements}, engine.gotOpts.EdgeKinds)
}

func TestRetrieveToolDefaults(t *testing.T) {
	engine := &fakeRetriever{}
	defaults := retrieval.DefaultOptions()
	tool := NewRetrieveTool(engine, defaults)

	_, err := tool.Execute(context.Background(), map[string]interface{}{
		"seeds": []interface{}{"fn_a"},
	})
	require.NoError(t, err)
	assert.Equal(t, defaults.MaxHops, engine.gotOpts.MaxHops)
	assert.Equal(t, defaults.VectorK, engine.gotOpts.VectorK)
}

func TestRetrieveToolRejectsBadSeeds(t *testing.T) {
	tool := NewRetrieveTool(&fakeRetriever{}, retrieval.DefaultOptions())

	_, err := tool.Execute(context.Background(), map[string]interface{}{})
	assert.Error(t, err)

	_, err = tool.Execute(context.Background(), map[string]interface{}{
		"seeds": []interface{}{42},
	})
	assert.Error(t, err)
}

func TestRetrieveToolRejectsBadEdgeKind(t *testing.T) {
	tool := NewRetrieveTool(&fakeRetriever{}, retrieval.DefaultOptions())

	_, err := tool.Execute(context.Background(), map[string]interface{}{
		"seeds":      []interface{}{"fn_a"},
		"edge_kinds": []interface{}{"teleports"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown edge kind")
}

func TestProposeToolGeneratesCandidateID(t *testing.T) {
	proposer := &fakeProposer{}
	tool := NewProposeTool(proposer)

	result, err := tool.Execute(context.Background(), map[string]interface{}{
		"changes": []interface{}{
			map[string]interface{}{"node_id": "fn_a", "future_text": "fn a() {}"},
		},
	})
	require.NoError(t, err)

	out := result.(map[string]interface{})
	assert.NotEmpty(t, out["candidate_id"])
	assert.Equal(t, out["candidate_id"], proposer.gotID)
	assert.Equal(t, "pending", out["status"])

	require.Len(t, proposer.gotChanges, 1)
	assert.Equal(t, models.ActionEdit, proposer.gotChanges[0].Action, "edit is the default action")
}

func TestProposeToolEchoesGivenCandidateID(t *testing.T) {
	proposer := &fakeProposer{}
	tool := NewProposeTool(proposer)

	result, err := tool.Execute(context.Background(), map[string]interface{}{
		"candidate_id": "cand-42",
		"changes": []interface{}{
			map[string]interface{}{"node_id": "fn_a", "action": "delete"},
		},
	})
	require.NoError(t, err)

	out := result.(map[string]interface{})
	assert.Equal(t, "cand-42", out["candidate_id"])
	assert.Equal(t, models.ActionDelete, proposer.gotChanges[0].Action)
}

func TestProposeToolValidation(t *testing.T) {
	tool := NewProposeTool(&fakeProposer{})

	// No changes
	_, err := tool.Execute(context.Background(), map[string]interface{}{})
	assert.Error(t, err)

	// Missing node id
	_, err = tool.Execute(context.Background(), map[string]interface{}{
		"changes": []interface{}{map[string]interface{}{"future_text": "x"}},
	})
	assert.Error(t, err)

	// Edit without future text
	_, err = tool.Execute(context.Background(), map[string]interface{}{
		"changes": []interface{}{map[string]interface{}{"node_id": "fn_a"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "future_text is required")
}

func TestCandidateStatusTool(t *testing.T) {
	future := "fn a() { new }"
	reader := &fakeLedgerReader{
		status: models.StatusStage1Passed,
		rows: []models.CandidateLedgerRow{{
			NodeID:           "fn_a",
			FutureText:       &future,
			FutureAction:     models.ActionEdit,
			ValidationStatus: models.StatusStage1Passed,
		}},
	}
	tool := NewCandidateStatusTool(reader)

	result, err := tool.Execute(context.Background(), map[string]interface{}{
		"candidate_id": "cand-1",
	})
	require.NoError(t, err)

	out := result.(map[string]interface{})
	assert.Equal(t, "stage1_passed", out["status"])
	nodes := out["nodes"].([]map[string]interface{})
	require.Len(t, nodes, 1)
	assert.Equal(t, "fn_a", nodes[0]["node_id"])
	assert.Equal(t, "edit", nodes[0]["action"])
}

func TestCandidateStatusToolRequiresID(t *testing.T) {
	tool := NewCandidateStatusTool(&fakeLedgerReader{})

	_, err := tool.Execute(context.Background(), map[string]interface{}{})
	assert.Error(t, err)
}
