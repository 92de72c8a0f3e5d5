package tools

import (
	"context"
	"fmt"

	"github.com/parseltongue/parseltongue-go/internal/models"
	"github.com/parseltongue/parseltongue-go/internal/retrieval"
)

// Retriever is the slice of the retrieval engine this tool needs
type Retriever interface {
	Retrieve(ctx context.Context, seeds []string, opts retrieval.Options) (*models.ContextSet, error)
}

// RetrieveTool implements the parsel.retrieve tool
type RetrieveTool struct {
	engine      Retriever
	defaultOpts retrieval.Options
}

// NewRetrieveTool creates a new RetrieveTool
func NewRetrieveTool(engine Retriever, defaults retrieval.Options) *RetrieveTool {
	return &RetrieveTool{
		engine:      engine,
		defaultOpts: defaults,
	}
}

// Execute runs a retrieval for the given seed ids
func (t *RetrieveTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	rawSeeds, ok := args["seeds"].([]interface{})
	if !ok || len(rawSeeds) == 0 {
		return nil, fmt.Errorf("seeds is required and must be a non-empty array")
	}
	seeds := make([]string, 0, len(rawSeeds))
	for _, s := range rawSeeds {
		id, ok := s.(string)
		if !ok || id == "" {
			return nil, fmt.Errorf("seeds must be non-empty strings")
		}
		seeds = append(seeds, id)
	}

	opts := t.defaultOpts
	if v, ok := args["max_hops"].(float64); ok && v > 0 {
		opts.MaxHops = int(v)
	}
	if v, ok := args["max_total_nodes"].(float64); ok && v > 0 {
		opts.MaxTotalNodes = int(v)
	}
	if v, ok := args["vector_k"].(float64); ok && v > 0 {
		opts.VectorK = int(v)
	}
	if kinds, ok := args["edge_kinds"].([]interface{}); ok && len(kinds) > 0 {
		opts.EdgeKinds = opts.EdgeKinds[:0]
		for _, k := range kinds {
			s, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("edge_kinds must be strings")
			}
			kind, err := models.ParseEdgeKind(s)
			if err != nil {
				return nil, err
			}
			opts.EdgeKinds = append(opts.EdgeKinds, kind)
		}
	}

	cs, err := t.engine.Retrieve(ctx, seeds, opts)
	if err != nil {
		return nil, err
	}
	return cs, nil
}

// GetSchema describes the tool's arguments
func (t *RetrieveTool) GetSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"seeds": map[string]interface{}{
				"type":        "array",
				"items":       map[string]interface{}{"type": "string"},
				"description": "Node ids to expand from",
			},
			"max_hops": map[string]interface{}{
				"type":        "integer",
				"description": "Graph traversal depth limit",
			},
			"max_total_nodes": map[string]interface{}{
				"type":        "integer",
				"description": "Cap on nodes in the returned context set",
			},
			"vector_k": map[string]interface{}{
				"type":        "integer",
				"description": "Nearest neighbours per seed in the vector leg",
			},
			"edge_kinds": map[string]interface{}{
				"type":        "array",
				"items":       map[string]interface{}{"type": "string"},
				"description": "Edge kinds the graph leg may follow",
			},
		},
		"required": []string{"seeds"},
	}
}
