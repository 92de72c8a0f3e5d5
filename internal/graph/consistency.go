package graph

import (
	"context"
	"fmt"
	"log/slog"
)

// ConsistencyResult contains the results of one consistency check
type ConsistencyResult struct {
	Check   string
	Count   int64
	Passed  bool
	Details string
}

// ConsistencyValidator scans the graph store for structural violations:
// edges pointing at retired nodes and parent links that escaped the
// forest invariant.
type ConsistencyValidator struct {
	store  Store
	logger *slog.Logger
}

// NewConsistencyValidator creates a new consistency validator
func NewConsistencyValidator(store Store) *ConsistencyValidator {
	return &ConsistencyValidator{
		store:  store,
		logger: slog.Default().With("component", "consistency"),
	}
}

// Validate runs all graph checks and returns one result per check
func (v *ConsistencyValidator) Validate(ctx context.Context) ([]ConsistencyResult, error) {
	var results []ConsistencyResult

	orphans, err := v.checkOrphanEdges(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to validate edges: %w", err)
	}
	results = append(results, orphans)

	parents, err := v.checkParentForest(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to validate parent hierarchy: %w", err)
	}
	results = append(results, parents)

	for _, r := range results {
		if !r.Passed {
			v.logger.Warn("consistency check failed",
				"check", r.Check, "count", r.Count, "details", r.Details)
		}
	}
	return results, nil
}

// checkOrphanEdges counts edges whose endpoints no longer resolve. Orphans
// are expected transiently (retired ids are pruned lazily) but a large
// count after a full traversal pass indicates a retire bug.
func (v *ConsistencyValidator) checkOrphanEdges(ctx context.Context) (ConsistencyResult, error) {
	nodes, err := v.store.AllNodes(ctx)
	if err != nil {
		return ConsistencyResult{}, err
	}
	ids := make(map[string]struct{}, len(nodes))
	for _, n := range nodes {
		ids[n.ID] = struct{}{}
	}

	edges, err := v.store.AllEdges(ctx)
	if err != nil {
		return ConsistencyResult{}, err
	}

	var orphaned int64
	var sample string
	for _, e := range edges {
		_, srcOK := ids[e.SrcID]
		_, dstOK := ids[e.DstID]
		if !srcOK || !dstOK {
			orphaned++
			if sample == "" {
				sample = fmt.Sprintf("%s -[%s]-> %s", e.SrcID, e.Kind, e.DstID)
			}
		}
	}

	return ConsistencyResult{
		Check:   "orphan_edges",
		Count:   orphaned,
		Passed:  orphaned == 0,
		Details: sample,
	}, nil
}

// checkParentForest verifies no parent chain cycles exist in stored data
func (v *ConsistencyValidator) checkParentForest(ctx context.Context) (ConsistencyResult, error) {
	nodes, err := v.store.AllNodes(ctx)
	if err != nil {
		return ConsistencyResult{}, err
	}
	parents := make(map[string]string, len(nodes))
	for _, n := range nodes {
		parents[n.ID] = n.ParentID
	}

	var cycles int64
	var sample string
	for id := range parents {
		seen := map[string]struct{}{}
		current := id
		for current != "" {
			if _, dup := seen[current]; dup {
				cycles++
				if sample == "" {
					sample = current
				}
				break
			}
			seen[current] = struct{}{}
			current = parents[current]
		}
	}

	return ConsistencyResult{
		Check:   "parent_forest",
		Count:   cycles,
		Passed:  cycles == 0,
		Details: sample,
	}, nil
}
