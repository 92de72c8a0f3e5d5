package tools

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/parseltongue/parseltongue-go/internal/models"
)

// Proposer is the slice of the candidate ledger this tool needs
type Proposer interface {
	Propose(ctx context.Context, candidateID string, changes []models.Change) error
}

// ProposeTool implements the parsel.propose tool
type ProposeTool struct {
	ledger Proposer
}

// NewProposeTool creates a new ProposeTool
func NewProposeTool(ledger Proposer) *ProposeTool {
	return &ProposeTool{ledger: ledger}
}

// Execute records a candidate's future texts in the ledger. A missing
// candidate_id gets a fresh one; the id is echoed back either way.
func (t *ProposeTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	candidateID, _ := args["candidate_id"].(string)
	if candidateID == "" {
		candidateID = uuid.New().String()
	}

	rawChanges, ok := args["changes"].([]interface{})
	if !ok || len(rawChanges) == 0 {
		return nil, fmt.Errorf("changes is required and must be a non-empty array")
	}

	changes := make([]models.Change, 0, len(rawChanges))
	for i, raw := range rawChanges {
		m, ok := raw.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("change %d: must be an object", i)
		}
		nodeID, _ := m["node_id"].(string)
		if nodeID == "" {
			return nil, fmt.Errorf("change %d: node_id is required", i)
		}
		action, _ := m["action"].(string)
		if action == "" {
			action = string(models.ActionEdit)
		}
		futureText, _ := m["future_text"].(string)
		if futureText == "" && models.FutureAction(action) != models.ActionDelete {
			return nil, fmt.Errorf("change %d: future_text is required for action %q", i, action)
		}
		changes = append(changes, models.Change{
			NodeID:     nodeID,
			FutureText: futureText,
			Action:     models.FutureAction(action),
		})
	}

	if err := t.ledger.Propose(ctx, candidateID, changes); err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"candidate_id": candidateID,
		"nodes":        len(changes),
		"status":       string(models.StatusPending),
	}, nil
}

// GetSchema describes the tool's arguments
func (t *ProposeTool) GetSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"candidate_id": map[string]interface{}{
				"type":        "string",
				"description": "Candidate id; generated when omitted",
			},
			"changes": map[string]interface{}{
				"type": "array",
				"items": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"node_id":     map[string]interface{}{"type": "string"},
						"future_text": map[string]interface{}{"type": "string"},
						"action": map[string]interface{}{
							"type": "string",
							"enum": []string{"create", "edit", "delete"},
						},
					},
					"required": []string{"node_id"},
				},
				"description": "Future text per targeted node",
			},
		},
		"required": []string{"changes"},
	}
}
