package tools

import (
	"context"
	"fmt"

	"github.com/parseltongue/parseltongue-go/internal/models"
)

// LedgerReader is the slice of the candidate ledger this tool needs
type LedgerReader interface {
	Status(ctx context.Context, candidateID string) (models.ValidationStatus, error)
	Rows(ctx context.Context, candidateID string) ([]models.CandidateLedgerRow, error)
}

// CandidateStatusTool implements the parsel.candidate_status tool
type CandidateStatusTool struct {
	ledger LedgerReader
}

// NewCandidateStatusTool creates a new CandidateStatusTool
func NewCandidateStatusTool(ledger LedgerReader) *CandidateStatusTool {
	return &CandidateStatusTool{ledger: ledger}
}

// Execute reports the validation status of a candidate and its rows
func (t *CandidateStatusTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	candidateID, ok := args["candidate_id"].(string)
	if !ok || candidateID == "" {
		return nil, fmt.Errorf("candidate_id is required")
	}

	status, err := t.ledger.Status(ctx, candidateID)
	if err != nil {
		return nil, err
	}
	rows, err := t.ledger.Rows(ctx, candidateID)
	if err != nil {
		return nil, err
	}

	nodes := make([]map[string]interface{}, 0, len(rows))
	for i := range rows {
		nodes = append(nodes, map[string]interface{}{
			"node_id": rows[i].NodeID,
			"action":  string(rows[i].FutureAction),
			"status":  string(rows[i].ValidationStatus),
		})
	}

	return map[string]interface{}{
		"candidate_id": candidateID,
		"status":       string(status),
		"nodes":        nodes,
	}, nil
}

// GetSchema describes the tool's arguments
func (t *CandidateStatusTool) GetSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"candidate_id": map[string]interface{}{
				"type":        "string",
				"description": "Candidate id to inspect",
			},
		},
		"required": []string{"candidate_id"},
	}
}
