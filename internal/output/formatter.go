package output

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/parseltongue/parseltongue-go/internal/models"
)

// Formatter renders retrieval and validation artifacts as terminal text
// or machine-readable JSON
type Formatter struct {
	w      io.Writer
	asJSON bool
}

// NewFormatter creates a formatter writing to w
func NewFormatter(w io.Writer, asJSON bool) *Formatter {
	return &Formatter{w: w, asJSON: asJSON}
}

func (f *Formatter) encode(v interface{}) error {
	enc := json.NewEncoder(f.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ContextSet renders a retrieval result: warnings first, then one line per
// node with its score, kind, and admission evidence
func (f *Formatter) ContextSet(cs *models.ContextSet) error {
	if f.asJSON {
		return f.encode(cs)
	}

	for _, w := range cs.Warnings {
		fmt.Fprintf(f.w, "⚠️  %s\n", w)
	}
	fmt.Fprintf(f.w, "Context set: %d nodes, %d edges\n\n", len(cs.Nodes), len(cs.Edges))
	for _, sn := range cs.Nodes {
		fmt.Fprintf(f.w, "  %.3f  %-10s %s", sn.Score, sn.Node.Kind, sn.Node.ID)
		switch sn.Evidence.Reason {
		case "seed":
			fmt.Fprintf(f.w, "  (seed)")
		case "graph", "graph+vector":
			fmt.Fprintf(f.w, "  (%s, %d hop(s) from %s via %s)",
				sn.Evidence.Reason, sn.Evidence.HopDistance, sn.Evidence.SeedID, sn.Evidence.ViaEdge)
		case "vector":
			fmt.Fprintf(f.w, "  (vector, distance %.3f from %s)",
				sn.Evidence.VectorDistance, sn.Evidence.SeedID)
		}
		fmt.Fprintln(f.w)
	}
	return nil
}

// FailureReport renders a failed validation run, one item per finding
// with its location, test id, and implicated nodes
func (f *Formatter) FailureReport(report *models.FailureReport) error {
	if f.asJSON {
		return f.encode(report)
	}

	fmt.Fprintf(f.w, "Candidate %s failed at stage %s ❌\n\n", report.CandidateID, report.Stage)
	for _, item := range report.Items {
		fmt.Fprintf(f.w, "  • %s\n", item.Message)
		if item.Location != nil {
			fmt.Fprintf(f.w, "    at %s:%d\n", item.Location.Path, item.Location.Line)
		}
		if item.TestID != "" {
			fmt.Fprintf(f.w, "    test %s\n", item.TestID)
		}
		if len(item.NodeIDs) > 0 {
			fmt.Fprintf(f.w, "    nodes: %s\n", strings.Join(item.NodeIDs, ", "))
		}
	}
	fmt.Fprintf(f.w, "\nFix the future texts and re-propose, or run: parsel discard %s\n", report.CandidateID)
	return nil
}

// CandidateStatus renders a candidate's shared status and per-node rows
func (f *Formatter) CandidateStatus(candidateID string, status models.ValidationStatus, rows []models.CandidateLedgerRow) error {
	if f.asJSON {
		type nodeState struct {
			NodeID string `json:"node_id"`
			Action string `json:"action"`
			Status string `json:"status"`
		}
		out := struct {
			CandidateID string      `json:"candidate_id"`
			Status      string      `json:"status"`
			Nodes       []nodeState `json:"nodes"`
		}{CandidateID: candidateID, Status: string(status)}
		for i := range rows {
			out.Nodes = append(out.Nodes, nodeState{
				NodeID: rows[i].NodeID,
				Action: string(rows[i].FutureAction),
				Status: string(rows[i].ValidationStatus),
			})
		}
		return f.encode(out)
	}

	fmt.Fprintf(f.w, "Candidate %s: %s\n", candidateID, status)
	for i := range rows {
		fmt.Fprintf(f.w, "  %-8s %-14s %s\n",
			rows[i].FutureAction, rows[i].ValidationStatus, rows[i].NodeID)
	}
	return nil
}

// CommitRecord renders the outcome of a successful commit
func (f *Formatter) CommitRecord(rec *models.CommitRecord, listNodes bool) error {
	if f.asJSON {
		return f.encode(rec)
	}

	fmt.Fprintf(f.w, "Candidate %s committed as %s (%d node(s))\n",
		rec.CandidateID, rec.CommitRef, len(rec.NodeIDs))
	if listNodes {
		fmt.Fprintf(f.w, "  nodes: %s\n", strings.Join(rec.NodeIDs, ", "))
	}
	return nil
}
