package models

import (
	"fmt"
	"time"
)

// NodeKind classifies an interface node in the signature graph
type NodeKind string

const (
	NodeKindModule    NodeKind = "module"
	NodeKindType      NodeKind = "type"
	NodeKindTrait     NodeKind = "trait"
	NodeKindFunction  NodeKind = "function"
	NodeKindStatement NodeKind = "statement"
)

// ParseNodeKind converts a string to a NodeKind, rejecting unknown values.
func ParseNodeKind(s string) (NodeKind, error) {
	switch NodeKind(s) {
	case NodeKindModule, NodeKindType, NodeKindTrait, NodeKindFunction, NodeKindStatement:
		return NodeKind(s), nil
	default:
		return "", fmt.Errorf("unknown node kind %q", s)
	}
}

// EdgeKind classifies a directed relationship between two nodes
type EdgeKind string

const (
	EdgeKindCalls          EdgeKind = "calls"
	EdgeKindDepends        EdgeKind = "depends"
	EdgeKindImplements     EdgeKind = "implements"
	EdgeKindContains       EdgeKind = "contains"
	EdgeKindFeatureGatedBy EdgeKind = "feature_gated_by"
)

// ParseEdgeKind converts a string to an EdgeKind, rejecting unknown values.
func ParseEdgeKind(s string) (EdgeKind, error) {
	switch EdgeKind(s) {
	case EdgeKindCalls, EdgeKindDepends, EdgeKindImplements, EdgeKindContains, EdgeKindFeatureGatedBy:
		return EdgeKind(s), nil
	default:
		return "", fmt.Errorf("unknown edge kind %q", s)
	}
}

// NodeMetadata is the opaque structured payload attached to a node.
// File/StartLine/EndLine locate the item's current span for diagnostic
// mapping; the node id itself never depends on line numbers.
type NodeMetadata struct {
	Signature   string `json:"signature,omitempty" yaml:"signature,omitempty"`
	Visibility  string `json:"visibility,omitempty" yaml:"visibility,omitempty"`
	FeatureGate string `json:"feature_gate,omitempty" yaml:"feature_gate,omitempty"`
	DocSummary  string `json:"doc_summary,omitempty" yaml:"doc_summary,omitempty"`
	File        string `json:"file,omitempty" yaml:"file,omitempty"`
	StartLine   int    `json:"start_line,omitempty" yaml:"start_line,omitempty"`
	EndLine     int    `json:"end_line,omitempty" yaml:"end_line,omitempty"`
	IsTest      bool   `json:"is_test,omitempty" yaml:"is_test,omitempty"`
}

// Node represents one code interface (function, type, trait, module, or
// statement-level unit). The id is derived from file path + enclosing-scope
// chain + item name, so it survives reformatting.
type Node struct {
	ID          string       `json:"id" db:"id" yaml:"id"`
	Kind        NodeKind     `json:"kind" db:"kind" yaml:"kind"`
	ParentID    string       `json:"parent_id,omitempty" db:"parent_id" yaml:"parent_id,omitempty"`
	DisplayName string       `json:"display_name" db:"display_name" yaml:"display_name"`
	Metadata    NodeMetadata `json:"metadata" yaml:"metadata"`
	Embedding   []float32    `json:"embedding,omitempty" yaml:"-"`
}

// Edge represents a directed, typed relationship between two nodes.
// (SrcID, DstID, Kind) is unique; duplicate inserts are no-ops.
type Edge struct {
	SrcID    string   `json:"src_id" db:"src_id" yaml:"src_id"`
	DstID    string   `json:"dst_id" db:"dst_id" yaml:"dst_id"`
	Kind     EdgeKind `json:"kind" db:"kind" yaml:"kind"`
	Level    int      `json:"level" db:"level" yaml:"level,omitempty"`
	Metadata string   `json:"metadata,omitempty" db:"metadata" yaml:"metadata,omitempty"`
}

// FutureAction describes what a pending candidate does to a node's text
type FutureAction string

const (
	ActionNone   FutureAction = "none"
	ActionCreate FutureAction = "create"
	ActionEdit   FutureAction = "edit"
	ActionDelete FutureAction = "delete"
)

// ValidationStatus tracks a candidate through the validation stages
type ValidationStatus string

const (
	StatusPending      ValidationStatus = "pending"
	StatusStage1Passed ValidationStatus = "stage1_passed"
	StatusStage2Passed ValidationStatus = "stage2_passed"
	StatusAllPassed    ValidationStatus = "all_passed"
	StatusFailed       ValidationStatus = "failed"
)

// Terminal reports whether no further stage transitions are legal
func (s ValidationStatus) Terminal() bool {
	return s == StatusAllPassed || s == StatusFailed
}

// InFlight reports whether the row holds a live, not-yet-resolved proposal.
// In-flight rows lock their node against competing candidates.
func (s ValidationStatus) InFlight() bool {
	return s == StatusPending || s == StatusStage1Passed || s == StatusStage2Passed
}

// CandidateLedgerRow is one row of the candidate ledger: the last validated
// text for a node plus at most one pending replacement. The ledger is the
// only table any process may write code text into.
type CandidateLedgerRow struct {
	NodeID            string           `json:"node_id" db:"node_id"`
	CurrentText       string           `json:"current_text" db:"current_text"`
	FutureText        *string          `json:"future_text,omitempty" db:"future_text"`
	FutureAction      FutureAction     `json:"future_action" db:"future_action"`
	ValidationStatus  ValidationStatus `json:"validation_status" db:"validation_status"`
	CandidateID       string           `json:"candidate_id,omitempty" db:"candidate_id"`
	LastAppliedCommit string           `json:"last_applied_commit,omitempty" db:"last_applied_commit"`
	UpdatedAt         time.Time        `json:"updated_at" db:"updated_at"`
}

// Evidence records why a node was admitted into a context set
type Evidence struct {
	SeedID         string   `json:"seed_id"`
	HopDistance    int      `json:"hop_distance"`            // -1 when reached by vector search only
	ViaEdge        EdgeKind `json:"via_edge,omitempty"`      // edge kind of the admitting hop
	VectorDistance float64  `json:"vector_distance"`         // -1 when reached by graph only
	Reason         string   `json:"reason"`                  // "seed", "graph", "vector", "graph+vector"
}

// ScoredNode pairs a retrieved node with its combined score and evidence
type ScoredNode struct {
	Node     *Node    `json:"node"`
	Score    float64  `json:"score"`
	Evidence Evidence `json:"evidence"`
}

// ContextSet is the result of a hybrid retrieval: a ranked, budgeted node
// set plus the edges among the returned nodes. Ordering is deterministic
// for a fixed store snapshot and fixed options.
type ContextSet struct {
	Nodes    []ScoredNode `json:"nodes"`
	Edges    []Edge       `json:"edges"`
	Warnings []string     `json:"warnings,omitempty"`
}

// NodeIDs returns the ids of the retrieved nodes in rank order
func (cs *ContextSet) NodeIDs() []string {
	ids := make([]string, 0, len(cs.Nodes))
	for _, sn := range cs.Nodes {
		ids = append(ids, sn.Node.ID)
	}
	return ids
}

// DiagnosticSeverity mirrors the severity levels of the external checker
type DiagnosticSeverity string

const (
	SeverityError   DiagnosticSeverity = "error"
	SeverityWarning DiagnosticSeverity = "warning"
	SeverityInfo    DiagnosticSeverity = "info"
)

// Location is a position inside a source buffer
type Location struct {
	Path   string `json:"path"`
	Line   int    `json:"line"`
	Column int    `json:"column,omitempty"`
}

// Diagnostic is one finding from the in-memory checker
type Diagnostic struct {
	Severity DiagnosticSeverity `json:"severity"`
	Location Location           `json:"location"`
	Message  string             `json:"message"`
}

// CompileResult is the outcome of a compiler check on a workspace copy
type CompileResult struct {
	Success bool     `json:"success"`
	Errors  []string `json:"errors,omitempty"`
}

// TestResult is the outcome of a selective test run
type TestResult struct {
	Passed   []string `json:"passed"`
	Failed   []string `json:"failed"`
	TimedOut []string `json:"timed_out"`
}

// Clean reports whether the run had no failures and no timeouts
func (r *TestResult) Clean() bool {
	return len(r.Failed) == 0 && len(r.TimedOut) == 0
}

// ValidationStage identifies one stage of the gate pipeline
type ValidationStage int

const (
	StagePreflight ValidationStage = iota + 1 // in-memory diagnostics
	StageCompile                              // compiler check on workspace copy
	StageTests                                // selective test subset
)

func (s ValidationStage) String() string {
	switch s {
	case StagePreflight:
		return "preflight"
	case StageCompile:
		return "compile"
	case StageTests:
		return "tests"
	default:
		return "unknown"
	}
}

// FailureItem maps one raw failure back to the implicated graph nodes
type FailureItem struct {
	NodeIDs  []string  `json:"node_ids"`
	Location *Location `json:"location,omitempty"`
	TestID   string    `json:"test_id,omitempty"`
	Message  string    `json:"message"`
}

// FailureReport is the structured result of a failed validation run.
// Every diagnostic, compile error, and test failure is mapped to node ids
// through the graph's location ownership; callers never see a raw log.
type FailureReport struct {
	CandidateID string          `json:"candidate_id"`
	Stage       ValidationStage `json:"stage"`
	Items       []FailureItem   `json:"items"`
}

// CommitRecord describes a successful candidate commit
type CommitRecord struct {
	CandidateID string    `json:"candidate_id"`
	CommitRef   string    `json:"commit_ref"`
	NodeIDs     []string  `json:"node_ids"`
	CommittedAt time.Time `json:"committed_at"`
}

// Change is one node-level text proposal inside a candidate
type Change struct {
	NodeID     string       `json:"node_id"`
	FutureText string       `json:"future_text"`
	Action     FutureAction `json:"action"`
}
