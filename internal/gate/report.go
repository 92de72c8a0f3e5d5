package gate

import (
	"context"
	"regexp"
	"sort"
	"strconv"

	"github.com/parseltongue/parseltongue-go/internal/graph"
	"github.com/parseltongue/parseltongue-go/internal/models"
)

// reportBuilder maps raw tool failures back to the implicated graph nodes
// through source-location ownership, so callers receive "node X violates
// constraint Y" instead of an unmapped log
type reportBuilder struct {
	store          graph.Store
	candidateNodes []string
}

func newReportBuilder(store graph.Store, rows []models.CandidateLedgerRow) *reportBuilder {
	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.NodeID)
	}
	sort.Strings(ids)
	return &reportBuilder{store: store, candidateNodes: ids}
}

// ownersOf resolves a location to node ids: the narrowest node span in the
// file containing the line wins; a file with no spanning node falls back
// to every node in the file; an unknown file falls back to the whole
// candidate, so no failure is ever reported unmapped
func (b *reportBuilder) ownersOf(ctx context.Context, loc models.Location) []string {
	nodes, err := b.store.NodesByFile(ctx, loc.Path)
	if err != nil || len(nodes) == 0 {
		return b.candidateNodes
	}

	var best *models.Node
	for _, n := range nodes {
		meta := n.Metadata
		if meta.StartLine == 0 || loc.Line < meta.StartLine || loc.Line > meta.EndLine {
			continue
		}
		if best == nil || (meta.EndLine-meta.StartLine) < (best.Metadata.EndLine-best.Metadata.StartLine) {
			best = n
		}
	}
	if best != nil {
		return []string{best.ID}
	}

	ids := make([]string, 0, len(nodes))
	for _, n := range nodes {
		ids = append(ids, n.ID)
	}
	sort.Strings(ids)
	return ids
}

func (b *reportBuilder) fromDiagnostics(ctx context.Context, candidateID string, diags []models.Diagnostic) *models.FailureReport {
	report := &models.FailureReport{CandidateID: candidateID, Stage: models.StagePreflight}
	for _, d := range diags {
		if d.Severity != models.SeverityError {
			continue
		}
		loc := d.Location
		report.Items = append(report.Items, models.FailureItem{
			NodeIDs:  b.ownersOf(ctx, loc),
			Location: &loc,
			Message:  d.Message,
		})
	}
	return report
}

// compileErrorPattern extracts "path:line" prefixes from compiler output
var compileErrorPattern = regexp.MustCompile(`^([^\s:]+):(\d+)(?::\d+)?:\s*(.*)$`)

func (b *reportBuilder) fromCompileErrors(ctx context.Context, candidateID string, errs []string) *models.FailureReport {
	report := &models.FailureReport{CandidateID: candidateID, Stage: models.StageCompile}
	for _, raw := range errs {
		item := models.FailureItem{Message: raw, NodeIDs: b.candidateNodes}
		if m := compileErrorPattern.FindStringSubmatch(raw); m != nil {
			line, _ := strconv.Atoi(m[2])
			loc := models.Location{Path: m[1], Line: line}
			item.Location = &loc
			item.Message = m[3]
			item.NodeIDs = b.ownersOf(ctx, loc)
		}
		report.Items = append(report.Items, item)
	}
	return report
}

func (b *reportBuilder) fromTestResult(candidateID string, result *models.TestResult) *models.FailureReport {
	report := &models.FailureReport{CandidateID: candidateID, Stage: models.StageTests}
	for _, id := range result.Failed {
		report.Items = append(report.Items, models.FailureItem{
			NodeIDs: []string{id},
			TestID:  id,
			Message: "test failed",
		})
	}
	for _, id := range result.TimedOut {
		report.Items = append(report.Items, models.FailureItem{
			NodeIDs: []string{id},
			TestID:  id,
			Message: "test timed out",
		})
	}
	return report
}
