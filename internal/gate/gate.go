package gate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/parseltongue/parseltongue-go/internal/graph"
	"github.com/parseltongue/parseltongue-go/internal/ledger"
	"github.com/parseltongue/parseltongue-go/internal/models"
)

// Config holds gate tuning knobs
type Config struct {
	WorkspaceRoot     string
	PreserveOnFailure bool
	PreflightTimeout  time.Duration
	CompileTimeout    time.Duration
	TestTimeout       time.Duration
}

// RunOptions adjusts a single validation run
type RunOptions struct {
	// Trusted marks candidates produced by a known-safe deterministic
	// template. The stage sequence is unchanged; the compile stage is
	// simply expected to pass with near-certainty.
	Trusted bool
}

// Gate decides whether a proposed candidate is safe to commit. Stages run
// strictly in order, cheapest first, short-circuiting on the first
// failure; nothing reaches the real workspace before every stage passes.
type Gate struct {
	store    graph.Store
	ledger   *ledger.Ledger
	checker  Checker
	compiler Compiler
	runner   TestRunner
	cfg      Config
	logger   *logrus.Logger

	mu      sync.Mutex
	running map[string]struct{}
}

// New creates a validation gate
func New(store graph.Store, led *ledger.Ledger, checker Checker, compiler Compiler, runner TestRunner, cfg Config, logger *logrus.Logger) *Gate {
	if cfg.PreflightTimeout == 0 {
		cfg.PreflightTimeout = 30 * time.Second
	}
	if cfg.CompileTimeout == 0 {
		cfg.CompileTimeout = 5 * time.Minute
	}
	if cfg.TestTimeout == 0 {
		cfg.TestTimeout = 10 * time.Minute
	}
	return &Gate{
		store:    store,
		ledger:   led,
		checker:  checker,
		compiler: compiler,
		runner:   runner,
		cfg:      cfg,
		logger:   logger,
		running:  make(map[string]struct{}),
	}
}

// Validate runs the full stage chain for one candidate. On success the
// candidate ends AllPassed and is eligible for commit; on any failure,
// timeout, or cancellation it ends Failed with the future fields cleared
// and a FailureReport mapped to node ids.
//
// Candidates over disjoint node sets validate concurrently; overlap is
// impossible because Propose refuses to double-book a node.
func (g *Gate) Validate(ctx context.Context, candidateID string, opts RunOptions) (*models.FailureReport, error) {
	if err := g.acquire(candidateID); err != nil {
		return nil, err
	}
	defer g.release(candidateID)

	rows, err := g.ledger.Rows(ctx, candidateID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("candidate %s: %w", candidateID, ledger.ErrUnknownCandidate)
	}
	status := rows[0].ValidationStatus
	if status != models.StatusPending {
		return nil, fmt.Errorf("candidate %s is %s, expected %s: %w",
			candidateID, status, models.StatusPending, ledger.ErrInvalidTransition)
	}

	builder := newReportBuilder(g.store, rows)

	report, err := g.runPreflight(ctx, candidateID, rows, builder)
	if report != nil || err != nil {
		return g.fail(ctx, candidateID, report, err)
	}
	if err := g.ledger.AdvanceStatus(ctx, candidateID, models.StatusStage1Passed); err != nil {
		return nil, err
	}

	report, err = g.runCompile(ctx, candidateID, rows, builder, opts)
	if report != nil || err != nil {
		return g.fail(ctx, candidateID, report, err)
	}
	if err := g.ledger.AdvanceStatus(ctx, candidateID, models.StatusStage2Passed); err != nil {
		return nil, err
	}

	report, err = g.runTests(ctx, candidateID, rows, builder)
	if report != nil || err != nil {
		return g.fail(ctx, candidateID, report, err)
	}
	if err := g.ledger.AdvanceStatus(ctx, candidateID, models.StatusAllPassed); err != nil {
		return nil, err
	}

	if g.logger != nil {
		g.logger.WithField("candidate", candidateID).Info("All validation stages passed")
	}
	return nil, nil
}

func (g *Gate) acquire(candidateID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.running[candidateID]; ok {
		return fmt.Errorf("candidate %s: %w", candidateID, ErrValidationRunning)
	}
	g.running[candidateID] = struct{}{}
	return nil
}

func (g *Gate) release(candidateID string) {
	g.mu.Lock()
	delete(g.running, candidateID)
	g.mu.Unlock()
}

// fail moves the candidate to Failed and returns the report. Cancellation
// and timeouts take this path too: a discarded attempt carries no
// different semantics than a failed stage.
func (g *Gate) fail(ctx context.Context, candidateID string, report *models.FailureReport, cause error) (*models.FailureReport, error) {
	// Status update must survive the caller's cancelled context
	advCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := g.ledger.AdvanceStatus(advCtx, candidateID, models.StatusFailed); err != nil {
		return report, fmt.Errorf("mark candidate %s failed: %w", candidateID, err)
	}

	if cause != nil {
		return report, cause
	}
	if g.logger != nil {
		g.logger.WithFields(logrus.Fields{
			"candidate": candidateID,
			"stage":     report.Stage.String(),
			"findings":  len(report.Items),
		}).Warn("Validation failed")
	}
	return report, &StageFailedError{Report: report}
}

// runPreflight is stage 1: in-memory diagnostics over the future texts.
// The stage passes iff no diagnostic has error severity.
func (g *Gate) runPreflight(ctx context.Context, candidateID string, rows []models.CandidateLedgerRow, builder *reportBuilder) (*models.FailureReport, error) {
	buffers := make([]Buffer, 0, len(rows))
	for _, row := range rows {
		if row.FutureText == nil {
			continue // delete actions submit nothing to the checker
		}
		path := row.NodeID
		if node, err := g.store.GetNode(ctx, row.NodeID); err == nil && node != nil && node.Metadata.File != "" {
			path = node.Metadata.File
		}
		buffers = append(buffers, Buffer{Path: path, Text: *row.FutureText})
	}

	stageCtx, cancel := context.WithTimeout(ctx, g.cfg.PreflightTimeout)
	defer cancel()

	diags, err := g.checker.CheckInMemory(stageCtx, buffers)
	if err != nil {
		return nil, g.stageErr(ctx, stageCtx, models.StagePreflight, err)
	}

	report := builder.fromDiagnostics(ctx, candidateID, diags)
	if len(report.Items) == 0 {
		return nil, nil
	}
	return report, nil
}

// runCompile is stage 2: apply future texts to an isolated workspace copy
// and run the compiler check there
func (g *Gate) runCompile(ctx context.Context, candidateID string, rows []models.CandidateLedgerRow, builder *reportBuilder, opts RunOptions) (*models.FailureReport, error) {
	ws, err := materializeWorkspace(ctx, g.cfg.WorkspaceRoot, g.store, g.ledger, rows, g.cfg.PreserveOnFailure)
	if err != nil {
		return nil, err
	}
	defer ws.Cleanup()

	if opts.Trusted && g.logger != nil {
		g.logger.WithField("candidate", candidateID).
			Debug("Template-generated candidate; compile check expected to pass")
	}

	stageCtx, cancel := context.WithTimeout(ctx, g.cfg.CompileTimeout)
	defer cancel()

	result, err := g.compiler.CompileCheck(stageCtx, ws.Path)
	if err != nil {
		return nil, g.stageErr(ctx, stageCtx, models.StageCompile, err)
	}
	if result.Success {
		return nil, nil
	}
	return builder.fromCompileErrors(ctx, candidateID, result.Errors), nil
}

// runTests is stage 3: run only the tests whose dependency closure
// reaches the changed nodes
func (g *Gate) runTests(ctx context.Context, candidateID string, rows []models.CandidateLedgerRow, builder *reportBuilder) (*models.FailureReport, error) {
	changed := make([]string, 0, len(rows))
	for _, row := range rows {
		changed = append(changed, row.NodeID)
	}
	testIDs, err := g.testClosure(ctx, changed)
	if err != nil {
		return nil, err
	}
	if len(testIDs) == 0 {
		return nil, nil // no test reaches the change
	}

	ws, err := materializeWorkspace(ctx, g.cfg.WorkspaceRoot, g.store, g.ledger, rows, g.cfg.PreserveOnFailure)
	if err != nil {
		return nil, err
	}
	defer ws.Cleanup()

	stageCtx, cancel := context.WithTimeout(ctx, g.cfg.TestTimeout)
	defer cancel()

	result, err := g.runner.RunTests(stageCtx, testIDs, ws.Path)
	if err != nil {
		return nil, g.stageErr(ctx, stageCtx, models.StageTests, err)
	}
	if result.Clean() {
		return nil, nil
	}
	return builder.fromTestResult(candidateID, result), nil
}

// testClosure walks Calls/Depends edges backwards from the changed nodes
// and collects every test function reachable that way. The visited set
// terminates cycles; order is deterministic.
func (g *Gate) testClosure(ctx context.Context, changed []string) ([]string, error) {
	visited := make(map[string]struct{}, len(changed))
	frontier := append([]string{}, changed...)
	testSet := make(map[string]struct{})
	kinds := []models.EdgeKind{models.EdgeKindCalls, models.EdgeKindDepends}

	for _, id := range changed {
		visited[id] = struct{}{}
	}
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]

		neighbors, err := g.store.GetNeighbors(ctx, id, kinds, graph.DirectionIn)
		if err != nil {
			return nil, fmt.Errorf("test closure of %s: %w", id, err)
		}
		for _, nb := range neighbors {
			if _, ok := visited[nb.Node.ID]; ok {
				continue
			}
			visited[nb.Node.ID] = struct{}{}
			frontier = append(frontier, nb.Node.ID)
			if nb.Node.Metadata.IsTest {
				testSet[nb.Node.ID] = struct{}{}
			}
		}
	}

	ids := make([]string, 0, len(testSet))
	for id := range testSet {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// stageErr normalizes timeout and cancellation into the failure path
func (g *Gate) stageErr(ctx, stageCtx context.Context, stage models.ValidationStage, err error) error {
	switch {
	case errors.Is(err, ErrStageTimeout), stageCtx.Err() == context.DeadlineExceeded:
		return fmt.Errorf("stage %s: %w", stage, ErrStageTimeout)
	case ctx.Err() != nil:
		return fmt.Errorf("stage %s cancelled: %w", stage, ctx.Err())
	default:
		return fmt.Errorf("stage %s: %w", stage, err)
	}
}
