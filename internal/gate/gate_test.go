package gate

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parseltongue/parseltongue-go/internal/graph"
	"github.com/parseltongue/parseltongue-go/internal/ledger"
	"github.com/parseltongue/parseltongue-go/internal/models"
)

type fakeChecker struct {
	diags   []models.Diagnostic
	err     error
	started chan struct{}
	block   chan struct{}
}

func (f *fakeChecker) CheckInMemory(ctx context.Context, buffers []Buffer) ([]models.Diagnostic, error) {
	if f.started != nil {
		close(f.started)
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.diags, f.err
}

type fakeCompiler struct {
	result *models.CompileResult
	err    error
}

func (f *fakeCompiler) CompileCheck(ctx context.Context, workspaceCopy string) (*models.CompileResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &models.CompileResult{Success: true}, nil
}

type fakeRunner struct {
	result *models.TestResult
	err    error
	gotIDs []string
}

func (f *fakeRunner) RunTests(ctx context.Context, testIDs []string, workspaceCopy string) (*models.TestResult, error) {
	f.gotIDs = testIDs
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &models.TestResult{Passed: testIDs}, nil
}

type gateFixture struct {
	gate     *Gate
	store    *graph.SQLiteStore
	ledger   *ledger.Ledger
	checker  *fakeChecker
	compiler *fakeCompiler
	runner   *fakeRunner
}

func setupGate(t *testing.T) *gateFixture {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	store, err := graph.NewSQLiteStore(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	led, err := ledger.NewLedger(store.DB(), logger)
	require.NoError(t, err)

	f := &gateFixture{
		store:    store,
		ledger:   led,
		checker:  &fakeChecker{},
		compiler: &fakeCompiler{},
		runner:   &fakeRunner{},
	}
	f.gate = New(store, led, f.checker, f.compiler, f.runner, Config{
		WorkspaceRoot: t.TempDir(),
	}, logger)
	return f
}

// seedCandidate creates a function node spanning lines 1-10 of
// src/auth.rs, seeds its current text, and proposes a replacement
func (f *gateFixture) seedCandidate(t *testing.T, candidateID string) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, f.store.UpsertNodes(ctx, []*models.Node{{
		ID:          "fn_login",
		Kind:        models.NodeKindFunction,
		DisplayName: "login",
		Metadata: models.NodeMetadata{
			Signature: "fn login()",
			File:      "src/auth.rs",
			StartLine: 1,
			EndLine:   10,
		},
	}}))
	require.NoError(t, f.ledger.UpsertCurrent(ctx, "fn_login", "fn login() { old }"))
	require.NoError(t, f.ledger.Propose(ctx, candidateID, []models.Change{
		{NodeID: "fn_login", FutureText: "fn login() { new }", Action: models.ActionEdit},
	}))
}

func (f *gateFixture) status(t *testing.T, candidateID string) models.ValidationStatus {
	t.Helper()
	status, err := f.ledger.Status(context.Background(), candidateID)
	require.NoError(t, err)
	return status
}

func TestValidateAllStagesPass(t *testing.T) {
	f := setupGate(t)
	f.seedCandidate(t, "cand-1")

	report, err := f.gate.Validate(context.Background(), "cand-1", RunOptions{})
	require.NoError(t, err)
	assert.Nil(t, report)
	assert.Equal(t, models.StatusAllPassed, f.status(t, "cand-1"))
}

func TestValidatePreflightFailure(t *testing.T) {
	f := setupGate(t)
	f.seedCandidate(t, "cand-1")
	f.checker.diags = []models.Diagnostic{{
		Severity: models.SeverityError,
		Location: models.Location{Path: "src/auth.rs", Line: 3},
		Message:  "mismatched types",
	}}

	report, err := f.gate.Validate(context.Background(), "cand-1", RunOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStageFailed)

	var stageErr *StageFailedError
	require.ErrorAs(t, err, &stageErr)
	require.NotNil(t, report)
	assert.Equal(t, models.StagePreflight, report.Stage)
	require.Len(t, report.Items, 1)
	assert.Equal(t, []string{"fn_login"}, report.Items[0].NodeIDs)
	assert.Equal(t, "mismatched types", report.Items[0].Message)

	assert.Equal(t, models.StatusFailed, f.status(t, "cand-1"))
	row, rerr := f.ledger.Get(context.Background(), "fn_login")
	require.NoError(t, rerr)
	assert.Nil(t, row.FutureText, "failure must clear the pending text")
	assert.Equal(t, "fn login() { old }", row.CurrentText)
}

func TestValidateWarningDiagnosticsPass(t *testing.T) {
	f := setupGate(t)
	f.seedCandidate(t, "cand-1")
	f.checker.diags = []models.Diagnostic{{
		Severity: models.SeverityWarning,
		Location: models.Location{Path: "src/auth.rs", Line: 2},
		Message:  "unused variable",
	}}

	report, err := f.gate.Validate(context.Background(), "cand-1", RunOptions{})
	require.NoError(t, err)
	assert.Nil(t, report)
	assert.Equal(t, models.StatusAllPassed, f.status(t, "cand-1"))
}

func TestValidateCompileFailure(t *testing.T) {
	f := setupGate(t)
	f.seedCandidate(t, "cand-1")
	f.compiler.result = &models.CompileResult{
		Success: false,
		Errors:  []string{"src/auth.rs:5:9: cannot find value `session`"},
	}

	report, err := f.gate.Validate(context.Background(), "cand-1", RunOptions{})
	require.Error(t, err)
	require.NotNil(t, report)
	assert.Equal(t, models.StageCompile, report.Stage)
	require.Len(t, report.Items, 1)
	assert.Equal(t, []string{"fn_login"}, report.Items[0].NodeIDs)
	require.NotNil(t, report.Items[0].Location)
	assert.Equal(t, "src/auth.rs", report.Items[0].Location.Path)
	assert.Equal(t, 5, report.Items[0].Location.Line)

	assert.Equal(t, models.StatusFailed, f.status(t, "cand-1"))
}

func TestValidateTestFailure(t *testing.T) {
	f := setupGate(t)
	f.seedCandidate(t, "cand-1")
	ctx := context.Background()

	// A test function whose call chain reaches the changed node
	require.NoError(t, f.store.UpsertNodes(ctx, []*models.Node{{
		ID:          "test_login_ok",
		Kind:        models.NodeKindFunction,
		DisplayName: "test_login_ok",
		Metadata: models.NodeMetadata{
			Signature: "fn test_login_ok()",
			File:      "src/auth.rs",
			IsTest:    true,
		},
	}}))
	require.NoError(t, f.store.UpsertEdges(ctx, []models.Edge{
		{SrcID: "test_login_ok", DstID: "fn_login", Kind: models.EdgeKindCalls},
	}))
	f.runner.result = &models.TestResult{Failed: []string{"test_login_ok"}}

	report, err := f.gate.Validate(ctx, "cand-1", RunOptions{})
	require.Error(t, err)
	require.NotNil(t, report)
	assert.Equal(t, models.StageTests, report.Stage)
	require.Len(t, report.Items, 1)
	assert.Equal(t, "test_login_ok", report.Items[0].TestID)

	assert.Equal(t, []string{"test_login_ok"}, f.runner.gotIDs,
		"only tests reaching the change are selected")
	assert.Equal(t, models.StatusFailed, f.status(t, "cand-1"))
}

func TestValidateNoReachableTestsSkipsRunner(t *testing.T) {
	f := setupGate(t)
	f.seedCandidate(t, "cand-1")

	report, err := f.gate.Validate(context.Background(), "cand-1", RunOptions{})
	require.NoError(t, err)
	assert.Nil(t, report)
	assert.Nil(t, f.runner.gotIDs, "runner must not be invoked without reachable tests")
	assert.Equal(t, models.StatusAllPassed, f.status(t, "cand-1"))
}

func TestValidateStageTimeout(t *testing.T) {
	f := setupGate(t)
	f.seedCandidate(t, "cand-1")
	f.checker.err = ErrStageTimeout

	report, err := f.gate.Validate(context.Background(), "cand-1", RunOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStageTimeout)
	assert.Nil(t, report)
	assert.Equal(t, models.StatusFailed, f.status(t, "cand-1"))
}

func TestValidateRequiresPending(t *testing.T) {
	f := setupGate(t)
	f.seedCandidate(t, "cand-1")

	_, err := f.gate.Validate(context.Background(), "cand-1", RunOptions{})
	require.NoError(t, err)

	// A second run on the now-AllPassed candidate is rejected
	_, err = f.gate.Validate(context.Background(), "cand-1", RunOptions{})
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)
}

func TestValidateUnknownCandidate(t *testing.T) {
	f := setupGate(t)

	_, err := f.gate.Validate(context.Background(), "ghost", RunOptions{})
	assert.ErrorIs(t, err, ledger.ErrUnknownCandidate)
}

func TestValidateConcurrentSameCandidateRejected(t *testing.T) {
	f := setupGate(t)
	f.seedCandidate(t, "cand-1")
	f.checker.started = make(chan struct{})
	f.checker.block = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := f.gate.Validate(context.Background(), "cand-1", RunOptions{})
		done <- err
	}()

	select {
	case <-f.checker.started:
	case <-time.After(5 * time.Second):
		t.Fatal("first validation never reached the checker")
	}

	_, err := f.gate.Validate(context.Background(), "cand-1", RunOptions{})
	assert.ErrorIs(t, err, ErrValidationRunning)

	close(f.checker.block)
	require.NoError(t, <-done)
	assert.Equal(t, models.StatusAllPassed, f.status(t, "cand-1"))
}

func TestValidateCancellation(t *testing.T) {
	f := setupGate(t)
	f.seedCandidate(t, "cand-1")
	f.checker.started = make(chan struct{})
	f.checker.block = make(chan struct{}) // never closed; checker waits on ctx

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := f.gate.Validate(ctx, "cand-1", RunOptions{})
		done <- err
	}()

	<-f.checker.started
	cancel()

	err := <-done
	require.Error(t, err)
	assert.Equal(t, models.StatusFailed, f.status(t, "cand-1"),
		"a cancelled run ends Failed, never in an intermediate state")
}
