package gate

import (
	"context"
	"errors"
	"fmt"

	"github.com/parseltongue/parseltongue-go/internal/models"
)

// Common errors
var (
	// ErrStageTimeout is returned when an external tool exceeds its budget;
	// the stage is treated as failed, never retried automatically
	ErrStageTimeout = errors.New("validation stage timed out")

	// ErrStageFailed marks a stage failure carrying a mapped FailureReport
	ErrStageFailed = errors.New("validation stage failed")

	// ErrValidationRunning is returned when a second Validate call targets
	// a candidate that is already being validated
	ErrValidationRunning = errors.New("validation already running for candidate")
)

// StageFailedError wraps the structured report of a failed stage
type StageFailedError struct {
	Report *models.FailureReport
}

func (e *StageFailedError) Error() string {
	return fmt.Sprintf("stage %s failed with %d findings", e.Report.Stage, len(e.Report.Items))
}

func (e *StageFailedError) Is(target error) bool {
	return target == ErrStageFailed
}

// Buffer is one in-memory source buffer submitted to the checker
type Buffer struct {
	Path string
	Text string
}

// Checker is the stage-1 contract: a syntax/type checker operating purely
// in memory, with no disk writes to the real workspace
type Checker interface {
	CheckInMemory(ctx context.Context, buffers []Buffer) ([]models.Diagnostic, error)
}

// Compiler is the stage-2 contract: a compiler check run against an
// isolated workspace copy, never the original
type Compiler interface {
	CompileCheck(ctx context.Context, workspaceCopy string) (*models.CompileResult, error)
}

// TestRunner is the stage-3 contract: run only the named tests
type TestRunner interface {
	RunTests(ctx context.Context, testIDs []string, workspaceCopy string) (*models.TestResult, error)
}
