package gate

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/parseltongue/parseltongue-go/internal/models"
)

// CommandChecker runs an external in-memory checker. The tool receives the
// buffers as JSON on stdin and prints one diagnostic per line in the form
// "severity:path:line:message".
type CommandChecker struct {
	Command string
	Args    []string
}

func (c *CommandChecker) CheckInMemory(ctx context.Context, buffers []Buffer) ([]models.Diagnostic, error) {
	payload, err := json.Marshal(buffers)
	if err != nil {
		return nil, fmt.Errorf("encode buffers: %w", err)
	}

	cmd := exec.CommandContext(ctx, c.Command, c.Args...)
	cmd.Stdin = bytes.NewReader(payload)
	out, err := cmd.Output()
	if ctx.Err() == context.DeadlineExceeded {
		return nil, ErrStageTimeout
	}
	if err != nil {
		// Non-zero exit with parseable output still counts as a result
		if ee, ok := err.(*exec.ExitError); ok {
			out = append(out, ee.Stderr...)
		} else {
			return nil, fmt.Errorf("run checker: %w", err)
		}
	}

	var diags []models.Diagnostic
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		if d, ok := parseDiagnosticLine(scanner.Text()); ok {
			diags = append(diags, d)
		}
	}
	return diags, nil
}

// parseDiagnosticLine parses "severity:path:line:message"
func parseDiagnosticLine(line string) (models.Diagnostic, bool) {
	parts := strings.SplitN(strings.TrimSpace(line), ":", 4)
	if len(parts) != 4 {
		return models.Diagnostic{}, false
	}
	severity := models.DiagnosticSeverity(strings.ToLower(parts[0]))
	switch severity {
	case models.SeverityError, models.SeverityWarning, models.SeverityInfo:
	default:
		return models.Diagnostic{}, false
	}
	lineNo, err := strconv.Atoi(parts[2])
	if err != nil {
		return models.Diagnostic{}, false
	}
	return models.Diagnostic{
		Severity: severity,
		Location: models.Location{Path: parts[1], Line: lineNo},
		Message:  parts[3],
	}, true
}

// CommandCompiler runs an external compiler check inside the workspace copy
type CommandCompiler struct {
	Command string
	Args    []string
}

func (c *CommandCompiler) CompileCheck(ctx context.Context, workspaceCopy string) (*models.CompileResult, error) {
	cmd := exec.CommandContext(ctx, c.Command, c.Args...)
	cmd.Dir = workspaceCopy
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return nil, ErrStageTimeout
	}
	if err == nil {
		return &models.CompileResult{Success: true}, nil
	}
	if _, ok := err.(*exec.ExitError); !ok {
		return nil, fmt.Errorf("run compiler: %w", err)
	}

	var errors []string
	scanner := bufio.NewScanner(&stderr)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			errors = append(errors, line)
		}
	}
	if len(errors) == 0 {
		errors = []string{"compiler exited non-zero with no output"}
	}
	return &models.CompileResult{Success: false, Errors: errors}, nil
}

// CommandTestRunner runs the named tests inside the workspace copy, one
// invocation per test id, so a single hanging test cannot mask the rest
type CommandTestRunner struct {
	Command string
	Args    []string
}

func (r *CommandTestRunner) RunTests(ctx context.Context, testIDs []string, workspaceCopy string) (*models.TestResult, error) {
	result := &models.TestResult{}
	for _, id := range testIDs {
		if ctx.Err() == context.DeadlineExceeded {
			result.TimedOut = append(result.TimedOut, id)
			continue
		}

		args := append(append([]string{}, r.Args...), id)
		cmd := exec.CommandContext(ctx, r.Command, args...)
		cmd.Dir = workspaceCopy

		err := cmd.Run()
		switch {
		case ctx.Err() == context.DeadlineExceeded:
			result.TimedOut = append(result.TimedOut, id)
		case err == nil:
			result.Passed = append(result.Passed, id)
		default:
			result.Failed = append(result.Failed, id)
		}
	}
	return result, nil
}
