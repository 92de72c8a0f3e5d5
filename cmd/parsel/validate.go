package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/parseltongue/parseltongue-go/internal/gate"
	"github.com/parseltongue/parseltongue-go/internal/models"
	"github.com/parseltongue/parseltongue-go/internal/output"
)

var validateCmd = &cobra.Command{
	Use:   "validate <candidate-id>",
	Short: "Run a candidate through the staged validation gate",
	Long: `Validate a pending candidate in three stages: in-memory diagnostics,
a compile check against a workspace copy with the future texts applied,
and the tests selected by reverse dependency closure.

Any stage failure marks the candidate failed and prints a structured
report mapping each failure back to node ids. Stage commands come from
the gate section of the config file.

Examples:
  parsel validate 2f1c...
  parsel validate 2f1c... --trusted     # caller pre-checked the diffs
  parsel validate 2f1c... --json`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

func init() {
	validateCmd.Flags().Bool("trusted", false, "note that the caller pre-validated the change (logged, stages still run)")
	validateCmd.Flags().Bool("json", false, "emit the failure report as JSON")
}

func runValidate(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	candidateID := args[0]
	trusted, _ := cmd.Flags().GetBool("trusted")
	asJSON, _ := cmd.Flags().GetBool("json")

	store, led, err := openLedger()
	if err != nil {
		return err
	}
	defer store.Close()

	checker, compiler, runner, err := gateTools()
	if err != nil {
		return err
	}

	g := gate.New(store, led, checker, compiler, runner, gate.Config{
		WorkspaceRoot:     cfg.Gate.WorkspaceRoot,
		PreserveOnFailure: cfg.Gate.PreserveOnFailure,
		PreflightTimeout:  cfg.Gate.PreflightTimeout,
		CompileTimeout:    cfg.Gate.CompileTimeout,
		TestTimeout:       cfg.Gate.TestTimeout,
	}, logger)

	report, err := g.Validate(ctx, candidateID, gate.RunOptions{Trusted: trusted})
	if err != nil {
		var failed *gate.StageFailedError
		if errors.As(err, &failed) {
			return printFailureReport(report, asJSON)
		}
		return err
	}

	fmt.Printf("Candidate %s passed all stages ✅\n", candidateID)
	fmt.Printf("Next: parsel commit %s\n", candidateID)
	return nil
}

// gateTools builds the stage commands from config
func gateTools() (gate.Checker, gate.Compiler, gate.TestRunner, error) {
	checkCmd := strings.Fields(cfg.Gate.CheckCommand)
	compileCmd := strings.Fields(cfg.Gate.CompileCommand)
	testCmd := strings.Fields(cfg.Gate.TestCommand)
	if len(checkCmd) == 0 || len(compileCmd) == 0 || len(testCmd) == 0 {
		return nil, nil, nil, fmt.Errorf("gate commands not configured; set gate.check_command, gate.compile_command, and gate.test_command")
	}
	return &gate.CommandChecker{Command: checkCmd[0], Args: checkCmd[1:]},
		&gate.CommandCompiler{Command: compileCmd[0], Args: compileCmd[1:]},
		&gate.CommandTestRunner{Command: testCmd[0], Args: testCmd[1:]},
		nil
}

func printFailureReport(report *models.FailureReport, asJSON bool) error {
	if err := output.NewFormatter(os.Stdout, asJSON).FailureReport(report); err != nil {
		return err
	}
	return fmt.Errorf("candidate %s failed at stage %s", report.CandidateID, report.Stage)
}
