package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/parseltongue/parseltongue-go/internal/graph"
	"github.com/parseltongue/parseltongue-go/internal/ledger"
	"github.com/parseltongue/parseltongue-go/internal/output"
)

var statusCmd = &cobra.Command{
	Use:   "status [candidate-id]",
	Short: "Show store health or a candidate's validation state",
	Long: `Without arguments, print store totals and the current revision. With a
candidate id, print that candidate's per-node validation state.

The --verify flag additionally runs the graph consistency checks and the
ledger integrity check.

Examples:
  parsel status
  parsel status --verify
  parsel status 2f1c...`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().Bool("verify", false, "run consistency and integrity checks")
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	verify, _ := cmd.Flags().GetBool("verify")

	store, led, err := openLedger()
	if err != nil {
		return err
	}
	defer store.Close()

	if len(args) == 1 {
		return printCandidateStatus(ctx, led, args[0])
	}

	nodes, err := store.AllNodes(ctx)
	if err != nil {
		return err
	}
	edges, err := store.AllEdges(ctx)
	if err != nil {
		return err
	}
	rev, err := store.Revision(ctx)
	if err != nil {
		return err
	}

	missing, err := store.NodesMissingEmbedding(ctx, len(nodes)+1)
	if err != nil {
		return err
	}

	fmt.Printf("Store: %s\n", storeLocation())
	fmt.Printf("  nodes:    %d (%d awaiting embedding)\n", len(nodes), len(missing))
	fmt.Printf("  edges:    %d\n", len(edges))
	fmt.Printf("  revision: %d\n", rev)

	if !verify {
		return nil
	}

	fmt.Println("\nConsistency checks:")
	results, err := graph.NewConsistencyValidator(store).Validate(ctx)
	if err != nil {
		return err
	}
	ok := true
	for _, r := range results {
		mark := "✅"
		if !r.Passed {
			mark = "❌"
			ok = false
		}
		fmt.Printf("  %s %s", mark, r.Check)
		if r.Details != "" {
			fmt.Printf(" (%s)", r.Details)
		}
		fmt.Println()
	}

	if err := led.VerifyIntegrity(ctx); err != nil {
		fmt.Printf("  ❌ ledger integrity: %v\n", err)
		ok = false
	} else {
		fmt.Println("  ✅ ledger integrity")
	}

	if !ok {
		return fmt.Errorf("verification failed")
	}
	return nil
}

func printCandidateStatus(ctx context.Context, led *ledger.Ledger, candidateID string) error {
	status, err := led.Status(ctx, candidateID)
	if err != nil {
		return err
	}
	rows, err := led.Rows(ctx, candidateID)
	if err != nil {
		return err
	}
	return output.NewFormatter(os.Stdout, false).CandidateStatus(candidateID, status, rows)
}

func storeLocation() string {
	if cfg.Storage.Type == "postgres" {
		return "postgres"
	}
	return cfg.Storage.LocalPath
}
