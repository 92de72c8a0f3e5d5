package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/parseltongue/parseltongue-go/internal/output"
)

var commitCmd = &cobra.Command{
	Use:   "commit <candidate-id>",
	Short: "Atomically promote a fully validated candidate",
	Long: `Promote every future text of a fully validated candidate to current
text in one transaction. Fails if any row has not passed all stages;
either the whole candidate lands or none of it does.`,
	Args: cobra.ExactArgs(1),
	RunE: runCommit,
}

var discardCmd = &cobra.Command{
	Use:   "discard <candidate-id>",
	Short: "Drop a candidate and release its node locks",
	Long: `Clear a candidate's future texts and release the locks on its nodes.
Current texts are untouched; the graph is exactly as it was before the
proposal.`,
	Args: cobra.ExactArgs(1),
	RunE: runDiscard,
}

func runCommit(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	store, led, err := openLedger()
	if err != nil {
		return err
	}
	defer store.Close()

	record, err := led.Commit(ctx, args[0])
	if err != nil {
		return err
	}
	return output.NewFormatter(os.Stdout, false).CommitRecord(record, verbose)
}

func runDiscard(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	store, led, err := openLedger()
	if err != nil {
		return err
	}
	defer store.Close()

	if err := led.Discard(ctx, args[0]); err != nil {
		return err
	}
	fmt.Printf("Candidate %s discarded; node locks released\n", args[0])
	return nil
}
