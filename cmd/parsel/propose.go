package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/parseltongue/parseltongue-go/internal/models"
)

var proposeCmd = &cobra.Command{
	Use:   "propose [changes.json]",
	Short: "Record a candidate's future texts in the ledger",
	Long: `Record a candidate edit: one future text per targeted node. Reads a
JSON array of changes from the given file, or stdin when omitted:

  [{"node_id": "src/auth.rs::login", "action": "edit", "future_text": "..."}]

Actions are create, edit, and delete; delete takes no future_text. Targeted
nodes are locked to this candidate until it is committed or discarded.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPropose,
}

func init() {
	proposeCmd.Flags().String("candidate-id", "", "candidate id (generated when omitted)")
}

func runPropose(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	var input io.Reader = os.Stdin
	if len(args) == 1 {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("open changes file: %w", err)
		}
		defer f.Close()
		input = f
	}

	var changes []models.Change
	if err := json.NewDecoder(input).Decode(&changes); err != nil {
		return fmt.Errorf("decode changes: %w", err)
	}
	if len(changes) == 0 {
		return fmt.Errorf("no changes provided")
	}
	for i := range changes {
		if changes[i].Action == "" {
			changes[i].Action = models.ActionEdit
		}
	}

	candidateID, _ := cmd.Flags().GetString("candidate-id")
	if candidateID == "" {
		candidateID = uuid.New().String()
	}

	store, led, err := openLedger()
	if err != nil {
		return err
	}
	defer store.Close()

	if err := led.Propose(ctx, candidateID, changes); err != nil {
		return err
	}

	fmt.Printf("Candidate %s proposed: %d node(s) pending validation\n", candidateID, len(changes))
	fmt.Printf("Next: parsel validate %s\n", candidateID)
	return nil
}
