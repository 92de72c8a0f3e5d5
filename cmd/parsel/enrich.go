package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/parseltongue/parseltongue-go/internal/embeddings"
	"github.com/parseltongue/parseltongue-go/internal/ingestion"
)

var enrichCmd = &cobra.Command{
	Use:   "enrich",
	Short: "Compute embeddings for nodes that lack one",
	Long: `Run the embedding enrichment pass: every node without a stored vector
is embedded through the configured provider and the result written back.

Requires an API key for the configured embedding provider; run
'parsel configure' to store one in the OS keychain.`,
	RunE: runEnrich,
}

func runEnrich(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	store, _, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	producer, err := embeddings.NewProducer(ctx, cfg)
	if err != nil {
		return err
	}

	// The producer already rate-limits itself per the config
	orch := ingestion.NewOrchestrator(store, nil, logger)
	orch.EmbedConcurrency = cfg.Embeddings.Concurrency

	result, err := orch.EnrichEmbeddings(ctx, producer)
	if err != nil {
		return fmt.Errorf("enrichment failed: %w", err)
	}

	fmt.Printf("Embedded %d nodes in %s", result.Embedded, result.Duration.Round(timeRound))
	if result.Failed > 0 {
		fmt.Printf(" (%d failed, rerun to retry)", result.Failed)
	}
	fmt.Println()
	return nil
}
