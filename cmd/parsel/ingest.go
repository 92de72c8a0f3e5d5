package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/parseltongue/parseltongue-go/internal/cache"
	"github.com/parseltongue/parseltongue-go/internal/ingestion"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <manifest.yaml>",
	Short: "Load an interface graph manifest into the store",
	Long: `Load the nodes and edges described by a YAML manifest into the graph
store. Nodes whose signature is unchanged keep their embedding; nodes the
manifest no longer mentions are retired along with their edges.

Examples:
  parsel ingest graph.yaml
  parsel ingest graph.yaml --keep-cache`,
	Args: cobra.ExactArgs(1),
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().Bool("keep-cache", false, "do not prune the retrieval cache after ingesting")
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	keepCache, _ := cmd.Flags().GetBool("keep-cache")

	store, led, err := openLedger()
	if err != nil {
		return err
	}
	defer store.Close()

	orch := ingestion.NewOrchestrator(store, led, logger)
	result, err := orch.Ingest(ctx, ingestion.NewManifestSource(args[0]))
	if err != nil {
		return fmt.Errorf("ingestion failed: %w", err)
	}

	fmt.Printf("Ingested %d nodes and %d edges from %s (%d retired, revision %d, %s)\n",
		result.NodeCount, result.EdgeCount, result.Source,
		result.Retired, result.Revision, result.Duration.Round(timeRound))

	if cfg.Cache.Enabled && !keepCache {
		c, err := cache.Open(cfg.Cache.Path, logger)
		if err != nil {
			logger.WithError(err).Warn("Failed to open retrieval cache for pruning")
			return nil
		}
		defer c.Close()
		if removed, err := c.Prune(); err != nil {
			logger.WithError(err).Warn("Failed to prune retrieval cache")
		} else if removed > 0 {
			logger.WithField("entries", removed).Debug("Pruned retrieval cache")
		}
	}
	return nil
}
