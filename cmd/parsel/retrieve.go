package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/parseltongue/parseltongue-go/internal/cache"
	"github.com/parseltongue/parseltongue-go/internal/embeddings"
	"github.com/parseltongue/parseltongue-go/internal/models"
	"github.com/parseltongue/parseltongue-go/internal/output"
	"github.com/parseltongue/parseltongue-go/internal/retrieval"
)

var retrieveCmd = &cobra.Command{
	Use:   "retrieve <seed-id> [seed-id...]",
	Short: "Compute the context set around one or more seed nodes",
	Long: `Expand from the given seed nodes through the interface graph and the
vector index, returning a ranked, budgeted context set.

For a fixed store state the same request always returns the same result,
so results are cached until the next write to the store.

Examples:
  parsel retrieve src/auth.rs::login
  parsel retrieve src/auth.rs::login --max-hops 3 --max-nodes 80
  parsel retrieve src/auth.rs::login --json`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRetrieve,
}

func init() {
	retrieveCmd.Flags().Int("max-hops", 0, "graph traversal depth (default from config)")
	retrieveCmd.Flags().Int("max-nodes", 0, "cap on returned nodes (default from config)")
	retrieveCmd.Flags().Int("vector-k", 0, "nearest neighbours per seed (default from config)")
	retrieveCmd.Flags().StringSlice("edge-kinds", nil, "edge kinds to follow (default: calls,depends)")
	retrieveCmd.Flags().Bool("json", false, "emit the context set as JSON")
	retrieveCmd.Flags().Bool("no-cache", false, "bypass the retrieval cache")
}

func runRetrieve(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	store, _, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	opts := retrieval.OptionsFromConfig(cfg)
	if v, _ := cmd.Flags().GetInt("max-hops"); v > 0 {
		opts.MaxHops = v
	}
	if v, _ := cmd.Flags().GetInt("max-nodes"); v > 0 {
		opts.MaxTotalNodes = v
	}
	if v, _ := cmd.Flags().GetInt("vector-k"); v > 0 {
		opts.VectorK = v
	}
	if kinds, _ := cmd.Flags().GetStringSlice("edge-kinds"); len(kinds) > 0 {
		opts.EdgeKinds = opts.EdgeKinds[:0]
		for _, k := range kinds {
			kind, err := models.ParseEdgeKind(k)
			if err != nil {
				return err
			}
			opts.EdgeKinds = append(opts.EdgeKinds, kind)
		}
	}

	asJSON, _ := cmd.Flags().GetBool("json")
	noCache, _ := cmd.Flags().GetBool("no-cache")

	var retrievalCache *cache.Cache
	var cacheKey string
	if cfg.Cache.Enabled && !noCache {
		if c, err := cache.Open(cfg.Cache.Path, logger); err != nil {
			logger.WithError(err).Warn("Retrieval cache unavailable")
		} else {
			retrievalCache = c
			defer c.Close()
		}
	}
	if retrievalCache != nil {
		rev, err := store.Revision(ctx)
		if err != nil {
			return fmt.Errorf("read store revision: %w", err)
		}
		cacheKey = cache.Key(rev, args, opts)
		if cs, ok := retrievalCache.Get(cacheKey); ok {
			logger.Debug("Retrieval cache hit")
			return printContextSet(cs, asJSON)
		}
	}

	// Seeds without stored vectors get embedded on the fly when a provider
	// is configured; otherwise they just skip the vector leg.
	var embedder retrieval.Embedder
	if producer, err := embeddings.NewProducer(ctx, cfg); err == nil {
		embedder = producer
	} else {
		logger.WithError(err).Debug("No embedding provider; vector leg limited to stored vectors")
	}

	engine := retrieval.NewEngine(store, embedder, logger)
	cs, err := engine.Retrieve(ctx, args, opts)
	if err != nil {
		return err
	}

	if retrievalCache != nil {
		if err := retrievalCache.Put(cacheKey, cs); err != nil {
			logger.WithError(err).Warn("Failed to cache retrieval result")
		}
	}
	return printContextSet(cs, asJSON)
}

func printContextSet(cs *models.ContextSet, asJSON bool) error {
	return output.NewFormatter(os.Stdout, asJSON).ContextSet(cs)
}
