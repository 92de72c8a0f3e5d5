package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/parseltongue/parseltongue-go/internal/graph"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Mirror the interface graph into Neo4j",
	Long: `Push the current node and edge set into the configured Neo4j instance
for ad-hoc Cypher exploration. The mirror is read-only convenience; the
relational store stays the source of truth.

Requires neo4j.enabled in the config or the NEO4J_URI environment
variable.`,
	RunE: runSync,
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	if !cfg.Neo4j.Enabled {
		return fmt.Errorf("neo4j mirror not configured; set neo4j.uri in the config or NEO4J_URI")
	}

	store, _, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	mirror, err := graph.NewNeo4jMirror(ctx, cfg.Neo4j.URI, cfg.Neo4j.User, cfg.Neo4j.Password, cfg.Neo4j.Database)
	if err != nil {
		return err
	}
	defer mirror.Close(ctx)

	start := time.Now()
	if err := mirror.Sync(ctx, store); err != nil {
		return fmt.Errorf("mirror sync failed: %w", err)
	}
	fmt.Printf("Graph mirrored to %s in %s\n", cfg.Neo4j.URI, time.Since(start).Round(timeRound))
	return nil
}
