package graph

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Neo4jMirror pushes the interface graph into Neo4j for ad-hoc Cypher
// exploration. It is never on the retrieval hot path; the Store interface
// is the system of record and the mirror is rebuilt from it.
type Neo4jMirror struct {
	driver   neo4j.DriverWithContext
	logger   *slog.Logger
	database string
}

// NewNeo4jMirror creates a Neo4j mirror client
func NewNeo4jMirror(ctx context.Context, uri, user, password, database string) (*Neo4jMirror, error) {
	if uri == "" || user == "" || password == "" {
		return nil, fmt.Errorf("neo4j credentials missing: uri=%s, user=%s", uri, user)
	}
	if database == "" {
		database = "neo4j"
	}

	driver, err := neo4j.NewDriverWithContext(uri,
		neo4j.BasicAuth(user, password, ""),
		func(config *neo4j.Config) {
			config.MaxConnectionPoolSize = 50
			config.ConnectionAcquisitionTimeout = 60 * time.Second
			config.MaxConnectionLifetime = 3600 * time.Second
			config.SocketConnectTimeout = 5 * time.Second
			config.SocketKeepalive = true
		})
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}

	// Verify connectivity (fail fast on startup)
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("failed to connect to neo4j at %s: %w", uri, err)
	}

	logger := slog.Default().With("component", "neo4j")
	logger.Info("neo4j mirror connected", "uri", uri, "database", database)

	return &Neo4jMirror{
		driver:   driver,
		logger:   logger,
		database: database,
	}, nil
}

// Close closes the Neo4j driver connection
func (m *Neo4jMirror) Close(ctx context.Context) error {
	if err := m.driver.Close(ctx); err != nil {
		return fmt.Errorf("failed to close neo4j driver: %w", err)
	}
	return nil
}

// HealthCheck verifies Neo4j connectivity
func (m *Neo4jMirror) HealthCheck(ctx context.Context) error {
	if err := m.driver.VerifyConnectivity(ctx); err != nil {
		return fmt.Errorf("neo4j health check failed: %w", err)
	}
	return nil
}

const syncBatchSize = 500

// Sync mirrors every node and edge of the store into Neo4j using MERGE,
// so repeated syncs are idempotent. Embeddings are not mirrored.
func (m *Neo4jMirror) Sync(ctx context.Context, store Store) error {
	nodes, err := store.AllNodes(ctx)
	if err != nil {
		return fmt.Errorf("load nodes for sync: %w", err)
	}
	edges, err := store.AllEdges(ctx)
	if err != nil {
		return fmt.Errorf("load edges for sync: %w", err)
	}

	start := time.Now()
	session := m.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: m.database})
	defer session.Close(ctx)

	for i := 0; i < len(nodes); i += syncBatchSize {
		end := i + syncBatchSize
		if end > len(nodes) {
			end = len(nodes)
		}
		batch := make([]map[string]any, 0, end-i)
		for _, n := range nodes[i:end] {
			batch = append(batch, map[string]any{
				"id":           n.ID,
				"kind":         string(n.Kind),
				"parent_id":    n.ParentID,
				"display_name": n.DisplayName,
				"signature":    n.Metadata.Signature,
				"file":         n.Metadata.File,
			})
		}

		_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
			query := `
				UNWIND $nodes AS n
				MERGE (node:Interface {id: n.id})
				SET node.kind = n.kind,
				    node.parent_id = n.parent_id,
				    node.display_name = n.display_name,
				    node.signature = n.signature,
				    node.file = n.file
			`
			return tx.Run(ctx, query, map[string]any{"nodes": batch})
		})
		if err != nil {
			return fmt.Errorf("sync node batch: %w", err)
		}
	}

	for i := 0; i < len(edges); i += syncBatchSize {
		end := i + syncBatchSize
		if end > len(edges) {
			end = len(edges)
		}
		batch := make([]map[string]any, 0, end-i)
		for _, e := range edges[i:end] {
			batch = append(batch, map[string]any{
				"src":   e.SrcID,
				"dst":   e.DstID,
				"kind":  string(e.Kind),
				"level": e.Level,
			})
		}

		_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
			query := `
				UNWIND $edges AS e
				MATCH (src:Interface {id: e.src})
				MATCH (dst:Interface {id: e.dst})
				MERGE (src)-[rel:RELATES {kind: e.kind}]->(dst)
				SET rel.level = e.level
			`
			return tx.Run(ctx, query, map[string]any{"edges": batch})
		})
		if err != nil {
			return fmt.Errorf("sync edge batch: %w", err)
		}
	}

	m.logger.Info("graph mirrored to neo4j",
		"nodes", len(nodes),
		"edges", len(edges),
		"duration", time.Since(start))
	return nil
}

// ExecuteQuery runs an arbitrary read query against the mirror
func (m *Neo4jMirror) ExecuteQuery(ctx context.Context, query string, params map[string]any) ([]map[string]any, error) {
	session := m.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: m.database,
		AccessMode:   neo4j.AccessModeRead,
	})
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		var records []map[string]any
		for res.Next(ctx) {
			records = append(records, res.Record().AsMap())
		}
		return records, res.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("neo4j query failed: %w", err)
	}
	records, _ := result.([]map[string]any)
	return records, nil
}
