package graph

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/parseltongue/parseltongue-go/internal/models"
)

// PostgresStore implements Store using PostgreSQL
type PostgresStore struct {
	db     *sqlx.DB
	logger *logrus.Logger

	mu  sync.RWMutex
	idx *vectorIndex
}

// NewPostgresStore creates a new PostgreSQL-backed graph store
func NewPostgresStore(dsn string, logger *logrus.Logger) (*PostgresStore, error) {
	db, err := sqlx.Connect("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	store := &PostgresStore{
		db:     db,
		logger: logger,
		idx:    newVectorIndex(),
	}

	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("init schema: %w", err)
	}
	if err := store.loadIndex(); err != nil {
		return nil, fmt.Errorf("load vector index: %w", err)
	}

	return store, nil
}

func (s *PostgresStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS nodes (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		parent_id TEXT,
		display_name TEXT NOT NULL,
		file TEXT,
		metadata JSONB,
		embedding BYTEA
	);

	CREATE TABLE IF NOT EXISTS edges (
		src_id TEXT NOT NULL,
		dst_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		level INTEGER NOT NULL DEFAULT 0,
		metadata TEXT,
		PRIMARY KEY (src_id, dst_id, kind)
	);

	CREATE TABLE IF NOT EXISTS store_meta (
		key TEXT PRIMARY KEY,
		value BIGINT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_edges_src ON edges(src_id);
	CREATE INDEX IF NOT EXISTS idx_edges_dst ON edges(dst_id);
	CREATE INDEX IF NOT EXISTS idx_nodes_file ON nodes(file);

	INSERT INTO store_meta (key, value) VALUES ('revision', 0)
	ON CONFLICT (key) DO NOTHING;
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return nil
}

func (s *PostgresStore) loadIndex() error {
	rows, err := s.db.Query(`SELECT id, embedding FROM nodes WHERE embedding IS NOT NULL`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return err
		}
		vec, err := decodeVector(blob)
		if err != nil {
			return fmt.Errorf("node %s: %w", id, err)
		}
		if err := s.idx.set(id, vec); err != nil {
			return err
		}
	}
	return rows.Err()
}

// UpsertNodes inserts or replaces nodes by id, enforcing the parent forest
func (s *PostgresStore) UpsertNodes(ctx context.Context, nodes []*models.Node) error {
	if len(nodes) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.checkParentForest(ctx, tx, nodes); err != nil {
		return err
	}

	indexUpdates := make(map[string][]float32)
	indexRemovals := make([]string, 0)

	for _, node := range nodes {
		meta, err := json.Marshal(node.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata for %s: %w", node.ID, err)
		}

		embedding := node.Embedding
		if embedding == nil {
			var prevSig sql.NullString
			var prevBlob []byte
			err := tx.QueryRowContext(ctx,
				`SELECT metadata->>'signature', embedding FROM nodes WHERE id = $1`,
				node.ID).Scan(&prevSig, &prevBlob)
			if err == nil && prevBlob != nil && prevSig.String == node.Metadata.Signature {
				embedding, err = decodeVector(prevBlob)
				if err != nil {
					return fmt.Errorf("node %s: %w", node.ID, err)
				}
			} else if err != nil && err != sql.ErrNoRows {
				return fmt.Errorf("lookup previous node %s: %w", node.ID, err)
			}
		}

		blob, err := encodeVector(embedding)
		if err != nil {
			return fmt.Errorf("node %s: %w", node.ID, err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO nodes (id, kind, parent_id, display_name, file, metadata, embedding)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO UPDATE SET
				kind = EXCLUDED.kind,
				parent_id = EXCLUDED.parent_id,
				display_name = EXCLUDED.display_name,
				file = EXCLUDED.file,
				metadata = EXCLUDED.metadata,
				embedding = EXCLUDED.embedding`,
			node.ID, node.Kind, nullable(node.ParentID), node.DisplayName,
			nullable(node.Metadata.File), string(meta), blob)
		if err != nil {
			return fmt.Errorf("upsert node %s: %w", node.ID, err)
		}

		if embedding != nil {
			indexUpdates[node.ID] = embedding
		} else {
			indexRemovals = append(indexRemovals, node.ID)
		}
	}

	if err := s.bumpRevision(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit node upsert: %w", err)
	}

	for id, vec := range indexUpdates {
		if err := s.idx.set(id, vec); err != nil {
			return err
		}
	}
	for _, id := range indexRemovals {
		s.idx.remove(id)
	}
	return nil
}

func (s *PostgresStore) checkParentForest(ctx context.Context, tx *sqlx.Tx, nodes []*models.Node) error {
	batch := make(map[string]string, len(nodes))
	for _, n := range nodes {
		batch[n.ID] = n.ParentID
	}

	for _, n := range nodes {
		seen := map[string]struct{}{n.ID: {}}
		current := n.ParentID
		for current != "" {
			if _, dup := seen[current]; dup {
				return fmt.Errorf("%w: parent cycle through node %s", ErrSchemaViolation, current)
			}
			seen[current] = struct{}{}

			next, ok := batch[current]
			if !ok {
				var parent sql.NullString
				err := tx.QueryRowContext(ctx, `SELECT parent_id FROM nodes WHERE id = $1`, current).Scan(&parent)
				if err == sql.ErrNoRows {
					break
				}
				if err != nil {
					return fmt.Errorf("resolve parent chain: %w", err)
				}
				next = parent.String
			}
			current = next
		}
	}
	return nil
}

// UpsertEdges inserts edges idempotently; duplicates are no-ops
func (s *PostgresStore) UpsertEdges(ctx context.Context, edges []models.Edge) error {
	if len(edges) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, e := range edges {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO edges (src_id, dst_id, kind, level, metadata)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (src_id, dst_id, kind) DO NOTHING`,
			e.SrcID, e.DstID, e.Kind, e.Level, nullable(e.Metadata))
		if err != nil {
			return fmt.Errorf("upsert edge %s->%s: %w", e.SrcID, e.DstID, err)
		}
	}

	if err := s.bumpRevision(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit edge upsert: %w", err)
	}
	return nil
}

// GetNode returns the node with the given id, or nil if absent
func (s *PostgresStore) GetNode(ctx context.Context, id string) (*models.Node, error) {
	row := s.db.QueryRowxContext(ctx,
		`SELECT id, kind, parent_id, display_name, metadata, embedding FROM nodes WHERE id = $1`, id)
	node, err := scanNode(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get node %s: %w", id, err)
	}
	return node, nil
}

// GetNeighbors returns adjacent nodes along edges of the given kinds
func (s *PostgresStore) GetNeighbors(ctx context.Context, id string, kinds []models.EdgeKind, dir Direction) ([]Neighbor, error) {
	var neighbors []Neighbor
	var stale []models.Edge

	kindSet := make(map[models.EdgeKind]struct{}, len(kinds))
	for _, k := range kinds {
		kindSet[k] = struct{}{}
	}

	collect := func(query string, outgoing bool) error {
		rows, err := s.db.QueryxContext(ctx, query, id)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var e models.Edge
			var meta sql.NullString
			if err := rows.Scan(&e.SrcID, &e.DstID, &e.Kind, &e.Level, &meta); err != nil {
				return err
			}
			e.Metadata = meta.String
			if len(kindSet) > 0 {
				if _, ok := kindSet[e.Kind]; !ok {
					continue
				}
			}

			farID := e.DstID
			if !outgoing {
				farID = e.SrcID
			}
			node, err := s.GetNode(ctx, farID)
			if err != nil {
				return err
			}
			if node == nil {
				stale = append(stale, e)
				continue
			}
			neighbors = append(neighbors, Neighbor{Node: node, Edge: e})
		}
		return rows.Err()
	}

	if dir == DirectionOut || dir == DirectionBoth {
		if err := collect(`SELECT src_id, dst_id, kind, level, metadata FROM edges WHERE src_id = $1 ORDER BY dst_id, kind`, true); err != nil {
			return nil, fmt.Errorf("neighbors of %s: %w", id, err)
		}
	}
	if dir == DirectionIn || dir == DirectionBoth {
		if err := collect(`SELECT src_id, dst_id, kind, level, metadata FROM edges WHERE dst_id = $1 ORDER BY src_id, kind`, false); err != nil {
			return nil, fmt.Errorf("neighbors of %s: %w", id, err)
		}
	}

	for _, e := range stale {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM edges WHERE src_id = $1 AND dst_id = $2 AND kind = $3`,
			e.SrcID, e.DstID, e.Kind)
		if err != nil && s.logger != nil {
			s.logger.WithError(err).Warn("Failed to prune stale edge")
		}
	}
	return neighbors, nil
}

// NodesByFile returns nodes located in the given source file
func (s *PostgresStore) NodesByFile(ctx context.Context, path string) ([]*models.Node, error) {
	rows, err := s.db.QueryxContext(ctx,
		`SELECT id, kind, parent_id, display_name, metadata, embedding FROM nodes WHERE file = $1 ORDER BY id`, path)
	if err != nil {
		return nil, fmt.Errorf("nodes by file %s: %w", path, err)
	}
	defer rows.Close()
	return scanNodes(rows)
}

// NodesMissingEmbedding returns up to limit nodes without an embedding
func (s *PostgresStore) NodesMissingEmbedding(ctx context.Context, limit int) ([]*models.Node, error) {
	rows, err := s.db.QueryxContext(ctx,
		`SELECT id, kind, parent_id, display_name, metadata, embedding FROM nodes WHERE embedding IS NULL ORDER BY id LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("nodes missing embedding: %w", err)
	}
	defer rows.Close()
	return scanNodes(rows)
}

// SetEmbedding stores the embedding vector for a node
func (s *PostgresStore) SetEmbedding(ctx context.Context, id string, vec []float32) error {
	blob, err := encodeVector(vec)
	if err != nil {
		return fmt.Errorf("node %s: %w", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE nodes SET embedding = $1 WHERE id = $2`, blob, id)
	if err != nil {
		return fmt.Errorf("set embedding for %s: %w", id, err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("set embedding for %s: %w", id, ErrNotFound)
	}

	if err := s.bumpRevision(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit embedding: %w", err)
	}

	return s.idx.set(id, vec)
}

// VectorSearch returns up to k nodes nearest to the query vector
func (s *PostgresStore) VectorSearch(ctx context.Context, query []float32, k int, metric DistanceMetric) ([]VectorMatch, error) {
	s.mu.RLock()
	raw, err := s.idx.search(query, k, metric)
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	matches := make([]VectorMatch, 0, len(raw))
	for _, m := range raw {
		node, err := s.GetNode(ctx, m.ID)
		if err != nil {
			return nil, err
		}
		if node == nil {
			continue
		}
		matches = append(matches, VectorMatch{Node: node, Distance: m.Distance})
	}
	return matches, nil
}

// RetireMissing deletes every node (and its edges) absent from currentIDs
func (s *PostgresStore) RetireMissing(ctx context.Context, currentIDs map[string]struct{}) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `SELECT id FROM nodes`)
	if err != nil {
		return 0, fmt.Errorf("list node ids: %w", err)
	}
	var retired []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		if _, ok := currentIDs[id]; !ok {
			retired = append(retired, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(retired) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, id := range retired {
		if _, err := tx.ExecContext(ctx, `DELETE FROM nodes WHERE id = $1`, id); err != nil {
			return 0, fmt.Errorf("retire node %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM edges WHERE src_id = $1 OR dst_id = $1`, id); err != nil {
			return 0, fmt.Errorf("retire edges of %s: %w", id, err)
		}
	}

	if err := s.bumpRevision(ctx, tx); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit retire: %w", err)
	}

	for _, id := range retired {
		s.idx.remove(id)
	}
	return len(retired), nil
}

// AllEdges returns every stored edge in deterministic order
func (s *PostgresStore) AllEdges(ctx context.Context) ([]models.Edge, error) {
	rows, err := s.db.QueryxContext(ctx,
		`SELECT src_id, dst_id, kind, level, metadata FROM edges ORDER BY src_id, dst_id, kind`)
	if err != nil {
		return nil, fmt.Errorf("list edges: %w", err)
	}
	defer rows.Close()

	var edges []models.Edge
	for rows.Next() {
		var e models.Edge
		var meta sql.NullString
		if err := rows.Scan(&e.SrcID, &e.DstID, &e.Kind, &e.Level, &meta); err != nil {
			return nil, err
		}
		e.Metadata = meta.String
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// AllNodes returns every stored node without embeddings
func (s *PostgresStore) AllNodes(ctx context.Context) ([]*models.Node, error) {
	rows, err := s.db.QueryxContext(ctx,
		`SELECT id, kind, parent_id, display_name, metadata, NULL::bytea FROM nodes ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()
	return scanNodes(rows)
}

// Revision returns the current write-revision counter
func (s *PostgresStore) Revision(ctx context.Context) (int64, error) {
	var rev int64
	err := s.db.QueryRowContext(ctx, `SELECT value FROM store_meta WHERE key = 'revision'`).Scan(&rev)
	if err != nil {
		return 0, fmt.Errorf("read revision: %w", err)
	}
	return rev, nil
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for the candidate ledger
func (s *PostgresStore) DB() *sqlx.DB {
	return s.db
}

func (s *PostgresStore) bumpRevision(ctx context.Context, tx *sqlx.Tx) error {
	if _, err := tx.ExecContext(ctx,
		`UPDATE store_meta SET value = value + 1 WHERE key = 'revision'`); err != nil {
		return fmt.Errorf("bump revision: %w", err)
	}
	return nil
}
