package graph

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/parseltongue/parseltongue-go/internal/models"
)

// SQLiteStore implements Store using SQLite (for local/development)
type SQLiteStore struct {
	db     *sqlx.DB
	logger *logrus.Logger

	mu  sync.RWMutex
	idx *vectorIndex
}

// NewSQLiteStore creates a new SQLite-backed graph store
func NewSQLiteStore(path string, logger *logrus.Logger) (*SQLiteStore, error) {
	// Ensure directory exists
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("connect to sqlite: %w", err)
	}

	// Each pooled connection to a plain :memory: DSN is its own empty
	// database, so pin the pool to a single connection there.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Enable foreign keys and WAL mode for better concurrency
	db.Exec("PRAGMA foreign_keys = ON")
	db.Exec("PRAGMA journal_mode = WAL")
	// Writes must be durable before the call returns
	db.Exec("PRAGMA synchronous = FULL")

	store := &SQLiteStore{
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

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS nodes (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		parent_id TEXT,
		display_name TEXT NOT NULL,
		file TEXT,
		metadata TEXT,
		embedding BLOB
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
		value INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_edges_src ON edges(src_id);
	CREATE INDEX IF NOT EXISTS idx_edges_dst ON edges(dst_id);
	CREATE INDEX IF NOT EXISTS idx_nodes_parent ON nodes(parent_id);
	CREATE INDEX IF NOT EXISTS idx_nodes_file ON nodes(file);

	INSERT OR IGNORE INTO store_meta (key, value) VALUES ('revision', 0);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return nil
}

// loadIndex populates the in-memory vector index from the embedding column
func (s *SQLiteStore) loadIndex() error {
	rows, err := s.db.Query(`SELECT id, embedding FROM nodes WHERE embedding IS NOT NULL`)
	if err != nil {
		return err
	}
	defer rows.Close()

	count := 0
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
		count++
	}
	if count > 0 && s.logger != nil {
		s.logger.WithField("embeddings", count).Debug("Vector index loaded")
	}
	return rows.Err()
}

// UpsertNodes inserts or replaces nodes by id. The parent hierarchy must
// remain a forest; a batch that would introduce a parent cycle is rolled
// back with ErrSchemaViolation.
func (s *SQLiteStore) UpsertNodes(ctx context.Context, nodes []*models.Node) error {
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
			// Items updated in place keep their embedding unless the
			// signature changed, in which case it must be recomputed
			var prevSig sql.NullString
			var prevBlob []byte
			err := tx.QueryRowContext(ctx,
				`SELECT json_extract(metadata, '$.signature'), embedding FROM nodes WHERE id = ?`,
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
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				kind = excluded.kind,
				parent_id = excluded.parent_id,
				display_name = excluded.display_name,
				file = excluded.file,
				metadata = excluded.metadata,
				embedding = excluded.embedding`,
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

	if err := bumpRevision(ctx, tx); err != nil {
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

// checkParentForest walks each new node's parent chain and rejects cycles.
// The chain is resolved against the incoming batch first, then the database.
func (s *SQLiteStore) checkParentForest(ctx context.Context, tx *sqlx.Tx, nodes []*models.Node) error {
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
				err := tx.QueryRowContext(ctx, `SELECT parent_id FROM nodes WHERE id = ?`, current).Scan(&parent)
				if err == sql.ErrNoRows {
					break // dangling parent is tolerated; pruned lazily
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
func (s *SQLiteStore) UpsertEdges(ctx context.Context, edges []models.Edge) error {
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
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(src_id, dst_id, kind) DO NOTHING`,
			e.SrcID, e.DstID, e.Kind, e.Level, nullable(e.Metadata))
		if err != nil {
			return fmt.Errorf("upsert edge %s->%s: %w", e.SrcID, e.DstID, err)
		}
	}

	if err := bumpRevision(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit edge upsert: %w", err)
	}
	return nil
}

// GetNode returns the node with the given id, or nil if absent
func (s *SQLiteStore) GetNode(ctx context.Context, id string) (*models.Node, error) {
	row := s.db.QueryRowxContext(ctx,
		`SELECT id, kind, parent_id, display_name, metadata, embedding FROM nodes WHERE id = ?`, id)
	node, err := scanNode(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get node %s: %w", id, err)
	}
	return node, nil
}

// GetNeighbors returns adjacent nodes along edges of the given kinds.
// Edges whose far endpoint no longer exists are pruned here, implementing
// the lazy cleanup of retired ids.
func (s *SQLiteStore) GetNeighbors(ctx context.Context, id string, kinds []models.EdgeKind, dir Direction) ([]Neighbor, error) {
	var neighbors []Neighbor
	var stale []models.Edge

	kindSet := make(map[models.EdgeKind]struct{}, len(kinds))
	for _, k := range kinds {
		kindSet[k] = struct{}{}
	}

	// Drain the edge cursor before resolving far nodes: issuing nested
	// queries against an open cursor checks out a second pooled connection.
	collect := func(query string, outgoing bool) error {
		rows, err := s.db.QueryxContext(ctx, query, id)
		if err != nil {
			return err
		}

		var edges []models.Edge
		for rows.Next() {
			var e models.Edge
			var meta sql.NullString
			if err := rows.Scan(&e.SrcID, &e.DstID, &e.Kind, &e.Level, &meta); err != nil {
				rows.Close()
				return err
			}
			e.Metadata = meta.String
			if len(kindSet) > 0 {
				if _, ok := kindSet[e.Kind]; !ok {
					continue
				}
			}
			edges = append(edges, e)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		for _, e := range edges {
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
		return nil
	}

	if dir == DirectionOut || dir == DirectionBoth {
		if err := collect(`SELECT src_id, dst_id, kind, level, metadata FROM edges WHERE src_id = ? ORDER BY dst_id, kind`, true); err != nil {
			return nil, fmt.Errorf("neighbors of %s: %w", id, err)
		}
	}
	if dir == DirectionIn || dir == DirectionBoth {
		if err := collect(`SELECT src_id, dst_id, kind, level, metadata FROM edges WHERE dst_id = ? ORDER BY src_id, kind`, false); err != nil {
			return nil, fmt.Errorf("neighbors of %s: %w", id, err)
		}
	}

	if len(stale) > 0 {
		s.pruneEdges(ctx, stale)
	}
	return neighbors, nil
}

// pruneEdges drops edges referencing retired node ids. Failures are logged,
// not returned: pruning is opportunistic and the next traversal retries it.
func (s *SQLiteStore) pruneEdges(ctx context.Context, stale []models.Edge) {
	for _, e := range stale {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM edges WHERE src_id = ? AND dst_id = ? AND kind = ?`,
			e.SrcID, e.DstID, e.Kind)
		if err != nil && s.logger != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"src": e.SrcID,
				"dst": e.DstID,
			}).Warn("Failed to prune stale edge")
		}
	}
}

// NodesByFile returns nodes located in the given source file
func (s *SQLiteStore) NodesByFile(ctx context.Context, path string) ([]*models.Node, error) {
	rows, err := s.db.QueryxContext(ctx,
		`SELECT id, kind, parent_id, display_name, metadata, embedding FROM nodes WHERE file = ? ORDER BY id`, path)
	if err != nil {
		return nil, fmt.Errorf("nodes by file %s: %w", path, err)
	}
	defer rows.Close()
	return scanNodes(rows)
}

// NodesMissingEmbedding returns up to limit nodes without an embedding
func (s *SQLiteStore) NodesMissingEmbedding(ctx context.Context, limit int) ([]*models.Node, error) {
	rows, err := s.db.QueryxContext(ctx,
		`SELECT id, kind, parent_id, display_name, metadata, embedding FROM nodes WHERE embedding IS NULL ORDER BY id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("nodes missing embedding: %w", err)
	}
	defer rows.Close()
	return scanNodes(rows)
}

// SetEmbedding stores the embedding vector for a node
func (s *SQLiteStore) SetEmbedding(ctx context.Context, id string, vec []float32) error {
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

	res, err := tx.ExecContext(ctx, `UPDATE nodes SET embedding = ? WHERE id = ?`, blob, id)
	if err != nil {
		return fmt.Errorf("set embedding for %s: %w", id, err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("set embedding for %s: %w", id, ErrNotFound)
	}

	if err := bumpRevision(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit embedding: %w", err)
	}

	return s.idx.set(id, vec)
}

// VectorSearch returns up to k nodes nearest to the query vector
func (s *SQLiteStore) VectorSearch(ctx context.Context, query []float32, k int, metric DistanceMetric) ([]VectorMatch, error) {
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
			continue // retired between index read and lookup
		}
		matches = append(matches, VectorMatch{Node: node, Distance: m.Distance})
	}
	return matches, nil
}

// RetireMissing deletes every node (and its edges) absent from currentIDs
func (s *SQLiteStore) RetireMissing(ctx context.Context, currentIDs map[string]struct{}) (int, error) {
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
		if _, err := tx.ExecContext(ctx, `DELETE FROM nodes WHERE id = ?`, id); err != nil {
			return 0, fmt.Errorf("retire node %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM edges WHERE src_id = ? OR dst_id = ?`, id, id); err != nil {
			return 0, fmt.Errorf("retire edges of %s: %w", id, err)
		}
	}

	if err := bumpRevision(ctx, tx); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit retire: %w", err)
	}

	for _, id := range retired {
		s.idx.remove(id)
	}
	if s.logger != nil {
		s.logger.WithField("count", len(retired)).Info("Retired missing nodes")
	}
	return len(retired), nil
}

// AllEdges returns every stored edge in deterministic order
func (s *SQLiteStore) AllEdges(ctx context.Context) ([]models.Edge, error) {
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
func (s *SQLiteStore) AllNodes(ctx context.Context) ([]*models.Node, error) {
	rows, err := s.db.QueryxContext(ctx,
		`SELECT id, kind, parent_id, display_name, metadata, NULL FROM nodes ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()
	return scanNodes(rows)
}

// Revision returns the current write-revision counter
func (s *SQLiteStore) Revision(ctx context.Context) (int64, error) {
	var rev int64
	err := s.db.QueryRowContext(ctx, `SELECT value FROM store_meta WHERE key = 'revision'`).Scan(&rev)
	if err != nil {
		return 0, fmt.Errorf("read revision: %w", err)
	}
	return rev, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle so the candidate ledger can share the
// same database file and transactions
func (s *SQLiteStore) DB() *sqlx.DB {
	return s.db
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanNode(row rowScanner) (*models.Node, error) {
	var node models.Node
	var parent, meta sql.NullString
	var blob []byte
	if err := row.Scan(&node.ID, &node.Kind, &parent, &node.DisplayName, &meta, &blob); err != nil {
		return nil, err
	}
	node.ParentID = parent.String
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &node.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	if blob != nil {
		vec, err := decodeVector(blob)
		if err != nil {
			return nil, err
		}
		node.Embedding = vec
	}
	return &node, nil
}

func scanNodes(rows *sqlx.Rows) ([]*models.Node, error) {
	var nodes []*models.Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func bumpRevision(ctx context.Context, tx *sqlx.Tx) error {
	if _, err := tx.ExecContext(ctx,
		`UPDATE store_meta SET value = value + 1 WHERE key = 'revision'`); err != nil {
		return fmt.Errorf("bump revision: %w", err)
	}
	return nil
}
