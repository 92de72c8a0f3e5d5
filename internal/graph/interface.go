package graph

import (
	"context"
	"errors"

	"github.com/parseltongue/parseltongue-go/internal/models"
)

// Common errors
var (
	// ErrSchemaViolation is returned when a node upsert would break the
	// parent-hierarchy forest invariant
	ErrSchemaViolation = errors.New("schema violation")

	// ErrIndexNotBuilt is returned when vector search runs before any
	// node has an embedding
	ErrIndexNotBuilt = errors.New("vector index not built")

	// ErrNotFound is returned for point lookups where absence is a caller bug
	ErrNotFound = errors.New("not found")
)

// DistanceMetric selects the vector-search distance function
type DistanceMetric string

const (
	MetricCosine    DistanceMetric = "cosine"
	MetricEuclidean DistanceMetric = "euclidean"
)

// Direction selects which edges a neighbor query follows
type Direction int

const (
	DirectionOut Direction = iota
	DirectionIn
	DirectionBoth
)

// Neighbor is one adjacent node plus the edge that reached it
type Neighbor struct {
	Node *models.Node
	Edge models.Edge
}

// VectorMatch is one nearest-neighbor result
type VectorMatch struct {
	Node     *models.Node
	Distance float64
}

// Store defines the interface graph store: durable node/edge storage plus
// vector-index maintenance. All writes are durable before the call returns.
type Store interface {
	// UpsertNodes inserts or replaces nodes by id. Fails with
	// ErrSchemaViolation if a parent link would create a cycle.
	UpsertNodes(ctx context.Context, nodes []*models.Node) error

	// UpsertEdges inserts edges idempotently; a duplicate (src, dst, kind)
	// is a no-op, not an error.
	UpsertEdges(ctx context.Context, edges []models.Edge) error

	// GetNode returns the node with the given id, or nil if absent
	GetNode(ctx context.Context, id string) (*models.Node, error)

	// GetNeighbors returns adjacent nodes along edges of the given kinds.
	// Edges pointing at retired ids are pruned lazily here, not eagerly
	// at retire time.
	GetNeighbors(ctx context.Context, id string, kinds []models.EdgeKind, dir Direction) ([]Neighbor, error)

	// NodesByFile returns nodes whose metadata places them in the given
	// source file, used to map diagnostics back to owning nodes
	NodesByFile(ctx context.Context, path string) ([]*models.Node, error)

	// NodesMissingEmbedding returns up to limit nodes without an embedding
	NodesMissingEmbedding(ctx context.Context, limit int) ([]*models.Node, error)

	// SetEmbedding stores the embedding vector for a node
	SetEmbedding(ctx context.Context, id string, vec []float32) error

	// VectorSearch returns up to k nodes nearest to the query vector,
	// ordered by increasing distance. Fails with ErrIndexNotBuilt when no
	// node has an embedding yet.
	VectorSearch(ctx context.Context, query []float32, k int, metric DistanceMetric) ([]VectorMatch, error)

	// RetireMissing deletes every node (and its edges) whose id is absent
	// from currentIDs, returning the number of retired nodes
	RetireMissing(ctx context.Context, currentIDs map[string]struct{}) (int, error)

	// AllEdges returns every stored edge; used for mirror sync and
	// consistency scans
	AllEdges(ctx context.Context) ([]models.Edge, error)

	// AllNodes returns every stored node without embeddings
	AllNodes(ctx context.Context) ([]*models.Node, error)

	// Revision returns a counter bumped on every write, identifying the
	// current store snapshot for caching
	Revision(ctx context.Context) (int64, error)

	// Close closes the underlying connection
	Close() error
}
