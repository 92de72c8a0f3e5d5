package ingestion

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/parseltongue/parseltongue-go/internal/graph"
	"github.com/parseltongue/parseltongue-go/internal/ledger"
	"github.com/parseltongue/parseltongue-go/internal/models"
)

// Source produces graph facts for one ingestion pass. Implementations are
// expected to emit the complete node set for the files they cover so that
// RetireMissing can prune anything that disappeared since the last pass.
type Source interface {
	// Name identifies the source in logs and results.
	Name() string
	// Extract returns every node and edge the source currently observes.
	Extract(ctx context.Context) ([]*models.Node, []models.Edge, error)
}

// Embedder turns node text into a vector. Satisfied by the embeddings package.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

const upsertBatchSize = 500

// Orchestrator coordinates the ingestion process: pulling facts from a
// source, batching them into the store, retiring vanished nodes, and seeding
// the candidate ledger with current text.
type Orchestrator struct {
	store  graph.Store
	ledger *ledger.Ledger
	logger *logrus.Logger

	// EmbedConcurrency bounds the enrichment worker pool. Zero means 4.
	EmbedConcurrency int
	// EmbedRate throttles embedding calls per second. Zero means unlimited.
	EmbedRate float64
}

// NewOrchestrator creates a new ingestion orchestrator.
func NewOrchestrator(store graph.Store, led *ledger.Ledger, logger *logrus.Logger) *Orchestrator {
	return &Orchestrator{
		store:  store,
		ledger: led,
		logger: logger,
	}
}

// Result summarizes one ingestion pass.
type Result struct {
	Source    string
	NodeCount int
	EdgeCount int
	Retired   int
	Duration  time.Duration
	Revision  int64
}

// Ingest runs a full pass against the given source. Nodes whose signature is
// unchanged keep their embedding; nodes the source no longer reports are
// retired along with their edges.
func (o *Orchestrator) Ingest(ctx context.Context, src Source) (*Result, error) {
	start := time.Now()
	o.logger.WithField("source", src.Name()).Info("Starting ingestion")

	nodes, edges, err := src.Extract(ctx)
	if err != nil {
		return nil, fmt.Errorf("extraction failed: %w", err)
	}

	seen := make(map[string]struct{}, len(nodes))
	for _, n := range nodes {
		seen[n.ID] = struct{}{}
	}

	for off := 0; off < len(nodes); off += upsertBatchSize {
		end := off + upsertBatchSize
		if end > len(nodes) {
			end = len(nodes)
		}
		if err := o.store.UpsertNodes(ctx, nodes[off:end]); err != nil {
			return nil, fmt.Errorf("failed to upsert nodes: %w", err)
		}
	}
	for off := 0; off < len(edges); off += upsertBatchSize {
		end := off + upsertBatchSize
		if end > len(edges) {
			end = len(edges)
		}
		if err := o.store.UpsertEdges(ctx, edges[off:end]); err != nil {
			return nil, fmt.Errorf("failed to upsert edges: %w", err)
		}
	}

	retired, err := o.store.RetireMissing(ctx, seen)
	if err != nil {
		return nil, fmt.Errorf("failed to retire missing nodes: %w", err)
	}

	if o.ledger != nil {
		if err := o.seedLedger(ctx, nodes); err != nil {
			return nil, fmt.Errorf("failed to seed ledger: %w", err)
		}
	}

	rev, err := o.store.Revision(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read store revision: %w", err)
	}

	result := &Result{
		Source:    src.Name(),
		NodeCount: len(nodes),
		EdgeCount: len(edges),
		Retired:   retired,
		Duration:  time.Since(start),
		Revision:  rev,
	}

	o.logger.WithFields(logrus.Fields{
		"source":   result.Source,
		"nodes":    result.NodeCount,
		"edges":    result.EdgeCount,
		"retired":  result.Retired,
		"duration": result.Duration.String(),
	}).Info("Ingestion completed")

	return result, nil
}

// seedLedger records each node's current text so proposals have a baseline.
// Locked rows are skipped: an in-flight candidate owns that node's text.
func (o *Orchestrator) seedLedger(ctx context.Context, nodes []*models.Node) error {
	for _, n := range nodes {
		if err := o.ledger.UpsertCurrent(ctx, n.ID, embeddingText(n)); err != nil {
			if errors.Is(err, ledger.ErrNodeLocked) {
				o.logger.WithField("node_id", n.ID).Debug("Skipping locked node during ledger seed")
				continue
			}
			return err
		}
	}
	return nil
}

// EnrichResult summarizes an embedding enrichment pass.
type EnrichResult struct {
	Embedded int
	Failed   int
	Duration time.Duration
}

const enrichBatchSize = 256

// EnrichEmbeddings computes vectors for every node that lacks one, using a
// bounded worker pool. Individual failures are logged and counted rather
// than aborting the pass; only context cancellation stops it early.
func (o *Orchestrator) EnrichEmbeddings(ctx context.Context, embedder Embedder) (*EnrichResult, error) {
	start := time.Now()

	concurrency := o.EmbedConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	var limiter *rate.Limiter
	if o.EmbedRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(o.EmbedRate), 1)
	}

	result := &EnrichResult{}
	attempted := make(map[string]struct{})

	for {
		fetched, err := o.store.NodesMissingEmbedding(ctx, enrichBatchSize)
		if err != nil {
			return nil, fmt.Errorf("failed to list nodes missing embeddings: %w", err)
		}

		// Nodes that failed earlier in this pass still lack an embedding;
		// skip them so a persistent provider error cannot loop forever
		batch := fetched[:0]
		for _, n := range fetched {
			if _, done := attempted[n.ID]; !done {
				batch = append(batch, n)
			}
		}
		if len(batch) == 0 {
			break
		}
		for _, n := range batch {
			attempted[n.ID] = struct{}{}
		}

		var embedded, failed int64
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(concurrency)
		for _, node := range batch {
			node := node
			g.Go(func() error {
				if limiter != nil {
					if err := limiter.Wait(gctx); err != nil {
						return err
					}
				}
				vec, err := embedder.Embed(gctx, embeddingText(node))
				if err != nil {
					if gctx.Err() != nil {
						return gctx.Err()
					}
					o.logger.WithError(err).WithField("node_id", node.ID).Warn("Embedding failed")
					atomic.AddInt64(&failed, 1)
					return nil
				}
				if err := o.store.SetEmbedding(gctx, node.ID, vec); err != nil {
					return fmt.Errorf("failed to store embedding for %s: %w", node.ID, err)
				}
				atomic.AddInt64(&embedded, 1)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		result.Embedded += int(embedded)
		result.Failed += int(failed)
	}

	result.Duration = time.Since(start)
	if result.Embedded > 0 || result.Failed > 0 {
		o.logger.WithFields(logrus.Fields{
			"embedded": result.Embedded,
			"failed":   result.Failed,
			"duration": result.Duration.String(),
		}).Info("Embedding enrichment completed")
	}
	return result, nil
}

// embeddingText picks the text a node is embedded from: signature first,
// then doc summary, then the display name as a last resort.
func embeddingText(n *models.Node) string {
	switch {
	case n.Metadata.Signature != "" && n.Metadata.DocSummary != "":
		return n.Metadata.Signature + "\n" + n.Metadata.DocSummary
	case n.Metadata.Signature != "":
		return n.Metadata.Signature
	case n.Metadata.DocSummary != "":
		return n.Metadata.DocSummary
	default:
		return n.DisplayName
	}
}
