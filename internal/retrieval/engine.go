package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/parseltongue/parseltongue-go/internal/graph"
	"github.com/parseltongue/parseltongue-go/internal/models"
)

// Common errors
var (
	// ErrNoSeeds is returned when retrieve is called with no seed ids
	ErrNoSeeds = errors.New("no seeds provided")

	// ErrAllSeedsMissing is returned when none of the seed ids resolve
	ErrAllSeedsMissing = errors.New("no seed resolves to an existing node")
)

// Embedder computes an embedding for seed text on the fly when a seed has
// none stored. Optional; without it such seeds skip the vector leg.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Engine computes a bounded, ranked context set around seed nodes by
// combining exact bounded-depth graph traversal with approximate
// nearest-neighbor vector search. Retrieval is read-only: for a fixed
// store snapshot and fixed options the output is byte-identical across
// calls, including ordering.
type Engine struct {
	store    graph.Store
	embedder Embedder
	logger   *logrus.Logger
}

// NewEngine creates a retrieval engine. embedder may be nil.
func NewEngine(store graph.Store, embedder Embedder, logger *logrus.Logger) *Engine {
	return &Engine{
		store:    store,
		embedder: embedder,
		logger:   logger,
	}
}

// candidate accumulates the best graph and vector signals for one node
type candidate struct {
	node        *models.Node
	hopDistance int // -1 when unreached by traversal
	viaEdge     models.EdgeKind
	seedID      string  // seed responsible for the best signal
	vectorDist  float64 // -1 when unreached by vector search
	vectorNorm  float64
}

// Retrieve computes the blast radius of the given seeds
func (e *Engine) Retrieve(ctx context.Context, seeds []string, opts Options) (*models.ContextSet, error) {
	if len(seeds) == 0 {
		return nil, ErrNoSeeds
	}
	opts = opts.normalized()

	// Resolve seeds; missing ones are skipped and reported as warnings
	var warnings []string
	resolved := make([]*models.Node, 0, len(seeds))
	for _, id := range seeds {
		node, err := e.store.GetNode(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("resolve seed %s: %w", id, err)
		}
		if node == nil {
			warnings = append(warnings, fmt.Sprintf("seed %s not found", id))
			continue
		}
		resolved = append(resolved, node)
	}
	if len(resolved) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrAllSeedsMissing, strings.Join(seeds, ", "))
	}

	candidates := make(map[string]*candidate)
	for _, seed := range resolved {
		candidates[seed.ID] = &candidate{
			node:        seed,
			hopDistance: 0,
			seedID:      seed.ID,
			vectorDist:  -1,
		}
	}

	// Exact leg: bounded BFS per seed, sequential in seed order so the
	// shorter-alternate-path tie-break is reproducible
	globalDist := make(map[string]int)
	for _, seed := range resolved {
		globalDist[seed.ID] = 0
	}
	for _, seed := range resolved {
		if err := e.traverse(ctx, seed, opts, candidates, globalDist); err != nil {
			return nil, err
		}
	}

	// Approximate leg: per-seed vector search, parallel since it is
	// read-only. Results are merged in seed order afterwards.
	vectorHits, vectorWarnings, err := e.vectorLeg(ctx, resolved, opts)
	if err != nil {
		return nil, err
	}
	warnings = append(warnings, vectorWarnings...)

	for _, seed := range resolved {
		hits := vectorHits[seed.ID]
		if len(hits) == 0 {
			continue
		}
		maxDist := hits[len(hits)-1].Distance
		for _, hit := range hits {
			norm := 0.0
			if maxDist > 0 {
				norm = hit.Distance / maxDist
			}
			c, ok := candidates[hit.Node.ID]
			if !ok {
				candidates[hit.Node.ID] = &candidate{
					node:        hit.Node,
					hopDistance: -1,
					seedID:      seed.ID,
					vectorDist:  hit.Distance,
					vectorNorm:  norm,
				}
				continue
			}
			// A node reached both ways keeps the better vector signal
			if c.vectorDist < 0 || hit.Distance < c.vectorDist {
				c.vectorDist = hit.Distance
				c.vectorNorm = norm
			}
		}
	}

	return e.rank(ctx, candidates, opts, warnings)
}

// traverse runs one seed's bounded BFS, admitting at most PerHopCap newly
// discovered nodes per hop. A node already visited at an equal-or-shorter
// distance is not re-expanded, which terminates cycles.
func (e *Engine) traverse(ctx context.Context, seed *models.Node, opts Options, candidates map[string]*candidate, globalDist map[string]int) error {
	visited := map[string]int{seed.ID: 0}
	frontier := []string{seed.ID}

	for hop := 1; hop <= opts.MaxHops && len(frontier) > 0; hop++ {
		type discovery struct {
			node *models.Node
			via  models.EdgeKind
		}
		discovered := make(map[string]discovery)

		for _, id := range frontier {
			neighbors, err := e.store.GetNeighbors(ctx, id, opts.EdgeKinds, graph.DirectionOut)
			if err != nil {
				return fmt.Errorf("expand %s: %w", id, err)
			}
			for _, nb := range neighbors {
				if prev, ok := visited[nb.Node.ID]; ok && prev <= hop {
					continue
				}
				if _, ok := discovered[nb.Node.ID]; !ok {
					discovered[nb.Node.ID] = discovery{node: nb.Node, via: nb.Edge.Kind}
				}
			}
		}

		// Deterministic admission under the per-hop cap: prefer nodes
		// already reachable via a shorter alternate path, then Function
		// over Type over Module, then lexicographic id
		ids := make([]string, 0, len(discovered))
		for id := range discovered {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool {
			di, dj := knownDistance(globalDist, ids[i], hop), knownDistance(globalDist, ids[j], hop)
			if di != dj {
				return di < dj
			}
			ki, kj := kindRank(discovered[ids[i]].node.Kind), kindRank(discovered[ids[j]].node.Kind)
			if ki != kj {
				return ki < kj
			}
			return ids[i] < ids[j]
		})
		if len(ids) > opts.PerHopCap {
			ids = ids[:opts.PerHopCap]
		}

		frontier = frontier[:0]
		for _, id := range ids {
			d := discovered[id]
			visited[id] = hop
			if best, ok := globalDist[id]; !ok || hop < best {
				globalDist[id] = hop
			}
			frontier = append(frontier, id)

			c, ok := candidates[id]
			if !ok {
				candidates[id] = &candidate{
					node:        d.node,
					hopDistance: hop,
					viaEdge:     d.via,
					seedID:      seed.ID,
					vectorDist:  -1,
				}
				continue
			}
			// Keep the better (shorter) graph signal
			if c.hopDistance < 0 || hop < c.hopDistance {
				c.hopDistance = hop
				c.viaEdge = d.via
				c.seedID = seed.ID
			}
		}
	}
	return nil
}

// vectorLeg runs the per-seed nearest-neighbor searches in parallel
func (e *Engine) vectorLeg(ctx context.Context, seeds []*models.Node, opts Options) (map[string][]graph.VectorMatch, []string, error) {
	hits := make(map[string][]graph.VectorMatch, len(seeds))
	var warnings []string
	var indexNotBuilt bool
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for _, seed := range seeds {
		seed := seed
		g.Go(func() error {
			vec := seed.Embedding
			if vec == nil {
				text := seedText(seed)
				if e.embedder == nil || text == "" {
					return nil
				}
				computed, err := e.embedder.Embed(gctx, text)
				if err != nil {
					mu.Lock()
					warnings = append(warnings, fmt.Sprintf("seed %s: embedding unavailable: %v", seed.ID, err))
					mu.Unlock()
					return nil
				}
				vec = computed
			}

			matches, err := e.store.VectorSearch(gctx, vec, opts.VectorK, graph.MetricCosine)
			if err != nil {
				if errors.Is(err, graph.ErrIndexNotBuilt) {
					mu.Lock()
					indexNotBuilt = true
					mu.Unlock()
					return nil
				}
				return fmt.Errorf("vector search for seed %s: %w", seed.ID, err)
			}

			mu.Lock()
			hits[seed.ID] = matches
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	// Every seed hits the same unbuilt index; warn once
	if indexNotBuilt {
		warnings = append(warnings, "vector index not built; graph-only retrieval")
	}

	// Warning order must not depend on goroutine scheduling
	sort.Strings(warnings)
	return hits, warnings, nil
}

// rank merges, scores, sorts, and truncates the candidate set, then
// collects the edges among the surviving nodes
func (e *Engine) rank(ctx context.Context, candidates map[string]*candidate, opts Options, warnings []string) (*models.ContextSet, error) {
	scored := make([]models.ScoredNode, 0, len(candidates))
	for _, c := range candidates {
		var graphScore, vectorScore float64
		if c.hopDistance >= 0 {
			graphScore = 1.0 / (1.0 + float64(c.hopDistance))
		}
		if c.vectorDist >= 0 {
			vectorScore = 1.0 - c.vectorNorm
		}
		score := opts.GraphWeight*graphScore + opts.VectorWeight*vectorScore

		scored = append(scored, models.ScoredNode{
			Node:     c.node,
			Score:    score,
			Evidence: buildEvidence(c),
		})
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Node.ID < scored[j].Node.ID
	})
	if len(scored) > opts.MaxTotalNodes {
		scored = scored[:opts.MaxTotalNodes]
	}

	kept := make(map[string]struct{}, len(scored))
	for _, sn := range scored {
		kept[sn.Node.ID] = struct{}{}
	}

	allEdges, err := e.store.AllEdges(ctx)
	if err != nil {
		return nil, fmt.Errorf("collect context edges: %w", err)
	}
	var edges []models.Edge
	for _, edge := range allEdges {
		if _, ok := kept[edge.SrcID]; !ok {
			continue
		}
		if _, ok := kept[edge.DstID]; !ok {
			continue
		}
		edges = append(edges, edge)
	}

	if e.logger != nil {
		e.logger.WithFields(logrus.Fields{
			"nodes": len(scored),
			"edges": len(edges),
		}).Debug("Retrieval complete")
	}

	return &models.ContextSet{
		Nodes:    scored,
		Edges:    edges,
		Warnings: warnings,
	}, nil
}

func buildEvidence(c *candidate) models.Evidence {
	ev := models.Evidence{
		SeedID:         c.seedID,
		HopDistance:    c.hopDistance,
		ViaEdge:        c.viaEdge,
		VectorDistance: c.vectorDist,
	}
	switch {
	case c.hopDistance == 0:
		ev.Reason = "seed"
	case c.hopDistance > 0 && c.vectorDist >= 0:
		ev.Reason = "graph+vector"
	case c.hopDistance > 0:
		ev.Reason = "graph"
	default:
		ev.Reason = "vector"
	}
	return ev
}

// seedText is the text embedded for seeds lacking a stored vector
func seedText(n *models.Node) string {
	if n.Metadata.Signature != "" {
		return n.Metadata.Signature
	}
	if n.Metadata.DocSummary != "" {
		return n.Metadata.DocSummary
	}
	return n.DisplayName
}

func knownDistance(globalDist map[string]int, id string, fallback int) int {
	if d, ok := globalDist[id]; ok {
		return d
	}
	return fallback
}

// kindRank orders node kinds for the per-hop admission tie-break
func kindRank(k models.NodeKind) int {
	switch k {
	case models.NodeKindFunction:
		return 0
	case models.NodeKindType:
		return 1
	case models.NodeKindTrait:
		return 2
	case models.NodeKindModule:
		return 3
	default:
		return 4
	}
}
