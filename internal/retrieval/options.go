package retrieval

import (
	"github.com/parseltongue/parseltongue-go/internal/config"
	"github.com/parseltongue/parseltongue-go/internal/models"
)

// Options bounds a retrieval run. Zero values fall back to the defaults,
// so callers may set only what they care about.
type Options struct {
	// MaxHops is the maximum graph-traversal depth from any seed
	MaxHops int

	// EdgeKinds are the edge types that participate in traversal;
	// empty means {Calls, Depends}
	EdgeKinds []models.EdgeKind

	// PerHopCap bounds the number of newly-discovered nodes admitted at
	// each hop
	PerHopCap int

	// VectorK is the number of nearest-neighbor results fetched per seed
	VectorK int

	// MaxTotalNodes is the hard cap on the merged result size; truncation
	// is by combined score, never by insertion order
	MaxTotalNodes int

	// GraphWeight and VectorWeight combine the two scores
	GraphWeight  float64
	VectorWeight float64
}

// DefaultOptions returns the standard retrieval bounds
func DefaultOptions() Options {
	return Options{
		MaxHops:       2,
		EdgeKinds:     []models.EdgeKind{models.EdgeKindCalls, models.EdgeKindDepends},
		PerHopCap:     30,
		VectorK:       15,
		MaxTotalNodes: 50,
		GraphWeight:   0.6,
		VectorWeight:  0.4,
	}
}

// OptionsFromConfig builds retrieval options from the loaded configuration
func OptionsFromConfig(cfg *config.Config) Options {
	opts := DefaultOptions()
	if cfg == nil {
		return opts
	}
	if cfg.Retrieval.MaxHops > 0 {
		opts.MaxHops = cfg.Retrieval.MaxHops
	}
	if cfg.Retrieval.PerHopCap > 0 {
		opts.PerHopCap = cfg.Retrieval.PerHopCap
	}
	if cfg.Retrieval.VectorK > 0 {
		opts.VectorK = cfg.Retrieval.VectorK
	}
	if cfg.Retrieval.MaxTotalNodes > 0 {
		opts.MaxTotalNodes = cfg.Retrieval.MaxTotalNodes
	}
	if cfg.Retrieval.GraphWeight > 0 || cfg.Retrieval.VectorWeight > 0 {
		opts.GraphWeight = cfg.Retrieval.GraphWeight
		opts.VectorWeight = cfg.Retrieval.VectorWeight
	}
	return opts
}

// normalized fills zero values with defaults so the engine never divides
// by or loops to zero
func (o Options) normalized() Options {
	def := DefaultOptions()
	if o.MaxHops <= 0 {
		o.MaxHops = def.MaxHops
	}
	if len(o.EdgeKinds) == 0 {
		o.EdgeKinds = def.EdgeKinds
	}
	if o.PerHopCap <= 0 {
		o.PerHopCap = def.PerHopCap
	}
	if o.VectorK <= 0 {
		o.VectorK = def.VectorK
	}
	if o.MaxTotalNodes <= 0 {
		o.MaxTotalNodes = def.MaxTotalNodes
	}
	if o.GraphWeight == 0 && o.VectorWeight == 0 {
		o.GraphWeight = def.GraphWeight
		o.VectorWeight = def.VectorWeight
	}
	return o
}
