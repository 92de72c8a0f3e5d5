package ingestion

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/parseltongue/parseltongue-go/internal/models"
)

// Manifest is the on-disk description of an interface graph: a YAML document
// produced by an external extractor that Parseltongue ingests wholesale.
type Manifest struct {
	Version int            `yaml:"version"`
	Project string         `yaml:"project"`
	Nodes   []ManifestNode `yaml:"nodes"`
	Edges   []ManifestEdge `yaml:"edges"`
}

// ManifestNode is one interface entry in a manifest.
type ManifestNode struct {
	ID          string `yaml:"id"`
	Kind        string `yaml:"kind"`
	ParentID    string `yaml:"parent_id,omitempty"`
	DisplayName string `yaml:"display_name"`
	File        string `yaml:"file,omitempty"`
	Signature   string `yaml:"signature,omitempty"`
	Visibility  string `yaml:"visibility,omitempty"`
	FeatureGate string `yaml:"feature_gate,omitempty"`
	DocSummary  string `yaml:"doc_summary,omitempty"`
	StartLine   int    `yaml:"start_line,omitempty"`
	EndLine     int    `yaml:"end_line,omitempty"`
	IsTest      bool   `yaml:"is_test,omitempty"`
}

// ManifestEdge is one relationship entry in a manifest.
type ManifestEdge struct {
	Src   string `yaml:"src"`
	Dst   string `yaml:"dst"`
	Kind  string `yaml:"kind"`
	Level int    `yaml:"level,omitempty"`
}

// ManifestSource loads graph facts from a YAML manifest file. It implements
// Source so the orchestrator can treat file-based ingestion like any other.
type ManifestSource struct {
	path string
}

// NewManifestSource creates a source backed by the manifest at path.
func NewManifestSource(path string) *ManifestSource {
	return &ManifestSource{path: path}
}

// Name identifies the source by its manifest file name.
func (m *ManifestSource) Name() string {
	return "manifest:" + filepath.Base(m.path)
}

// Extract parses the manifest and converts its entries to graph facts.
func (m *ManifestSource) Extract(ctx context.Context) ([]*models.Node, []models.Edge, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	data, err := os.ReadFile(m.path)
	if err != nil {
		return nil, nil, fmt.Errorf("read manifest: %w", err)
	}

	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, nil, fmt.Errorf("parse manifest %s: %w", m.path, err)
	}
	if manifest.Version != 1 {
		return nil, nil, fmt.Errorf("unsupported manifest version %d in %s", manifest.Version, m.path)
	}

	nodes := make([]*models.Node, 0, len(manifest.Nodes))
	for i := range manifest.Nodes {
		node, err := manifest.Nodes[i].toNode()
		if err != nil {
			return nil, nil, fmt.Errorf("manifest node %d: %w", i, err)
		}
		nodes = append(nodes, node)
	}

	edges := make([]models.Edge, 0, len(manifest.Edges))
	for i := range manifest.Edges {
		edge, err := manifest.Edges[i].toEdge()
		if err != nil {
			return nil, nil, fmt.Errorf("manifest edge %d: %w", i, err)
		}
		edges = append(edges, edge)
	}

	return nodes, edges, nil
}

func (n *ManifestNode) toNode() (*models.Node, error) {
	if n.ID == "" {
		return nil, fmt.Errorf("missing id")
	}
	kind, err := models.ParseNodeKind(n.Kind)
	if err != nil {
		return nil, fmt.Errorf("node %s: %w", n.ID, err)
	}
	return &models.Node{
		ID:          n.ID,
		Kind:        kind,
		ParentID:    n.ParentID,
		DisplayName: n.DisplayName,
		Metadata: models.NodeMetadata{
			Signature:   n.Signature,
			Visibility:  n.Visibility,
			FeatureGate: n.FeatureGate,
			DocSummary:  n.DocSummary,
			File:        n.File,
			StartLine:   n.StartLine,
			EndLine:     n.EndLine,
			IsTest:      n.IsTest,
		},
	}, nil
}

func (e *ManifestEdge) toEdge() (models.Edge, error) {
	if e.Src == "" || e.Dst == "" {
		return models.Edge{}, fmt.Errorf("missing src or dst")
	}
	kind, err := models.ParseEdgeKind(e.Kind)
	if err != nil {
		return models.Edge{}, fmt.Errorf("edge %s->%s: %w", e.Src, e.Dst, err)
	}
	return models.Edge{
		SrcID: e.Src,
		DstID: e.Dst,
		Kind:  kind,
		Level: e.Level,
	}, nil
}
