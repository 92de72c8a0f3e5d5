package ingestion

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parseltongue/parseltongue-go/internal/models"
)

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "graph.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestManifestExtract(t *testing.T) {
	path := writeManifest(t, `
version: 1
project: authkit
nodes:
  - id: mod_auth
    kind: module
    display_name: auth
  - id: fn_login
    kind: function
    parent_id: mod_auth
    display_name: login
    file: src/auth.rs
    signature: "fn login(user: &str) -> Result<Session, Error>"
    visibility: pub
    doc_summary: Authenticates a user and opens a session
    start_line: 10
    end_line: 42
  - id: fn_login_test
    kind: function
    parent_id: mod_auth
    display_name: login_roundtrip
    file: src/auth.rs
    is_test: true
edges:
  - src: fn_login_test
    dst: fn_login
    kind: calls
  - src: fn_login
    dst: mod_auth
    kind: contains
    level: 1
`)

	src := NewManifestSource(path)
	assert.Equal(t, "manifest:graph.yaml", src.Name())

	nodes, edges, err := src.Extract(context.Background())
	require.NoError(t, err)
	require.Len(t, nodes, 3)
	require.Len(t, edges, 2)

	assert.Equal(t, models.NodeKindModule, nodes[0].Kind)
	assert.Equal(t, "mod_auth", nodes[1].ParentID)
	assert.Equal(t, "fn login(user: &str) -> Result<Session, Error>", nodes[1].Metadata.Signature)
	assert.Equal(t, 10, nodes[1].Metadata.StartLine)
	assert.True(t, nodes[2].Metadata.IsTest)

	assert.Equal(t, models.EdgeKindCalls, edges[0].Kind)
	assert.Equal(t, models.EdgeKindContains, edges[1].Kind)
	assert.Equal(t, 1, edges[1].Level)
}

func TestManifestRejectsUnknownVersion(t *testing.T) {
	path := writeManifest(t, "version: 2\nnodes: []\n")

	_, _, err := NewManifestSource(path).Extract(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported manifest version")
}

func TestManifestRejectsBadNodeKind(t *testing.T) {
	path := writeManifest(t, `
version: 1
nodes:
  - id: x
    kind: widget
    display_name: x
`)

	_, _, err := NewManifestSource(path).Extract(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown node kind")
}

func TestManifestRejectsMissingNodeID(t *testing.T) {
	path := writeManifest(t, `
version: 1
nodes:
  - kind: function
    display_name: anonymous
`)

	_, _, err := NewManifestSource(path).Extract(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing id")
}

func TestManifestRejectsDanglingEdgeFields(t *testing.T) {
	path := writeManifest(t, `
version: 1
edges:
  - src: a
    kind: calls
`)

	_, _, err := NewManifestSource(path).Extract(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing src or dst")
}

func TestManifestMissingFile(t *testing.T) {
	_, _, err := NewManifestSource("/nonexistent/graph.yaml").Extract(context.Background())
	require.Error(t, err)
}
