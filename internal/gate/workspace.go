package gate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/parseltongue/parseltongue-go/internal/graph"
	"github.com/parseltongue/parseltongue-go/internal/ledger"
	"github.com/parseltongue/parseltongue-go/internal/models"
)

// Workspace is an isolated copy of the source tree used for stage-2 and
// stage-3 checks. It is materialized from the ledger's current texts with
// the candidate's future texts applied on top; the real workspace is
// never written.
type Workspace struct {
	// Path is the root directory of the copy
	Path string

	preserve bool
}

// materializeWorkspace writes one file per source path, composed from the
// candidate nodes' files. For each affected file, the current texts of all
// nodes in that file are concatenated in id order, with the candidate's
// future texts substituted.
func materializeWorkspace(ctx context.Context, root string, store graph.Store, led *ledger.Ledger, rows []models.CandidateLedgerRow, preserve bool) (*Workspace, error) {
	dir, err := os.MkdirTemp(root, "candidate-*")
	if err != nil {
		return nil, fmt.Errorf("create workspace copy: %w", err)
	}
	ws := &Workspace{Path: dir, preserve: preserve}

	future := make(map[string]*string, len(rows))
	files := make(map[string]struct{})
	for _, row := range rows {
		future[row.NodeID] = row.FutureText
		node, err := store.GetNode(ctx, row.NodeID)
		if err != nil {
			ws.Cleanup()
			return nil, err
		}
		if node != nil && node.Metadata.File != "" {
			files[node.Metadata.File] = struct{}{}
		}
	}

	for path := range files {
		nodes, err := store.NodesByFile(ctx, path)
		if err != nil {
			ws.Cleanup()
			return nil, err
		}

		var content []byte
		for _, node := range nodes {
			text, err := effectiveText(ctx, led, node.ID, future)
			if err != nil {
				ws.Cleanup()
				return nil, err
			}
			if text == "" {
				continue
			}
			content = append(content, []byte(text)...)
			if text[len(text)-1] != '\n' {
				content = append(content, '\n')
			}
		}

		target := filepath.Join(dir, filepath.FromSlash(path))
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			ws.Cleanup()
			return nil, fmt.Errorf("create workspace directory: %w", err)
		}
		if err := os.WriteFile(target, content, 0644); err != nil {
			ws.Cleanup()
			return nil, fmt.Errorf("write workspace file %s: %w", path, err)
		}
	}

	return ws, nil
}

// effectiveText is the candidate's future text when the node is part of
// the candidate, else the ledger's current text
func effectiveText(ctx context.Context, led *ledger.Ledger, nodeID string, future map[string]*string) (string, error) {
	if ft, ok := future[nodeID]; ok {
		if ft == nil {
			return "", nil // delete action
		}
		return *ft, nil
	}
	row, err := led.Get(ctx, nodeID)
	if err != nil {
		return "", err
	}
	if row == nil {
		return "", nil
	}
	return row.CurrentText, nil
}

// Cleanup removes the workspace copy unless preserve-on-failure is set
func (w *Workspace) Cleanup() {
	if w.preserve {
		return
	}
	os.RemoveAll(w.Path)
}
