package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/parseltongue/parseltongue-go/internal/embeddings"
	"github.com/parseltongue/parseltongue-go/internal/mcp"
	"github.com/parseltongue/parseltongue-go/internal/mcp/tools"
	"github.com/parseltongue/parseltongue-go/internal/retrieval"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the retrieval and ledger tools over MCP on stdio",
	Long: `Expose retrieve, propose, and candidate_status as MCP tools speaking
JSON-RPC over stdin/stdout, for use by agent hosts.

Requests are handled one at a time until stdin closes.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, led, err := openLedger()
	if err != nil {
		return err
	}
	defer store.Close()

	var embedder retrieval.Embedder
	if producer, err := embeddings.NewProducer(ctx, cfg); err == nil {
		embedder = producer
	} else {
		logger.WithError(err).Debug("No embedding provider; vector leg limited to stored vectors")
	}
	engine := retrieval.NewEngine(store, embedder, logger)

	handler := mcp.NewHandler()
	handler.RegisterTool("retrieve", tools.NewRetrieveTool(engine, retrieval.OptionsFromConfig(cfg)))
	handler.RegisterTool("propose", tools.NewProposeTool(led))
	handler.RegisterTool("candidate_status", tools.NewCandidateStatusTool(led))

	logger.Info("MCP server listening on stdio")
	return mcp.NewStdioTransport(handler, os.Stdin, os.Stdout).Start(ctx)
}
