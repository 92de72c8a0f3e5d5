package main

import (
	"fmt"
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/parseltongue/parseltongue-go/internal/config"
	"github.com/parseltongue/parseltongue-go/internal/graph"
	"github.com/parseltongue/parseltongue-go/internal/ledger"
	"github.com/parseltongue/parseltongue-go/internal/logging"
)

// timeRound trims durations in user-facing output
const timeRound = 10 * time.Millisecond

var (
	// Version information (set by build flags)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	cfgFile string
	verbose bool
	logger  *logrus.Logger
	cfg     *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "parsel",
	Short: "Parseltongue - interface graphs, hybrid retrieval, and gated edits",
	Long: `Parseltongue maintains a typed graph of your codebase's interfaces,
answers context queries by combining graph traversal with vector search,
and validates proposed edits through a staged gate before they land.`,
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Load configuration
		loaded, loadErr := config.Load(cfgFile)
		if loadErr != nil {
			loaded = config.Default()
		}
		cfg = loaded

		logCfg := logging.Config{
			Level:  cfg.Logging.Level,
			Format: cfg.Logging.Format,
			File:   cfg.Logging.File,
		}
		if verbose {
			logCfg.Level = "debug"
		}
		var err error
		logger, err = logging.New(logCfg)
		if err != nil {
			logger = logrus.New()
			logger.WithError(err).Warn("Falling back to default logger")
		}
		if loadErr != nil {
			logger.WithError(loadErr).Warn("Failed to load config, using defaults")
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.parseltongue/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	// Set custom version template
	rootCmd.SetVersionTemplate(`Parseltongue {{.Version}}
Build time: ` + BuildTime + `
Git commit: ` + GitCommit + `
`)

	// Add subcommands
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(enrichCmd)
	rootCmd.AddCommand(retrieveCmd)
	rootCmd.AddCommand(proposeCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(commitCmd)
	rootCmd.AddCommand(discardCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(configureCmd)
	rootCmd.AddCommand(serveCmd)
}

// openStore opens the configured graph store and exposes the shared database
// handle the ledger rides on.
func openStore() (graph.Store, *sqlx.DB, error) {
	switch cfg.Storage.Type {
	case "postgres":
		s, err := graph.NewPostgresStore(cfg.Storage.PostgresDSN, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres store: %w", err)
		}
		return s, s.DB(), nil
	case "sqlite", "":
		s, err := graph.NewSQLiteStore(cfg.Storage.LocalPath, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, s.DB(), nil
	default:
		return nil, nil, fmt.Errorf("unknown storage type %q", cfg.Storage.Type)
	}
}

// openLedger opens the store together with the candidate ledger.
func openLedger() (graph.Store, *ledger.Ledger, error) {
	store, db, err := openStore()
	if err != nil {
		return nil, nil, err
	}
	led, err := ledger.NewLedger(db, logger)
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("open candidate ledger: %w", err)
	}
	return store, led, nil
}
