package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Print the configuration after merging defaults, the config file, and
environment overrides. API keys are redacted.`,
	RunE: runConfig,
}

func runConfig(cmd *cobra.Command, args []string) error {
	redacted := *cfg
	if redacted.Embeddings.OpenAIKey != "" {
		redacted.Embeddings.OpenAIKey = "<redacted>"
	}
	if redacted.Embeddings.GeminiKey != "" {
		redacted.Embeddings.GeminiKey = "<redacted>"
	}
	if redacted.Neo4j.Password != "" {
		redacted.Neo4j.Password = "<redacted>"
	}
	if redacted.Storage.PostgresDSN != "" {
		redacted.Storage.PostgresDSN = "<redacted>"
	}

	out, err := yaml.Marshal(&redacted)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	os.Stdout.Write(out)
	return nil
}
