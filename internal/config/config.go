package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration settings
type Config struct {
	// Storage configuration
	Storage StorageConfig `yaml:"storage" mapstructure:"storage"`

	// Retrieval defaults
	Retrieval RetrievalConfig `yaml:"retrieval" mapstructure:"retrieval"`

	// Validation gate settings
	Gate GateConfig `yaml:"gate" mapstructure:"gate"`

	// Embedding producer settings
	Embeddings EmbeddingsConfig `yaml:"embeddings" mapstructure:"embeddings"`

	// Optional Neo4j mirror
	Neo4j Neo4jConfig `yaml:"neo4j" mapstructure:"neo4j"`

	// Retrieval cache settings
	Cache CacheConfig `yaml:"cache" mapstructure:"cache"`

	// Logging settings
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`   // debug, info, warn, error
	Format string `yaml:"format" mapstructure:"format"` // text, json
	File   string `yaml:"file" mapstructure:"file"`
}

type StorageConfig struct {
	Type        string `yaml:"type" mapstructure:"type"` // "sqlite", "postgres"
	PostgresDSN string `yaml:"postgres_dsn" mapstructure:"postgres_dsn"`
	LocalPath   string `yaml:"local_path" mapstructure:"local_path"`
}

type RetrievalConfig struct {
	MaxHops       int     `yaml:"max_hops" mapstructure:"max_hops"`
	PerHopCap     int     `yaml:"per_hop_cap" mapstructure:"per_hop_cap"`
	VectorK       int     `yaml:"vector_k" mapstructure:"vector_k"`
	MaxTotalNodes int     `yaml:"max_total_nodes" mapstructure:"max_total_nodes"`
	GraphWeight   float64 `yaml:"graph_weight" mapstructure:"graph_weight"`
	VectorWeight  float64 `yaml:"vector_weight" mapstructure:"vector_weight"`
}

type GateConfig struct {
	WorkspaceRoot     string        `yaml:"workspace_root" mapstructure:"workspace_root"`
	PreserveOnFailure bool          `yaml:"preserve_on_failure" mapstructure:"preserve_on_failure"`
	PreflightTimeout  time.Duration `yaml:"preflight_timeout" mapstructure:"preflight_timeout"`
	CompileTimeout    time.Duration `yaml:"compile_timeout" mapstructure:"compile_timeout"`
	TestTimeout       time.Duration `yaml:"test_timeout" mapstructure:"test_timeout"`
	CheckCommand      string        `yaml:"check_command" mapstructure:"check_command"`
	CompileCommand    string        `yaml:"compile_command" mapstructure:"compile_command"`
	TestCommand       string        `yaml:"test_command" mapstructure:"test_command"`
}

type EmbeddingsConfig struct {
	Provider     string  `yaml:"provider" mapstructure:"provider"` // "openai", "gemini"
	Model        string  `yaml:"model" mapstructure:"model"`
	Dimensions   int     `yaml:"dimensions" mapstructure:"dimensions"`
	OpenAIKey    string  `yaml:"openai_key" mapstructure:"openai_key"`
	GeminiKey    string  `yaml:"gemini_key" mapstructure:"gemini_key"`
	UseKeychain  bool    `yaml:"use_keychain" mapstructure:"use_keychain"`
	RequestsPerS float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	Concurrency  int     `yaml:"concurrency" mapstructure:"concurrency"`
}

type Neo4jConfig struct {
	Enabled  bool   `yaml:"enabled" mapstructure:"enabled"`
	URI      string `yaml:"uri" mapstructure:"uri"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
}

type CacheConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Path    string `yaml:"path" mapstructure:"path"`
}

// Default returns default configuration
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	return &Config{
		Storage: StorageConfig{
			Type:      "sqlite",
			LocalPath: filepath.Join(homeDir, ".parseltongue", "graph.db"),
		},
		Retrieval: RetrievalConfig{
			MaxHops:       2,
			PerHopCap:     30,
			VectorK:       15,
			MaxTotalNodes: 50,
			GraphWeight:   0.6,
			VectorWeight:  0.4,
		},
		Gate: GateConfig{
			WorkspaceRoot:    filepath.Join(os.TempDir(), "parseltongue-workspaces"),
			PreflightTimeout: 30 * time.Second,
			CompileTimeout:   5 * time.Minute,
			TestTimeout:      10 * time.Minute,
		},
		Embeddings: EmbeddingsConfig{
			Provider:     "openai",
			Model:        "text-embedding-3-small",
			Dimensions:   1536,
			RequestsPerS: 5,
			Concurrency:  4,
		},
		Neo4j: Neo4jConfig{
			Database: "neo4j",
		},
		Cache: CacheConfig{
			Enabled: true,
			Path:    filepath.Join(homeDir, ".parseltongue", "retrieval.cache"),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from file
func Load(path string) (*Config, error) {
	// Load .env files first (in order of precedence)
	loadEnvFiles()

	v := viper.New()
	v.SetConfigType("yaml")

	// Set defaults
	cfg := Default()
	v.SetDefault("storage", cfg.Storage)
	v.SetDefault("retrieval", cfg.Retrieval)
	v.SetDefault("gate", cfg.Gate)
	v.SetDefault("embeddings", cfg.Embeddings)
	v.SetDefault("neo4j", cfg.Neo4j)
	v.SetDefault("cache", cfg.Cache)
	v.SetDefault("logging", cfg.Logging)

	// Load from environment variables
	v.SetEnvPrefix("PARSELTONGUE")
	v.AutomaticEnv()

	// Try to find config file
	if path != "" {
		v.SetConfigFile(path)
	} else {
		// Search for config in standard locations
		v.SetConfigName("config")
		v.AddConfigPath(".parseltongue")
		v.AddConfigPath(".")
		homeDir, _ := os.UserHomeDir()
		v.AddConfigPath(filepath.Join(homeDir, ".parseltongue"))
	}

	// Read config file if it exists
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found is OK, use defaults
	}

	// Unmarshal into struct
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	return cfg, nil
}

// loadEnvFiles loads .env files in order of precedence
func loadEnvFiles() {
	envFiles := []string{
		".env.local", // Local overrides (highest precedence)
		".env",       // Main environment file
	}

	for _, file := range envFiles {
		if _, err := os.Stat(file); err == nil {
			_ = godotenv.Load(file)
		}
	}
}

// applyEnvOverrides applies environment variable overrides for secrets
// and connection strings that should never live in the config file
func applyEnvOverrides(cfg *Config) {
	if dsn := os.Getenv("PARSELTONGUE_POSTGRES_DSN"); dsn != "" {
		cfg.Storage.PostgresDSN = dsn
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		cfg.Embeddings.OpenAIKey = key
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		cfg.Embeddings.GeminiKey = key
	}
	if uri := os.Getenv("NEO4J_URI"); uri != "" {
		cfg.Neo4j.URI = uri
		cfg.Neo4j.Enabled = true
	}
	if user := os.Getenv("NEO4J_USER"); user != "" {
		cfg.Neo4j.User = user
	}
	if pass := os.Getenv("NEO4J_PASSWORD"); pass != "" {
		cfg.Neo4j.Password = pass
	}
}

// Validate checks configuration consistency before components start
func (c *Config) Validate() error {
	switch c.Storage.Type {
	case "sqlite":
		if c.Storage.LocalPath == "" {
			return fmt.Errorf("storage.local_path required for sqlite storage")
		}
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("storage.postgres_dsn required for postgres storage")
		}
	default:
		return fmt.Errorf("unknown storage type: %s", c.Storage.Type)
	}

	if c.Retrieval.GraphWeight < 0 || c.Retrieval.VectorWeight < 0 {
		return fmt.Errorf("retrieval weights must be non-negative")
	}
	if c.Retrieval.MaxTotalNodes <= 0 {
		return fmt.Errorf("retrieval.max_total_nodes must be positive")
	}
	if c.Neo4j.Enabled && c.Neo4j.URI == "" {
		return fmt.Errorf("neo4j.uri required when neo4j mirror is enabled")
	}
	return nil
}
