package config

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/zalando/go-keyring"
)

const (
	// KeyringService is the service name in the OS keychain
	KeyringService = "Parseltongue"

	// KeyringUser is the user identifier for credentials
	KeyringUser = "default"

	// KeyringOpenAIItem is the key for the OpenAI embedding API key
	KeyringOpenAIItem = "openai-api-key"

	// KeyringGeminiItem is the key for the Gemini embedding API key
	KeyringGeminiItem = "gemini-api-key"
)

// KeyringManager handles secure credential storage in the OS keychain
type KeyringManager struct {
	logger *slog.Logger
}

// NewKeyringManager creates a new keyring manager
func NewKeyringManager() *KeyringManager {
	return &KeyringManager{
		logger: slog.Default().With("component", "keyring"),
	}
}

// IsAvailable reports whether the OS keychain works on this system.
// Headless Linux without a Secret Service provider is the usual failure.
func (km *KeyringManager) IsAvailable() bool {
	const probe = "availability-probe"
	if err := keyring.Set(KeyringService, probe, "ok"); err != nil {
		return false
	}
	_ = keyring.Delete(KeyringService, probe)
	return true
}

// SaveKey stores an API key securely in the OS keychain.
// macOS: Keychain Access, Windows: Credential Manager, Linux: Secret Service.
func (km *KeyringManager) SaveKey(item, apiKey string) error {
	if apiKey == "" {
		return fmt.Errorf("api key cannot be empty")
	}

	if err := keyring.Set(KeyringService, item, apiKey); err != nil {
		km.logger.Error("failed to save API key to keychain", "item", item, "error", err)
		return fmt.Errorf("failed to save to OS keychain: %w", err)
	}

	km.logger.Info("API key saved to OS keychain", "item", item)
	return nil
}

// GetKey retrieves an API key from the OS keychain
func (km *KeyringManager) GetKey(item string) (string, error) {
	key, err := keyring.Get(KeyringService, item)
	if err != nil {
		return "", fmt.Errorf("failed to read from OS keychain: %w", err)
	}
	return key, nil
}

// DeleteKey removes an API key from the OS keychain
func (km *KeyringManager) DeleteKey(item string) error {
	if err := keyring.Delete(KeyringService, item); err != nil {
		return fmt.Errorf("failed to delete from OS keychain: %w", err)
	}
	km.logger.Info("API key removed from OS keychain", "item", item)
	return nil
}

// ResolveEmbeddingKey returns the API key for the configured provider,
// preferring the OS keychain, then config, then environment
func ResolveEmbeddingKey(cfg *Config) string {
	item := KeyringOpenAIItem
	envVar := "OPENAI_API_KEY"
	configured := cfg.Embeddings.OpenAIKey
	if cfg.Embeddings.Provider == "gemini" {
		item = KeyringGeminiItem
		envVar = "GEMINI_API_KEY"
		configured = cfg.Embeddings.GeminiKey
	}

	if cfg.Embeddings.UseKeychain {
		if key, err := NewKeyringManager().GetKey(item); err == nil && key != "" {
			return key
		}
	}
	if configured != "" {
		return configured
	}
	return os.Getenv(envVar)
}
