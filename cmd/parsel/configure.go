package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/parseltongue/parseltongue-go/internal/config"
)

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Interactive setup for embedding credentials (with OS keychain support)",
	Long: `Store the embedding provider API key securely.

The key goes into the OS keychain when one is available (macOS Keychain,
Windows Credential Manager, Linux Secret Service); otherwise you are told
to use the OPENAI_API_KEY or GEMINI_API_KEY environment variable instead.
No key is ever written to the config file by this command.`,
	RunE: runConfigure,
}

func runConfigure(cmd *cobra.Command, args []string) error {
	fmt.Println("🔧 Parseltongue Configuration")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()

	reader := bufio.NewReader(os.Stdin)

	// Step 1: provider
	fmt.Printf("Embedding provider [openai/gemini] (current: %s): ", cfg.Embeddings.Provider)
	provider, _ := reader.ReadString('\n')
	provider = strings.TrimSpace(strings.ToLower(provider))
	if provider == "" {
		provider = cfg.Embeddings.Provider
	}

	item := config.KeyringOpenAIItem
	envVar := "OPENAI_API_KEY"
	switch provider {
	case "openai":
	case "gemini":
		item = config.KeyringGeminiItem
		envVar = "GEMINI_API_KEY"
	default:
		return fmt.Errorf("unknown provider %q", provider)
	}

	// Step 2: keychain availability
	km := config.NewKeyringManager()
	if !km.IsAvailable() {
		fmt.Println()
		fmt.Println("⚠️  OS keychain not available (headless system or Linux without libsecret)")
		fmt.Printf("   Set the %s environment variable instead.\n", envVar)
		return nil
	}

	// Step 3: read the key without echo
	fmt.Printf("%s API key (input hidden): ", provider)
	keyBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return fmt.Errorf("read API key: %w", err)
	}
	key := strings.TrimSpace(string(keyBytes))
	if key == "" {
		return fmt.Errorf("no key entered")
	}

	if err := km.SaveKey(item, key); err != nil {
		return err
	}

	fmt.Println()
	fmt.Println("✅ API key stored in OS keychain")
	fmt.Printf("   Set embeddings.provider: %s and embeddings.use_keychain: true in your config.\n", provider)
	return nil
}
