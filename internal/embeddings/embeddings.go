package embeddings

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/parseltongue/parseltongue-go/internal/config"
)

// Producer turns text into a fixed-dimension vector.
type Producer interface {
	// Embed returns the vector for one piece of text.
	Embed(ctx context.Context, text string) ([]float32, error)
	// Dimensions reports the vector width this producer emits.
	Dimensions() int
}

// Provider names a supported embedding backend.
type Provider string

const (
	ProviderOpenAI Provider = "openai"
	ProviderGemini Provider = "gemini"
)

// NewProducer builds a producer from configuration. The key lookup order is
// keychain, config file, environment; config.ResolveEmbeddingKey handles it.
func NewProducer(ctx context.Context, cfg *config.Config) (Producer, error) {
	logger := slog.Default().With("component", "embeddings")

	key := config.ResolveEmbeddingKey(cfg)
	if key == "" {
		return nil, fmt.Errorf("no API key configured for embedding provider %q", cfg.Embeddings.Provider)
	}

	var inner Producer
	switch Provider(cfg.Embeddings.Provider) {
	case ProviderOpenAI:
		inner = NewOpenAIProducer(key, cfg.Embeddings.Model, cfg.Embeddings.Dimensions)
	case ProviderGemini:
		var err error
		inner, err = NewGeminiProducer(ctx, key, cfg.Embeddings.Model, cfg.Embeddings.Dimensions)
		if err != nil {
			return nil, fmt.Errorf("create gemini producer: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Embeddings.Provider)
	}

	logger.Info("embedding producer initialized",
		"provider", cfg.Embeddings.Provider,
		"model", cfg.Embeddings.Model,
		"dimensions", cfg.Embeddings.Dimensions)

	if cfg.Embeddings.RequestsPerS > 0 {
		return NewRateLimited(inner, cfg.Embeddings.RequestsPerS), nil
	}
	return inner, nil
}

// RateLimited wraps a producer with a token-bucket limiter so enrichment
// passes stay inside provider quotas.
type RateLimited struct {
	inner   Producer
	limiter *rate.Limiter
}

// NewRateLimited wraps inner, allowing requestsPerSecond calls per second.
func NewRateLimited(inner Producer, requestsPerSecond float64) *RateLimited {
	return &RateLimited{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
	}
}

func (r *RateLimited) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.inner.Embed(ctx, text)
}

func (r *RateLimited) Dimensions() int {
	return r.inner.Dimensions()
}
