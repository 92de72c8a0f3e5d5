package embeddings

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"
)

const (
	geminiRetryDelay = 6 * time.Second
	geminiMaxRetries = 3
)

// GeminiProducer embeds text through Google's Gemini API. Rate-limit
// responses (429) are retried with a fixed backoff before giving up.
type GeminiProducer struct {
	client *genai.Client
	model  string
	dims   int
}

// NewGeminiProducer creates a producer using the given key and model. An
// empty model defaults to gemini-embedding-001.
func NewGeminiProducer(ctx context.Context, apiKey, model string, dims int) (*GeminiProducer, error) {
	if model == "" {
		model = "gemini-embedding-001"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GeminiProducer{
		client: client,
		model:  model,
		dims:   dims,
	}, nil
}

func (p *GeminiProducer) Embed(ctx context.Context, text string) ([]float32, error) {
	var config *genai.EmbedContentConfig
	if p.dims > 0 {
		dim := int32(p.dims)
		config = &genai.EmbedContentConfig{OutputDimensionality: &dim}
	}
	contents := []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)}

	var res *genai.EmbedContentResponse
	var err error
	for attempt := 0; attempt <= geminiMaxRetries; attempt++ {
		res, err = p.client.Models.EmbedContent(ctx, p.model, contents, config)
		if err == nil {
			break
		}
		if !isRateLimitError(err) || attempt == geminiMaxRetries {
			return nil, fmt.Errorf("gemini embedding request: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(geminiRetryDelay):
		}
	}

	if len(res.Embeddings) != 1 {
		return nil, fmt.Errorf("gemini embedding: expected 1 result, got %d", len(res.Embeddings))
	}
	return res.Embeddings[0].Values, nil
}

func (p *GeminiProducer) Dimensions() int {
	return p.dims
}

func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *genai.APIError
	if errors.As(err, &apiErr) && apiErr.Code == 429 {
		return true
	}
	s := err.Error()
	return strings.Contains(s, "429") || strings.Contains(s, "RESOURCE_EXHAUSTED")
}
