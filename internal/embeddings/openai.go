package embeddings

import (
	"context"
	"fmt"

	"github.com/sashabaranov/go-openai"
)

// OpenAIProducer embeds text through the OpenAI embeddings API.
type OpenAIProducer struct {
	client *openai.Client
	model  openai.EmbeddingModel
	dims   int
}

// NewOpenAIProducer creates a producer using the given key and model. An
// empty model defaults to text-embedding-3-small.
func NewOpenAIProducer(apiKey, model string, dims int) *OpenAIProducer {
	if model == "" {
		model = string(openai.SmallEmbedding3)
	}
	return &OpenAIProducer{
		client: openai.NewClient(apiKey),
		model:  openai.EmbeddingModel(model),
		dims:   dims,
	}
}

func (p *OpenAIProducer) Embed(ctx context.Context, text string) ([]float32, error) {
	req := openai.EmbeddingRequest{
		Input: []string{text},
		Model: p.model,
	}
	if p.dims > 0 {
		req.Dimensions = p.dims
	}

	resp, err := p.client.CreateEmbeddings(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("openai embedding request: %w", err)
	}
	if len(resp.Data) != 1 {
		return nil, fmt.Errorf("openai embedding: expected 1 result, got %d", len(resp.Data))
	}
	return resp.Data[0].Embedding, nil
}

func (p *OpenAIProducer) Dimensions() int {
	return p.dims
}
