package embeddings

import (
	"context"
	"fmt"

	"github.com/fabfab/docqa/config"
)

type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Model identifies the vector space; collections record it and refuse
	// vectors from any other model.
	Model() string
}

type Options struct {
	Provider  string
	Model     string
	Dimension int

	OllamaHost    string
	OpenAIAPIKey  string
	OpenAIBaseURL string
}

func NewEmbedder(cfg config.Config) (Embedder, error) {
	opts := Options{
		Provider:      cfg.Embeddings.Provider,
		Model:         cfg.Embeddings.Model,
		Dimension:     cfg.Embeddings.Dimension,
		OllamaHost:    cfg.OllamaHost,
		OpenAIAPIKey:  cfg.OpenAIAPIKey,
		OpenAIBaseURL: cfg.OpenAIBaseURL,
	}

	switch opts.Provider {
	case config.ProviderOllama:
		return NewOllamaEmbedder(opts)
	case config.ProviderOpenAI:
		if opts.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("openai provider selected but OPENAI_API_KEY not set")
		}
		return NewOpenAIEmbedder(opts), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", opts.Provider)
	}
}

func modelID(provider, model string) string {
	return provider + "/" + model
}

func checkDimension(provider string, want int, vectors [][]float32) error {
	if want <= 0 {
		return nil
	}
	for _, vec := range vectors {
		if len(vec) != want {
			return fmt.Errorf("%s embedding dimension mismatch: expected %d, got %d", provider, want, len(vec))
		}
	}
	return nil
}
