package embeddings

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	ollama "github.com/ollama/ollama/api"

	"github.com/fabfab/docqa/config"
)

type ollamaEmbedder struct {
	client    *ollama.Client
	model     string
	dimension int
}

func NewOllamaEmbedder(opts Options) (Embedder, error) {
	host := strings.TrimRight(opts.OllamaHost, "/")
	if host == "" {
		host = "http://localhost:11434"
	}
	base, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama host: %w", err)
	}

	return &ollamaEmbedder{
		client:    ollama.NewClient(base, &http.Client{Timeout: 120 * time.Second}),
		model:     opts.Model,
		dimension: opts.Dimension,
	}, nil
}

// Embed sends the whole batch in one request.
func (e *ollamaEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	resp, err := e.client.Embed(ctx, &ollama.EmbedRequest{
		Model: e.model,
		Input: texts,
	})
	if err != nil {
		return nil, fmt.Errorf("call ollama embed API: %w", err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama returned %d embeddings for %d inputs", len(resp.Embeddings), len(texts))
	}
	if err := checkDimension("ollama", e.dimension, resp.Embeddings); err != nil {
		return nil, err
	}

	return resp.Embeddings, nil
}

func (e *ollamaEmbedder) Model() string {
	return modelID(config.ProviderOllama, e.model)
}
