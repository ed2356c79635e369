package embeddings

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/docqa/config"
)

func TestNewEmbedderDefaults(t *testing.T) {
	cfg := config.Config{
		Embeddings: config.EmbeddingConfig{
			Provider:  config.ProviderOllama,
			Model:     "nomic-embed-text",
			Dimension: 3,
		},
		OllamaHost: "http://localhost:11434",
	}

	embedder, err := NewEmbedder(cfg)
	if err != nil {
		t.Fatalf("expected embedder, got error: %v", err)
	}
	if embedder == nil {
		t.Fatal("expected non-nil embedder")
	}
	if got := embedder.Model(); got != "ollama/nomic-embed-text" {
		t.Fatalf("unexpected model id %q", got)
	}
}

func TestNewEmbedderOpenAIMissingKey(t *testing.T) {
	cfg := config.Config{
		Embeddings: config.EmbeddingConfig{
			Provider:  config.ProviderOpenAI,
			Model:     "text-embedding-3-small",
			Dimension: 1536,
		},
	}

	if _, err := NewEmbedder(cfg); err == nil {
		t.Fatal("expected error for missing OPENAI_API_KEY")
	}
}

func TestNewEmbedderUnknownProvider(t *testing.T) {
	_, err := NewEmbedder(config.Config{Embeddings: config.EmbeddingConfig{Provider: "cohere"}})
	assert.ErrorContains(t, err, "unknown embedding provider")
}

func TestOllamaEmbedderBatch(t *testing.T) {
	var inputs []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embed", r.URL.Path)
		var req struct {
			Model string   `json:"model"`
			Input []string `json:"input"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		inputs = req.Input
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"nomic-embed-text","embeddings":[[1,0,0],[0,1,0]]}`))
	}))
	defer srv.Close()

	embedder, err := NewOllamaEmbedder(Options{Model: "nomic-embed-text", Dimension: 3, OllamaHost: srv.URL})
	require.NoError(t, err)

	vectors, err := embedder.Embed(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, inputs, "the batch is sent in one request")
	assert.Equal(t, [][]float32{{1, 0, 0}, {0, 1, 0}}, vectors)
}

func TestOllamaEmbedderDimensionCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"embeddings":[[1,0]]}`))
	}))
	defer srv.Close()

	embedder, err := NewOllamaEmbedder(Options{Model: "m", Dimension: 3, OllamaHost: srv.URL})
	require.NoError(t, err)
	_, err = embedder.Embed(context.Background(), []string{"a"})
	assert.ErrorContains(t, err, "dimension mismatch")
}

func TestOpenAIEmbedderRestoresInputOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","model":"text-embedding-3-small","data":[
			{"object":"embedding","index":1,"embedding":[0,1]},
			{"object":"embedding","index":0,"embedding":[1,0]}
		]}`))
	}))
	defer srv.Close()

	embedder := NewOpenAIEmbedder(Options{Model: "text-embedding-3-small", OpenAIAPIKey: "sk-test", OpenAIBaseURL: srv.URL + "/v1"})
	vectors, err := embedder.Embed(context.Background(), []string{"first", "second"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 0}, {0, 1}}, vectors)
	assert.Equal(t, "openai/text-embedding-3-small", embedder.Model())
}

type fakeCache struct {
	data    map[string][]byte
	getErr  error
	setErr  error
	lastTTL time.Duration
}

func (c *fakeCache) GetMany(_ context.Context, keys []string) ([][]byte, error) {
	if c.getErr != nil {
		return nil, c.getErr
	}
	out := make([][]byte, len(keys))
	for i, k := range keys {
		out[i] = c.data[k]
	}
	return out, nil
}

func (c *fakeCache) SetMany(_ context.Context, entries map[string][]byte, ttl time.Duration) error {
	if c.setErr != nil {
		return c.setErr
	}
	for k, v := range entries {
		c.data[k] = v
	}
	c.lastTTL = ttl
	return nil
}

type countingEmbedder struct {
	model  string
	inputs [][]string
	err    error
}

func (e *countingEmbedder) Model() string { return e.model }

func (e *countingEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	e.inputs = append(e.inputs, texts)
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = []float32{float32(len(text)), 1}
	}
	return out, nil
}

func TestCachedEmbedderOnlyEmbedsMisses(t *testing.T) {
	cache := &fakeCache{data: map[string][]byte{}}
	inner := &countingEmbedder{model: "stub/len"}
	embedder := NewCachedEmbedder(inner, cache, time.Hour, nil)

	first, err := embedder.Embed(context.Background(), []string{"a", "bb"})
	require.NoError(t, err)
	assert.Len(t, cache.data, 2)
	assert.Equal(t, time.Hour, cache.lastTTL)

	second, err := embedder.Embed(context.Background(), []string{"bb", "ccc", "a"})
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"a", "bb"}, {"ccc"}}, inner.inputs)
	assert.Equal(t, first[1], second[0])
	assert.Equal(t, []float32{3, 1}, second[1])
	assert.Equal(t, first[0], second[2])
	assert.Equal(t, "stub/len", embedder.Model())
}

func TestCachedEmbedderKeysIncludeModel(t *testing.T) {
	cache := &fakeCache{data: map[string][]byte{}}
	a := NewCachedEmbedder(&countingEmbedder{model: "stub/a"}, cache, 0, nil)
	b := NewCachedEmbedder(&countingEmbedder{model: "stub/b"}, cache, 0, nil)
	assert.NotEqual(t, a.key("text"), b.key("text"))
}

func TestCachedEmbedderSurvivesCacheFailures(t *testing.T) {
	cache := &fakeCache{data: map[string][]byte{}, getErr: errors.New("redis down"), setErr: errors.New("redis down")}
	inner := &countingEmbedder{model: "stub/len"}
	embedder := NewCachedEmbedder(inner, cache, time.Hour, nil)

	vectors, err := embedder.Embed(context.Background(), []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 1}}, vectors)
}

func TestCachedEmbedderPropagatesProviderErrors(t *testing.T) {
	inner := &countingEmbedder{model: "stub/len", err: errors.New("quota exceeded")}
	embedder := NewCachedEmbedder(inner, &fakeCache{data: map[string][]byte{}}, time.Hour, nil)

	_, err := embedder.Embed(context.Background(), []string{"a"})
	assert.ErrorContains(t, err, "quota exceeded")
}
