package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	ollama "github.com/ollama/ollama/api"
)

type ollamaClient struct {
	client      *ollama.Client
	model       string
	temperature float32
	maxTokens   int
}

func NewOllamaClient(opts Options) (Client, error) {
	host := strings.TrimRight(opts.OllamaHost, "/")
	if host == "" {
		host = "http://localhost:11434"
	}
	base, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama host: %w", err)
	}

	return &ollamaClient{
		client:      ollama.NewClient(base, &http.Client{Timeout: 5 * time.Minute}),
		model:       opts.Model,
		temperature: opts.Temperature,
		maxTokens:   opts.MaxTokens,
	}, nil
}

func (c *ollamaClient) Generate(ctx context.Context, messages []Message) (string, error) {
	stream := false
	req := &ollama.ChatRequest{
		Model:    c.model,
		Messages: make([]ollama.Message, len(messages)),
		Stream:   &stream,
		Options:  map[string]any{"temperature": c.temperature},
	}
	if c.maxTokens > 0 {
		req.Options["num_predict"] = c.maxTokens
	}
	for i, msg := range messages {
		req.Messages[i] = ollama.Message{Role: msg.Role, Content: msg.Content}
	}

	var answer strings.Builder
	err := c.client.Chat(ctx, req, func(resp ollama.ChatResponse) error {
		answer.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("call ollama chat API: %w", err)
	}

	return answer.String(), nil
}
