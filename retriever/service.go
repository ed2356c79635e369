// Package retriever answers one question against a built collection: embed
// the question, search, assemble a budgeted prompt, call the model once.
package retriever

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fabfab/docqa/embeddings"
	"github.com/fabfab/docqa/llm"
	"github.com/fabfab/docqa/logging"
	"github.com/fabfab/docqa/vectorstore"
)

const (
	DefaultTopK          = 5
	DefaultMaxTopK       = 20
	DefaultContextBudget = 12000
)

type Config struct {
	Collection    string
	DefaultTopK   int
	MaxTopK       int
	ContextBudget int
	// RelevanceFloor drops hits whose cosine similarity is not above it.
	RelevanceFloor  float64
	EmbedTimeout    time.Duration
	SearchTimeout   time.Duration
	GenerateTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.DefaultTopK <= 0 {
		c.DefaultTopK = DefaultTopK
	}
	if c.MaxTopK <= 0 {
		c.MaxTopK = DefaultMaxTopK
	}
	if c.DefaultTopK > c.MaxTopK {
		c.DefaultTopK = c.MaxTopK
	}
	if c.ContextBudget == 0 {
		c.ContextBudget = DefaultContextBudget
	}
	return c
}

type Service struct {
	store    vectorstore.Store
	embedder embeddings.Embedder
	llm      llm.Client
	cfg      Config
	logger   logrus.FieldLogger
}

func NewService(store vectorstore.Store, embedder embeddings.Embedder, llmClient llm.Client, cfg Config, logger logrus.FieldLogger) *Service {
	return &Service{
		store:    store,
		embedder: embedder,
		llm:      llmClient,
		cfg:      cfg.withDefaults(),
		logger:   logging.OrDefault(logger),
	}
}

// trace records the state path of one request.
type trace struct {
	states []State
	log    logrus.FieldLogger
}

func (t *trace) enter(s State) {
	if t == nil {
		return
	}
	t.states = append(t.states, s)
	t.log.WithField("state", s).Debug("request state")
}

// Query returns the topK best chunks for question, best first, ties broken by
// ordinal. A missing or empty collection yields no chunks and no error.
func (s *Service) Query(ctx context.Context, question string, topK int) ([]RetrievedChunk, error) {
	return s.query(ctx, question, topK, nil)
}

func (s *Service) query(ctx context.Context, question string, topK int, tr *trace) ([]RetrievedChunk, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, ErrEmptyQuestion
	}
	if topK < 1 || topK > s.cfg.MaxTopK {
		return nil, fmt.Errorf("%w: %d (allowed 1-%d)", ErrInvalidTopK, topK, s.cfg.MaxTopK)
	}
	if s.embedder == nil {
		return nil, fmt.Errorf("embedder not configured")
	}
	if s.store == nil {
		return nil, fmt.Errorf("vector store not configured")
	}

	stored, err := s.store.Describe(ctx, s.cfg.Collection)
	if errors.Is(err, vectorstore.ErrCollectionNotFound) {
		tr.enter(StateSearched)
		return nil, nil
	}
	if err != nil {
		return nil, &RetrievalError{Collection: s.cfg.Collection, Err: err}
	}
	want := vectorstore.Collection{Name: s.cfg.Collection, EmbeddingModel: s.embedder.Model()}
	if err := vectorstore.CheckCompatible(stored, want); err != nil {
		return nil, &RetrievalError{Collection: s.cfg.Collection, Err: err}
	}

	embedCtx, cancel := withTimeout(ctx, s.cfg.EmbedTimeout)
	vectors, err := s.embedder.Embed(embedCtx, []string{question})
	cancel()
	if err != nil {
		return nil, &RetrievalError{Collection: s.cfg.Collection, Err: fmt.Errorf("embed question: %w", err)}
	}
	if len(vectors) != 1 || len(vectors[0]) == 0 {
		return nil, &RetrievalError{Collection: s.cfg.Collection, Err: fmt.Errorf("embedder returned no vector")}
	}
	tr.enter(StateQueryEmbedded)

	searchCtx, cancel := withTimeout(ctx, s.cfg.SearchTimeout)
	matches, err := s.store.Search(searchCtx, s.cfg.Collection, vectors[0], topK)
	cancel()
	if err != nil {
		return nil, &RetrievalError{Collection: s.cfg.Collection, Err: fmt.Errorf("vector search: %w", err)}
	}
	tr.enter(StateSearched)

	chunks := make([]RetrievedChunk, 0, len(matches))
	for _, m := range matches {
		if m.Score <= s.cfg.RelevanceFloor {
			continue
		}
		chunks = append(chunks, RetrievedChunk{
			ID:       m.ID,
			Ordinal:  m.Ordinal,
			Score:    m.Score,
			Text:     m.Text,
			Metadata: m.Metadata,
			Distance: m.Distance,
		})
	}
	return chunks, nil
}

// GenerateAnswer makes exactly one completion call, or none when no chunk is
// available or none fits the context budget.
func (s *Service) GenerateAnswer(ctx context.Context, question string, chunks []RetrievedChunk) (Answer, error) {
	return s.generate(ctx, question, chunks, nil)
}

func (s *Service) generate(ctx context.Context, question string, chunks []RetrievedChunk, tr *trace) (Answer, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return Answer{}, ErrEmptyQuestion
	}

	system, user, used := buildPrompt(question, chunks, s.cfg.ContextBudget)
	if len(used) == 0 {
		return Answer{Text: NoAnswerText}, nil
	}
	tr.enter(StateContextBuilt)
	answer := Answer{Prompt: renderPrompt(system, user), Chunks: used}

	if s.llm == nil {
		return answer, &GenerationError{Err: fmt.Errorf("llm client not configured")}
	}

	genCtx, cancel := withTimeout(ctx, s.cfg.GenerateTimeout)
	defer cancel()
	raw, err := s.llm.Generate(genCtx, []llm.Message{
		{Role: llm.RoleSystem, Content: system},
		{Role: llm.RoleUser, Content: user},
	})
	if err != nil {
		return answer, &GenerationError{Err: err}
	}
	text, grounded := parseCompletion(raw)
	if text == "" {
		return answer, &GenerationError{Err: fmt.Errorf("empty completion")}
	}
	tr.enter(StateGenerated)

	answer.Text = text
	answer.Grounded = grounded
	return answer, nil
}

// Ask runs the whole request and never returns an error: failures become a
// response with Success false and a message safe to show to users.
func (s *Service) Ask(ctx context.Context, req Request) Response {
	log := s.logger.WithField("collection", s.cfg.Collection)
	tr := &trace{log: log}
	tr.enter(StateReceived)

	topK := s.cfg.DefaultTopK
	if req.TopK != nil {
		topK = *req.TopK
	}

	resp := Response{Chunks: []RetrievedChunk{}}
	fail := func(err error, message string) Response {
		tr.enter(StateErrored)
		log.WithError(err).Warn("question failed")
		resp.Success = false
		resp.Status = StatusError
		resp.Answer = couldNotAnswerText
		resp.Error = message
		resp.States = tr.states
		return resp
	}

	chunks, err := s.query(ctx, req.Question, topK, tr)
	switch {
	case errors.Is(err, ErrEmptyQuestion):
		return fail(err, "question cannot be empty")
	case errors.Is(err, ErrInvalidTopK):
		return fail(err, fmt.Sprintf("top_k must be between 1 and %d", s.cfg.MaxTopK))
	case err != nil:
		return fail(err, "the document collection is unavailable")
	}

	answer, err := s.generate(ctx, req.Question, chunks, tr)
	if len(answer.Chunks) > 0 {
		resp.Chunks = answer.Chunks
		resp.SourceInfo = SourceInfo(answer.Chunks)
	}
	resp.Prompt = answer.Prompt
	if err != nil {
		return fail(err, "the answer could not be generated")
	}

	resp.Success = true
	resp.Answer = answer.Text
	resp.Status = StatusAnswered
	if !answer.Grounded {
		resp.Status = StatusNoGroundedAnswer
	}
	tr.enter(StateReturned)
	resp.States = tr.states
	log.WithFields(logrus.Fields{"status": resp.Status, "chunks": len(resp.Chunks)}).Info("question answered")
	return resp
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
