package ingestion

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/fabfab/docqa/content"
	"github.com/fabfab/docqa/embeddings"
	"github.com/fabfab/docqa/logging"
	"github.com/fabfab/docqa/vectorstore"
)

const defaultBatchSize = 100

// GraphSyncer mirrors embedded chunks into a secondary store. Failures are
// logged by the caller and never undo the vector write.
type GraphSyncer interface {
	Sync(ctx context.Context, chunks []content.Chunk) error
}

type Service struct {
	store     vectorstore.Store
	embedder  embeddings.Embedder
	graph     GraphSyncer
	logger    logrus.FieldLogger
	batchSize int
}

// EmbedSummary reports the outcome of EmbedChunks. Failed lists chunk ids
// that were not stored.
type EmbedSummary struct {
	Collection     string   `json:"collection"`
	EmbeddingModel string   `json:"embedding_model"`
	Count          int      `json:"count"`
	Batches        int      `json:"batches"`
	Failed         []string `json:"failed"`
}

func NewService(store vectorstore.Store, embedder embeddings.Embedder, graph GraphSyncer, logger logrus.FieldLogger, batchSize int) *Service {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Service{
		store:     store,
		embedder:  embedder,
		graph:     graph,
		logger:    logging.OrDefault(logger),
		batchSize: batchSize,
	}
}

// EmbedChunks embeds and upserts chunks in batches. It stops at the first
// failing batch; batches before it stay committed and every id from the
// failing batch onward is reported in Failed. Re-running with the same
// chunks leaves the collection unchanged.
func (s *Service) EmbedChunks(ctx context.Context, chunks []content.Chunk, collection string) (EmbedSummary, error) {
	summary := EmbedSummary{Collection: collection}
	if s.embedder == nil {
		return summary, fmt.Errorf("embedder not configured")
	}
	if s.store == nil {
		return summary, fmt.Errorf("vector store not configured")
	}
	summary.EmbeddingModel = s.embedder.Model()

	chunks = s.dedupe(chunks)
	ids := make([]string, len(chunks))
	for i, chunk := range chunks {
		ids[i] = chunk.ID
	}
	for _, chunk := range chunks {
		if err := chunk.Validate(); err != nil {
			summary.Failed = ids
			return summary, &EmbeddingError{Collection: collection, Failed: ids, Err: fmt.Errorf("chunk %q: %w", chunk.ID, err)}
		}
	}

	if err := s.checkExisting(ctx, collection); err != nil {
		summary.Failed = ids
		return summary, &EmbeddingError{Collection: collection, Failed: ids, Err: err}
	}
	if len(chunks) == 0 {
		return summary, nil
	}

	log := s.logger.WithFields(logrus.Fields{"collection": collection, "model": summary.EmbeddingModel})
	ensured := false

	for start := 0; start < len(chunks); start += s.batchSize {
		end := start + s.batchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]

		fail := func(err error) (EmbedSummary, error) {
			summary.Failed = append([]string(nil), ids[start:]...)
			log.WithError(err).WithField("batch", summary.Batches+1).Error("embedding batch failed")
			return summary, &EmbeddingError{Collection: collection, Failed: summary.Failed, Err: err}
		}

		if err := ctx.Err(); err != nil {
			return fail(err)
		}

		texts := make([]string, len(batch))
		for i, chunk := range batch {
			texts[i] = chunk.Text
		}
		vectors, err := s.embedder.Embed(ctx, texts)
		if err != nil {
			return fail(fmt.Errorf("generate embeddings: %w", err))
		}
		if len(vectors) != len(batch) {
			return fail(fmt.Errorf("embedding count mismatch: have %d chunks, %d embeddings", len(batch), len(vectors)))
		}

		if !ensured {
			desc := vectorstore.Collection{Name: collection, EmbeddingModel: summary.EmbeddingModel, Dimension: len(vectors[0])}
			if err := s.store.EnsureCollection(ctx, desc); err != nil {
				return fail(fmt.Errorf("open collection: %w", err))
			}
			ensured = true
		}

		records := make([]vectorstore.Record, len(batch))
		for i, chunk := range batch {
			records[i] = vectorstore.Record{
				ID:       chunk.ID,
				Ordinal:  chunk.Ordinal,
				Vector:   vectors[i],
				Text:     chunk.Text,
				Metadata: chunk.Metadata(),
			}
		}
		if err := s.store.Upsert(ctx, collection, records); err != nil {
			return fail(fmt.Errorf("upsert batch: %w", err))
		}

		summary.Count += len(batch)
		summary.Batches++
		log.WithFields(logrus.Fields{"batch": summary.Batches, "stored": summary.Count}).Debug("batch upserted")
	}

	if s.graph != nil {
		if err := s.graph.Sync(ctx, chunks); err != nil {
			log.WithError(err).Warn("knowledge graph sync failed")
		}
	}

	log.WithField("count", summary.Count).Info("embedding complete")
	return summary, nil
}

// Prune removes every record of the collection whose id is not in keep, so
// the collection mirrors the document set of a complete run. A collection
// that was never created has nothing to prune.
func (s *Service) Prune(ctx context.Context, collection string, keep []string) (int, error) {
	if s.store == nil {
		return 0, fmt.Errorf("vector store not configured")
	}
	removed, err := s.store.Prune(ctx, collection, keep)
	if errors.Is(err, vectorstore.ErrCollectionNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("prune collection %s: %w", collection, err)
	}
	s.logger.WithFields(logrus.Fields{"collection": collection, "removed": removed}).Info("stale chunks pruned")
	return removed, nil
}

// checkExisting rejects a collection built with another model before any
// embedding call is spent.
func (s *Service) checkExisting(ctx context.Context, collection string) error {
	stored, err := s.store.Describe(ctx, collection)
	if errors.Is(err, vectorstore.ErrCollectionNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("describe collection: %w", err)
	}
	return vectorstore.CheckCompatible(stored, vectorstore.Collection{Name: collection, EmbeddingModel: s.embedder.Model()})
}

// dedupe keeps the position of the first occurrence and the content of the
// last one.
func (s *Service) dedupe(chunks []content.Chunk) []content.Chunk {
	index := make(map[string]int, len(chunks))
	out := make([]content.Chunk, 0, len(chunks))
	for _, chunk := range chunks {
		if pos, ok := index[chunk.ID]; ok {
			s.logger.WithField("chunk_id", chunk.ID).Warn("duplicate chunk id in input, keeping last")
			out[pos] = chunk
			continue
		}
		index[chunk.ID] = len(out)
		out = append(out, chunk)
	}
	return out
}
