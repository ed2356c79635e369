// Package vectorstore persists chunk embeddings in named collections and
// answers cosine nearest-neighbour queries over them.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
)

var (
	ErrCollectionNotFound = errors.New("collection not found")
	ErrCollectionMismatch = errors.New("collection embedding model mismatch")
	ErrDimensionMismatch  = errors.New("vector dimension mismatch")
)

// Collection describes how the vectors of a collection were produced. Every
// record in a collection shares the same model and dimension.
type Collection struct {
	Name           string
	EmbeddingModel string
	Dimension      int
}

// Record is the stored form of one chunk.
type Record struct {
	ID       string
	Ordinal  int
	Vector   []float32
	Text     string
	Metadata map[string]string
}

// Match is a search hit. Score is the cosine similarity and Distance is
// 1 - Score.
type Match struct {
	ID       string
	Ordinal  int
	Text     string
	Metadata map[string]string
	Score    float64
	Distance float64
}

type Store interface {
	// EnsureCollection creates the collection or verifies that the stored
	// descriptor matches c. A mismatch returns ErrCollectionMismatch.
	EnsureCollection(ctx context.Context, c Collection) error
	Describe(ctx context.Context, name string) (Collection, error)
	// Upsert writes all records or none of them.
	Upsert(ctx context.Context, collection string, records []Record) error
	Search(ctx context.Context, collection string, vector []float32, k int) ([]Match, error)
	Count(ctx context.Context, collection string) (int, error)
	// Prune deletes every record whose id is not in keep and returns how
	// many were removed.
	Prune(ctx context.Context, collection string, keep []string) (int, error)
	Drop(ctx context.Context, collection string) error
	Close() error
}

// CheckCompatible compares a stored descriptor against the one requested.
func CheckCompatible(stored, want Collection) error {
	if stored.EmbeddingModel != want.EmbeddingModel {
		return fmt.Errorf("%w: collection %q uses %q, requested %q", ErrCollectionMismatch, stored.Name, stored.EmbeddingModel, want.EmbeddingModel)
	}
	if want.Dimension > 0 && stored.Dimension != want.Dimension {
		return fmt.Errorf("%w: collection %q stores %d dimensions, requested %d", ErrDimensionMismatch, stored.Name, stored.Dimension, want.Dimension)
	}
	return nil
}

// CosineSimilarity returns 0 for zero-magnitude or mismatched vectors.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// SortMatches orders by score descending, then ordinal, then id. The order is
// total, so the top k of a search is always a prefix of the top k+1.
func SortMatches(matches []Match) {
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		if matches[i].Ordinal != matches[j].Ordinal {
			return matches[i].Ordinal < matches[j].Ordinal
		}
		return matches[i].ID < matches[j].ID
	})
}

// rank scores every record against query and returns the best k.
func rank(records []Record, query []float32, k int) []Match {
	if k <= 0 {
		return nil
	}
	matches := make([]Match, 0, len(records))
	for _, rec := range records {
		score := CosineSimilarity(query, rec.Vector)
		matches = append(matches, Match{
			ID:       rec.ID,
			Ordinal:  rec.Ordinal,
			Text:     rec.Text,
			Metadata: rec.Metadata,
			Score:    score,
			Distance: 1 - score,
		})
	}
	SortMatches(matches)
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches
}

func validateRecords(c Collection, records []Record) error {
	for _, rec := range records {
		if rec.ID == "" {
			return fmt.Errorf("record without id")
		}
		if c.Dimension > 0 && len(rec.Vector) != c.Dimension {
			return fmt.Errorf("%w: record %s has %d dimensions, collection %q expects %d", ErrDimensionMismatch, rec.ID, len(rec.Vector), c.Name, c.Dimension)
		}
	}
	return nil
}

func copyMetadata(md map[string]string) map[string]string {
	if md == nil {
		return nil
	}
	out := make(map[string]string, len(md))
	for k, v := range md {
		out[k] = v
	}
	return out
}

func keepSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
