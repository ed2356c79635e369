package database

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var unsafeIdent = regexp.MustCompile(`[^a-z0-9_]+`)

// CollectionTable maps a collection name onto its Postgres table name.
func CollectionTable(collection string) string {
	name := unsafeIdent.ReplaceAllString(strings.ToLower(collection), "_")
	return "rag_vectors_" + strings.Trim(name, "_")
}

// EnsureCatalog creates the pgvector extension and the collection descriptor table.
func EnsureCatalog(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		"CREATE EXTENSION IF NOT EXISTS vector",
		`CREATE TABLE IF NOT EXISTS rag_collections (
			name TEXT PRIMARY KEY,
			embedding_model TEXT NOT NULL,
			dimension INT NOT NULL,
			table_name TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}
	return execAll(ctx, pool, stmts)
}

// EnsureCollectionSchema creates the vector table for one collection. The
// dimension is fixed per table.
func EnsureCollectionSchema(ctx context.Context, pool *pgxpool.Pool, collection string, dimension int) error {
	if dimension <= 0 {
		return fmt.Errorf("embedding dimension must be positive")
	}

	table := CollectionTable(collection)
	ident := pgx.Identifier{table}.Sanitize()
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			ordinal INT NOT NULL,
			content TEXT NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
			embedding VECTOR(%d) NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, ident, dimension),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s USING hnsw (embedding vector_cosine_ops)",
			pgx.Identifier{table + "_embedding_idx"}.Sanitize(), ident),
	}
	return execAll(ctx, pool, stmts)
}

func execAll(ctx context.Context, pool *pgxpool.Pool, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("execute schema statement: %w", err)
		}
	}
	return nil
}
