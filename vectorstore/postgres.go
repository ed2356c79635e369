package vectorstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/fabfab/docqa/database"
)

// PostgresStore keeps each collection in its own pgvector table, listed in
// rag_collections.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("postgres pool is nil")
	}
	if err := database.EnsureCatalog(ctx, pool); err != nil {
		return nil, fmt.Errorf("ensure catalog: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) EnsureCollection(ctx context.Context, c Collection) error {
	existing, err := s.Describe(ctx, c.Name)
	switch {
	case err == nil:
		return CheckCompatible(existing, c)
	case !errors.Is(err, ErrCollectionNotFound):
		return err
	}

	if err := database.EnsureCollectionSchema(ctx, s.pool, c.Name, c.Dimension); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO rag_collections (name, embedding_model, dimension, table_name)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO NOTHING
	`, c.Name, c.EmbeddingModel, c.Dimension, database.CollectionTable(c.Name))
	if err != nil {
		return fmt.Errorf("register collection %s: %w", c.Name, err)
	}

	// A concurrent creator may have won the insert.
	stored, err := s.Describe(ctx, c.Name)
	if err != nil {
		return err
	}
	return CheckCompatible(stored, c)
}

func (s *PostgresStore) Describe(ctx context.Context, name string) (Collection, error) {
	c := Collection{Name: name}
	err := s.pool.QueryRow(ctx,
		"SELECT embedding_model, dimension FROM rag_collections WHERE name = $1", name,
	).Scan(&c.EmbeddingModel, &c.Dimension)
	if errors.Is(err, pgx.ErrNoRows) {
		return Collection{}, fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
	}
	if err != nil {
		return Collection{}, fmt.Errorf("describe collection %s: %w", name, err)
	}
	return c, nil
}

func (s *PostgresStore) Upsert(ctx context.Context, collection string, records []Record) (err error) {
	desc, err := s.Describe(ctx, collection)
	if err != nil {
		return err
	}
	if err := validateRecords(desc, records); err != nil {
		return err
	}

	table := pgx.Identifier{database.CollectionTable(collection)}.Sanitize()
	query := fmt.Sprintf(`
		INSERT INTO %s (id, ordinal, content, metadata, embedding, updated_at)
		VALUES ($1, $2, $3, $4::jsonb, $5, NOW())
		ON CONFLICT (id) DO UPDATE SET
			ordinal = EXCLUDED.ordinal,
			content = EXCLUDED.content,
			metadata = EXCLUDED.metadata,
			embedding = EXCLUDED.embedding,
			updated_at = NOW()
	`, table)

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	batch := &pgx.Batch{}
	for _, rec := range records {
		md, mdErr := json.Marshal(rec.Metadata)
		if mdErr != nil {
			return fmt.Errorf("encode metadata for %s: %w", rec.ID, mdErr)
		}
		batch.Queue(query, rec.ID, rec.Ordinal, rec.Text, string(md), pgvector.NewVector(rec.Vector))
	}

	results := tx.SendBatch(ctx, batch)
	for _, rec := range records {
		if _, execErr := results.Exec(); execErr != nil {
			_ = results.Close()
			return fmt.Errorf("upsert record %s: %w", rec.ID, execErr)
		}
	}
	if err = results.Close(); err != nil {
		return fmt.Errorf("close batch: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit upsert: %w", err)
	}
	return nil
}

// Search orders by cosine distance and then by ordinal and id so ties resolve
// the same way as the in-process backends.
func (s *PostgresStore) Search(ctx context.Context, collection string, vector []float32, k int) ([]Match, error) {
	desc, err := s.Describe(ctx, collection)
	if err != nil {
		return nil, err
	}
	if len(vector) != desc.Dimension {
		return nil, fmt.Errorf("%w: query has %d dimensions, collection expects %d", ErrDimensionMismatch, len(vector), desc.Dimension)
	}
	if k <= 0 {
		return nil, nil
	}

	table := pgx.Identifier{database.CollectionTable(collection)}.Sanitize()
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT id, ordinal, content, metadata, (embedding <=> $1::vector) AS distance
		FROM %s
		ORDER BY distance, ordinal, id
		LIMIT $2
	`, table), pgvector.NewVector(vector), k)
	if err != nil {
		return nil, fmt.Errorf("query similar records: %w", err)
	}
	defer rows.Close()

	matches := make([]Match, 0, k)
	for rows.Next() {
		var (
			m  Match
			md []byte
		)
		if err := rows.Scan(&m.ID, &m.Ordinal, &m.Text, &md, &m.Distance); err != nil {
			return nil, fmt.Errorf("scan similar record: %w", err)
		}
		if err := json.Unmarshal(md, &m.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for %s: %w", m.ID, err)
		}
		m.Score = 1 - m.Distance
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Float rounding in the database can differ from the Go computation; the
	// shared ordering keeps results comparable across backends.
	SortMatches(matches)
	return matches, nil
}

func (s *PostgresStore) Count(ctx context.Context, collection string) (int, error) {
	if _, err := s.Describe(ctx, collection); err != nil {
		return 0, err
	}
	table := pgx.Identifier{database.CollectionTable(collection)}.Sanitize()
	var n int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) Prune(ctx context.Context, collection string, keep []string) (int, error) {
	if _, err := s.Describe(ctx, collection); err != nil {
		return 0, err
	}
	if keep == nil {
		keep = []string{}
	}
	table := pgx.Identifier{database.CollectionTable(collection)}.Sanitize()
	tag, err := s.pool.Exec(ctx, "DELETE FROM "+table+" WHERE NOT (id = ANY($1::text[]))", keep)
	if err != nil {
		return 0, fmt.Errorf("prune records: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) Drop(ctx context.Context, collection string) error {
	table := pgx.Identifier{database.CollectionTable(collection)}.Sanitize()
	if _, err := s.pool.Exec(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
		return fmt.Errorf("drop collection table: %w", err)
	}
	if _, err := s.pool.Exec(ctx, "DELETE FROM rag_collections WHERE name = $1", collection); err != nil {
		return fmt.Errorf("unregister collection: %w", err)
	}
	return nil
}

// Close is a no-op; the pool belongs to the caller.
func (s *PostgresStore) Close() error { return nil }

var _ Store = (*PostgresStore)(nil)
