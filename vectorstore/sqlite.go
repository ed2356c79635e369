package vectorstore

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

var sqliteSchema = []string{`
CREATE TABLE IF NOT EXISTS collections (
	name            TEXT PRIMARY KEY,
	embedding_model TEXT NOT NULL,
	dimension       INTEGER NOT NULL,
	created_at      TEXT NOT NULL
)`, `
CREATE TABLE IF NOT EXISTS records (
	collection TEXT NOT NULL REFERENCES collections(name) ON DELETE CASCADE,
	id         TEXT NOT NULL,
	ordinal    INTEGER NOT NULL,
	content    TEXT NOT NULL,
	metadata   TEXT NOT NULL,
	embedding  BLOB NOT NULL,
	PRIMARY KEY (collection, id)
)`}

// SQLiteStore keeps every collection of one environment in a single SQLite
// file. Search is an exact brute-force cosine scan.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore prepares the schema on an open handle. The caller keeps
// ownership of db until Close.
func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlite handle is nil")
	}
	for _, stmt := range sqliteSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("create sqlite schema: %w", err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) EnsureCollection(ctx context.Context, c Collection) error {
	existing, err := s.Describe(ctx, c.Name)
	switch {
	case err == nil:
		return CheckCompatible(existing, c)
	case !errors.Is(err, ErrCollectionNotFound):
		return err
	}
	if c.Dimension <= 0 {
		return fmt.Errorf("collection %q needs a positive dimension", c.Name)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO collections (name, embedding_model, dimension, created_at) VALUES (?, ?, ?, ?)`,
		c.Name, c.EmbeddingModel, c.Dimension, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("create collection %s: %w", c.Name, err)
	}
	return nil
}

func (s *SQLiteStore) Describe(ctx context.Context, name string) (Collection, error) {
	c := Collection{Name: name}
	err := s.db.QueryRowContext(ctx,
		`SELECT embedding_model, dimension FROM collections WHERE name = ?`, name,
	).Scan(&c.EmbeddingModel, &c.Dimension)
	if errors.Is(err, sql.ErrNoRows) {
		return Collection{}, fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
	}
	if err != nil {
		return Collection{}, fmt.Errorf("describe collection %s: %w", name, err)
	}
	return c, nil
}

func (s *SQLiteStore) Upsert(ctx context.Context, collection string, records []Record) (err error) {
	desc, err := s.Describe(ctx, collection)
	if err != nil {
		return err
	}
	if err := validateRecords(desc, records); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO records (collection, id, ordinal, content, metadata, embedding)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (collection, id) DO UPDATE SET
			ordinal = excluded.ordinal,
			content = excluded.content,
			metadata = excluded.metadata,
			embedding = excluded.embedding`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		md, mdErr := json.Marshal(rec.Metadata)
		if mdErr != nil {
			return fmt.Errorf("encode metadata for %s: %w", rec.ID, mdErr)
		}
		if _, err = stmt.ExecContext(ctx, collection, rec.ID, rec.Ordinal, rec.Text, string(md), EncodeEmbedding(rec.Vector)); err != nil {
			return fmt.Errorf("upsert record %s: %w", rec.ID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Search(ctx context.Context, collection string, vector []float32, k int) ([]Match, error) {
	desc, err := s.Describe(ctx, collection)
	if err != nil {
		return nil, err
	}
	if len(vector) != desc.Dimension {
		return nil, fmt.Errorf("%w: query has %d dimensions, collection expects %d", ErrDimensionMismatch, len(vector), desc.Dimension)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ordinal, content, metadata, embedding FROM records WHERE collection = ?`, collection)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			rec  Record
			md   string
			blob []byte
		)
		if err := rows.Scan(&rec.ID, &rec.Ordinal, &rec.Text, &md, &blob); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		if err := json.Unmarshal([]byte(md), &rec.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for %s: %w", rec.ID, err)
		}
		if rec.Vector, err = DecodeEmbedding(blob); err != nil {
			return nil, fmt.Errorf("decode embedding for %s: %w", rec.ID, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return rank(records, vector, k), nil
}

func (s *SQLiteStore) Count(ctx context.Context, collection string) (int, error) {
	if _, err := s.Describe(ctx, collection); err != nil {
		return 0, err
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records WHERE collection = ?`, collection).Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) Prune(ctx context.Context, collection string, keep []string) (removed int, err error) {
	if _, err := s.Describe(ctx, collection); err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	rows, err := tx.QueryContext(ctx, `SELECT id FROM records WHERE collection = ?`, collection)
	if err != nil {
		return 0, fmt.Errorf("list record ids: %w", err)
	}
	set := keepSet(keep)
	var stale []string
	for rows.Next() {
		var id string
		if err = rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan record id: %w", err)
		}
		if _, ok := set[id]; !ok {
			stale = append(stale, id)
		}
	}
	if err = rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	stmt, err := tx.PrepareContext(ctx, `DELETE FROM records WHERE collection = ? AND id = ?`)
	if err != nil {
		return 0, fmt.Errorf("prepare prune: %w", err)
	}
	defer stmt.Close()
	for _, id := range stale {
		if _, err = stmt.ExecContext(ctx, collection, id); err != nil {
			return 0, fmt.Errorf("delete record %s: %w", id, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit prune: %w", err)
	}
	return len(stale), nil
}

func (s *SQLiteStore) Drop(ctx context.Context, collection string) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx, `DELETE FROM records WHERE collection = ?`, collection); err != nil {
		return fmt.Errorf("delete records: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM collections WHERE name = ?`, collection); err != nil {
		return fmt.Errorf("delete collection: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// EncodeEmbedding stores a vector as little-endian float32 values.
func EncodeEmbedding(vec []float32) []byte {
	b := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(v))
	}
	return b
}

func DecodeEmbedding(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("invalid embedding blob length %d", len(b))
	}
	vec := make([]float32, len(b)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return vec, nil
}

var _ Store = (*SQLiteStore)(nil)
