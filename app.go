package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/sirupsen/logrus"

	"github.com/fabfab/docqa/config"
	"github.com/fabfab/docqa/database"
	"github.com/fabfab/docqa/embeddings"
	"github.com/fabfab/docqa/ingestion"
	"github.com/fabfab/docqa/knowledge"
	"github.com/fabfab/docqa/llm"
	"github.com/fabfab/docqa/lock"
	"github.com/fabfab/docqa/pipeline"
	"github.com/fabfab/docqa/retriever"
	"github.com/fabfab/docqa/vectorstore"
)

const embeddingCacheTTL = 7 * 24 * time.Hour

// app opens external connections lazily so each command only touches the
// services it needs.
type app struct {
	cfg    config.Config
	logger *logrus.Logger

	store  vectorstore.Store
	pool   *pgxpool.Pool
	redis  *redis.Client
	driver neo4j.DriverWithContext

	closers []func()
}

func newApp(cfg config.Config, logger *logrus.Logger) *app {
	return &app{cfg: cfg, logger: logger}
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func (a *app) postgres(ctx context.Context) (*pgxpool.Pool, error) {
	if a.pool != nil {
		return a.pool, nil
	}
	pool, err := database.NewPostgresPool(ctx, a.cfg.VectorStore.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("postgres connection: %w", err)
	}
	a.pool = pool
	a.closers = append(a.closers, pool.Close)
	return pool, nil
}

// redisClient returns nil when no Redis address is configured.
func (a *app) redisClient(ctx context.Context) (*redis.Client, error) {
	if a.redis != nil || a.cfg.RedisAddr == "" {
		return a.redis, nil
	}
	client, err := database.NewRedisClient(ctx, a.cfg.RedisAddr, a.cfg.RedisPassword, a.cfg.RedisDB)
	if err != nil {
		return nil, fmt.Errorf("redis connection: %w", err)
	}
	a.redis = client
	a.closers = append(a.closers, func() { _ = client.Close() })
	return client, nil
}

// graphDriver returns nil when Neo4j is not configured.
func (a *app) graphDriver(ctx context.Context) (neo4j.DriverWithContext, error) {
	if a.driver != nil || a.cfg.Neo4jURI == "" {
		return a.driver, nil
	}
	driver, err := database.NewNeo4jDriver(ctx, a.cfg.Neo4jURI, a.cfg.Neo4jUser, a.cfg.Neo4jPass)
	if err != nil {
		return nil, fmt.Errorf("neo4j connection: %w", err)
	}
	a.driver = driver
	a.closers = append(a.closers, func() { _ = driver.Close(context.Background()) })
	return driver, nil
}

func (a *app) openStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	switch a.cfg.VectorStore.Backend {
	case config.BackendMemory:
		a.store = vectorstore.NewMemoryStore()
	case config.BackendPostgres:
		pool, err := a.postgres(ctx)
		if err != nil {
			return err
		}
		store, err := vectorstore.NewPostgresStore(ctx, pool)
		if err != nil {
			return err
		}
		a.store = store
	case config.BackendSQLite:
		db, err := database.OpenSQLite(ctx, a.cfg.SQLiteFile())
		if err != nil {
			return fmt.Errorf("sqlite: %w", err)
		}
		store, err := vectorstore.NewSQLiteStore(ctx, db)
		if err != nil {
			_ = db.Close()
			return err
		}
		a.store = store
	default:
		return fmt.Errorf("unknown vector backend %q", a.cfg.VectorStore.Backend)
	}
	store := a.store
	a.closers = append(a.closers, func() { _ = store.Close() })
	return nil
}

// locker follows the vector backend: Postgres advisory locks for Postgres,
// Redis when available, a lock file otherwise.
func (a *app) locker(ctx context.Context) (lock.Locker, error) {
	switch {
	case a.cfg.VectorStore.Backend == config.BackendMemory:
		return lock.Nop{}, nil
	case a.cfg.VectorStore.Backend == config.BackendPostgres:
		pool, err := a.postgres(ctx)
		if err != nil {
			return nil, err
		}
		return lock.NewPostgresLocker(pool), nil
	}
	client, err := a.redisClient(ctx)
	if err != nil {
		return nil, err
	}
	if client != nil {
		return lock.NewRedisLocker(client, 0, a.logger), nil
	}
	return lock.NewFileLocker(filepath.Join(a.cfg.EnvironmentRoot(), "locks")), nil
}

func (a *app) embedder(ctx context.Context) (embeddings.Embedder, error) {
	embedder, err := embeddings.NewEmbedder(a.cfg)
	if err != nil {
		return nil, fmt.Errorf("embedder setup: %w", err)
	}
	client, err := a.redisClient(ctx)
	if err != nil {
		return nil, err
	}
	if client != nil {
		return embeddings.NewCachedEmbedder(embedder, embeddings.NewRedisCache(client), embeddingCacheTTL, a.logger), nil
	}
	return embedder, nil
}

// runner only opens the store and model clients for stages that embed.
func (a *app) runner(ctx context.Context, stage pipeline.Stage) (*pipeline.Runner, error) {
	registry := ingestion.NewRegistry()
	deps := pipeline.Deps{Registry: registry, Logger: a.logger}
	if stage != pipeline.StageEmbed && stage != pipeline.StageAll {
		return pipeline.NewRunner(a.cfg, deps), nil
	}

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}
	embedder, err := a.embedder(ctx)
	if err != nil {
		return nil, err
	}
	locker, err := a.locker(ctx)
	if err != nil {
		return nil, err
	}
	var graph ingestion.GraphSyncer
	driver, err := a.graphDriver(ctx)
	if err != nil {
		return nil, err
	}
	if driver != nil {
		graph = knowledge.NewSyncer(driver, a.cfg.Collection, a.logger)
	}

	deps.Embedder = ingestion.NewService(a.store, embedder, graph, a.logger, a.cfg.Embeddings.BatchSize)
	deps.Locker = locker
	return pipeline.NewRunner(a.cfg, deps), nil
}

func (a *app) retriever(ctx context.Context) (*retriever.Service, error) {
	if err := a.openStore(ctx); err != nil {
		return nil, err
	}
	embedder, err := a.embedder(ctx)
	if err != nil {
		return nil, err
	}
	client, err := llm.NewClient(a.cfg)
	if err != nil {
		return nil, fmt.Errorf("llm setup: %w", err)
	}
	r := a.cfg.Retrieval
	return retriever.NewService(a.store, embedder, client, retriever.Config{
		Collection:      a.cfg.Collection,
		DefaultTopK:     r.TopK,
		MaxTopK:         r.MaxTopK,
		ContextBudget:   r.ContextBudget,
		RelevanceFloor:  r.RelevanceFloor,
		EmbedTimeout:    r.EmbedTimeout,
		SearchTimeout:   r.SearchTimeout,
		GenerateTimeout: r.GenerateTimeout,
	}, a.logger), nil
}
