package lock

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/fabfab/docqa/config"
	"github.com/fabfab/docqa/database"
)

func loadIntegrationConfig(t *testing.T) config.Config {
	t.Helper()
	if os.Getenv("RUN_DB_INTEGRATION_TESTS") != "1" {
		t.Skip("set RUN_DB_INTEGRATION_TESTS=1 to run database connectivity checks")
	}
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	return cfg
}

func TestRedisLockerOutlivesTTL(t *testing.T) {
	cfg := loadIntegrationConfig(t)
	if cfg.RedisAddr == "" {
		t.Skip("REDIS_ADDR is not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := database.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		t.Fatalf("failed to create redis client: %v", err)
	}
	defer client.Close()

	collection := "locktest-" + uuid.NewString()
	locker := NewRedisLocker(client, time.Second, nil)

	release, err := locker.Acquire(ctx, collection)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()

	// Two and a half TTLs: without renewal the key would have expired.
	time.Sleep(2500 * time.Millisecond)

	if _, err := NewRedisLocker(client, time.Second, nil).Acquire(ctx, collection); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked while held past the ttl, got %v", err)
	}

	release()
	if n, err := client.Exists(ctx, "docqa:lock:"+collection).Result(); err != nil || n != 0 {
		t.Fatalf("expected key removed on release, got %d (%v)", n, err)
	}

	again, err := locker.Acquire(ctx, collection)
	if err != nil {
		t.Fatalf("re-acquire after release: %v", err)
	}
	again()
}

func TestRedisLockerKeepsForeignKey(t *testing.T) {
	cfg := loadIntegrationConfig(t)
	if cfg.RedisAddr == "" {
		t.Skip("REDIS_ADDR is not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := database.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		t.Fatalf("failed to create redis client: %v", err)
	}
	defer client.Close()

	collection := "locktest-" + uuid.NewString()
	key := "docqa:lock:" + collection
	release, err := NewRedisLocker(client, time.Second, nil).Acquire(ctx, collection)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// Another writer took over the key; release must leave it alone.
	if err := client.Set(ctx, key, "other-writer", time.Minute).Err(); err != nil {
		t.Fatalf("overwrite key: %v", err)
	}
	release()
	defer client.Del(context.Background(), key)

	holder, err := client.Get(ctx, key).Result()
	if err != nil || holder != "other-writer" {
		t.Fatalf("expected foreign holder to survive release, got %q (%v)", holder, err)
	}
}

func TestPostgresLockerIsExclusive(t *testing.T) {
	cfg := loadIntegrationConfig(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := database.NewPostgresPool(ctx, cfg.VectorStore.PostgresDSN)
	if err != nil {
		t.Fatalf("failed to create postgres pool: %v", err)
	}
	defer pool.Close()

	collection := "locktest-" + uuid.NewString()
	locker := NewPostgresLocker(pool)

	release, err := locker.Acquire(ctx, collection)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()

	// Advisory locks are per session, so a second acquire on another
	// connection must fail.
	if _, err := NewPostgresLocker(pool).Acquire(ctx, collection); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}

	other, err := locker.Acquire(ctx, collection+"-other")
	if err != nil {
		t.Fatalf("collections should lock independently: %v", err)
	}
	other()

	release()
	again, err := locker.Acquire(ctx, collection)
	if err != nil {
		t.Fatalf("re-acquire after release: %v", err)
	}
	again()
}
