// Package lock serializes writers of a vector collection. Readers never lock.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

// ErrLocked is returned when another writer holds the collection.
var ErrLocked = errors.New("collection is locked by another writer")

// Locker grants exclusive write access to a collection. The returned release
// function is safe to call more than once.
type Locker interface {
	Acquire(ctx context.Context, collection string) (release func(), err error)
}

// FileLocker uses a lock file per collection. It only coordinates processes
// sharing the directory.
type FileLocker struct {
	dir string
}

func NewFileLocker(dir string) *FileLocker {
	return &FileLocker{dir: dir}
}

func (l *FileLocker) Acquire(ctx context.Context, collection string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	path := filepath.Join(l.dir, sanitize(collection)+".lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if errors.Is(err, os.ErrExist) {
		holder, _ := os.ReadFile(path)
		return nil, fmt.Errorf("%w: %s (held by pid %s)", ErrLocked, collection, strings.TrimSpace(string(holder)))
	}
	if err != nil {
		return nil, fmt.Errorf("create lock file: %w", err)
	}
	_, writeErr := f.WriteString(strconv.Itoa(os.Getpid()))
	closeErr := f.Close()
	if writeErr != nil || closeErr != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("write lock file: %w", errors.Join(writeErr, closeErr))
	}
	return once(func() { _ = os.Remove(path) }), nil
}

// PostgresLocker takes a session-level advisory lock on a dedicated pool
// connection, held until release.
type PostgresLocker struct {
	pool *pgxpool.Pool
}

func NewPostgresLocker(pool *pgxpool.Pool) *PostgresLocker {
	return &PostgresLocker{pool: pool}
}

func (l *PostgresLocker) Acquire(ctx context.Context, collection string) (func(), error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	key := "docqa:" + collection

	var ok bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock(hashtext($1))", key).Scan(&ok); err != nil {
		conn.Release()
		return nil, fmt.Errorf("try advisory lock: %w", err)
	}
	if !ok {
		conn.Release()
		return nil, fmt.Errorf("%w: %s", ErrLocked, collection)
	}

	return once(func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.Exec(unlockCtx, "SELECT pg_advisory_unlock(hashtext($1))", key); err != nil {
			// A connection that may still hold the lock must not go back to the pool.
			_ = conn.Conn().Close(unlockCtx)
		}
		conn.Release()
	}), nil
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker uses SETNX with a TTL so a crashed writer cannot hold the
// collection forever. While the lock is held the key is renewed every third
// of the TTL. Renewal and release only touch the key when the token matches.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
	logger logrus.FieldLogger
}

func NewRedisLocker(client *redis.Client, ttl time.Duration, logger logrus.FieldLogger) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &RedisLocker{client: client, ttl: ttl, logger: logger}
}

func (l *RedisLocker) Acquire(ctx context.Context, collection string) (func(), error) {
	key := "docqa:lock:" + collection
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis setnx: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLocked, collection)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.renew(stop, key, token)
	}()

	return once(func() {
		close(stop)
		<-done
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err()
	}), nil
}

// renew extends the key until stop is closed or the token no longer matches.
func (l *RedisLocker) renew(stop <-chan struct{}, key, token string) {
	interval := l.ttl / 3
	if interval <= 0 {
		interval = l.ttl
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	log := l.logger.WithField("lock", key)
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		renewCtx, cancel := context.WithTimeout(context.Background(), interval)
		n, err := renewScript.Run(renewCtx, l.client, []string{key}, token, l.ttl.Milliseconds()).Int()
		cancel()
		switch {
		case err != nil:
			log.WithError(err).Warn("lock renewal failed")
		case n == 0:
			log.Error("lock lost before release")
			return
		}
	}
}

// Nop never blocks. Used with the in-memory store.
type Nop struct{}

func (Nop) Acquire(ctx context.Context, _ string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return func() {}, nil
}

func once(fn func()) func() {
	done := false
	return func() {
		if done {
			return
		}
		done = true
		fn()
	}
}

func sanitize(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "default"
	}
	return b.String()
}

var (
	_ Locker = (*FileLocker)(nil)
	_ Locker = (*PostgresLocker)(nil)
	_ Locker = (*RedisLocker)(nil)
	_ Locker = Nop{}
)
