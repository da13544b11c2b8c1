package cache

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	redisOnce   sync.Once
	redisClient *redis.Client
	redisErr    error
)

// GetRedisClient returns a singleton Redis client configured from environment variables.
// REDIS_ADDR defaults to localhost:6379 when unset. REDIS_DB and REDIS_PASSWORD are optional.
func GetRedisClient() (*redis.Client, error) {
	redisOnce.Do(func() {
		addr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
		if addr == "" {
			addr = "localhost:6379"
		}
		password := os.Getenv("REDIS_PASSWORD")
		db := 0
		if rawDB := strings.TrimSpace(os.Getenv("REDIS_DB")); rawDB != "" {
			if parsed, err := strconv.Atoi(rawDB); err == nil {
				db = parsed
			}
		}

		client := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		})

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		if err := client.Ping(ctx).Err(); err != nil {
			redisErr = fmt.Errorf("cache: ping redis %s failed: %w", addr, err)
			_ = client.Close()
			return
		}

		redisClient = client
	})

	return redisClient, redisErr
}

// Enabled reports whether a usable Redis client was initialized.
func Enabled() bool {
	client, err := GetRedisClient()
	return err == nil && client != nil
}

// Close releases the cached Redis connection. Mainly useful for tests.
func Close() error {
	if redisClient == nil {
		return nil
	}
	return redisClient.Close()
}

// Lock is a coarse single-flight lock backed by SET NX. The drift scanner
// uses it so overlapping scheduled scans never run concurrently across
// instances.
type Lock struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration
}

// NewLock builds a lock on the given key with the given expiry.
func NewLock(client *redis.Client, key string, ttl time.Duration) *Lock {
	return &Lock{client: client, key: key, token: fmt.Sprintf("%d", time.Now().UnixNano()), ttl: ttl}
}

// TryAcquire attempts to take the lock without blocking.
func (l *Lock) TryAcquire(ctx context.Context) (bool, error) {
	if l == nil || l.client == nil {
		// No Redis means a single instance; let the caller proceed.
		return true, nil
	}
	ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("cache: acquire lock %s: %w", l.key, err)
	}
	return ok, nil
}

// Release drops the lock if this holder still owns it.
func (l *Lock) Release(ctx context.Context) error {
	if l == nil || l.client == nil {
		return nil
	}
	const script = `if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("del", KEYS[1]) else return 0 end`
	return l.client.Eval(ctx, script, []string{l.key}, l.token).Err()
}
