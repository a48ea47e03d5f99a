package velocity

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store using Redis. Increment-with-expiry runs as a
// Lua script so the INCR and the PEXPIRE land in one atomic round trip.
type RedisStore struct {
	client *redis.Client
}

// incrScript increments the counter and sets the expiry only when the key
// was just created, keeping established windows on their original clock.
var incrScript = redis.NewScript(`
	local current = redis.call('INCR', KEYS[1])
	if current == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	return current
`)

// NewRedisStore wraps an existing Redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// IncrWindow atomically increments key and returns the new count.
func (s *RedisStore) IncrWindow(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	return incrScript.Run(ctx, s.client, []string{key}, expiry.Milliseconds()).Int64()
}

// GetCount returns the current count without mutation; 0 when absent.
func (s *RedisStore) GetCount(ctx context.Context, key string) (int64, error) {
	count, err := s.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return count, nil
}

// Ping checks Redis connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close is a no-op; the shared client is owned by the caller.
func (s *RedisStore) Close() error {
	return nil
}
