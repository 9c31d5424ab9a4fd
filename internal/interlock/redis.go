package interlock

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// opTimeout bounds every point read/write so a wedged connection surfaces as
// an error on this tick instead of stalling the loop.
const opTimeout = 2 * time.Second

// RedisStore implements Store on a Redis backend using plain keys for values
// and pub/sub channels for commands and events.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore wraps an existing go-redis client.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// Read returns the value of key, or ErrNotFound if it was never written.
func (s *RedisStore) Read(ctx context.Context, key string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	val, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

// Write stores every pair with MSET.
func (s *RedisStore) Write(ctx context.Context, kv map[string]string) error {
	if len(kv) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	args := make([]interface{}, 0, len(kv)*2)
	for k, v := range kv {
		args = append(args, k, v)
	}
	return s.rdb.MSet(ctx, args...).Err()
}

// Publish sends value on the channel named key. Subscribers see it; the key's
// stored value is untouched.
func (s *RedisStore) Publish(ctx context.Context, key, value string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return s.rdb.Publish(ctx, key, value).Err()
}

// Listen pattern-subscribes and forwards messages until ctx is cancelled.
func (s *RedisStore) Listen(ctx context.Context, patterns ...string) (<-chan KV, error) {
	sub := s.rdb.PSubscribe(ctx, patterns...)

	// Confirm the subscription before returning so callers don't race
	// their first publish against an unestablished subscription.
	confirmCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if _, err := sub.Receive(confirmCtx); err != nil {
		sub.Close()
		return nil, err
	}

	out := make(chan KV)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- KV{Key: msg.Channel, Value: msg.Payload}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Ping verifies the connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return s.rdb.Ping(ctx).Err()
}
