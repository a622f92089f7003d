package redis_registry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only if it still names the releasing run.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// Registry mirrors concurrency-group occupancy into Redis so operators and
// other processes can see which run owns each group.
type Registry struct {
	client *redis.Client
	prefix string
}

func New(client *redis.Client, prefix string) *Registry {
	return &Registry{client: client, prefix: prefix}
}

// Dial connects to addr and checks the connection.
func Dial(ctx context.Context, addr, prefix string) (*Registry, error) {
	c := redis.NewClient(&redis.Options{Addr: addr})
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis %s: %w", addr, err)
	}
	return New(c, prefix), nil
}

func (r *Registry) Close() error { return r.client.Close() }

// Swap records runID as the occupant of key and returns the previous
// occupant, if any.
func (r *Registry) Swap(ctx context.Context, key, runID string) (string, error) {
	prev, err := r.client.GetSet(ctx, r.prefix+key, runID).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis swap %s: %w", key, err)
	}
	return prev, nil
}

func (r *Registry) Release(ctx context.Context, key, runID string) error {
	if err := r.client.Eval(ctx, releaseScript, []string{r.prefix + key}, runID).Err(); err != nil {
		return fmt.Errorf("redis release %s: %w", key, err)
	}
	return nil
}

func (r *Registry) Occupants(ctx context.Context) (map[string]string, error) {
	out := make(map[string]string)

	iter := r.client.Scan(ctx, 0, r.prefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}
	if len(keys) == 0 {
		return out, nil
	}

	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}
	for i, v := range vals {
		if s, ok := v.(string); ok {
			out[strings.TrimPrefix(keys[i], r.prefix)] = s
		}
	}
	return out, nil
}
