package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/upb/oap-policy-engine/models"
)

// expiryGrace keeps a closed bucket readable briefly after its period ends
const expiryGrace = time.Hour

// addWithinScript increments KEYS[1] by ARGV[1] only when the result stays
// within ARGV[2], and sets the key to expire at unix time ARGV[3].
// Returns {added, total}.
var addWithinScript = redis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
local delta = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
if current + delta > limit then
  return {0, current}
end
local total = redis.call("INCRBY", KEYS[1], delta)
redis.call("EXPIREAT", KEYS[1], ARGV[3])
return {1, total}
`)

// RedisCounter keeps totals as integer keys that expire after their bucket closes
type RedisCounter struct {
	client redis.Cmdable
	prefix string
}

// NewRedisCounter creates a RedisCounter writing keys under prefix
func NewRedisCounter(client redis.Cmdable, prefix string) *RedisCounter {
	return &RedisCounter{client: client, prefix: prefix}
}

func (c *RedisCounter) key(k models.UsageKey) string {
	return c.prefix + "usage:" + k.String()
}

func expiry(k models.UsageKey) (time.Time, error) {
	end, err := k.Period.BucketEnd(k.Bucket)
	if err != nil {
		return time.Time{}, err
	}
	return end.Add(expiryGrace), nil
}

func (c *RedisCounter) Current(ctx context.Context, key models.UsageKey) (int64, error) {
	n, err := c.client.Get(ctx, c.key(key)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get: %w", err)
	}
	return n, nil
}

func (c *RedisCounter) Add(ctx context.Context, key models.UsageKey, delta int64) (int64, error) {
	totals, err := c.AddBatch(ctx, []models.UsageKey{key}, delta)
	if err != nil {
		return 0, err
	}
	return totals[key], nil
}

func (c *RedisCounter) AddWithin(ctx context.Context, key models.UsageKey, delta, limit int64) (int64, bool, error) {
	exp, err := expiry(key)
	if err != nil {
		return 0, false, err
	}
	vals, err := addWithinScript.Run(ctx, c.client, []string{c.key(key)}, delta, limit, exp.Unix()).Int64Slice()
	if err != nil {
		return 0, false, fmt.Errorf("redis add within: %w", err)
	}
	if len(vals) != 2 {
		return 0, false, fmt.Errorf("redis add within: unexpected reply %v", vals)
	}
	return vals[1], vals[0] == 1, nil
}

// AddBatch increments every key in one MULTI/EXEC transaction
func (c *RedisCounter) AddBatch(ctx context.Context, keys []models.UsageKey, delta int64) (map[models.UsageKey]int64, error) {
	incrs := make([]*redis.IntCmd, len(keys))
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, k := range keys {
			exp, err := expiry(k)
			if err != nil {
				return err
			}
			incrs[i] = pipe.IncrBy(ctx, c.key(k), delta)
			pipe.ExpireAt(ctx, c.key(k), exp)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis incrby: %w", err)
	}

	out := make(map[models.UsageKey]int64, len(keys))
	for i, k := range keys {
		out[k] = incrs[i].Val()
	}
	return out, nil
}
