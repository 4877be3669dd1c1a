package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/upb/oap-policy-engine/models"
)

// RedisStore keeps idempotency records as JSON values reserved with SET NX
type RedisStore struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates a RedisStore. Keys are written under prefix.
func NewRedisStore(client redis.Cmdable, prefix string, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) key(k models.IdempotencyKey) string {
	return s.prefix + "idem:" + k.String()
}

func (s *RedisStore) Lookup(ctx context.Context, key models.IdempotencyKey) (*models.IdempotencyRecord, error) {
	raw, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var rec models.IdempotencyRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode idempotency record: %w", err)
	}
	return &rec, nil
}

func (s *RedisStore) Reserve(ctx context.Context, rec *models.IdempotencyRecord) (Reservation, error) {
	stored := *rec
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(stored)
	if err != nil {
		return Reservation{}, fmt.Errorf("encode idempotency record: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.key(rec.IdempotencyKey), raw, s.ttl).Result()
	if err != nil {
		return Reservation{}, fmt.Errorf("redis setnx: %w", err)
	}
	if ok {
		return Reservation{}, nil
	}

	prior, err := s.Lookup(ctx, rec.IdempotencyKey)
	if err != nil {
		return Reservation{}, err
	}
	res := Reservation{AlreadyExists: true}
	if prior != nil {
		res.PriorDecisionID = prior.DecisionID
	}
	return res, nil
}
