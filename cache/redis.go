package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	iam "github.com/chimerakang/iam-pipeline"
)

var tracer = otel.Tracer("github.com/chimerakang/iam-pipeline/cache")

// DefaultKeyPrefix namespaces verification entries in a shared Redis.
const DefaultKeyPrefix = "iam:verify:"

// Redis is a cache shared by every gateway replica. Redis expiry enforces
// the TTL; the stored deadline is still checked by the caller.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

var _ iam.VerificationCache = (*Redis)(nil)

// NewRedis wraps client. An empty prefix uses DefaultKeyPrefix.
func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) Get(ctx context.Context, key string) (*iam.VerificationResult, bool, error) {
	ctx, span := tracer.Start(ctx, "cache.redis.get")
	defer span.End()

	data, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		span.SetAttributes(attribute.Bool("cache.hit", false))
		return nil, false, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "redis get failed")
		return nil, false, fmt.Errorf("iam/cache: get: %w", err)
	}

	var res iam.VerificationResult
	if err := json.Unmarshal(data, &res); err != nil {
		// A corrupt entry is a miss; drop it so the next request repopulates.
		_ = r.client.Del(ctx, r.prefix+key).Err()
		return nil, false, nil
	}
	span.SetAttributes(attribute.Bool("cache.hit", true))
	return &res, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, result *iam.VerificationResult, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	ctx, span := tracer.Start(ctx, "cache.redis.set")
	defer span.End()

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("iam/cache: marshal: %w", err)
	}
	if err := r.client.Set(ctx, r.prefix+key, data, ttl).Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "redis set failed")
		return fmt.Errorf("iam/cache: set: %w", err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("iam/cache: delete: %w", err)
	}
	return nil
}

// Ping checks connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
