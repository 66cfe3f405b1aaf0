// Package notify publishes saga notifications to Redis, Kafka and
// websocket clients.
package notify

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"stockflow/internal/saga"
)

// RedisPipelineClient is the minimal client surface used by RedisStreamPublisher.
type RedisPipelineClient interface {
	Pipeline() RedisPipeliner
}

// RedisPipeliner is the subset of commands used within a pipeline.
type RedisPipeliner interface {
	HSet(ctx context.Context, key string, values ...any) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	Exec(ctx context.Context) ([]redis.Cmder, error)
}

// RedisStreamPublisher keeps the latest status of each saga in a hash and
// appends every notification to a stream.
type RedisStreamPublisher struct {
	client    RedisPipelineClient
	stream    string
	keyPrefix string
	ttl       time.Duration
	maxLen    int64
}

// NewRedisStreamPublisher constructs a Redis-backed publisher.
func NewRedisStreamPublisher(client RedisPipelineClient, stream string, ttl time.Duration, maxLen int64) *RedisStreamPublisher {
	if stream == "" {
		stream = "saga_events"
	}
	return &RedisStreamPublisher{
		client:    client,
		stream:    stream,
		keyPrefix: "saga:",
		ttl:       ttl,
		maxLen:    maxLen,
	}
}

// Publish writes the latest status and appends to the stream in one pipeline.
func (r *RedisStreamPublisher) Publish(ctx context.Context, n saga.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	key := r.keyPrefix + n.CorrelationID
	fields := map[string]any{
		"saga_id":        n.SagaID,
		"saga_type":      n.SagaType,
		"correlation_id": n.CorrelationID,
		"status":         string(n.Status),
		"current_step":   string(n.CurrentStep),
		"event_type":     string(n.EventType),
		"step_type":      n.StepType,
		"error":          n.Error,
		"at":             n.At.UTC().Format(time.RFC3339Nano),
	}

	pipe := r.client.Pipeline()
	pipe.HSet(ctx, key, fields)
	if r.ttl > 0 {
		pipe.Expire(ctx, key, r.ttl)
	}

	args := &redis.XAddArgs{
		Stream: r.stream,
		Values: fields,
	}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}
	pipe.XAdd(ctx, args)

	_, err := pipe.Exec(ctx)
	return err
}

// ClientAdapter exposes a go-redis client through RedisPipelineClient.
type ClientAdapter struct {
	Client redis.UniversalClient
}

func (a ClientAdapter) Pipeline() RedisPipeliner {
	return pipelineAdapter{pipe: a.Client.Pipeline()}
}

type pipelineAdapter struct {
	pipe redis.Pipeliner
}

func (p pipelineAdapter) HSet(ctx context.Context, key string, values ...any) *redis.IntCmd {
	return p.pipe.HSet(ctx, key, values...)
}

func (p pipelineAdapter) Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd {
	return p.pipe.Expire(ctx, key, expiration)
}

func (p pipelineAdapter) XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd {
	return p.pipe.XAdd(ctx, a)
}

func (p pipelineAdapter) Exec(ctx context.Context) ([]redis.Cmder, error) {
	return p.pipe.Exec(ctx)
}
