package store

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"

	"advisor/pkg/platform/sentinel"
)

var kvDurationMs = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "advisor_session_kv_duration_ms",
	Help:    "Latency of shared session backend operations in milliseconds",
	Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 25, 50, 100},
}, []string{"backend", "op"})

func observeKV(backend, op string, start time.Time) {
	kvDurationMs.WithLabelValues(backend, op).Observe(float64(time.Since(start).Microseconds()) / 1000.0)
}

const defaultRedisKeyPrefix = "advisor:session:"

// RedisKV lets several client processes on one host share a session.
type RedisKV struct {
	client redis.Cmdable
	prefix string
}

type RedisOption func(*RedisKV)

// WithKeyPrefix namespaces keys, e.g. per user profile.
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *RedisKV) {
		if prefix != "" {
			r.prefix = prefix
		}
	}
}

func NewRedisKV(client redis.Cmdable, opts ...RedisOption) *RedisKV {
	r := &RedisKV{client: client, prefix: defaultRedisKeyPrefix}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Put writes every value inside MULTI/EXEC.
func (r *RedisKV) Put(ctx context.Context, values map[string]string) error {
	defer observeKV("redis", "put", time.Now())
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for k, v := range values {
			pipe.Set(ctx, r.prefix+k, v, 0)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis put: %w: %w", sentinel.ErrUnavailable, err)
	}
	return nil
}

func (r *RedisKV) Get(ctx context.Context, keys ...string) (map[string]string, error) {
	defer observeKV("redis", "get", time.Now())
	out := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	vals, err := r.client.MGet(ctx, r.prefixed(keys)...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis get: %w: %w", sentinel.ErrUnavailable, err)
	}
	for i, v := range vals {
		if s, ok := v.(string); ok {
			out[keys[i]] = s
		}
	}
	return out, nil
}

func (r *RedisKV) Delete(ctx context.Context, keys ...string) error {
	defer observeKV("redis", "delete", time.Now())
	if len(keys) == 0 {
		return nil
	}
	if err := r.client.Del(ctx, r.prefixed(keys)...).Err(); err != nil {
		return fmt.Errorf("redis delete: %w: %w", sentinel.ErrUnavailable, err)
	}
	return nil
}

func (r *RedisKV) prefixed(keys []string) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = r.prefix + k
	}
	return out
}
