package circuitbreaker

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisWrapper wraps a Redis client with a circuit breaker so that a stalled
// or unreachable Redis instance degrades the publisher backend instead of
// blocking every caller on dial timeouts.
type RedisWrapper struct {
	client *redis.Client
	cb     *CircuitBreaker
	logger *zap.Logger
}

// NewRedisWrapper creates a Redis wrapper with circuit breaker
func NewRedisWrapper(client *redis.Client, logger *zap.Logger) *RedisWrapper {
	config := GetRedisConfig().ToConfig()
	cb := NewCircuitBreaker("redis", config, logger)

	GlobalMetricsCollector.RegisterCircuitBreaker("redis", "redis-publisher", cb)

	return &RedisWrapper{
		client: client,
		cb:     cb,
		logger: logger,
	}
}

func (rw *RedisWrapper) record(success bool) {
	GlobalMetricsCollector.RecordRequest("redis", "redis-publisher", rw.cb.State(), success)
}

// Ping wraps Redis Ping with circuit breaker
func (rw *RedisWrapper) Ping(ctx context.Context) *redis.StatusCmd {
	var result *redis.StatusCmd

	err := rw.cb.Execute(ctx, func() error {
		result = rw.client.Ping(ctx)
		return result.Err()
	})

	rw.record(err == nil && (result == nil || result.Err() == nil))

	if err != nil {
		result = redis.NewStatusCmd(ctx)
		result.SetErr(err)
	}

	return result
}

// Get wraps Redis Get with circuit breaker
func (rw *RedisWrapper) Get(ctx context.Context, key string) *redis.StringCmd {
	var result *redis.StringCmd

	err := rw.cb.Execute(ctx, func() error {
		result = rw.client.Get(ctx, key)
		if result.Err() == redis.Nil {
			return nil
		}
		return result.Err()
	})

	rw.record(err == nil && (result == nil || result.Err() == nil || result.Err() == redis.Nil))

	if err != nil {
		result = redis.NewStringCmd(ctx)
		result.SetErr(err)
	}

	return result
}

// Set wraps Redis Set with circuit breaker
func (rw *RedisWrapper) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	var result *redis.StatusCmd

	err := rw.cb.Execute(ctx, func() error {
		result = rw.client.Set(ctx, key, value, expiration)
		return result.Err()
	})

	rw.record(err == nil && (result == nil || result.Err() == nil))

	if err != nil {
		result = redis.NewStatusCmd(ctx)
		result.SetErr(err)
	}

	return result
}

// Del wraps Redis Del with circuit breaker
func (rw *RedisWrapper) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	var result *redis.IntCmd

	err := rw.cb.Execute(ctx, func() error {
		result = rw.client.Del(ctx, keys...)
		return result.Err()
	})

	rw.record(err == nil && (result == nil || result.Err() == nil))

	if err != nil {
		result = redis.NewIntCmd(ctx)
		result.SetErr(err)
	}

	return result
}

// Keys wraps Redis Keys with circuit breaker
func (rw *RedisWrapper) Keys(ctx context.Context, pattern string) *redis.StringSliceCmd {
	var result *redis.StringSliceCmd

	err := rw.cb.Execute(ctx, func() error {
		result = rw.client.Keys(ctx, pattern)
		return result.Err()
	})

	rw.record(err == nil && (result == nil || result.Err() == nil))

	if err != nil {
		result = redis.NewStringSliceCmd(ctx)
		result.SetErr(err)
	}

	return result
}

// XAdd wraps Redis XAdd with circuit breaker, used to append an event onto a
// channel's durable stream.
func (rw *RedisWrapper) XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd {
	var result *redis.StringCmd

	err := rw.cb.Execute(ctx, func() error {
		result = rw.client.XAdd(ctx, a)
		return result.Err()
	})

	rw.record(err == nil && (result == nil || result.Err() == nil))

	if err != nil {
		result = redis.NewStringCmd(ctx)
		result.SetErr(err)
	}

	return result
}

// XRange wraps Redis XRange with circuit breaker, used for resume replay.
func (rw *RedisWrapper) XRange(ctx context.Context, stream, start, stop string) *redis.XMessageSliceCmd {
	var result *redis.XMessageSliceCmd

	err := rw.cb.Execute(ctx, func() error {
		result = rw.client.XRange(ctx, stream, start, stop)
		return result.Err()
	})

	rw.record(err == nil && (result == nil || result.Err() == nil))

	if err != nil {
		result = redis.NewXMessageSliceCmd(ctx)
		result.SetErr(err)
	}

	return result
}

// XRevRangeN wraps Redis XRevRangeN with circuit breaker, used to find the
// newest stored event id on a channel.
func (rw *RedisWrapper) XRevRangeN(ctx context.Context, stream, start, stop string, count int64) *redis.XMessageSliceCmd {
	var result *redis.XMessageSliceCmd

	err := rw.cb.Execute(ctx, func() error {
		result = rw.client.XRevRangeN(ctx, stream, start, stop, count)
		return result.Err()
	})

	rw.record(err == nil && (result == nil || result.Err() == nil))

	if err != nil {
		result = redis.NewXMessageSliceCmd(ctx)
		result.SetErr(err)
	}

	return result
}

// XTrimMinID wraps Redis XTRIM MINID with circuit breaker, used by the
// retention sweep to drop events older than the configured window.
func (rw *RedisWrapper) XTrimMinID(ctx context.Context, stream, minID string) *redis.IntCmd {
	var result *redis.IntCmd

	err := rw.cb.Execute(ctx, func() error {
		result = rw.client.XTrimMinID(ctx, stream, minID)
		return result.Err()
	})

	rw.record(err == nil && (result == nil || result.Err() == nil))

	if err != nil {
		result = redis.NewIntCmd(ctx)
		result.SetErr(err)
	}

	return result
}

// Expire wraps Redis Expire with circuit breaker.
func (rw *RedisWrapper) Expire(ctx context.Context, key string, ttl time.Duration) *redis.BoolCmd {
	var result *redis.BoolCmd

	err := rw.cb.Execute(ctx, func() error {
		result = rw.client.Expire(ctx, key, ttl)
		return result.Err()
	})

	rw.record(err == nil && (result == nil || result.Err() == nil))

	if err != nil {
		result = redis.NewBoolCmd(ctx)
		result.SetErr(err)
	}

	return result
}

// PublishAndTrim appends args to stream, trims it to minID, and extends its
// TTL to ttl, all inside a single pipelined transaction gated by one
// circuit-breaker call -- the window-amortized maintenance path a resumable
// channel's first publish in each retention window takes, per streaming's
// trim/expire contract. It returns the id XAdd assigned.
func (rw *RedisWrapper) PublishAndTrim(ctx context.Context, stream string, args *redis.XAddArgs, minID string, ttl time.Duration) (string, error) {
	var id string

	err := rw.cb.Execute(ctx, func() error {
		pipe := rw.client.TxPipeline()
		addCmd := pipe.XAdd(ctx, args)
		pipe.XTrimMinID(ctx, stream, minID)
		pipe.Expire(ctx, stream, ttl)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		id = addCmd.Val()
		return nil
	})

	rw.record(err == nil)
	return id, err
}

// Close wraps Redis Close
func (rw *RedisWrapper) Close() error {
	return rw.client.Close()
}

// GetClient returns the underlying Redis client for operations not covered by
// the wrapper (XRead with BLOCK in particular, since a blocking call must not
// be gated behind the circuit breaker's own timeout).
func (rw *RedisWrapper) GetClient() *redis.Client {
	return rw.client
}

// IsCircuitBreakerOpen returns true if the circuit breaker is open
func (rw *RedisWrapper) IsCircuitBreakerOpen() bool {
	return rw.cb.State() == StateOpen
}
