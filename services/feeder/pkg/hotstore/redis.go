package hotstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/YaganovValera/candle-feeder/common/backoff"
	"github.com/YaganovValera/candle-feeder/common/logger"
	"github.com/YaganovValera/candle-feeder/common/telemetry"
)

var (
	redisMetrics = struct {
		Errors  *prometheus.CounterVec
		Latency *prometheus.HistogramVec
	}{
		Errors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "feeder", Subsystem: "redis", Name: "errors_total",
			Help: "Redis operations that failed after retries",
		}, []string{"op"}),
		Latency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "feeder", Subsystem: "redis", Name: "operation_latency_seconds",
			Help:    "Latency of Redis operations",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
	}
	tracer = telemetry.Tracer("hotstore")
)

// lua: продлить/удалить ключ только если значение совпадает
var (
	compareAndExpire = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
	compareAndDelete = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0`)
)

// Config хранит параметры подключения к Redis.
type Config struct {
	URL      string // e.g. "redis://host:6379/0"
	PoolSize int
	Backoff  backoff.Config
}

func (c *Config) validate() error {
	if c.URL == "" {
		return fmt.Errorf("hotstore: redis URL required")
	}
	return nil
}

// redisStorage — Storage поверх go-redis/v9.
type redisStorage struct {
	client     *redis.Client
	log        *logger.Logger
	backoffCfg backoff.Config
}

// NewRedis подключается к Redis с ретраями.
func NewRedis(ctx context.Context, cfg Config, log *logger.Logger) (Storage, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log = log.Named("redis")

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("hotstore: parse URL: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	client := redis.NewClient(opts)

	ctxConn, span := tracer.Start(ctx, "Connect", trace.WithAttributes(attribute.String("addr", opts.Addr)))
	defer span.End()
	ping := func(ctx context.Context) error { return client.Ping(ctx).Err() }
	if err := backoff.Retry(ctxConn, "redis-connect", cfg.Backoff, log, ping); err != nil {
		telemetry.Fail(span, err, "connect")
		_ = client.Close()
		return nil, fmt.Errorf("hotstore: redis connect: %w", err)
	}
	log.Info("redis: connected", zap.String("addr", opts.Addr), zap.Int("db", opts.DB))

	return newRedisStorage(client, cfg.Backoff, log), nil
}

func newRedisStorage(client *redis.Client, bo backoff.Config, log *logger.Logger) *redisStorage {
	// операции внутри job'ов не должны ретраиться бесконечно
	if bo.MaxRetries == 0 && bo.MaxElapsedTime == 0 {
		bo.MaxRetries = 3
	}
	return &redisStorage{client: client, log: log, backoffCfg: bo}
}

// do оборачивает операцию в span, ретраи и метрики.
// redis.Nil превращается в постоянный ErrNotFound.
func (r *redisStorage) do(ctx context.Context, op, key string, fn func(ctx context.Context) error) error {
	ctxOp, span := tracer.Start(ctx, op, trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	start := time.Now()
	err := backoff.Retry(ctxOp, "redis", r.backoffCfg, r.log, func(ctx context.Context) error {
		err := fn(ctx)
		if errors.Is(err, redis.Nil) {
			return backoff.Permanent(ErrNotFound)
		}
		return err
	})
	redisMetrics.Latency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err == nil || errors.Is(err, ErrNotFound) {
		return err
	}
	redisMetrics.Errors.WithLabelValues(op).Inc()
	telemetry.Fail(span, err, "")
	r.log.WithContext(ctx).Error("redis operation failed", zap.String("op", op), zap.String("key", key), zap.Error(err))
	return err
}

func (r *redisStorage) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := r.do(ctx, "GET", key, func(ctx context.Context) error {
		v, err := r.client.Get(ctx, key).Bytes()
		out = v
		return err
	})
	return out, err
}

func (r *redisStorage) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return r.do(ctx, "SET", key, func(ctx context.Context) error {
		return r.client.Set(ctx, key, value, ttl).Err()
	})
}

func (r *redisStorage) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	var ok bool
	err := r.do(ctx, "SETNX", key, func(ctx context.Context) error {
		v, err := r.client.SetNX(ctx, key, value, ttl).Result()
		ok = v
		return err
	})
	return ok, err
}

func (r *redisStorage) CompareAndExpire(ctx context.Context, key string, expected []byte, ttl time.Duration) (bool, error) {
	var n int64
	err := r.do(ctx, "CAEXPIRE", key, func(ctx context.Context) error {
		v, err := compareAndExpire.Run(ctx, r.client, []string{key}, expected, ttl.Milliseconds()).Int64()
		n = v
		return err
	})
	return n == 1, err
}

func (r *redisStorage) CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error) {
	var n int64
	err := r.do(ctx, "CADEL", key, func(ctx context.Context) error {
		v, err := compareAndDelete.Run(ctx, r.client, []string{key}, expected).Int64()
		n = v
		return err
	})
	return n == 1, err
}

func (r *redisStorage) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.do(ctx, "DEL", keys[0], func(ctx context.Context) error {
		return r.client.Del(ctx, keys...).Err()
	})
}

func (r *redisStorage) Scan(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	err := r.do(ctx, "SCAN", pattern, func(ctx context.Context) error {
		keys = keys[:0]
		iter := r.client.Scan(ctx, 0, pattern, 500).Iterator()
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		return iter.Err()
	})
	return keys, err
}

func (r *redisStorage) HGet(ctx context.Context, key, field string) ([]byte, error) {
	var out []byte
	err := r.do(ctx, "HGET", key, func(ctx context.Context) error {
		v, err := r.client.HGet(ctx, key, field).Bytes()
		out = v
		return err
	})
	return out, err
}

func (r *redisStorage) HMGet(ctx context.Context, key string, fields ...string) ([][]byte, error) {
	out := make([][]byte, len(fields))
	if len(fields) == 0 {
		return out, nil
	}
	err := r.do(ctx, "HMGET", key, func(ctx context.Context) error {
		vals, err := r.client.HMGet(ctx, key, fields...).Result()
		if err != nil {
			return err
		}
		for i, v := range vals {
			if s, ok := v.(string); ok {
				out[i] = []byte(s)
			}
		}
		return nil
	})
	return out, err
}

func (r *redisStorage) HGetAll(ctx context.Context, key string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := r.do(ctx, "HGETALL", key, func(ctx context.Context) error {
		vals, err := r.client.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		for f, v := range vals {
			out[f] = []byte(v)
		}
		return nil
	})
	return out, err
}

func (r *redisStorage) HSet(ctx context.Context, key string, values map[string][]byte) error {
	if len(values) == 0 {
		return nil
	}
	args := make(map[string]interface{}, len(values))
	for f, v := range values {
		args[f] = v
	}
	return r.do(ctx, "HSET", key, func(ctx context.Context) error {
		return r.client.HSet(ctx, key, args).Err()
	})
}

func (r *redisStorage) HDel(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	return r.do(ctx, "HDEL", key, func(ctx context.Context) error {
		return r.client.HDel(ctx, key, fields...).Err()
	})
}

func (r *redisStorage) HKeys(ctx context.Context, key string) ([]string, error) {
	var out []string
	err := r.do(ctx, "HKEYS", key, func(ctx context.Context) error {
		v, err := r.client.HKeys(ctx, key).Result()
		out = v
		return err
	})
	return out, err
}

func (r *redisStorage) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *redisStorage) Close() error {
	return r.client.Close()
}
