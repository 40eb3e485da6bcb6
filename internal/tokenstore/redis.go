package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gomodule/redigo/redis"
)

// RedisCache is a Cache backed by a redis server. It is the shared cache
// for deployments with several proxy instances.
type RedisCache struct {
	pool *redis.Pool
}

// NewRedisCache returns a RedisCache using the provided connection pool.
func NewRedisCache(pool *redis.Pool) *RedisCache {
	return &RedisCache{pool: pool}
}

// RedisOptions configures NewRedisPool.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxIdle      int
	MaxActive    int
	IdleTimeout  time.Duration
}

// NewRedisPool builds a pool that authenticates and selects the database
// on every new connection.
func NewRedisPool(opts RedisOptions, logger *slog.Logger) *redis.Pool {
	return &redis.Pool{
		Dial: func() (redis.Conn, error) {
			start := time.Now()

			conn, err := redis.Dial("tcp", opts.Addr,
				redis.DialConnectTimeout(opts.DialTimeout),
				redis.DialReadTimeout(opts.ReadTimeout),
				redis.DialWriteTimeout(opts.WriteTimeout),
			)
			if err != nil {
				logger.Error("redis: error connecting",
					slog.String("addr", opts.Addr),
					slog.String("error", err.Error()),
				)

				return nil, err
			}

			if opts.Password != "" {
				if _, err := conn.Do("AUTH", opts.Password); err != nil {
					conn.Close()
					return nil, fmt.Errorf("redis auth: %w", err)
				}
			}

			if opts.DB != 0 {
				if _, err := conn.Do("SELECT", opts.DB); err != nil {
					conn.Close()
					return nil, fmt.Errorf("redis select: %w", err)
				}
			}

			logger.Debug("redis: connected",
				slog.String("addr", opts.Addr),
				slog.Duration("duration", time.Since(start)),
			)

			return conn, nil
		},
		MaxIdle:     opts.MaxIdle,
		MaxActive:   opts.MaxActive,
		IdleTimeout: opts.IdleTimeout,
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}

			_, err := c.Do("PING")

			return err
		},
	}
}

// Get returns the value for key, or nil on a miss.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	conn, err := c.pool.GetContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("redis: getting connection: %w", err)
	}
	defer conn.Close()

	v, err := redis.Bytes(conn.Do("GET", key))
	if errors.Is(err, redis.ErrNil) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("redis GET: %w", err)
	}

	return v, nil
}

// Set stores value under key with a millisecond-precision expiry.
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	conn, err := c.pool.GetContext(ctx)
	if err != nil {
		return fmt.Errorf("redis: getting connection: %w", err)
	}
	defer conn.Close()

	if ttl <= 0 {
		_, err = conn.Do("DEL", key)
	} else {
		_, err = conn.Do("SET", key, value, "PX", ttl.Milliseconds())
	}

	if err != nil {
		return fmt.Errorf("redis SET: %w", err)
	}

	return nil
}

// Close releases the pool's connections.
func (c *RedisCache) Close() error {
	return c.pool.Close()
}
