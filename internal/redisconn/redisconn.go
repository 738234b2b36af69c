// Package redisconn wraps the shared go-redis client in a circuit breaker so a
// Redis outage degrades presence and consultation storage to fast failures
// instead of stalling signaling connections.
package redisconn

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/healthkiosk/telehealth-signaling/internal/config"
)

const (
	breakerTimeout  = 10 * time.Second
	breakerInterval = 30 * time.Second
	tripAfter       = 5
)

// ErrUnavailable is returned while the breaker is open.
var ErrUnavailable = errors.New("redis unavailable")

type Client struct {
	rdb *redis.Client
	cb  *gobreaker.CircuitBreaker
}

func New(cfg config.RedisConfig, logger *slog.Logger) *Client {
	return NewWithClient(redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}), logger)
}

func NewWithClient(rdb *redis.Client, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     "redis",
		Interval: breakerInterval,
		Timeout:  breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= tripAfter
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, redis.Nil)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return &Client{rdb: rdb, cb: cb}
}

// Redis returns the underlying client. Calls made on it directly bypass the
// breaker; use Do for anything on a request path.
func (c *Client) Redis() *redis.Client {
	return c.rdb
}

// Do runs fn through the circuit breaker. redis.Nil is passed through to the
// caller without counting as a failure.
func (c *Client) Do(fn func(rdb *redis.Client) error) error {
	_, err := c.cb.Execute(func() (interface{}, error) {
		return nil, fn(c.rdb)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrUnavailable
	}
	return err
}

func (c *Client) Ping(ctx context.Context) error {
	return c.Do(func(rdb *redis.Client) error {
		return rdb.Ping(ctx).Err()
	})
}

func (c *Client) Close() error {
	return c.rdb.Close()
}
