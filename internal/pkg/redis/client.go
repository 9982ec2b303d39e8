package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/Gopher0727/Vela/config"
)

var ErrStateNotFound = errors.New("state not found or already used")

// KeyStore is the slice of redis the rest of the process needs: one-shot
// markers for consumed interaction tokens and short-lived OAuth state.
type KeyStore interface {
	MarkOnce(ctx context.Context, key string, ttl time.Duration) (bool, error)
	PutState(ctx context.Context, state, value string, ttl time.Duration) error
	TakeState(ctx context.Context, state string) (string, error)
	Ping(ctx context.Context) error
	Close() error
}

type Client struct {
	client *redis.Client
}

func NewClient(cfg *config.RedisConfig) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &Client{client: rdb}, nil
}

// Wrap adapts an existing client, mainly for miniredis-backed tests.
func Wrap(rdb *redis.Client) *Client {
	return &Client{client: rdb}
}

func (c *Client) Close() error {
	return c.client.Close()
}

// Raw exposes the underlying client for the rate limiter.
func (c *Client) Raw() *redis.Client {
	return c.client
}

func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// MarkOnce sets key if absent. It reports true only for the caller that
// created the key, so concurrent callers race on redis, not on process memory.
func (c *Client) MarkOnce(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = time.Second
	}
	ok, err := c.client.SetNX(ctx, key, time.Now().Unix(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to mark key %s: %w", key, err)
	}
	return ok, nil
}

func (c *Client) PutState(ctx context.Context, state, value string, ttl time.Duration) error {
	if err := c.client.Set(ctx, stateKey(state), value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store oauth state: %w", err)
	}
	return nil
}

// TakeState reads and deletes the state in one step so it cannot be replayed.
func (c *Client) TakeState(ctx context.Context, state string) (string, error) {
	value, err := c.client.GetDel(ctx, stateKey(state)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrStateNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read oauth state: %w", err)
	}
	return value, nil
}

func stateKey(state string) string {
	return "oauth:state:" + state
}
