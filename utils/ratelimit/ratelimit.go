package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Gopher0727/Vela/config"
	"github.com/Gopher0727/Vela/internal/metrics"
	logger "github.com/Gopher0727/Vela/middleware/log"
)

// Limiter defines the interface for rate limiting operations
type Limiter interface {
	// Allow checks if a request should be allowed under rule
	Allow(ctx context.Context, key string, rule Rule) (bool, error)

	// AllowN checks if N requests should be allowed
	AllowN(ctx context.Context, key string, n int, rule Rule) (bool, error)

	// Reset clears the current window for a key
	Reset(ctx context.Context, key string, rule Rule) error

	// GetRemaining returns the number of remaining requests in the current window
	GetRemaining(ctx context.Context, key string, rule Rule) (int, error)
}

// Rule 固定窗口限流规则
type Rule struct {
	Name   string
	Limit  int
	Window time.Duration
}

// 规则名，同时用作 Redis 键前缀与指标标签
const (
	RuleAPI         = "api"
	RuleLogin       = "login"
	RuleInteraction = "interaction"
)

// Rules 由配置生成的全部规则
type Rules struct {
	API         Rule
	Login       Rule
	Interaction Rule
}

func RulesFromConfig(cfg *config.RateLimitConfig) Rules {
	return Rules{
		API:         Rule{Name: RuleAPI, Limit: orDefault(cfg.APIPerMinute, 120), Window: time.Minute},
		Login:       Rule{Name: RuleLogin, Limit: orDefault(cfg.LoginPerMinute, 10), Window: time.Minute},
		Interaction: Rule{Name: RuleInteraction, Limit: orDefault(cfg.InteractionPerMinute, 30), Window: time.Minute},
	}
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// WindowLimiter 基于 Redis INCR + EXPIRE 的固定窗口计数，多实例共享
type WindowLimiter struct {
	redisClient *redis.Client
	logger      *logger.Logger
	failOpen    bool // Redis 不可用时放行
	now         func() time.Time
}

// NewWindowLimiter creates a Redis backed limiter.
//
// Parameters:
//   - redisClient: Redis client for storing rate limit state
//   - log: Logger for recording rate limit events
//   - failOpen: If true, allows requests when Redis fails
func NewWindowLimiter(redisClient *redis.Client, log *logger.Logger, failOpen bool) *WindowLimiter {
	return &WindowLimiter{
		redisClient: redisClient,
		logger:      log,
		failOpen:    failOpen,
		now:         time.Now,
	}
}

func (l *WindowLimiter) Allow(ctx context.Context, key string, rule Rule) (bool, error) {
	return l.AllowN(ctx, key, 1, rule)
}

// AllowN consumes n units from the current window of key under rule.
func (l *WindowLimiter) AllowN(ctx context.Context, key string, n int, rule Rule) (bool, error) {
	bucketKey := l.bucketKey(key, rule)

	pipe := l.redisClient.Pipeline()
	incrCmd := pipe.IncrBy(ctx, bucketKey, int64(n))
	// 多留 1 秒，避免窗口边界上提前过期
	pipe.Expire(ctx, bucketKey, rule.Window+time.Second)

	if _, err := pipe.Exec(ctx); err != nil {
		if l.failOpen {
			l.logger.Warn("rate limit check failed, allowing request",
				zap.String("rule", rule.Name), zap.Error(err))
			return true, nil
		}
		return false, fmt.Errorf("rate limit check failed: %w", err)
	}

	count := incrCmd.Val()
	allowed := count <= int64(rule.Limit)
	if !allowed {
		metrics.RateLimited.WithLabelValues(rule.Name).Inc()
		l.logger.Debug("rate limit exceeded",
			zap.String("rule", rule.Name),
			zap.String("key", key),
			zap.Int64("count", count),
			zap.Int("limit", rule.Limit),
		)
	}
	return allowed, nil
}

func (l *WindowLimiter) Reset(ctx context.Context, key string, rule Rule) error {
	if err := l.redisClient.Del(ctx, l.bucketKey(key, rule)).Err(); err != nil {
		return fmt.Errorf("failed to reset rate limit for key %s: %w", key, err)
	}
	return nil
}

func (l *WindowLimiter) GetRemaining(ctx context.Context, key string, rule Rule) (int, error) {
	count, err := l.redisClient.Get(ctx, l.bucketKey(key, rule)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return rule.Limit, nil
		}
		return 0, fmt.Errorf("failed to get remaining tokens: %w", err)
	}
	return max(rule.Limit-int(count), 0), nil
}

// bucketKey 以窗口起点为桶，窗口切换后自然换键
func (l *WindowLimiter) bucketKey(key string, rule Rule) string {
	start := l.now().Truncate(rule.Window).Unix()
	return fmt.Sprintf("ratelimit:%s:%s:%d", rule.Name, key, start)
}
