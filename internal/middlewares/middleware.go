package middlewares

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Gopher0727/Vela/internal/metrics"
	"github.com/Gopher0727/Vela/middleware/jwt"
	logger "github.com/Gopher0727/Vela/middleware/log"
	"github.com/Gopher0727/Vela/utils/ratelimit"
)

const headerRequestID = "X-Request-ID"

type Manager struct {
	tokens  *jwt.TokenManager
	limiter ratelimit.Limiter
	logger  *logger.Logger
}

func NewManager(tokens *jwt.TokenManager, limiter ratelimit.Limiter, log *logger.Logger) *Manager {
	return &Manager{
		tokens:  tokens,
		limiter: limiter,
		logger:  log.Named("http"),
	}
}

// TraceID 每个请求一个 trace id，写入 ctx 和响应头
func (m *Manager) TraceID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(headerRequestID)
		if id == "" || len(id) > 64 {
			id = logger.NewTraceID("http")
		}
		c.Request = c.Request.WithContext(logger.WithTraceID(c.Request.Context(), id))
		c.Header(headerRequestID, id)
		c.Next()
	}
}

// RateLimit 按规则限流：已认证按管理员 ID，否则按 IP
func (m *Manager) RateLimit(rule ratelimit.Rule) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		key := "ip:" + c.ClientIP()
		if claims := Claims(c); claims != nil {
			key = "admin:" + claims.AdminID
		}

		allowed, err := m.limiter.Allow(ctx, key, rule)
		if err != nil {
			m.logger.ErrorContext(ctx, "rate limit check failed",
				zap.Error(err), zap.String("key", key), zap.String("rule", rule.Name))
			if !allowed {
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "rate limit check failed"})
				return
			}
			c.Next()
			return
		}

		if !allowed {
			c.Header("Retry-After", strconv.Itoa(int(rule.Window.Seconds())))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate limit exceeded",
				"retry_after": int(rule.Window.Seconds()),
			})
			return
		}
		c.Next()
	}
}

// Logger 访问日志与请求指标
func (m *Manager) Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		metrics.HTTPRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		metrics.HTTPDuration.WithLabelValues(c.Request.Method, route).Observe(latency.Seconds())

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Duration("latency", latency),
			zap.String("ip", c.ClientIP()),
		}
		if claims := Claims(c); claims != nil {
			fields = append(fields, zap.String("admin_id", claims.AdminID))
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		ctx := c.Request.Context()
		switch {
		case status >= 500:
			m.logger.ErrorContext(ctx, "server error", fields...)
		case status >= 400:
			m.logger.WarnContext(ctx, "client error", fields...)
		default:
			m.logger.DebugContext(ctx, "request completed", fields...)
		}
	}
}

// Recovery panic 转成 500，不把堆栈返回给客户端
func (m *Manager) Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				m.logger.ErrorContext(c.Request.Context(), "panic recovered",
					zap.Any("error", err),
					zap.String("path", c.Request.URL.Path),
					zap.String("method", c.Request.Method),
					zap.Stack("stack"),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
			}
		}()
		c.Next()
	}
}
