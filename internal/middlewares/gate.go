package middlewares

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gin-gonic/gin"
)

// Gate 跟踪正在处理的请求，停机时拒绝新请求并等待已接收的请求完成
// 长连接（审计流）不经过 Gate，由 Hub 在停机时关闭
type Gate struct {
	mu       sync.RWMutex
	closed   bool
	wg       sync.WaitGroup
	inFlight atomic.Int64
}

func NewGate() *Gate {
	return &Gate{}
}

func (g *Gate) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		g.mu.RLock()
		if g.closed {
			g.mu.RUnlock()
			c.Header("Connection", "close")
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "server is shutting down"})
			return
		}
		g.wg.Add(1)
		g.inFlight.Add(1)
		g.mu.RUnlock()

		defer func() {
			g.inFlight.Add(-1)
			g.wg.Done()
		}()
		c.Next()
	}
}

// Quiesce 之后的新请求返回 503
func (g *Gate) Quiesce() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
}

// Drain 等待已接收的请求完成；超时返回仍未完成的数量
func (g *Gate) Drain(ctx context.Context) (int64, error) {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return 0, nil
	case <-ctx.Done():
		return g.inFlight.Load(), ctx.Err()
	}
}

func (g *Gate) InFlight() int64 {
	return g.inFlight.Load()
}
