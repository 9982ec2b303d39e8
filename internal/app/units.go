package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"go.uber.org/zap"

	"github.com/Gopher0727/Vela/internal/bot"
	"github.com/Gopher0727/Vela/internal/middlewares"
	logger "github.com/Gopher0727/Vela/middleware/log"
)

// BotUnit 事件流单元
type BotUnit struct {
	*bot.Bot
}

func (u BotUnit) Name() string { return "bot" }

// Stop 断开网关后等待正在执行的转换提交，排队未开始的事件被丢弃
func (u BotUnit) Stop(ctx context.Context) error {
	u.Bot.Stop()
	if err := u.Bot.Wait(ctx); err != nil {
		return fmt.Errorf("wait for bot workers: %w", err)
	}
	return nil
}

// HTTPUnit 管理端 HTTP 单元，Gate 负责停机时拒绝新请求并统计在途请求
type HTTPUnit struct {
	server *http.Server
	gate   *middlewares.Gate
	log    *logger.Logger
	failed chan error
}

func NewHTTPUnit(server *http.Server, gate *middlewares.Gate, log *logger.Logger) *HTTPUnit {
	return &HTTPUnit{server: server, gate: gate, log: log.Named("http"), failed: make(chan error, 1)}
}

func (u *HTTPUnit) Name() string { return "http" }

// Start 先同步监听，端口被占用时立即失败
func (u *HTTPUnit) Start(context.Context) error {
	ln, err := net.Listen("tcp", u.server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", u.server.Addr, err)
	}
	u.log.Info("http server listening", zap.String("addr", ln.Addr().String()))

	go func() {
		if err := u.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			u.failed <- err
		}
	}()
	return nil
}

func (u *HTTPUnit) Failed() <-chan error { return u.failed }

func (u *HTTPUnit) Quiesce() { u.gate.Quiesce() }

func (u *HTTPUnit) Drain(ctx context.Context) (int64, error) { return u.gate.Drain(ctx) }

// Stop 关闭监听与空闲连接；Drain 之后剩下的只有审计流长连接
func (u *HTTPUnit) Stop(ctx context.Context) error {
	if err := u.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}
