package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	logger "github.com/Gopher0727/Vela/middleware/log"
)

// Unit 进程内独立运行的单元（机器人、HTTP）
type Unit interface {
	Name() string
	// Start 返回前单元已就绪；失败时单元自行释放已占用的资源
	Start(ctx context.Context) error
	// Failed 运行期不可恢复的错误
	Failed() <-chan error
	// Quiesce 停止接收新工作
	Quiesce()
	// Drain 等待在途工作完成，返回超时时仍未完成的数量
	Drain(ctx context.Context) (int64, error)
	Stop(ctx context.Context) error
}

// Closer 单元停止后按注册的逆序关闭的资源
type Closer struct {
	Name  string
	Close func(ctx context.Context) error
}

type Options struct {
	GracePeriod time.Duration
	// Exit 第二次收到信号时调用，测试中替换
	Exit func(code int)
}

// App 运行时编排：同时启动全部单元，收到信号后按顺序停机
type App struct {
	units   []Unit
	closers []Closer
	startup []func(ctx context.Context) error
	log     *logger.Logger
	opts    Options

	mu      sync.Mutex
	started []Unit

	failures     chan error
	done         chan struct{}
	shutdownOnce sync.Once
	shutdownErr  error
}

func New(log *logger.Logger, opts Options, units ...Unit) *App {
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = 20 * time.Second
	}
	if opts.Exit == nil {
		opts.Exit = os.Exit
	}
	return &App{
		units:    units,
		log:      log.Named("app"),
		opts:     opts,
		failures: make(chan error, 1),
		done:     make(chan struct{}),
	}
}

// AddUnit 停止顺序与添加顺序一致
func (a *App) AddUnit(u Unit) {
	a.units = append(a.units, u)
}

// OnStartup 在单元启动前执行，例如恢复中断的状态迁移
func (a *App) OnStartup(fn func(ctx context.Context) error) {
	a.startup = append(a.startup, fn)
}

// AddCloser 注册资源，停机时后注册的先关闭
func (a *App) AddCloser(name string, fn func(ctx context.Context) error) {
	a.closers = append(a.closers, Closer{Name: name, Close: fn})
}

// Start 并发启动全部单元，全部就绪后返回
// 任一单元失败时停止已启动的单元，避免只有一半在运行
func (a *App) Start(ctx context.Context) error {
	for _, fn := range a.startup {
		if err := fn(ctx); err != nil {
			return fmt.Errorf("startup: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, u := range a.units {
		g.Go(func() error {
			if err := u.Start(gctx); err != nil {
				return fmt.Errorf("start %s: %w", u.Name(), err)
			}
			a.mu.Lock()
			a.started = append(a.started, u)
			a.mu.Unlock()
			a.log.Info("unit started", zap.String("unit", u.Name()))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		a.log.Error("startup failed, stopping started units", zap.Error(err))
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.opts.GracePeriod)
		defer cancel()
		a.stopUnits(stopCtx, a.startedUnits())
		a.mu.Lock()
		a.started = nil
		a.mu.Unlock()
		return err
	}

	for _, u := range a.units {
		go a.watch(u)
	}
	return nil
}

func (a *App) watch(u Unit) {
	select {
	case err, ok := <-u.Failed():
		if !ok || err == nil {
			return
		}
		select {
		case a.failures <- fmt.Errorf("%s: %w", u.Name(), err):
		case <-a.done:
		}
	case <-a.done:
	}
}

// AwaitTermination 阻塞到首个信号或单元运行期失败，然后执行停机流程
// 停机期间再收到信号直接以 1 退出，不再做任何清理
func (a *App) AwaitTermination(signals <-chan os.Signal) error {
	var cause error
	select {
	case sig := <-signals:
		a.log.Info("shutdown requested", zap.String("signal", sig.String()))
	case err := <-a.failures:
		a.log.Error("unit failed, shutting down", zap.Error(err))
		cause = err
	}

	go func() {
		select {
		case sig := <-signals:
			a.log.Warn("second signal, exiting immediately", zap.String("signal", sig.String()))
			a.opts.Exit(1)
		case <-a.done:
		}
	}()

	return errors.Join(cause, a.Shutdown(context.Background()))
}

// Shutdown 每个进程只执行一次：Quiesce -> 并行 Drain -> Stop -> 关闭资源
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownOnce.Do(func() {
		defer close(a.done)
		a.shutdownErr = a.shutdown(ctx)
	})
	return a.shutdownErr
}

func (a *App) shutdown(ctx context.Context) error {
	units := a.startedUnits()
	for _, u := range units {
		u.Quiesce()
	}

	graceCtx, cancel := context.WithTimeout(ctx, a.opts.GracePeriod)
	defer cancel()
	a.drain(graceCtx, units)

	stopCtx, stopCancel := context.WithTimeout(ctx, a.opts.GracePeriod)
	defer stopCancel()
	errs := a.stopUnits(stopCtx, units)

	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.Close(stopCtx); err != nil {
			a.log.Error("close failed", zap.String("resource", c.Name), zap.Error(err))
			errs = append(errs, fmt.Errorf("close %s: %w", c.Name, err))
		}
	}
	a.log.Info("shutdown complete")
	return errors.Join(errs...)
}

// drain 各单元并行等待，超时未完成的工作记为放弃
func (a *App) drain(ctx context.Context, units []Unit) {
	var wg sync.WaitGroup
	for _, u := range units {
		wg.Add(1)
		go func() {
			defer wg.Done()
			abandoned, err := u.Drain(ctx)
			if err != nil || abandoned > 0 {
				a.log.Warn("grace period elapsed, in-flight work abandoned",
					zap.String("unit", u.Name()), zap.Int64("abandoned", abandoned), zap.Error(err))
				return
			}
			a.log.Info("unit drained", zap.String("unit", u.Name()))
		}()
	}
	wg.Wait()
}

// stopUnits 按注册顺序停止：先断开网关，再关闭监听
func (a *App) stopUnits(ctx context.Context, units []Unit) []error {
	var errs []error
	for _, u := range a.units {
		if !slices.Contains(units, u) {
			continue
		}
		if err := u.Stop(ctx); err != nil {
			a.log.Error("stop failed", zap.String("unit", u.Name()), zap.Error(err))
			errs = append(errs, fmt.Errorf("stop %s: %w", u.Name(), err))
			continue
		}
		a.log.Info("unit stopped", zap.String("unit", u.Name()))
	}
	return errs
}

func (a *App) startedUnits() []Unit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Unit(nil), a.started...)
}
