package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/Gopher0727/Vela/internal/middlewares"
	logger "github.com/Gopher0727/Vela/middleware/log"
)

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type fakeUnit struct {
	name     string
	rec      *recorder
	startErr error
	startDly time.Duration
	drain    func(ctx context.Context) (int64, error)
	failed   chan error
}

func newFakeUnit(name string, rec *recorder) *fakeUnit {
	return &fakeUnit{name: name, rec: rec, failed: make(chan error, 1)}
}

func (u *fakeUnit) Name() string { return u.name }

func (u *fakeUnit) Start(ctx context.Context) error {
	if u.startDly > 0 {
		select {
		case <-time.After(u.startDly):
		case <-ctx.Done():
			u.rec.add(u.name + ":aborted")
			return ctx.Err()
		}
	}
	if u.startErr != nil {
		return u.startErr
	}
	u.rec.add(u.name + ":start")
	return nil
}

func (u *fakeUnit) Failed() <-chan error { return u.failed }
func (u *fakeUnit) Quiesce()             { u.rec.add(u.name + ":quiesce") }

func (u *fakeUnit) Drain(ctx context.Context) (int64, error) {
	if u.drain != nil {
		return u.drain(ctx)
	}
	u.rec.add(u.name + ":drain")
	return 0, nil
}

func (u *fakeUnit) Stop(context.Context) error {
	u.rec.add(u.name + ":stop")
	return nil
}

func observed() (*logger.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.InfoLevel)
	return &logger.Logger{Logger: zap.New(core)}, logs
}

func newTestApp(t *testing.T, rec *recorder, units ...Unit) *App {
	t.Helper()
	a := New(logger.NewNop(), Options{GracePeriod: time.Second, Exit: func(int) { t.Error("unexpected exit") }}, units...)
	a.AddCloser("postgres", func(context.Context) error { rec.add("close:postgres"); return nil })
	a.AddCloser("audit", func(context.Context) error { rec.add("close:audit"); return nil })
	return a
}

func TestApp_ShutdownOrder(t *testing.T) {
	rec := &recorder{}
	bot, web := newFakeUnit("bot", rec), newFakeUnit("http", rec)
	a := newTestApp(t, rec, bot, web)

	require.NoError(t, a.Start(context.Background()))
	require.NoError(t, a.Shutdown(context.Background()))

	events := rec.list()
	require.Len(t, events, 10)
	assert.ElementsMatch(t, []string{"bot:start", "http:start"}, events[:2])
	assert.ElementsMatch(t, []string{"bot:quiesce", "http:quiesce"}, events[2:4])
	assert.ElementsMatch(t, []string{"bot:drain", "http:drain"}, events[4:6])
	// 先断网关再关监听，资源按注册逆序关闭
	assert.Equal(t, []string{"bot:stop", "http:stop", "close:audit", "close:postgres"}, events[6:])

	// 只执行一次
	require.NoError(t, a.Shutdown(context.Background()))
	assert.Len(t, rec.list(), 10)
}

func TestApp_StartFailureStopsStartedUnit(t *testing.T) {
	rec := &recorder{}
	bot := newFakeUnit("bot", rec)
	bot.startErr = errors.New("4004 authentication failed")
	bot.startDly = 20 * time.Millisecond
	web := newFakeUnit("http", rec)
	a := newTestApp(t, rec, bot, web)

	err := a.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start bot")
	assert.Equal(t, []string{"http:start", "http:stop"}, rec.list())

	// 之后的 Shutdown 只关闭资源
	require.NoError(t, a.Shutdown(context.Background()))
	assert.Equal(t, []string{"http:start", "http:stop", "close:audit", "close:postgres"}, rec.list())
}

func TestApp_StartFailureAbortsSlowUnit(t *testing.T) {
	rec := &recorder{}
	bot := newFakeUnit("bot", rec)
	bot.startDly = time.Minute
	web := newFakeUnit("http", rec)
	web.startErr = errors.New("address already in use")
	a := newTestApp(t, rec, bot, web)

	require.Error(t, a.Start(context.Background()))
	assert.Equal(t, []string{"bot:aborted"}, rec.list())
}

func TestApp_StartupHookRunsFirst(t *testing.T) {
	rec := &recorder{}
	a := newTestApp(t, rec, newFakeUnit("bot", rec))
	a.OnStartup(func(context.Context) error { rec.add("recover"); return nil })
	require.NoError(t, a.Start(context.Background()))
	assert.Equal(t, []string{"recover", "bot:start"}, rec.list())

	rec2 := &recorder{}
	b := newTestApp(t, rec2, newFakeUnit("bot", rec2))
	b.OnStartup(func(context.Context) error { return assert.AnError })
	require.ErrorIs(t, b.Start(context.Background()), assert.AnError)
	assert.Empty(t, rec2.list())
}

func TestApp_RuntimeFailureTriggersShutdown(t *testing.T) {
	rec := &recorder{}
	bot, web := newFakeUnit("bot", rec), newFakeUnit("http", rec)
	a := newTestApp(t, rec, bot, web)
	require.NoError(t, a.Start(context.Background()))

	web.failed <- errors.New("serve: use of closed network connection")
	err := a.AwaitTermination(make(chan os.Signal))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http:")
	assert.Contains(t, rec.list(), "close:postgres")
}

func TestApp_SecondSignalExits(t *testing.T) {
	rec := &recorder{}
	release := make(chan struct{})
	bot := newFakeUnit("bot", rec)
	bot.drain = func(ctx context.Context) (int64, error) {
		<-release
		return 0, nil
	}

	exited := make(chan int, 1)
	a := New(logger.NewNop(), Options{GracePeriod: time.Minute, Exit: func(code int) {
		exited <- code
		close(release)
	}}, bot)
	require.NoError(t, a.Start(context.Background()))

	signals := make(chan os.Signal, 2)
	signals <- syscall.SIGTERM
	done := make(chan error, 1)
	go func() { done <- a.AwaitTermination(signals) }()

	signals <- syscall.SIGINT
	select {
	case code := <-exited:
		assert.Equal(t, 1, code)
	case <-time.After(2 * time.Second):
		t.Fatal("second signal did not exit")
	}
	require.NoError(t, <-done)
}

func TestApp_GraceElapsedLogsAbandoned(t *testing.T) {
	rec := &recorder{}
	bot := newFakeUnit("bot", rec)
	bot.drain = func(ctx context.Context) (int64, error) {
		<-ctx.Done()
		return 2, ctx.Err()
	}
	log, logs := observed()
	a := New(log, Options{GracePeriod: 30 * time.Millisecond}, bot)
	require.NoError(t, a.Start(context.Background()))

	require.NoError(t, a.Shutdown(context.Background()))
	entries := logs.FilterMessage("grace period elapsed, in-flight work abandoned").All()
	require.Len(t, entries, 1)
	assert.Equal(t, int64(2), entries[0].ContextMap()["abandoned"])
	assert.Contains(t, rec.list(), "bot:stop")
}

func TestApp_CloserErrorsJoined(t *testing.T) {
	rec := &recorder{}
	a := newTestApp(t, rec)
	a.AddCloser("redis", func(context.Context) error { return assert.AnError })

	err := a.Shutdown(context.Background())
	require.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, []string{"close:audit", "close:postgres"}, rec.list())
}

func TestHTTPUnit_PortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	u := NewHTTPUnit(&http.Server{Addr: ln.Addr().String()}, middlewares.NewGate(), logger.NewNop())
	require.Error(t, u.Start(context.Background()))
}

func TestHTTPUnit_StartStop(t *testing.T) {
	gate := middlewares.NewGate()
	u := NewHTTPUnit(&http.Server{Addr: "127.0.0.1:0", Handler: http.NotFoundHandler()}, gate, logger.NewNop())
	require.NoError(t, u.Start(context.Background()))

	u.Quiesce()
	abandoned, err := u.Drain(context.Background())
	require.NoError(t, err)
	assert.Zero(t, abandoned)
	require.NoError(t, u.Stop(context.Background()))

	select {
	case err := <-u.Failed():
		t.Fatalf("unexpected serve error: %v", err)
	default:
	}
}

type fakeConsumer struct {
	rec *recorder
}

func (c fakeConsumer) Start(context.Context) error { c.rec.add("consumer:start"); return nil }
func (c fakeConsumer) Stop() error                 { c.rec.add("consumer:stop"); return nil }

func TestAuditPipeline_FlushesBeforeConsumerStops(t *testing.T) {
	rec := &recorder{}
	a := New(logger.NewNop(), Options{GracePeriod: time.Second}, newFakeUnit("bot", rec))
	a.AddCloser("kafka producer", func(context.Context) error { rec.add("producer:close"); return nil })
	addAuditPipeline(a, fakeConsumer{rec: rec}, func(context.Context) error { rec.add("audit:flush"); return nil })

	require.NoError(t, a.Start(context.Background()))
	require.NoError(t, a.Shutdown(context.Background()))

	events := rec.list()
	assert.Equal(t, []string{"consumer:start", "bot:start"}, events[:2])
	assert.Equal(t, []string{"audit:flush", "consumer:stop", "producer:close"}, events[len(events)-3:])
}

func TestAuditPipeline_WithoutConsumer(t *testing.T) {
	rec := &recorder{}
	a := New(logger.NewNop(), Options{GracePeriod: time.Second})
	addAuditPipeline(a, nil, func(context.Context) error { rec.add("audit:flush"); return nil })

	require.NoError(t, a.Shutdown(context.Background()))
	assert.Equal(t, []string{"audit:flush"}, rec.list())
}
