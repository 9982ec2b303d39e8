package utils

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/twmb/murmur3"
	"go.uber.org/zap"
)

var ErrPoolClosed = errors.New("worker pool is not accepting work")

// WorkerPool 分片协程池
// 同一个 key 的任务总是落到同一个分片，按提交顺序串行执行；不同分片之间并行。
// 关闭分三步：Quiesce 拒绝新任务，Drain 等待已接收任务完成，Stop 回收 worker。
// Stop 之后仍在队列里的任务不再执行，计入 Abandoned
type WorkerPool struct {
	shards []chan func()
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool

	jobs      sync.WaitGroup
	workers   sync.WaitGroup
	inFlight  atomic.Int64
	stopped   atomic.Bool
	abandoned atomic.Int64
	stopOnce  sync.Once
}

// NewWorkerPool 创建 workerNum 个分片，每个分片缓冲 queueSize 个任务
func NewWorkerPool(workerNum, queueSize int, logger *zap.Logger) *WorkerPool {
	if workerNum <= 0 {
		workerNum = 1
	}
	shards := make([]chan func(), workerNum)
	for i := range shards {
		shards[i] = make(chan func(), queueSize)
	}
	return &WorkerPool{shards: shards, logger: logger}
}

// Start 启动协程池
func (p *WorkerPool) Start() {
	for i, ch := range p.shards {
		p.workers.Add(1)
		go func(workerID int, jobs <-chan func()) {
			defer p.workers.Done()
			var dropped int64
			for job := range jobs {
				if p.stopped.Load() {
					p.finish()
					dropped++
					continue
				}
				p.run(workerID, job)
			}
			if dropped > 0 {
				p.abandoned.Add(dropped)
				p.logger.Warn("queued jobs abandoned after stop", zap.Int("worker", workerID), zap.Int64("abandoned", dropped))
			}
		}(i, ch)
	}
	p.logger.Info("worker pool started", zap.Int("workers", len(p.shards)))
}

func (p *WorkerPool) run(workerID int, job func()) {
	defer func() {
		// 单个任务 panic 不能带走 worker
		if r := recover(); r != nil {
			p.logger.Error("worker recovered from panic", zap.Int("worker", workerID), zap.Any("panic", r), zap.Stack("stack"))
		}
		p.finish()
	}()
	job()
}

func (p *WorkerPool) finish() {
	p.inFlight.Add(-1)
	p.jobs.Done()
}

// Submit 提交任务。分片队列满时阻塞；已 Quiesce 时返回 ErrPoolClosed
func (p *WorkerPool) Submit(key string, job func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	p.jobs.Add(1)
	p.inFlight.Add(1)
	p.shards[p.shardFor(key)] <- job
	return nil
}

func (p *WorkerPool) shardFor(key string) int {
	return int(murmur3.StringSum32(key) % uint32(len(p.shards)))
}

// Quiesce 停止接收新任务，已排队的任务继续执行
func (p *WorkerPool) Quiesce() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

// Drain 等待所有已接收的任务完成，ctx 到期时返回未完成的任务数
func (p *WorkerPool) Drain(ctx context.Context) (abandoned int64, err error) {
	done := make(chan struct{})
	go func() {
		p.jobs.Wait()
		close(done)
	}()
	select {
	case <-done:
		return 0, nil
	case <-ctx.Done():
		return p.inFlight.Load(), ctx.Err()
	}
}

// Stop 关闭分片队列。正在执行的任务继续完成，尚未开始的任务直接丢弃
func (p *WorkerPool) Stop() {
	p.stopOnce.Do(func() {
		p.Quiesce()
		p.stopped.Store(true)
		p.mu.Lock()
		for _, ch := range p.shards {
			close(ch)
		}
		p.mu.Unlock()
	})
}

// Wait 等待 Stop 之后所有 worker 退出，ctx 到期时返回 ctx.Err()
func (p *WorkerPool) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Abandoned Stop 之后被丢弃的任务数
func (p *WorkerPool) Abandoned() int64 {
	return p.abandoned.Load()
}

// InFlight 已接收但尚未完成的任务数
func (p *WorkerPool) InFlight() int64 {
	return p.inFlight.Load()
}
