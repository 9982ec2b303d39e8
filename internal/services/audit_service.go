package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Gopher0727/Vela/internal/metrics"
	"github.com/Gopher0727/Vela/internal/models"
	"github.com/Gopher0727/Vela/internal/repositories"
	logger "github.com/Gopher0727/Vela/middleware/log"
	"github.com/Gopher0727/Vela/utils/snowflake"
)

// AuditStore 审计表只有插入和查询
type AuditStore interface {
	Create(ctx context.Context, entry *models.AuditLog) error
	Query(ctx context.Context, guildID string, f repositories.AuditFilter) ([]models.AuditLog, int64, error)
}

// AuditSink 已提交审计条目的下游，例如 Kafka 与实时推送
type AuditSink interface {
	Name() string
	Publish(ctx context.Context, entry *models.AuditLog) error
}

// AuditRecorder 状态机在自己的事务中写审计时使用：提交前 Stamp，提交后 Published
type AuditRecorder interface {
	Stamp(entry *models.AuditLog)
	Published(entry *models.AuditLog)
}

const sinkTimeout = 5 * time.Second

// AuditService 审计日志
// 实现逻辑：ID 由 snowflake 生成，同一进程内单调递增；
// 提交后的条目放入有界队列，由单个 goroutine 依次推送到各 sink，队列满时丢弃推送但不影响已提交的条目
type AuditService struct {
	store  AuditStore
	ids    *snowflake.Generator
	sinks  []AuditSink
	logger *logger.Logger
	now    func() time.Time

	mu     sync.RWMutex
	closed bool
	queue  chan *models.AuditLog
	done   chan struct{}
}

func NewAuditService(store AuditStore, ids *snowflake.Generator, log *logger.Logger, queueSize int, sinks ...AuditSink) *AuditService {
	if queueSize <= 0 {
		queueSize = 1024
	}
	s := &AuditService{
		store:  store,
		ids:    ids,
		sinks:  sinks,
		logger: log.Named("audit"),
		now:    time.Now,
		queue:  make(chan *models.AuditLog, queueSize),
		done:   make(chan struct{}),
	}
	go s.fanout()
	return s
}

// Stamp 分配 ID 和时间戳
func (s *AuditService) Stamp(entry *models.AuditLog) {
	if entry.ID == 0 {
		entry.ID = s.ids.NextID()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now().UTC()
	}
}

// Append 写入并在提交后返回
func (s *AuditService) Append(ctx context.Context, entry *models.AuditLog) error {
	s.Stamp(entry)
	if err := s.store.Create(ctx, entry); err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	s.Published(entry)
	return nil
}

// Published 把已提交的条目交给异步推送，不阻塞调用方
func (s *AuditService) Published(entry *models.AuditLog) {
	if len(s.sinks) == 0 {
		return
	}
	cp := *entry
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		metrics.AuditFanoutDropped.Inc()
		return
	}
	select {
	case s.queue <- &cp:
	default:
		metrics.AuditFanoutDropped.Inc()
		s.logger.Warn("audit fan-out queue full, entry not forwarded",
			zap.Int64("id", entry.ID), zap.String("action", entry.Action))
	}
}

// Query 某个 guild 的审计条目，新的在前
func (s *AuditService) Query(ctx context.Context, guildID string, f repositories.AuditFilter) ([]models.AuditLog, int64, error) {
	return s.store.Query(ctx, guildID, f)
}

// Close 停止接收并等待队列推送完毕，超时后放弃剩余条目
func (s *AuditService) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		s.logger.Warn("audit fan-out not flushed before deadline", zap.Int("pending", len(s.queue)))
		return ctx.Err()
	}
}

func (s *AuditService) fanout() {
	defer close(s.done)
	for entry := range s.queue {
		for _, sink := range s.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
			err := sink.Publish(ctx, entry)
			cancel()
			if err != nil {
				metrics.AuditFanoutErrors.WithLabelValues(sink.Name()).Inc()
				s.logger.Warn("audit sink failed",
					zap.String("sink", sink.Name()), zap.Int64("id", entry.ID), zap.Error(err))
			}
		}
	}
}
