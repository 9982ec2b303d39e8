package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Gopher0727/Vela/internal/models"
	"github.com/Gopher0727/Vela/internal/repositories"
	logger "github.com/Gopher0727/Vela/middleware/log"
	"github.com/Gopher0727/Vela/utils/snowflake"
)

func newAudit(t *testing.T, store AuditStore, queue int, sinks ...AuditSink) *AuditService {
	t.Helper()
	ids, err := snowflake.NewGenerator(1)
	require.NoError(t, err)
	return NewAuditService(store, ids, logger.NewNop(), queue, sinks...)
}

func TestAuditService_AppendAndQuery(t *testing.T) {
	store := &memAudit{}
	sink := &captureSink{}
	svc := newAudit(t, store, 16, sink)
	ctx := context.Background()

	var ids []int64
	for _, action := range []string{models.ActionMemberJoin, models.ActionOnboardingCompleted} {
		e := &models.AuditLog{GuildID: testGuild, ActorType: models.ActorUser, Action: action, Success: true}
		require.NoError(t, svc.Append(ctx, e))
		assert.NotZero(t, e.ID)
		assert.False(t, e.CreatedAt.IsZero())
		ids = append(ids, e.ID)
	}
	assert.Less(t, ids[0], ids[1])

	entries, total, err := svc.Query(ctx, testGuild, repositories.AuditFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Equal(t, models.ActionOnboardingCompleted, entries[0].Action, "newest first")

	require.NoError(t, svc.Close(ctx))
	assert.Equal(t, 2, sink.len())
}

func TestAuditService_SinkFailureDoesNotAffectCommit(t *testing.T) {
	store := &memAudit{}
	sink := &captureSink{err: errors.New("broker down")}
	svc := newAudit(t, store, 16, sink)
	ctx := context.Background()

	require.NoError(t, svc.Append(ctx, &models.AuditLog{GuildID: testGuild, Action: models.ActionMemberJoin}))
	require.NoError(t, svc.Close(ctx))

	entries, _, _ := store.Query(ctx, testGuild, repositories.AuditFilter{})
	assert.Len(t, entries, 1)
}

type blockingSink struct {
	release chan struct{}
}

func (s *blockingSink) Name() string { return "blocking" }

func (s *blockingSink) Publish(ctx context.Context, _ *models.AuditLog) error {
	select {
	case <-s.release:
	case <-ctx.Done():
	}
	return nil
}

func TestAuditService_FullQueueDropsFanoutOnly(t *testing.T) {
	store := &memAudit{}
	sink := &blockingSink{release: make(chan struct{})}
	svc := newAudit(t, store, 1, sink)
	ctx := context.Background()

	for range 5 {
		require.NoError(t, svc.Append(ctx, &models.AuditLog{GuildID: testGuild, Action: models.ActionMemberJoin}))
	}
	entries, _, _ := store.Query(ctx, testGuild, repositories.AuditFilter{})
	assert.Len(t, entries, 5)

	close(sink.release)
	require.NoError(t, svc.Close(ctx))
}

func TestAuditService_CloseDeadline(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{})}
	svc := newAudit(t, &memAudit{}, 4, sink)
	svc.Published(&models.AuditLog{GuildID: testGuild, Action: models.ActionMemberJoin})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, svc.Close(ctx), context.DeadlineExceeded)

	close(sink.release)
	// 关闭后的条目直接丢弃，不会 panic
	svc.Published(&models.AuditLog{GuildID: testGuild})
}

func TestAuditService_StampKeepsExisting(t *testing.T) {
	svc := newAudit(t, &memAudit{}, 1)
	at := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	e := &models.AuditLog{ID: 42, CreatedAt: at}
	svc.Stamp(e)
	assert.Equal(t, int64(42), e.ID)
	assert.Equal(t, at, e.CreatedAt)
	require.NoError(t, svc.Close(context.Background()))
}
