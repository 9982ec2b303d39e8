package logger

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithTraceIDContext(t *testing.T) {
	t.Run("adds provided trace ID to context", func(t *testing.T) {
		ctx := WithTraceID(context.Background(), "test-trace-123")
		assert.Equal(t, "test-trace-123", GetTraceID(ctx))
	})

	t.Run("generates new trace ID when empty string provided", func(t *testing.T) {
		ctx := WithTraceID(context.Background(), "")
		assert.Len(t, GetTraceID(ctx), 36)
	})

	t.Run("preserves other context values", func(t *testing.T) {
		type testKey string
		ctx := context.WithValue(context.Background(), testKey("k"), "v")
		ctx = WithTraceID(ctx, "trace-456")

		assert.Equal(t, "trace-456", GetTraceID(ctx))
		v, ok := ctx.Value(testKey("k")).(string)
		require.True(t, ok)
		assert.Equal(t, "v", v)
	})

	t.Run("survives detaching from cancellation", func(t *testing.T) {
		parent, cancel := context.WithCancel(WithTraceID(context.Background(), "t-1"))
		detached := context.WithoutCancel(parent)
		cancel()

		assert.NoError(t, detached.Err())
		assert.Equal(t, "t-1", GetTraceID(detached))
	})
}

func TestGetTraceID_Missing(t *testing.T) {
	assert.Empty(t, GetTraceID(context.Background()))
}

func TestNewTraceID(t *testing.T) {
	id := NewTraceID("bot")
	assert.True(t, strings.HasPrefix(id, "bot-"))
	assert.NotEqual(t, id, NewTraceID("bot"))
	assert.Len(t, NewTraceID(""), 36)
}
