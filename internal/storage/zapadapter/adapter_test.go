package zapadapter

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v4"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogFiltersByLevel(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewLogger(zap.New(core), pgx.LogLevelWarn)

	l.Log(context.Background(), pgx.LogLevelInfo, "query", nil)
	l.Log(context.Background(), pgx.LogLevelError, "failed", map[string]interface{}{"sql": "select 1"})

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	require.Equal(t, "failed", entry.Message)
	require.Equal(t, "select 1", entry.ContextMap()["sql"])
}

func TestLogCarriesIDs(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewLogger(zap.New(core), pgx.LogLevelTrace)

	ctx := NewContextWithID(context.Background(), "req")
	ctx = NewContextWithConnID(ctx, "conn")
	l.Log(ctx, pgx.LogLevelWarn, "slow", nil)

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	require.Equal(t, "req", fields["request_id"])
	require.Equal(t, "conn", fields["conn_id"])
}

func TestIDFromContextMissing(t *testing.T) {
	_, ok := IDFromContext(context.Background())
	require.False(t, ok)
	require.Empty(t, Fields(context.Background()))
}
