package notify

import (
	"context"
	"errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"sync/atomic"
	"testing"
	"time"
)

func TestDispatcherRunsAfterCallerCancels(t *testing.T) {
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	d := NewDispatcher(logger.Sugar(), time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var ran int32
	ctxErr := make(chan error, 1)
	d.Go(ctx, "ok", func(ctx context.Context) error {
		ctxErr <- ctx.Err()
		atomic.AddInt32(&ran, 1)
		return nil
	})
	d.Go(ctx, "failing", func(ctx context.Context) error {
		atomic.AddInt32(&ran, 1)
		return errors.New("boom")
	})
	d.Wait()

	require.Equal(t, int32(2), atomic.LoadInt32(&ran))
	require.NoError(t, <-ctxErr)
}

func TestDispatcherTimeout(t *testing.T) {
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	d := NewDispatcher(logger.Sugar(), 10*time.Millisecond)

	done := make(chan error, 1)
	d.Go(context.Background(), "slow", func(ctx context.Context) error {
		<-ctx.Done()
		done <- ctx.Err()
		return ctx.Err()
	})
	d.Wait()

	require.Equal(t, context.DeadlineExceeded, <-done)
}
