package notify

import (
	"context"
	"go.uber.org/zap"
	"realtime-chat/internal/storage/zapadapter"
	"sync"
	"time"
)

// Dispatcher runs fire-and-forget side effects on their own goroutines.
// Failures are logged and never retried.
type Dispatcher struct {
	logger  *zap.SugaredLogger
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewDispatcher returns Dispatcher giving each task at most timeout to finish
func NewDispatcher(logger *zap.SugaredLogger, timeout time.Duration) *Dispatcher {
	return &Dispatcher{
		logger:  logger,
		timeout: timeout,
	}
}

// Go runs fn in background. ctx values (request ids) are kept, its cancellation is not.
func (d *Dispatcher) Go(ctx context.Context, task string, fn func(ctx context.Context) error) {
	ctx = context.WithoutCancel(ctx)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		ctx, cancel := context.WithTimeout(ctx, d.timeout)
		defer cancel()

		if err := fn(ctx); err != nil {
			d.logger.Desugar().Warn("background task failed",
				append(zapadapter.Fields(ctx), zap.String("task", task), zap.Error(err))...)
		}
	}()
}

// Wait blocks until every dispatched task returns
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
