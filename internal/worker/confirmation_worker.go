package worker

import (
	"context"
	"sync"
	"time"

	"github.com/adeyemio/fxrail/internal/observability"
	"github.com/adeyemio/fxrail/internal/service"
	"go.uber.org/zap"
)

// ConfirmationWorker polls pending external settlements for chain
// confirmation depth. Safe for concurrent instances thanks to
// FOR UPDATE SKIP LOCKED on the claim query.
type ConfirmationWorker struct {
	settlements  *service.SettlementService
	pollInterval time.Duration
	batchSize    int32
	stopCh       chan struct{}
	stopOnce     sync.Once
}

func NewConfirmationWorker(settlements *service.SettlementService) *ConfirmationWorker {
	return &ConfirmationWorker{
		settlements:  settlements,
		pollInterval: 15 * time.Second,
		batchSize:    25,
		stopCh:       make(chan struct{}),
	}
}

// WithPollInterval updates the poll interval.
func (w *ConfirmationWorker) WithPollInterval(interval time.Duration) *ConfirmationWorker {
	if interval > 0 {
		w.pollInterval = interval
	}
	return w
}

// WithBatchSize updates how many settlements one pass claims.
func (w *ConfirmationWorker) WithBatchSize(size int32) *ConfirmationWorker {
	if size > 0 {
		w.batchSize = size
	}
	return w
}

// Start blocks and polls at the configured interval until Stop is called or
// the context is canceled.
func (w *ConfirmationWorker) Start(ctx context.Context) {
	zap.L().Info("confirmation worker starting",
		zap.Duration("interval", w.pollInterval),
		zap.Int32("batch_size", w.batchSize))

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			zap.L().Info("confirmation worker context canceled")
			return
		case <-w.stopCh:
			zap.L().Info("confirmation worker stop signal received")
			return
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

// Stop stops the running worker loop.
func (w *ConfirmationWorker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
}

// Run starts the worker in a goroutine and returns a stop function.
func (w *ConfirmationWorker) Run(ctx context.Context) func() {
	go w.Start(ctx)
	return w.Stop
}

// ProcessOnce runs a single tracking pass immediately. Useful for tests.
func (w *ConfirmationWorker) ProcessOnce(ctx context.Context) error {
	return w.settlements.TrackPending(ctx, w.batchSize)
}

func (w *ConfirmationWorker) runOnce(ctx context.Context) {
	if err := w.settlements.TrackPending(ctx, w.batchSize); err != nil {
		observability.IncrementWorkerRun("confirmation", "failed")
		zap.L().Error("confirmation tracking pass failed", zap.Error(err))
		return
	}
	observability.IncrementWorkerRun("confirmation", "success")
}
