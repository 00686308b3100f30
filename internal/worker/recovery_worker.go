package worker

import (
	"context"
	"sync"
	"time"

	"github.com/adeyemio/fxrail/internal/observability"
	"github.com/adeyemio/fxrail/internal/service"
	"go.uber.org/zap"
)

// RecoveryWorker re-drives transfers that died between the source debit and
// the chain broadcast. It runs once at startup and then periodically, since a
// stale transfer only appears after a crash or deploy.
type RecoveryWorker struct {
	transfers *service.TransferService
	interval  time.Duration
	staleAge  time.Duration
	batchSize int32
	stopCh    chan struct{}
	stopOnce  sync.Once
}

func NewRecoveryWorker(transfers *service.TransferService) *RecoveryWorker {
	return &RecoveryWorker{
		transfers: transfers,
		interval:  5 * time.Minute,
		staleAge:  2 * time.Minute,
		batchSize: 50,
		stopCh:    make(chan struct{}),
	}
}

// WithInterval updates the sweep interval.
func (w *RecoveryWorker) WithInterval(interval time.Duration) *RecoveryWorker {
	if interval > 0 {
		w.interval = interval
	}
	return w
}

// WithStaleAge updates how long a transfer must sit untouched in PROCESSING
// before it counts as stale. Must exceed the saga timeout, or the sweep will
// double-drive sagas that are still running.
func (w *RecoveryWorker) WithStaleAge(age time.Duration) *RecoveryWorker {
	if age > 0 {
		w.staleAge = age
	}
	return w
}

// Start blocks and sweeps at the configured interval.
func (w *RecoveryWorker) Start(ctx context.Context) {
	zap.L().Info("recovery worker starting",
		zap.Duration("interval", w.interval),
		zap.Duration("stale_age", w.staleAge))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.runOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			zap.L().Info("recovery worker context canceled")
			return
		case <-w.stopCh:
			zap.L().Info("recovery worker stop signal received")
			return
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

// Stop stops the running worker loop.
func (w *RecoveryWorker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
}

// Run starts the worker in a goroutine and returns a stop function.
func (w *RecoveryWorker) Run(ctx context.Context) func() {
	go w.Start(ctx)
	return w.Stop
}

func (w *RecoveryWorker) runOnce(ctx context.Context) {
	recovered, err := w.transfers.RecoverStale(ctx, w.staleAge, w.batchSize)
	if err != nil {
		observability.IncrementWorkerRun("recovery", "failed")
		zap.L().Error("stale transfer sweep failed", zap.Error(err))
		return
	}
	if recovered > 0 {
		zap.L().Info("stale transfer sweep resumed sagas", zap.Int("count", recovered))
	}
	observability.IncrementWorkerRun("recovery", "success")
}
