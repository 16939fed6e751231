package engine

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"
)

const defaultShutdownTimeout = 30 * time.Second

// ErrShutdownTimeout is returned when the pipeline did not drain within the
// shutdown timeout.
var ErrShutdownTimeout = errors.New("shutdown timeout expired")

// RunWithGracefulShutdown runs the engine until it finishes, ctx is done, or
// the process gets SIGINT or SIGTERM. On a signal the sources stop and the
// batches already in flight are scored and written; if that takes longer
// than timeout, ErrShutdownTimeout is returned without waiting further.
func RunWithGracefulShutdown(ctx context.Context, engine *Engine, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}

	runCtx, stopRun := context.WithCancel(ctx)
	defer stopRun()
	done := make(chan error, 1)
	go func() { done <- engine.Run(runCtx) }()

	sigCtx, stopSignals := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	select {
	case err := <-done:
		return err
	case <-sigCtx.Done():
	}

	engine.logger.Info("stopping pipeline", "timeout", timeout)
	stopRun()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
		engine.logger.Warn("pipeline did not drain in time", "timeout", timeout)
		return ErrShutdownTimeout
	}
}
