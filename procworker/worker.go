// Package procworker implements the goroutine-based supervisor tree that
// replaces the original engine's OS-process-per-component model
// (ProcWorker/Proc/MainContext) for first-party, trusted components —
// EventBusWorker, the execution worker, and the API worker. See
// SPEC_FULL.md §5 for why only per-script execution gets a true OS
// process boundary.
package procworker

import (
	"context"
	"fmt"
	"time"

	"github.com/ska-telescope/ska-oso-oet-go/oetlog"
)

// WorkerBody is one supervised component. Startup runs once before the
// main loop; MainLoop should run until ctx is cancelled and then return
// nil; Shutdown always runs afterward (even if Startup or MainLoop
// failed) with its own bounded context, mirroring the original
// ProcWorker.run's try/except/finally structure.
type WorkerBody interface {
	Name() string
	Startup(ctx context.Context) error
	MainLoop(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// Default timing budgets, named after the original engine's
// STARTUP_WAIT_SECS/SHUTDOWN_WAIT_SECS.
const (
	DefaultStartupWait  = 3 * time.Second
	DefaultShutdownWait = 3 * time.Second
)

// Worker supervises one WorkerBody goroutine: it waits (bounded) for
// Startup to finish before reporting the worker healthy, then runs
// MainLoop until cancellation, always calling Shutdown on the way out.
type Worker struct {
	body   WorkerBody
	logger *oetlog.Logger

	cancel  context.CancelFunc
	done    chan struct{}
	exitErr error
}

// NewWorker wraps body for supervision.
func NewWorker(body WorkerBody, logger *oetlog.Logger) *Worker {
	return &Worker{body: body, logger: logger.With(map[string]any{"worker": body.Name()})}
}

// Start launches the worker goroutine under parent and blocks until
// Startup has completed or startupWait elapses, returning any startup
// error (or a timeout error). If Start returns an error the worker's
// goroutine has already been cancelled.
func (w *Worker) Start(parent context.Context, startupWait time.Duration) error {
	ctx, cancel := context.WithCancel(parent)
	w.cancel = cancel
	w.done = make(chan struct{})
	startupDone := make(chan error, 1)

	go w.run(ctx, startupDone)

	select {
	case err := <-startupDone:
		if err != nil {
			return fmt.Errorf("worker %s: startup failed: %w", w.body.Name(), err)
		}
		return nil
	case <-time.After(startupWait):
		w.cancel()
		return fmt.Errorf("worker %s: startup did not complete within %s", w.body.Name(), startupWait)
	}
}

func (w *Worker) run(ctx context.Context, startupDone chan<- error) {
	defer close(w.done)

	if err := w.body.Startup(ctx); err != nil {
		startupDone <- err
		w.exitErr = err
		w.runShutdown()
		return
	}
	startupDone <- nil

	if err := w.body.MainLoop(ctx); err != nil {
		w.logger.Error("main loop exited with error", map[string]any{"error": err.Error()})
		w.exitErr = err
	}
	w.runShutdown()
}

func (w *Worker) runShutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownWait)
	defer cancel()
	if err := w.body.Shutdown(shutdownCtx); err != nil {
		w.logger.Error("shutdown returned error", map[string]any{"error": err.Error()})
	}
}

// Stop cancels the worker's context (the Go equivalent of setting the
// original's shutdown_event) and waits up to wait for it to exit,
// reporting whether it exited in time.
func (w *Worker) Stop(wait time.Duration) bool {
	if w.cancel != nil {
		w.cancel()
	}
	select {
	case <-w.done:
		return true
	case <-time.After(wait):
		return false
	}
}

// Err returns the error Startup or MainLoop exited with, if any, once the
// worker has stopped.
func (w *Worker) Err() error {
	return w.exitErr
}
