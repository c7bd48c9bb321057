// Package lifecycle runs the scheduler's cooperative workers side by side
// and brings them down together on SIGINT/SIGTERM or cancellation of the
// parent context. A worker that returns on its own is logged as exited or
// crashed; the other workers keep running.
// Grounded on the reference implementation's app/lifecycle.py (task
// registration, _task_done_callback, signal handling) re-expressed with
// goroutines and context.Context in place of asyncio tasks.
package lifecycle

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// Worker is the contract every long-running component satisfies: Run
// blocks until ctx is cancelled or Stop is called, Stop is idempotent.
type Worker interface {
	Run(ctx context.Context) error
	Stop()
}

// Named pairs a Worker with the name used in its lifecycle log lines.
type Named struct {
	Name   string
	Worker Worker
}

// Runner drives a fixed set of named workers to completion.
type Runner struct {
	workers []Named
	timeout time.Duration
}

// New wires a Runner. shutdownTimeout bounds how long Run waits for
// workers to exit after a stop signal before giving up and returning.
func New(workers []Named, shutdownTimeout time.Duration) *Runner {
	return &Runner{workers: workers, timeout: shutdownTimeout}
}

// Run starts every worker in its own goroutine, blocks until SIGINT,
// SIGTERM, or ctx is cancelled, then stops every worker and waits for
// them to exit (bounded by the shutdown timeout). It returns an error if
// no workers are registered or if shutdown did not complete within that
// timeout.
func (r *Runner) Run(parent context.Context) error {
	if len(r.workers) == 0 {
		return errors.New("lifecycle: no workers registered")
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var wg sync.WaitGroup
	for _, nw := range r.workers {
		wg.Add(1)
		go func(nw Named) {
			defer wg.Done()
			err := nw.Worker.Run(ctx)
			switch {
			case err == nil:
				log.Printf("[lifecycle] worker %s exited", nw.Name)
			case errors.Is(err, context.Canceled):
				log.Printf("[lifecycle] worker %s cancelled", nw.Name)
			default:
				log.Printf("[lifecycle] worker %s crashed: %v", nw.Name, err)
			}
		}(nw)
	}

	select {
	case sig := <-sigCh:
		log.Printf("[lifecycle] shutdown signal received: %v", sig)
	case <-ctx.Done():
		log.Println("[lifecycle] shutdown requested via context cancellation")
	}

	cancel()
	for _, nw := range r.workers {
		nw.Worker.Stop()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("[lifecycle] shutdown complete")
		return nil
	case <-time.After(r.timeout):
		return errors.New("lifecycle: workers did not stop within shutdown timeout")
	}
}
