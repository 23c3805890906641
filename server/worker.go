package server

import (
	"context"
	"fmt"
	"sync"

	"github.com/chazu/oopjit/jiterr"
)

// job is a unit of work to be executed on a compile goroutine.
type job struct {
	fn   func() error
	done chan error
}

// Worker runs compilations on a fixed set of goroutines so that the
// number of concurrent backends is bounded.
type Worker struct {
	jobs chan job
	quit chan struct{}
	wg   sync.WaitGroup

	mu      sync.RWMutex
	stopped bool
}

// NewWorker creates a Worker and starts n processing goroutines.
func NewWorker(n int) *Worker {
	if n <= 0 {
		n = 1
	}
	w := &Worker{
		jobs: make(chan job, 64),
		quit: make(chan struct{}),
	}
	w.wg.Add(n)
	for i := 0; i < n; i++ {
		go w.loop()
	}
	return w
}

// loop processes jobs until the worker is stopped.
func (w *Worker) loop() {
	defer w.wg.Done()
	for {
		select {
		case j := <-w.jobs:
			j.done <- w.execute(j.fn)
		case <-w.quit:
			// jobs submitted before Stop still get an answer
			for {
				select {
				case j := <-w.jobs:
					j.done <- errWorkerStopped
				default:
					return
				}
			}
		}
	}
}

var errWorkerStopped = jiterr.New(jiterr.KindAborted, "server: compile", fmt.Errorf("worker stopped"))

// execute runs fn, recovering from panics. Kinded panics raised by a
// backend come back as their error; anything else is reported as a plain
// failure.
func (w *Worker) execute(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = recoverCompile(r)
		}
	}()
	return fn()
}

// recoverCompile converts r with jiterr.Recover, which re-panics on
// values that carry no kind.
func recoverCompile(r any) (err error) {
	defer func() {
		if p := recover(); p != nil {
			log.Errorf("compile panicked: %v", p)
			err = fmt.Errorf("server: compile panicked: %v", p)
		}
	}()
	return jiterr.Recover(r)
}

// Do submits fn and blocks until it completes. Once fn is queued, Do
// waits for it even if ctx is canceled.
func (w *Worker) Do(ctx context.Context, fn func() error) error {
	j := job{fn: fn, done: make(chan error, 1)}
	w.mu.RLock()
	if w.stopped {
		w.mu.RUnlock()
		return errWorkerStopped
	}
	select {
	case w.jobs <- j:
	case <-ctx.Done():
		w.mu.RUnlock()
		return jiterr.New(jiterr.KindAborted, "server: submit compile", ctx.Err())
	}
	w.mu.RUnlock()
	return <-j.done
}

// Stop shuts down the worker goroutines and waits for them to exit.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.stopped {
		w.stopped = true
		close(w.quit)
	}
	w.mu.Unlock()
	w.wg.Wait()
}
