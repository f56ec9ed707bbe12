package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/darklight-media/darklight/pkg/logger"
)

var log = logger.Get("Worker")

const DefaultRestartDelay = 2 * time.Second

type (
	// Runner is a unit of work which runs until the provided
	// context is cancelled.
	Runner interface {
		Run(context.Context) error
	}

	RunnerFunc func(context.Context) error

	// Pool supervises a fixed set of runners. A runner that returns
	// (or panics) before the pool's context is cancelled is logged and
	// restarted after RestartDelay.
	Pool struct {
		label        string
		workers      []Runner
		RestartDelay time.Duration
		started      bool
		mu           sync.Mutex
	}
)

func (f RunnerFunc) Run(ctx context.Context) error { return f(ctx) }

// NewWorkerPool creates an empty pool. The label is used
// when logging on behalf of the pool's workers.
func NewWorkerPool(label string) *Pool {
	return &Pool{label: label, workers: make([]Runner, 0), RestartDelay: DefaultRestartDelay}
}

// PushWorker inserts the workers provided in to the pool. Workers
// cannot be added once the pool has started.
func (pool *Pool) PushWorker(workers ...Runner) error {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	if pool.started {
		return errors.New("cannot push worker to already started worker pool")
	}

	pool.workers = append(pool.workers, workers...)
	return nil
}

// Size returns the number of workers in the pool.
func (pool *Pool) Size() int {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	return len(pool.workers)
}

// Run starts every worker in its own goroutine and blocks until
// all of them have stopped, which only happens once ctx is cancelled.
func (pool *Pool) Run(ctx context.Context) error {
	pool.mu.Lock()
	if pool.started {
		pool.mu.Unlock()
		return errors.New("cannot start an already started worker pool")
	}
	pool.started = true
	workers := pool.workers
	pool.mu.Unlock()

	wg := sync.WaitGroup{}
	for i, w := range workers {
		wg.Add(1)
		go func(index int, w Runner) {
			defer wg.Done()
			pool.supervise(ctx, fmt.Sprintf("%s#%d", pool.label, index), w)
		}(i, w)
	}

	log.Emit(logger.NEW, "Started %d workers for %s\n", len(workers), pool.label)
	wg.Wait()
	log.Emit(logger.STOP, "All workers for %s stopped\n", pool.label)
	return nil
}

func (pool *Pool) supervise(ctx context.Context, label string, w Runner) {
	for {
		err := runSafely(ctx, w)
		if ctx.Err() != nil {
			return
		}

		if err != nil {
			log.Warnf("Worker %s stopped unexpectedly: %s. Restarting in %s\n", label, err, pool.RestartDelay)
		} else {
			log.Warnf("Worker %s returned before shutdown. Restarting in %s\n", label, pool.RestartDelay)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(pool.RestartDelay):
		}
	}
}

func runSafely(ctx context.Context, w Runner) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	return w.Run(ctx)
}
