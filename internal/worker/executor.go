package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrQueueFull is returned by Submit when every worker is busy and the
// queue has no room
var ErrQueueFull = errors.New("executor queue is full")

// ErrStopped is returned by Submit after the executor stopped
var ErrStopped = errors.New("executor is stopped")

// Job drives one run to a resting step
type Job struct {
	RunID string
	Name  string
	Run   func(ctx context.Context) error
}

// Executor runs submitted jobs on a bounded pool of goroutines so request
// handlers return as soon as a run is accepted
type Executor struct {
	jobs        chan Job
	concurrency int
	logger      *zap.Logger

	mu      sync.RWMutex
	stopped bool
}

// NewExecutor creates an executor with concurrency workers and a queue of
// the same depth
func NewExecutor(concurrency int, logger *zap.Logger) *Executor {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Executor{
		jobs:        make(chan Job, concurrency),
		concurrency: concurrency,
		logger:      logger.Named("executor"),
	}
}

// Submit queues job without blocking
func (e *Executor) Submit(job Job) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.stopped {
		return ErrStopped
	}

	select {
	case e.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run starts the workers and blocks until ctx is cancelled and every
// in-flight job returned. Queued jobs that never started are dropped.
func (e *Executor) Run(ctx context.Context) {
	e.logger.Info("Executor started", zap.Int("concurrency", e.concurrency))

	var wg sync.WaitGroup
	for i := 0; i < e.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job := <-e.jobs:
					e.handleJob(ctx, job)
				}
			}
		}()
	}

	<-ctx.Done()
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()

	wg.Wait()
	e.logger.Info("Executor stopping", zap.Int("dropped", len(e.jobs)))
}

func (e *Executor) handleJob(ctx context.Context, job Job) {
	start := time.Now()
	e.logger.Debug("Handling job", zap.String("run_id", job.RunID), zap.String("job", job.Name))

	defer func() {
		if p := recover(); p != nil {
			e.logger.Error("Job panicked",
				zap.String("run_id", job.RunID),
				zap.String("job", job.Name),
				zap.Any("panic", p))
		}
	}()

	if err := job.Run(ctx); err != nil {
		// the run already records its own failure; this is for operators
		e.logger.Info("Job ended with error",
			zap.String("run_id", job.RunID),
			zap.String("job", job.Name),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return
	}
	e.logger.Debug("Job done",
		zap.String("run_id", job.RunID),
		zap.String("job", job.Name),
		zap.Duration("elapsed", time.Since(start)))
}
