package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"mealsnap/internal/domain"
)

// Executor runs one recognition attempt for a claimed task.
type Executor interface {
	Execute(ctx context.Context, task *domain.RecognitionTask) error
}

// Options configures a Dispatcher.
type Options struct {
	Repo         domain.TaskRepository
	Executor     Executor
	Concurrency  int
	MaxAttempts  int
	BackoffBase  time.Duration
	PollInterval time.Duration
	Logger       zerolog.Logger
}

// Dispatcher decouples "upload finished" from "recognition runs": a bounded
// pool of workers claims pending tasks and drives the executor with a
// bounded exponential-backoff retry per task. Delivery is at-least-once; a
// stale attempt overwriting a newer terminal state is accepted (the attempt
// counter on the task records double claims for observability).
type Dispatcher struct {
	repo         domain.TaskRepository
	executor     Executor
	concurrency  int
	maxAttempts  int
	backoffBase  time.Duration
	pollInterval time.Duration
	logger       zerolog.Logger
}

func NewDispatcher(opts Options) *Dispatcher {
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	backoffBase := opts.BackoffBase
	if backoffBase <= 0 {
		backoffBase = 30 * time.Second
	}
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Dispatcher{
		repo:         opts.Repo,
		executor:     opts.Executor,
		concurrency:  concurrency,
		maxAttempts:  maxAttempts,
		backoffBase:  backoffBase,
		pollInterval: pollInterval,
		logger:       opts.Logger,
	}
}

// Run blocks until the context is cancelled, each worker slot pulling one
// task at a time.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info().Int("concurrency", d.concurrency).Msg("dispatcher: started")
	var wg sync.WaitGroup
	for i := 0; i < d.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.workerLoop(ctx)
		}()
	}
	wg.Wait()
	d.logger.Info().Msg("dispatcher: stopped")
	return ctx.Err()
}

func (d *Dispatcher) workerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		claimed, err := d.RunOnce(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Error().Err(err).Msg("dispatcher: claim failed")
		}
		if !claimed {
			select {
			case <-ctx.Done():
				return
			case <-time.After(d.pollInterval):
			}
		}
	}
}

// RunOnce claims at most one pending task and runs it to a terminal state.
// It reports whether a task was claimed.
func (d *Dispatcher) RunOnce(ctx context.Context) (bool, error) {
	task, err := d.repo.ClaimPending(ctx)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	d.handle(ctx, task)
	return true, nil
}

func (d *Dispatcher) handle(ctx context.Context, task *domain.RecognitionTask) {
	d.logger.Info().Str("task_id", task.ID).Int("attempt", task.Attempts).Msg("dispatcher: picked task")
	backoff := retry.WithMaxRetries(uint64(d.maxAttempts-1), retry.NewExponential(d.backoffBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := d.executor.Execute(ctx, task); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		d.logger.Error().Err(err).Str("task_id", task.ID).Msg("dispatcher: task failed after retries")
		return
	}
	d.logger.Info().Str("task_id", task.ID).Msg("dispatcher: task done")
}
