package queue

import (
	"context"
	"errors"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultConcurrency = 2
	defaultMaxAttempts = 3
	defaultBackoffBase = 5 * time.Second

	dequeueTimeout = 2 * time.Second
	pausePollDelay = time.Second
)

// Executor runs one ingestion job. Returning an error hands the job back to
// the retry policy; returning nil marks it completed.
type Executor interface {
	Execute(ctx context.Context, job Job) error
}

// RetryPolicy controls how failed jobs are rescheduled. The delay doubles on
// every attempt starting from BackoffBase.
type RetryPolicy struct {
	MaxAttempts int
	BackoffBase time.Duration
}

// RetryPolicyFromEnv reads QUEUE_MAX_ATTEMPTS and QUEUE_BACKOFF_BASE
// (duration string), falling back to 3 attempts with a 5s base.
func RetryPolicyFromEnv() RetryPolicy {
	policy := RetryPolicy{MaxAttempts: defaultMaxAttempts, BackoffBase: defaultBackoffBase}
	if raw := strings.TrimSpace(os.Getenv("QUEUE_MAX_ATTEMPTS")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			policy.MaxAttempts = parsed
		}
	}
	if raw := strings.TrimSpace(os.Getenv("QUEUE_BACKOFF_BASE")); raw != "" {
		if parsed, err := time.ParseDuration(raw); err == nil && parsed > 0 {
			policy.BackoffBase = parsed
		}
	}
	return policy
}

// Delay returns the backoff before the next attempt. attempt is the number of
// the execution that just failed, starting at 1.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BackoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

// Exhausted reports whether the attempt that just failed was the last one.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}

// WorkerPool runs a fixed number of goroutines pulling jobs off the queue.
type WorkerPool struct {
	queue       *Queue
	executor    Executor
	policy      RetryPolicy
	concurrency int

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewWorkerPool builds a pool with concurrency from INGEST_CONCURRENCY
// (default 2) and the retry policy from env.
func NewWorkerPool(q *Queue, executor Executor) (*WorkerPool, error) {
	if q == nil {
		return nil, errors.New("queue: queue is required")
	}
	if executor == nil {
		return nil, errors.New("queue: executor is required")
	}

	concurrency := defaultConcurrency
	if raw := strings.TrimSpace(os.Getenv("INGEST_CONCURRENCY")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			concurrency = parsed
		}
	}

	return &WorkerPool{
		queue:       q,
		executor:    executor,
		policy:      RetryPolicyFromEnv(),
		concurrency: concurrency,
		stop:        make(chan struct{}),
	}, nil
}

// Start launches the worker goroutines. The given context bounds all job
// executions; cancelling it stops the pool as well.
func (w *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go func(id int) {
			defer w.wg.Done()
			w.run(ctx, id)
		}(i)
	}
	log.Printf("queue: started %d ingestion workers (max %d attempts, %s backoff base)",
		w.concurrency, w.policy.MaxAttempts, w.policy.BackoffBase)
}

// Stop signals the workers and waits for in-flight jobs to finish.
func (w *WorkerPool) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	w.wg.Wait()
}

func (w *WorkerPool) run(ctx context.Context, workerID int) {
	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		if w.queue.Paused(ctx) {
			select {
			case <-w.stop:
				return
			case <-ctx.Done():
				return
			case <-time.After(pausePollDelay):
			}
			continue
		}

		job, err := w.queue.Dequeue(ctx, dequeueTimeout)
		if err != nil {
			if errors.Is(err, ErrNoJob) || ctx.Err() != nil {
				continue
			}
			log.Printf("queue: worker %d dequeue failed: %v", workerID, err)
			time.Sleep(pausePollDelay)
			continue
		}

		w.queue.AppendLog(ctx, job.ID, "attempt "+strconv.Itoa(job.Attempt)+" started")

		if execErr := w.executor.Execute(ctx, job); execErr != nil {
			w.queue.AppendLog(ctx, job.ID, "attempt "+strconv.Itoa(job.Attempt)+" failed: "+execErr.Error())
			if w.policy.Exhausted(job.Attempt) {
				log.Printf("queue: job %s exhausted after %d attempts: %v", job.ID, job.Attempt, execErr)
				if err := w.queue.Fail(ctx, job.ID, execErr.Error(), true); err != nil {
					log.Printf("queue: mark job %s failed: %v", job.ID, err)
				}
				continue
			}

			delay := w.policy.Delay(job.Attempt)
			log.Printf("queue: job %s attempt %d failed, retrying in %s: %v", job.ID, job.Attempt, delay, execErr)
			if err := w.queue.Fail(ctx, job.ID, execErr.Error(), false); err != nil {
				log.Printf("queue: record job %s failure: %v", job.ID, err)
			}
			if err := w.queue.Retry(ctx, job.ID, delay); err != nil {
				log.Printf("queue: reschedule job %s: %v", job.ID, err)
			}
			continue
		}

		w.queue.AppendLog(ctx, job.ID, "attempt "+strconv.Itoa(job.Attempt)+" completed")
		if err := w.queue.Complete(ctx, job.ID); err != nil {
			log.Printf("queue: mark job %s completed: %v", job.ID, err)
		}
	}
}
