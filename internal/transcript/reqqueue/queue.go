// Package reqqueue implements the Request Queue (spec component C6): a
// single FIFO queue with bounded parallelism over [ratelimit.Limiter]-gated
// LLM calls.
//
// The queue preserves FIFO order of starts, not completions: items begin
// work in the order they were submitted, but may finish out of order once
// running concurrently.
package reqqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/opendictate/transvox/internal/transcript/ratelimit"
)

// Defaults from spec.md §6 "queue" config block.
const (
	DefaultMaxConcurrent = 4
	DefaultMinInterval   = 50 * time.Millisecond
)

// ErrSkipped is the rejection reason when the rate limiter's projected wait
// exceeded its skip threshold.
var ErrSkipped = errors.New("request skipped: rate limit wait exceeded threshold")

// Job is a unit of work submitted to the queue.
type Job struct {
	SessionID string
	Spec      ratelimit.RequestSpec
	Run       func(context.Context) (any, error)

	// done receives exactly one result, always (capacity 1; spec.md §9's
	// "oneshot"-style future for a queue item).
	done chan result
}

type result struct {
	value any
	err   error
}

// Config tunes a [Queue].
type Config struct {
	MaxConcurrent int
	MinInterval   time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.MinInterval <= 0 {
		c.MinInterval = DefaultMinInterval
	}
	return c
}

// Queue is the bounded-concurrency FIFO scheduler described in spec.md §4.6.
// A running Queue owns one background dispatch goroutine per [Queue.Run]
// call; callers submit work with [Queue.Submit].
type Queue struct {
	cfg     Config
	limiter *ratelimit.Limiter
	sem     atomic.Pointer[semaphore.Weighted]
	jobs    chan *Job

	startsMu         sync.Mutex
	perSessionStarts map[string]uint64
}

// New returns a Queue bounded by cfg and gated by limiter.
func New(cfg Config, limiter *ratelimit.Limiter) *Queue {
	cfg = cfg.withDefaults()
	q := &Queue{
		cfg:              cfg,
		limiter:          limiter,
		jobs:             make(chan *Job, 256),
		perSessionStarts: make(map[string]uint64),
	}
	q.sem.Store(semaphore.NewWeighted(int64(cfg.MaxConcurrent)))
	return q
}

// SetMaxConcurrent replaces the bounded-parallelism semaphore in place.
// Jobs already holding a slot on the old semaphore release against it
// normally; only future dispatches observe the new limit. Used by the
// config hot-reload path (spec.md §6 queue.max_concurrent).
func (q *Queue) SetMaxConcurrent(n int) {
	if n <= 0 {
		return
	}
	q.cfg.MaxConcurrent = n
	q.sem.Store(semaphore.NewWeighted(int64(n)))
}

// Submit enqueues a job and returns a function that blocks for its result.
// Submit itself never blocks on parallelism limits — only the dispatch loop
// started by [Queue.Run] does.
func (q *Queue) Submit(ctx context.Context, sessionID string, spec ratelimit.RequestSpec, run func(context.Context) (any, error)) (func() (any, error), error) {
	job := &Job{
		SessionID: sessionID,
		Spec:      spec,
		Run:       run,
		done:      make(chan result, 1),
	}
	select {
	case q.jobs <- job:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	wait := func() (any, error) {
		select {
		case r := <-job.done:
			return r.value, r.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return wait, nil
}

// Run drives the dispatch loop until ctx is canceled. It starts queued jobs
// in FIFO order, honoring the minimum inter-start interval and the bounded
// parallelism semaphore; it returns once ctx is done and every in-flight job
// has completed or been abandoned.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.MinInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case job := <-q.jobs:
			<-ticker.C // enforce the minimum inter-start interval

			sem := q.sem.Load()
			if err := sem.Acquire(ctx, 1); err != nil {
				job.done <- result{err: ctx.Err()}
				continue
			}
			go q.runJob(ctx, sem, job)
		}
	}
}

func (q *Queue) runJob(ctx context.Context, sem *semaphore.Weighted, job *Job) {
	defer sem.Release(1)

	outcome := q.limiter.Acquire(ctx, job.Spec, job.SessionID)
	switch outcome.Kind {
	case ratelimit.Skip:
		job.done <- result{err: ErrSkipped}
		return
	case ratelimit.Wait:
		select {
		case <-time.After(outcome.WaitFor):
		case <-ctx.Done():
			job.done <- result{err: ctx.Err()}
			return
		}
		// Re-check once after sleeping; a single retry is enough because the
		// rate limiter's own window accounting already reserved headroom by
		// the time the sleep elapses in the common case.
		outcome = q.limiter.Acquire(ctx, job.Spec, job.SessionID)
		if outcome.Kind != ratelimit.Proceed {
			job.done <- result{err: ErrSkipped}
			return
		}
	}

	q.startsMu.Lock()
	q.perSessionStarts[job.SessionID]++
	q.startsMu.Unlock()

	value, err := job.Run(ctx)
	job.done <- result{value: value, err: err}
}

// PerSessionStarts returns how many jobs have started (not necessarily
// completed) for sessionID. Exposed for tests and diagnostics; the count is
// read under the same lock the dispatcher uses, but jobs may start
// concurrently, so it can change right after it is returned.
func (q *Queue) PerSessionStarts(sessionID string) uint64 {
	q.startsMu.Lock()
	defer q.startsMu.Unlock()
	return q.perSessionStarts[sessionID]
}
