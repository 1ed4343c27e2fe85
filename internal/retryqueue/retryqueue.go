// Package retryqueue holds transactions whose commit is retried in the
// background until they resolve or give up.
package retryqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/shardxa/internal/clock"
	"pkt.systems/shardxa/internal/loggingutil"
)

const (
	// DefaultInterval separates two background passes.
	DefaultInterval = time.Second
	// DefaultConcurrency bounds retries dispatched in parallel per pass.
	DefaultConcurrency = 8
)

// ErrFull is returned by Enqueue when the queue is at capacity.
var ErrFull = errors.New("retryqueue: queue full")

// Job is one unit of background work. Retry may complete asynchronously; a
// job that still needs work enqueues itself again.
type Job interface {
	ID() string
	Retry(ctx context.Context)
}

// Config configures a Queue.
type Config struct {
	// Capacity bounds queued jobs; zero means unbounded.
	Capacity    int
	Interval    time.Duration
	Concurrency int
	Clock       clock.Clock
	Logger      pslog.Logger
}

// Queue is a bounded set of jobs keyed by id, in enqueue order.
type Queue[J Job] struct {
	capacity    int
	concurrency int
	interval    atomic.Int64
	clock       clock.Clock
	logger      pslog.Logger
	metrics     *queueMetrics

	mu      sync.Mutex
	entries map[string]J
	order   []string
}

// New builds a Queue.
func New[J Job](cfg Config) (*Queue[J], error) {
	if cfg.Capacity < 0 {
		return nil, errors.New("retryqueue: capacity must be >= 0")
	}
	if cfg.Interval < 0 {
		return nil, errors.New("retryqueue: interval must be >= 0")
	}
	logger := loggingutil.WithSubsystem(cfg.Logger, "xa.retry")
	q := &Queue[J]{
		capacity:    cfg.Capacity,
		concurrency: cfg.Concurrency,
		clock:       clock.Ensure(cfg.Clock),
		logger:      logger,
		metrics:     newQueueMetrics(logger),
		entries:     make(map[string]J),
	}
	if q.concurrency <= 0 {
		q.concurrency = DefaultConcurrency
	}
	q.SetInterval(cfg.Interval)
	return q, nil
}

// SetInterval changes the pause between passes; zero restores the default.
func (q *Queue[J]) SetInterval(d time.Duration) {
	if d <= 0 {
		d = DefaultInterval
	}
	q.interval.Store(int64(d))
}

// Interval returns the pause between passes.
func (q *Queue[J]) Interval() time.Duration {
	return time.Duration(q.interval.Load())
}

// Enqueue adds j, replacing a queued job with the same id.
func (q *Queue[J]) Enqueue(j J) error {
	id := j.ID()
	q.mu.Lock()
	if _, ok := q.entries[id]; ok {
		q.entries[id] = j
		q.mu.Unlock()
		return nil
	}
	if q.capacity > 0 && len(q.entries) >= q.capacity {
		q.mu.Unlock()
		q.metrics.recordRejected(context.Background())
		q.logger.Warn("xa.retry.enqueue.full", "id", id, "capacity", q.capacity)
		return ErrFull
	}
	q.entries[id] = j
	q.order = append(q.order, id)
	q.mu.Unlock()
	q.metrics.recordQueued(context.Background(), 1)
	q.logger.Debug("xa.retry.enqueue", "id", id)
	return nil
}

// Remove drops the job with id, if queued.
func (q *Queue[J]) Remove(id string) {
	q.mu.Lock()
	_, ok := q.entries[id]
	if ok {
		delete(q.entries, id)
		q.order = removeID(q.order, id)
	}
	q.mu.Unlock()
	if ok {
		q.metrics.recordQueued(context.Background(), -1)
		q.logger.Debug("xa.retry.remove", "id", id)
	}
}

// Len returns the number of queued jobs.
func (q *Queue[J]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Snapshot returns the queued jobs in enqueue order.
func (q *Queue[J]) Snapshot() []J {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]J, 0, len(q.order))
	for _, id := range q.order {
		out = append(out, q.entries[id])
	}
	return out
}

// Drain takes every queued job and dispatches its Retry, at most
// Concurrency at a time. It returns once each Retry call has returned.
func (q *Queue[J]) Drain(ctx context.Context) int {
	q.mu.Lock()
	jobs := make([]J, 0, len(q.order))
	for _, id := range q.order {
		jobs = append(jobs, q.entries[id])
	}
	q.entries = make(map[string]J)
	q.order = nil
	q.mu.Unlock()
	if len(jobs) == 0 {
		return 0
	}
	q.metrics.recordQueued(ctx, -int64(len(jobs)))

	sem := make(chan struct{}, q.concurrency)
	var wg sync.WaitGroup
	for i, j := range jobs {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			// Put back whatever was not dispatched.
			for _, rest := range jobs[i:] {
				_ = q.Enqueue(rest)
			}
			wg.Wait()
			return i
		}
		wg.Add(1)
		go func(j J) {
			defer wg.Done()
			defer func() { <-sem }()
			q.metrics.recordAttempt(ctx)
			q.logger.Debug("xa.retry.attempt", "id", j.ID())
			j.Retry(ctx)
		}(j)
	}
	wg.Wait()
	return len(jobs)
}

// Run drains the queue every interval until ctx ends.
func (q *Queue[J]) Run(ctx context.Context) error {
	q.logger.Info("xa.retry.worker.start", "interval", q.Interval(), "concurrency", q.concurrency)
	defer q.logger.Info("xa.retry.worker.stop")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.clock.After(q.Interval()):
		}
		start := q.clock.Now()
		if n := q.Drain(ctx); n > 0 {
			q.metrics.recordPass(ctx, n, q.clock.Now().Sub(start))
			q.logger.Info("xa.retry.pass", "jobs", n, "queued", q.Len())
		}
	}
}

func removeID(order []string, id string) []string {
	for i, v := range order {
		if v == id {
			return append(order[:i], order[i+1:]...)
		}
	}
	return order
}
