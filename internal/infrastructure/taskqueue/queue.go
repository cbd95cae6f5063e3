package taskqueue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/poyrazK/veriflow/internal/core/ports"
	"github.com/poyrazK/veriflow/internal/infrastructure/metrics"
)

var (
	ErrQueueFull = errors.New("task queue is full")
	ErrClosed    = errors.New("task queue is closed")
)

// Queue is a fixed pool of workers fed by a buffered channel. Delayed tasks wait
// on a timer and then block until the buffer has room.
type Queue struct {
	name    string
	workers int
	tasks   chan ports.Task
	quit    chan struct{}
	logger  *slog.Logger

	runCtx    context.Context
	cancelRun context.CancelFunc

	mu     sync.RWMutex
	closed bool
	timers map[*time.Timer]struct{}

	wg sync.WaitGroup
}

func New(name string, workers, size int, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	if workers < 1 {
		workers = 1
	}
	if size < 1 {
		size = 1
	}
	runCtx, cancel := context.WithCancel(context.Background())
	return &Queue{
		name:      name,
		workers:   workers,
		tasks:     make(chan ports.Task, size),
		quit:      make(chan struct{}),
		logger:    logger.With("queue", name),
		runCtx:    runCtx,
		cancelRun: cancel,
		timers:    make(map[*time.Timer]struct{}),
	}
}

// Start launches the worker goroutines.
func (q *Queue) Start() {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	q.logger.Info("task queue started", "workers", q.workers, "capacity", cap(q.tasks))
}

// Submit enqueues task without blocking.
func (q *Queue) Submit(task ports.Task) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.tasks <- task:
		metrics.QueueDepth.WithLabelValues(q.name).Set(float64(len(q.tasks)))
		return nil
	default:
		return ErrQueueFull
	}
}

// SubmitAfter enqueues task once delay has elapsed. Pending timers are
// discarded on Shutdown.
func (q *Queue) SubmitAfter(delay time.Duration, task ports.Task) error {
	if delay <= 0 {
		return q.Submit(task)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, timer)
		q.mu.Unlock()
		q.enqueueBlocking(task)
	})
	q.timers[timer] = struct{}{}
	return nil
}

// enqueueBlocking waits for buffer room. mu must not be held across the send.
func (q *Queue) enqueueBlocking(task ports.Task) {
	q.mu.RLock()
	closed := q.closed
	q.mu.RUnlock()
	if closed {
		q.logger.Warn("dropping delayed task after shutdown")
		return
	}
	select {
	case q.tasks <- task:
		metrics.QueueDepth.WithLabelValues(q.name).Set(float64(len(q.tasks)))
	case <-q.quit:
	}
}

// Len reports tasks waiting for a worker.
func (q *Queue) Len() int {
	return len(q.tasks)
}

// Shutdown stops accepting work, drops pending timers and waits for workers to
// drain the buffer. When ctx expires first, running tasks see their context
// cancelled.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	for t := range q.timers {
		t.Stop()
	}
	pending := len(q.timers)
	q.timers = map[*time.Timer]struct{}{}
	close(q.quit)
	q.mu.Unlock()

	if pending > 0 {
		q.logger.Warn("discarded delayed tasks on shutdown", "count", pending)
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancelRun()
		return nil
	case <-ctx.Done():
		q.cancelRun()
		return ctx.Err()
	}
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		select {
		case task := <-q.tasks:
			q.run(task)
		case <-q.quit:
			for {
				select {
				case task := <-q.tasks:
					q.run(task)
				default:
					return
				}
			}
		}
	}
}

func (q *Queue) run(task ports.Task) {
	metrics.QueueDepth.WithLabelValues(q.name).Set(float64(len(q.tasks)))
	metrics.ActiveWorkers.WithLabelValues(q.name).Inc()
	defer metrics.ActiveWorkers.WithLabelValues(q.name).Dec()
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("task panicked", "panic", r)
		}
	}()
	task(q.runCtx)
}
