package resources

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/coldbox-modules/socketbox/metrics"
)

// Task is a unit of work submitted to a WorkerPool.
type Task func()

// WorkerPool bounds concurrent task execution behind a fixed number of
// goroutines and a buffered queue, dropping work instead of letting
// goroutine count grow unbounded under load. Grounded on the teacher's
// root worker_pool.go, adopted here by the kafka bridge so one slow
// destination can't serialize an entire fetch batch behind it.
type WorkerPool struct {
	workerCount int
	taskQueue   chan Task
	wg          sync.WaitGroup
	dropped     int64 // atomic
	log         zerolog.Logger
}

// NewWorkerPool builds a pool with workerCount goroutines draining a
// queue of capacity queueSize. Call Start before Submit.
func NewWorkerPool(workerCount, queueSize int, log zerolog.Logger) *WorkerPool {
	return &WorkerPool{
		workerCount: workerCount,
		taskQueue:   make(chan Task, queueSize),
		log:         log.With().Str("component", "resources.WorkerPool").Logger(),
	}
}

// Start launches the worker goroutines. They run until ctx is done or
// Stop is called.
func (wp *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < wp.workerCount; i++ {
		wp.wg.Add(1)
		go wp.worker(ctx)
	}
}

func (wp *WorkerPool) worker(ctx context.Context) {
	defer wp.wg.Done()
	for {
		select {
		case task, ok := <-wp.taskQueue:
			if !ok {
				return
			}
			wp.run(task)
		case <-ctx.Done():
			return
		}
	}
}

func (wp *WorkerPool) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			wp.log.Error().Interface("panic", r).Str("stack", string(debug.Stack())).Msg("worker pool task panicked")
			metrics.RecordError("worker_pool", metrics.SeverityCritical)
		}
	}()
	task()
}

// Submit enqueues a task for async execution, dropping it (and
// incrementing DroppedTasks) if the queue is already full rather than
// spawning an unbounded goroutine.
func (wp *WorkerPool) Submit(task Task) {
	select {
	case wp.taskQueue <- task:
	default:
		atomic.AddInt64(&wp.dropped, 1)
	}
}

// Stop closes the queue and waits for in-flight and already-queued
// tasks to finish. Submitting after Stop panics, matching a closed
// channel send.
func (wp *WorkerPool) Stop() {
	close(wp.taskQueue)
	wp.wg.Wait()
}

// DroppedTasks returns the number of tasks dropped due to a full queue.
func (wp *WorkerPool) DroppedTasks() int64 {
	return atomic.LoadInt64(&wp.dropped)
}

// QueueDepth returns the number of tasks currently waiting.
func (wp *WorkerPool) QueueDepth() int {
	return len(wp.taskQueue)
}
