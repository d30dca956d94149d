package resources

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestWorkerPoolExecutesSubmittedTasks(t *testing.T) {
	pool := NewWorkerPool(2, 10, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	var wg sync.WaitGroup
	var count int64
	for i := 0; i < 5; i++ {
		wg.Add(1)
		pool.Submit(func() {
			defer wg.Done()
			atomic.AddInt64(&count, 1)
		})
	}
	wg.Wait()

	if got := atomic.LoadInt64(&count); got != 5 {
		t.Fatalf("expected 5 tasks executed, got %d", got)
	}
	pool.Stop()
}

func TestWorkerPoolDropsTasksWhenQueueFull(t *testing.T) {
	pool := NewWorkerPool(1, 1, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	block := make(chan struct{})
	pool.Start(ctx)
	pool.Submit(func() { <-block })
	time.Sleep(20 * time.Millisecond) // let the single worker pick up the blocking task

	for i := 0; i < 5; i++ {
		pool.Submit(func() {})
	}
	close(block)
	pool.Stop()

	if pool.DroppedTasks() == 0 {
		t.Fatal("expected at least one dropped task once the queue filled up")
	}
}

func TestWorkerPoolRecoversFromPanic(t *testing.T) {
	pool := NewWorkerPool(1, 4, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	var ran int64
	pool.Submit(func() { panic("boom") })
	pool.Submit(func() { atomic.AddInt64(&ran, 1) })

	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt64(&ran) != 1 {
		t.Fatal("expected the worker to keep running tasks after a panic")
	}
	pool.Stop()
}
