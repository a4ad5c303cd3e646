package internal

import (
	"sync"
	"testing"
	"time"
)

func TestWorkerPool(t *testing.T) {
	wp := NewWorkerPool(2)
	wp.Start()
	defer wp.Stop()

	// N=2 so both sleeps should overlap
	var wg sync.WaitGroup
	wg.Add(2)
	start := time.Now()
	for i := 0; i < 2; i++ {
		wp.Queue(func() {
			time.Sleep(500 * time.Millisecond)
			wg.Done()
		})
	}
	wg.Wait()
	took := time.Since(start)
	if took > time.Second {
		t.Fatalf("took %v for queued work, it should have been faster than 1s", took)
	}
}

func TestWorkerPoolDoesWorkPriorToStart(t *testing.T) {
	wp := NewWorkerPool(2)

	ch := make(chan int, 2)
	wp.Queue(func() {
		ch <- 1
	})
	wp.Queue(func() {
		ch <- 2
	})

	time.Sleep(100 * time.Millisecond)
	if len(ch) > 0 {
		t.Fatalf("Queued work was done before Start()")
	}

	wp.Start()
	defer wp.Stop()

	sum := 0
	for sum != 3 {
		select {
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for work to be done")
		case val := <-ch:
			sum += val
		}
	}
}

func TestWorkerPoolSingleWorkerKeepsOrder(t *testing.T) {
	wp := NewWorkerPool(1)
	wp.Start()
	defer wp.Stop()

	var mu sync.Mutex
	var got []int
	done := make(chan struct{})
	for i := 0; i < 5; i++ {
		i := i
		wp.Queue(func() {
			mu.Lock()
			got = append(got, i)
			n := len(got)
			mu.Unlock()
			if n == 5 {
				close(done)
			}
		})
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for work to be done")
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("work ran out of order: %v", got)
		}
	}
}

func TestWorkerPoolQueueAfterStop(t *testing.T) {
	wp := NewWorkerPool(1)
	wp.Start()
	wp.Stop()
	wp.Stop()
	if wp.Queue(func() {}) {
		t.Fatalf("Queue after Stop returned true")
	}
}
