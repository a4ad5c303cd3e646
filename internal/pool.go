package internal

import "sync"

// WorkerPool runs queued functions on N goroutines. The session manager uses a pool of size 1 so
// that push list reloads triggered by the stream are applied in the order they were requested.
type WorkerPool struct {
	N       int
	ch      chan func()
	mu      sync.RWMutex
	stopped bool
}

// NewWorkerPool creates a pool of size N. Up to N functions run concurrently and up to N more can
// be queued before Queue blocks, which applies backpressure to the producer.
func NewWorkerPool(n int) *WorkerPool {
	return &WorkerPool{
		N:  n,
		ch: make(chan func(), n),
	}
}

// Start the workers. Only call this once.
func (wp *WorkerPool) Start() {
	for i := 0; i < wp.N; i++ {
		go wp.worker()
	}
}

// Stop the worker pool. Work which is already queued is still run. Safe to call more than once.
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if wp.stopped {
		return
	}
	wp.stopped = true
	close(wp.ch)
}

// Queue some work on the pool. May block until some work is processed. Returns false if the pool
// has been stopped, in which case fn is dropped.
func (wp *WorkerPool) Queue(fn func()) bool {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	if wp.stopped {
		return false
	}
	wp.ch <- fn
	return true
}

func (wp *WorkerPool) worker() {
	defer ReportPanicsToSentry()
	for fn := range wp.ch {
		fn()
	}
}
