package workers

import (
	"sync"
)

// WorkerPool manages a pool of workers that execute jobs concurrently.
type WorkerPool struct {
	jobCh    chan func()
	wg       sync.WaitGroup
	workers  sync.WaitGroup
	stopOnce sync.Once
	mu       sync.RWMutex
	stopped  bool
}

// NewWorkerPool initializes a worker pool with a fixed number of workers.
func NewWorkerPool(workerCount, jobBufferSize int) *WorkerPool {
	if workerCount < 1 {
		workerCount = 1
	}
	wp := &WorkerPool{
		jobCh: make(chan func(), jobBufferSize),
	}
	wp.workers.Add(workerCount)
	for i := 0; i < workerCount; i++ {
		go wp.worker()
	}
	return wp
}

func (wp *WorkerPool) worker() {
	defer wp.workers.Done()
	for job := range wp.jobCh {
		job()
	}
}

// AddJob enqueues a job without blocking. It returns false when the queue
// is full or the pool is stopped; the job is not run in that case.
func (wp *WorkerPool) AddJob(job func()) bool {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	if wp.stopped {
		return false
	}

	wp.wg.Add(1)
	select {
	case wp.jobCh <- func() {
		defer wp.wg.Done()
		job()
	}:
		return true
	default: // Drop the job if queue is full
		wp.wg.Done()
		return false
	}
}

// Wait blocks until all accepted jobs are completed.
func (wp *WorkerPool) Wait() {
	wp.wg.Wait()
}

// Stop rejects new jobs, drains the queue and waits for the workers.
func (wp *WorkerPool) Stop() {
	wp.stopOnce.Do(func() {
		wp.mu.Lock()
		wp.stopped = true
		close(wp.jobCh)
		wp.mu.Unlock()
		wp.workers.Wait()
	})
}
