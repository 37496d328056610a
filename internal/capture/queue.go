package capture

import (
	"sync"
	"sync/atomic"

	"mnemo/internal/logging"
)

// Task is one deferred side effect: an audit notification, a log line,
// anything that must not block or fail the remember call that spawned it.
type Task struct {
	Name string
	Run  func()
}

// Queue runs capture side effects on a small worker pool behind a bounded
// channel. Submissions never block: when the channel is full the task is
// dropped and counted instead.
type Queue struct {
	mu      sync.RWMutex
	closed  bool
	tasks   chan Task
	wg      sync.WaitGroup
	dropped atomic.Int64
}

// NewQueue starts the worker pool. Non-positive size and workers fall back
// to 256 and 2.
func NewQueue(size, workers int) *Queue {
	if size <= 0 {
		size = 256
	}
	if workers <= 0 {
		workers = 2
	}
	q := &Queue{tasks: make(chan Task, size)}
	q.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go q.worker()
	}
	return q
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for task := range q.tasks {
		q.runTask(task)
	}
}

// runTask isolates worker goroutines from panicking tasks.
func (q *Queue) runTask(task Task) {
	defer func() {
		if r := recover(); r != nil {
			logging.CaptureWarn("queue task %s panicked: %v", task.Name, r)
		}
	}()
	task.Run()
}

// Submit enqueues a task without blocking. Returns false when the task was
// dropped because the queue is full or closed.
func (q *Queue) Submit(name string, run func()) bool {
	if run == nil {
		return false
	}
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		q.dropped.Add(1)
		return false
	}
	select {
	case q.tasks <- Task{Name: name, Run: run}:
		return true
	default:
		q.dropped.Add(1)
		logging.CaptureDebug("side-effect queue full, dropped %s", name)
		return false
	}
}

// DroppedTasks reports how many submissions were discarded since startup.
func (q *Queue) DroppedTasks() int64 {
	return q.dropped.Load()
}

// Close stops accepting tasks and waits for in-flight ones to finish.
// Safe to call more than once.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	close(q.tasks)
	q.wg.Wait()
}
