// Package worker runs deferred session work off the receive path.
package worker

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"

	"openfms/netcore/internal/logger"
)

// ErrPoolClosed is returned by Submit after Close.
var ErrPoolClosed = errors.New("worker: pool is closed")

// Task is a unit of work.
type Task func()

// Pool is a fixed set of goroutines draining an unbounded FIFO.
type Pool struct {
	mu     sync.Mutex
	cond   *sync.Cond
	tasks  *queue.Queue
	closed bool
	wg     sync.WaitGroup

	completed atomic.Int64
}

// NewPool starts workers goroutines; workers <= 0 means runtime.NumCPU().
func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	p := &Pool{tasks: queue.New()}
	p.cond = sync.NewCond(&p.mu)
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.run()
	}
	return p
}

// Submit enqueues task.
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	p.tasks.Add(task)
	p.cond.Signal()
	return nil
}

// Pending is the number of queued tasks.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tasks.Length()
}

// Completed is the number of tasks run so far.
func (p *Pool) Completed() int64 {
	return p.completed.Load()
}

// Close rejects new tasks, lets workers drain the queue and waits for them.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pool) run() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for p.tasks.Length() == 0 && !p.closed {
			p.cond.Wait()
		}
		if p.tasks.Length() == 0 {
			p.mu.Unlock()
			return
		}
		task := p.tasks.Remove().(Task)
		p.mu.Unlock()

		p.execute(task)
	}
}

func (p *Pool) execute(task Task) {
	defer func() {
		if r := recover(); r != nil {
			logger.Scope("worker").WithField("panic", r).Warn("task panicked")
		}
		p.completed.Add(1)
	}()
	task()
}

// DefaultMaxDepth is how many nested synchronous runs a Scheduler allows.
const DefaultMaxDepth = 8

// Scheduler runs work inline until a nesting limit is hit, then hands it to
// a pool. Depth counters are owned by callers, usually one per session.
type Scheduler struct {
	pool     *Pool
	maxDepth int32
}

// NewScheduler creates a scheduler; maxDepth <= 0 means DefaultMaxDepth.
func NewScheduler(pool *Pool, maxDepth int) *Scheduler {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Scheduler{pool: pool, maxDepth: int32(maxDepth)}
}

// Run executes task synchronously when fewer than the limit are already
// running under depth. Otherwise detach (if non-nil) is called to copy any
// borrowed state and the task is queued. It reports whether task ran inline.
func (s *Scheduler) Run(depth *atomic.Int32, task Task, detach func()) (bool, error) {
	if depth.Add(1) <= s.maxDepth || s.pool == nil {
		defer depth.Add(-1)
		task()
		return true, nil
	}
	depth.Add(-1)
	if detach != nil {
		detach()
	}
	return false, s.pool.Submit(func() {
		depth.Add(1)
		defer depth.Add(-1)
		task()
	})
}
