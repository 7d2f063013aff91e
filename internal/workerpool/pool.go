// Package workerpool runs the updater's background housekeeping (download
// cache cleanup, backup pruning, history trimming) on a bounded set of
// goroutines so it never overlaps with itself or blocks the update loop.
package workerpool

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/breeze-rmm/updater/internal/logging"
)

var log = logging.L("workerpool")

// Task is one job. ctx is cancelled when the pool drains.
type Task func(ctx context.Context)

type job struct {
	name string
	run  Task
}

// Pool runs named jobs on a fixed number of workers. A job whose name is
// already queued or running is refused, so a slow prune is never stacked.
type Pool struct {
	queue  chan job
	ctx    context.Context
	cancel context.CancelFunc
	done   sync.WaitGroup

	mu     sync.Mutex
	closed bool
	active map[string]bool
}

// New starts workers goroutines reading from a queue of queueSize.
func New(workers, queueSize int) *Pool {
	workers, queueSize = max(workers, 1), max(queueSize, 1)
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		queue:  make(chan job, queueSize),
		ctx:    ctx,
		cancel: cancel,
		active: make(map[string]bool),
	}
	p.done.Add(workers)
	for range workers {
		go p.work()
	}
	log.Debug("worker pool started", "workers", workers, "queueSize", queueSize)
	return p
}

// Context is cancelled once Drain is called.
func (p *Pool) Context() context.Context {
	return p.ctx
}

// Submit queues task under name. It returns false when the pool is
// draining, the queue is full, or a job with the same name is pending.
func (p *Pool) Submit(name string, task Task) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case p.closed:
		return false
	case p.active[name]:
		log.Debug("job already pending", "job", name)
		return false
	}
	select {
	case p.queue <- job{name: name, run: task}:
		p.active[name] = true
		return true
	default:
		log.Warn("worker pool queue full, job rejected", "job", name)
		return false
	}
}

// Drain refuses new work, cancels the job context and waits for queued and
// running jobs until ctx expires.
func (p *Pool) Drain(ctx context.Context) {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()
	p.cancel()

	finished := make(chan struct{})
	go func() {
		p.done.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		log.Debug("worker pool drained")
	case <-ctx.Done():
		log.Warn("worker pool drain timed out")
	}
}

func (p *Pool) work() {
	defer p.done.Done()
	for j := range p.queue {
		p.run(j)
	}
}

func (p *Pool) run(j job) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			log.Error("job panicked", "job", j.name, "panic", r, "stack", string(debug.Stack()))
		}
		p.mu.Lock()
		delete(p.active, j.name)
		p.mu.Unlock()
		log.Debug("job finished", "job", j.name, logging.KeyDurationMs, time.Since(start).Milliseconds())
	}()
	j.run(p.ctx)
}
