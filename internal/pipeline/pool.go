// Package pipeline runs tasks on a fixed set of workers fed by a bounded
// queue. Submit blocks while the queue is full, which caps memory at
// roughly workers plus queue depth tasks in flight.
package pipeline

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Func processes one task.
type Func[T, R any] func(ctx context.Context, task T) (R, error)

// Outcome is the result of one task. A task error never affects other tasks.
type Outcome[T, R any] struct {
	Task   T
	Result R
	Err    error
}

// Pool is a fixed-size worker pool. The owner submits tasks, calls Close
// once done, and must drain Results until it is closed.
type Pool[T, R any] struct {
	ctx     context.Context
	tasks   chan T
	results chan Outcome[T, R]
	group   errgroup.Group
	once    sync.Once

	completed atomic.Int64
	discarded atomic.Int64
}

// New starts workers goroutines reading from a queue of the given depth.
// Values below one are raised to one.
func New[T, R any](ctx context.Context, workers, depth int, fn Func[T, R]) *Pool[T, R] {
	if workers < 1 {
		workers = 1
	}
	if depth < 1 {
		depth = 1
	}
	p := &Pool[T, R]{
		ctx:     ctx,
		tasks:   make(chan T, depth),
		results: make(chan Outcome[T, R], workers),
	}
	for i := 0; i < workers; i++ {
		p.group.Go(func() error {
			p.work(fn)
			return nil
		})
	}
	go func() {
		_ = p.group.Wait()
		close(p.results)
	}()
	return p
}

func (p *Pool[T, R]) work(fn Func[T, R]) {
	for task := range p.tasks {
		if p.ctx.Err() != nil {
			p.discarded.Add(1)
			continue
		}
		r, err := fn(p.ctx, task)
		p.completed.Add(1)
		p.results <- Outcome[T, R]{Task: task, Result: r, Err: err}
	}
}

// Submit enqueues a task, blocking while the queue is full. It fails with
// the context error once the pool's context is done.
func (p *Pool[T, R]) Submit(task T) error {
	if err := p.ctx.Err(); err != nil {
		return err
	}
	select {
	case p.tasks <- task:
		return nil
	case <-p.ctx.Done():
		return p.ctx.Err()
	}
}

// Close stops accepting tasks. Queued tasks still run unless the context
// is done, in which case they are discarded.
func (p *Pool[T, R]) Close() {
	p.once.Do(func() { close(p.tasks) })
}

// Results delivers one outcome per executed task and is closed after the
// last worker exits.
func (p *Pool[T, R]) Results() <-chan Outcome[T, R] {
	return p.results
}

// Completed returns how many tasks ran.
func (p *Pool[T, R]) Completed() int64 {
	return p.completed.Load()
}

// Discarded returns how many queued tasks were dropped after cancellation.
func (p *Pool[T, R]) Discarded() int64 {
	return p.discarded.Load()
}

// Run is the common fan-out shape: it submits every task, collects all
// outcomes and returns them in completion order. The returned error is the
// context error if submission was cut short.
func Run[T, R any](ctx context.Context, workers, depth int, tasks []T, fn Func[T, R]) ([]Outcome[T, R], error) {
	p := New(ctx, workers, depth, fn)

	var out []Outcome[T, R]
	done := make(chan struct{})
	go func() {
		defer close(done)
		for o := range p.Results() {
			out = append(out, o)
		}
	}()

	var submitErr error
	for _, t := range tasks {
		if err := p.Submit(t); err != nil {
			submitErr = err
			break
		}
	}
	p.Close()
	<-done
	return out, submitErr
}
