package parallel

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"
)

var ErrPoolClosed = errors.New("pool is closed")

// Pool runs submitted tasks on a fixed number of workers. Submit blocks
// while all workers are busy and the queue is full.
//
//	p := parallel.NewPool(ctx, 4)
//	defer p.Close()
//	err := p.Submit(ctx, func(ctx context.Context) { ... })
type Pool struct {
	ctx   context.Context
	g     *errgroup.Group
	tasks chan func(context.Context)

	mx     sync.RWMutex
	closed bool
}

// NewPool starts limit workers. Tasks receive ctx, so canceling it is
// visible to running and queued tasks, which still run to completion.
func NewPool(ctx context.Context, limit int) *Pool {
	limit = max(limit, 1)
	g, gctx := errgroup.WithContext(ctx)
	p := &Pool{
		ctx:   gctx,
		g:     g,
		tasks: make(chan func(context.Context), limit),
	}
	for range limit {
		g.Go(p.work)
	}
	return p
}

func (p *Pool) work() error {
	for task := range p.tasks {
		task(p.ctx)
	}
	return nil
}

// Submit queues task. It returns ErrPoolClosed after Close and the context
// error when ctx ends before the task was queued.
func (p *Pool) Submit(ctx context.Context, task func(context.Context)) error {
	p.mx.RLock()
	defer p.mx.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting tasks and waits until all queued tasks have run.
// It is safe to call more than once.
func (p *Pool) Close() {
	p.mx.Lock()
	if !p.closed {
		p.closed = true
		close(p.tasks)
	}
	p.mx.Unlock()
	_ = p.g.Wait()
}
