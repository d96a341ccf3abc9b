package jit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// Pool spreads requests over several workers, each with its own compiler
// context. There is no ordering between requests handled by different
// workers.
type Pool struct {
	workers []*Worker
	next    atomic.Uint64

	mu     sync.Mutex
	group  *errgroup.Group
	cancel context.CancelFunc
}

// NewPool creates n workers. newCompiler is called once per worker.
func NewPool(n int, newCompiler func(i int) (*Compiler, error)) (*Pool, error) {
	if n < 1 {
		return nil, &Error{Kind: InvalidRequest, Op: "jit.NewPool", Msg: fmt.Sprintf("pool size must be positive, got %d", n)}
	}
	p := &Pool{}
	for i := 0; i < n; i++ {
		c, err := newCompiler(i)
		if err != nil {
			for _, w := range p.workers {
				w.compiler.Close()
			}
			return nil, err
		}
		p.workers = append(p.workers, NewWorker(c))
	}
	return p, nil
}

// Workers returns the pool's workers.
func (p *Pool) Workers() []*Worker { return p.workers }

// Start runs every worker until ctx is done or Close is called. sweep is the
// interval at which stale sources are removed; zero disables sweeping.
func (p *Pool) Start(ctx context.Context, sweep time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.group != nil {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.group, ctx = errgroup.WithContext(ctx)
	for _, w := range p.workers {
		if sweep > 0 {
			w.compiler.StartSweeper(ctx, sweep)
		}
		p.group.Go(func() error { return w.Run(ctx) })
	}
}

// Submit hands req to the next worker in round-robin order.
func (p *Pool) Submit(ctx context.Context, req *Request, cb Callback) error {
	i := p.next.Add(1) - 1
	return p.workers[i%uint64(len(p.workers))].Submit(ctx, req, cb)
}

// Close stops all workers and releases their compilers.
func (p *Pool) Close() error {
	var err error
	for _, w := range p.workers {
		w.Close()
	}
	p.mu.Lock()
	if p.group != nil {
		p.cancel()
		err = multierr.Append(err, p.group.Wait())
	}
	p.mu.Unlock()
	for _, w := range p.workers {
		err = multierr.Append(err, w.compiler.Close())
	}
	return err
}
