package jit

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Result is delivered to the callback of an asynchronous request.
type Result struct {
	Request *Request
	Handle  *Handle
	Err     error // always a *Error when set
}

type Callback func(Result)

type job struct {
	ctx context.Context
	req *Request
	cb  Callback
}

// Worker compiles requests on a dedicated goroutine using its own Compiler.
// Requests run in submission order, one at a time. Callbacks are invoked on
// the worker goroutine, exactly once per accepted request.
type Worker struct {
	compiler *Compiler
	logger   *zap.Logger

	mu      sync.Mutex
	pending []job
	closed  bool
	running bool
	notify  chan struct{}
	done    chan struct{}
}

func NewWorker(c *Compiler) *Worker {
	return &Worker{
		compiler: c,
		logger:   c.logger,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Compiler returns the worker's compiler.
func (w *Worker) Compiler() *Compiler { return w.compiler }

// Submit queues req and returns immediately. cb runs once the request has
// been compiled, or with a Canceled error if ctx is done before it starts or
// the worker stops first.
func (w *Worker) Submit(ctx context.Context, req *Request, cb Callback) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	w.pending = append(w.pending, job{ctx: ctx, req: req, cb: cb})
	w.mu.Unlock()

	select {
	case w.notify <- struct{}{}:
	default:
	}
	return nil
}

// Pending returns the number of requests waiting to start.
func (w *Worker) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// Run processes requests until ctx is done or Close is called. Requests
// still queued at that point are reported as Canceled.
func (w *Worker) Run(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()
	defer close(w.done)

	for {
		j, ok := w.next(ctx)
		if !ok {
			w.drain()
			return nil
		}
		w.process(j)
	}
}

func (w *Worker) next(ctx context.Context) (job, bool) {
	for {
		w.mu.Lock()
		if w.closed {
			w.mu.Unlock()
			return job{}, false
		}
		if len(w.pending) > 0 {
			j := w.pending[0]
			w.pending[0] = job{}
			w.pending = w.pending[1:]
			w.mu.Unlock()
			return j, true
		}
		w.mu.Unlock()

		select {
		case <-ctx.Done():
			w.mu.Lock()
			w.closed = true
			w.mu.Unlock()
			return job{}, false
		case <-w.notify:
		}
	}
}

func (w *Worker) process(j job) {
	if err := j.ctx.Err(); err != nil {
		w.logger.Debug("Dropping canceled request", zap.String("id", j.req.ID))
		j.cb(Result{Request: j.req, Err: &Error{Kind: Canceled, Op: "queue", ID: j.req.ID, Err: err}})
		return
	}
	h, err := w.compiler.Compile(j.ctx, j.req)
	res := Result{Request: j.req, Handle: h}
	if err != nil {
		res.Err = err
	}
	j.cb(res)
}

func (w *Worker) drain() {
	w.mu.Lock()
	jobs := w.pending
	w.pending = nil
	w.mu.Unlock()
	for _, j := range jobs {
		j.cb(Result{Request: j.req, Err: &Error{Kind: Canceled, Op: "queue", ID: j.req.ID, Err: ErrClosed}})
	}
}

// Close stops accepting requests, waits for the request in progress and
// reports queued ones as Canceled.
func (w *Worker) Close() {
	w.mu.Lock()
	w.closed = true
	running := w.running
	w.mu.Unlock()

	select {
	case w.notify <- struct{}{}:
	default:
	}
	if running {
		<-w.done
	} else {
		w.drain()
	}
}
