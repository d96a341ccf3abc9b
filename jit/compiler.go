package jit

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"tinygo.org/x/go-llvm"

	"github.com/thiremani/cppjit/cc1"
	"github.com/thiremani/cppjit/engine"
	"github.com/thiremani/cppjit/frontend"
	"github.com/thiremani/cppjit/options"
	"github.com/thiremani/cppjit/registry"
	"github.com/thiremani/cppjit/source"
)

type Option func(*Compiler)

func WithLogger(log *zap.Logger) Option {
	return func(c *Compiler) { c.logger = log }
}

// WithSession makes the compiler link into s, so that modules compiled by
// other compilers sharing s are visible to symbol resolution.
func WithSession(s *engine.Session) Option {
	return func(c *Compiler) { c.session = s }
}

func WithRegistry(r *registry.Registry) Option {
	return func(c *Compiler) { c.registry = r }
}

// WithInvoker replaces the in-process frontend.
func WithInvoker(inv frontend.Invoker) Option {
	return func(c *Compiler) { c.invoker = inv }
}

func WithMetrics(m *Metrics) Option {
	return func(c *Compiler) { c.metrics = m }
}

// WithMaterializer replaces the source materializer. The caller keeps
// ownership; Close leaves it alone.
func WithMaterializer(m *source.Materializer) Option {
	return func(c *Compiler) { c.sources = m }
}

// Compiler is one compiler context: an LLVM context, a frontend driver and the
// engine session it links into. Compiles on one Compiler are serialized.
type Compiler struct {
	mu sync.Mutex

	opts     *options.Options
	llctx    llvm.Context
	invoker  frontend.Invoker
	driver   *frontend.Driver
	session  *engine.Session
	sources  *source.Materializer
	registry *registry.Registry
	metrics  *Metrics
	logger   *zap.Logger

	ownSources bool
}

// New creates a compiler context. o is cloned; later changes to it have no
// effect.
func New(o *options.Options, opts ...Option) (*Compiler, error) {
	if err := o.Validate(); err != nil {
		return nil, &Error{Kind: InvalidRequest, Op: "jit.New", Err: err}
	}
	c := &Compiler{
		opts:     o.Clone(),
		invoker:  cc1.Invoker{},
		registry: registry.Default(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = NewMetrics()
	}

	if c.session == nil {
		s, err := engine.New(engine.WithLogger(c.logger))
		if err != nil {
			return nil, classify("jit.New", "", err)
		}
		c.session = s
	}

	var cache *frontend.Cache
	if !c.opts.DisableCache && c.opts.CacheDir != "" {
		var err error
		if cache, err = frontend.NewCache(c.opts.CacheDir); err != nil {
			// Compiling still works without a cache.
			c.logger.Warn("Bitcode cache unavailable", zap.String("dir", c.opts.CacheDir), zap.Error(err))
			cache = nil
		} else {
			cache.Logger = c.logger
		}
	}

	if c.sources == nil {
		c.sources = source.NewMaterializer("", source.DefaultRetention)
		c.sources.Logger = c.logger
		c.ownSources = true
	}

	c.llctx = llvm.NewContext()
	c.driver = frontend.NewDriver(c.opts, c.invoker, cache, c.logger)
	return c, nil
}

// Options returns the compiler's options. They must not be modified.
func (c *Compiler) Options() *options.Options { return c.opts }

// Session returns the engine session the compiler links into.
func (c *Compiler) Session() *engine.Session { return c.session }

// Registry returns the registry compiled modules are retained in.
func (c *Compiler) Registry() *registry.Registry { return c.registry }

// PrometheusCollectors returns the compiler's metrics.
func (c *Compiler) PrometheusCollectors() []prometheus.Collector {
	return c.metrics.PrometheusCollectors()
}

// Compile turns req into a callable entry point. On failure the error is
// always a *Error.
func (c *Compiler) Compile(ctx context.Context, req *Request) (h *Handle, err error) {
	start := time.Now()
	defer func() {
		label := resultLabel(err)
		c.metrics.Compiles.WithLabelValues(label).Inc()
		c.metrics.CompileDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
	}()

	if err := ctx.Err(); err != nil {
		return nil, classify("compile", req.ID, err)
	}
	if err := req.Validate(); err != nil {
		return nil, &Error{Kind: InvalidRequest, Op: "validate", ID: req.ID, Err: err}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	log := c.logger.With(zap.String("id", req.ID))
	path, err := c.sources.Materialize(req.Source)
	if err != nil {
		return nil, classify("materialize", req.ID, err)
	}

	flags := append(slices.Clone(req.Flags), "-D"+options.IDMacro+"="+req.ID)
	mod, res, err := c.driver.CompileToIR(c.llctx, path, flags)
	c.observeFrontend(res)
	if err != nil {
		if !isDiagnostics(err) {
			// Keep the file around only when a diagnostic may point into it.
			c.sources.Release(path)
		}
		return nil, classify("frontend", req.ID, err)
	}

	linkStart := time.Now()
	m, err := c.session.Submit(mod, path)
	if err != nil {
		return nil, classify("submit", req.ID, err)
	}
	if err := m.Finalize(); err != nil {
		return nil, classify("finalize", req.ID, err)
	}
	entryName := req.EntryName(c.opts.EntryPrefix)
	addr, err := m.Lookup(entryName)
	if err != nil {
		return nil, classify("lookup", req.ID, err)
	}
	// Only a job that fully succeeded becomes visible to other modules.
	if err := c.session.Publish(m); err != nil {
		return nil, classify("publish", req.ID, err)
	}
	c.metrics.StageDuration.WithLabelValues(StageLink).Observe(time.Since(linkStart).Seconds())

	e := c.registry.Retain(registry.Entry{
		ID:        req.ID,
		EntryName: entryName,
		Entry:     addr,
		Module:    m,
	})
	log.Info("Compiled",
		zap.String("entry", entryName),
		zap.Uint64("generation", e.Generation),
		zap.Bool("cache_hit", res.CacheHit),
		zap.Duration("elapsed", time.Since(start)))

	return &Handle{
		ID:         req.ID,
		EntryName:  entryName,
		Entry:      addr,
		Generation: e.Generation,
		Module:     m,
		Result:     res,
		exports:    slices.Clone(req.Exports),
	}, nil
}

func (c *Compiler) observeFrontend(res frontend.Result) {
	if res.Hash == "" {
		return
	}
	c.metrics.StageDuration.WithLabelValues(StagePreprocess).Observe(res.Preprocess.Seconds())
	if res.CacheHit {
		c.metrics.CacheLookups.WithLabelValues(LabelHit).Inc()
	} else {
		c.metrics.CacheLookups.WithLabelValues(LabelMiss).Inc()
		if res.Codegen > 0 {
			c.metrics.StageDuration.WithLabelValues(StageCodegen).Observe(res.Codegen.Seconds())
		}
	}
	if res.Load > 0 {
		c.metrics.StageDuration.WithLabelValues(StageLoad).Observe(res.Load.Seconds())
	}
}

func isDiagnostics(err error) bool {
	return classify("", "", err).Kind == FrontendDiagnostics
}

// Resolve looks name up across every module of the session, then the host.
func (c *Compiler) Resolve(name string) (uintptr, error) {
	addr, err := c.session.Resolve(name)
	if err != nil {
		return 0, classify("resolve", "", err)
	}
	return addr, nil
}

// StartSweeper removes materialized sources older than the retention window
// every interval until ctx is done.
func (c *Compiler) StartSweeper(ctx context.Context, interval time.Duration) {
	if c.ownSources {
		c.sources.Start(ctx, interval)
	}
}

// Close removes the materialized sources the compiler owns. Compiled code
// stays mapped.
func (c *Compiler) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ownSources {
		return nil
	}
	return c.sources.Close()
}
