// Package engine links LLVM modules into the running process.
//
// Every submitted module gets its own MCJIT execution engine. Code for a
// module is generated the first time one of its symbols is requested; at that
// point each external declaration is bound to a definition from another
// published JIT module (in submission order) or, failing that, from the host
// process. A module only takes part in session-wide resolution once it has
// been published.
package engine

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"tinygo.org/x/go-llvm"
)

var (
	targetOnce sync.Once
	targetErr  error
)

// InitTarget prepares the native code generator. It is safe to call more than
// once; only the first call does any work.
func InitTarget() error {
	targetOnce.Do(func() {
		llvm.LinkInMCJIT()
		if err := llvm.InitializeNativeTarget(); err != nil {
			targetErr = fmt.Errorf("%w: %v", ErrNoTarget, err)
			return
		}
		if err := llvm.InitializeNativeAsmPrinter(); err != nil {
			targetErr = fmt.Errorf("%w: %v", ErrNoTarget, err)
		}
	})
	return targetErr
}

type Option func(*Session)

func WithLogger(log *zap.Logger) Option {
	return func(s *Session) { s.logger = log }
}

// WithHostLookup replaces the host symbol search, DlsymLookup by default.
func WithHostLookup(f HostLookup) Option {
	return func(s *Session) { s.host = f }
}

// WithDebuggerRegistration controls whether emitted objects are announced to
// an attached debugger through the GDB JIT interface. On by default.
func WithDebuggerRegistration(on bool) Option {
	return func(s *Session) { s.debugger = on }
}

// Session owns every module submitted to it. Modules are never removed, so
// addresses handed out stay valid for the life of the process.
//
// A Session may be shared by several compiler contexts. One lock serializes
// submission, resolution and finalization.
type Session struct {
	mu      sync.Mutex
	modules []*Module
	nextKey uint64
	host    HostLookup
	logger  *zap.Logger

	debugger bool
}

func New(opts ...Option) (*Session, error) {
	if err := InitTarget(); err != nil {
		return nil, err
	}
	s := &Session{
		nextKey:  1,
		host:     DlsymLookup,
		logger:   zap.NewNop(),
		debugger: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Submit takes ownership of mod, which was compiled from the file at
// sourcePath, and registers it. No machine code is generated yet, and the
// module stays invisible to Resolve and to other modules until Publish.
func (s *Session) Submit(mod llvm.Module, sourcePath string) (*Module, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := s.nextKey
	m := &Module{Key: key, Source: sourcePath, session: s}
	m.init = renameInitializer(mod, sourcePath, key)

	opts := llvm.NewMCJITCompilerOptions()
	ee, err := llvm.NewMCJITCompiler(mod, opts)
	if err != nil {
		// The failed engine builder has already released mod.
		return nil, fmt.Errorf("create execution engine: %w", err)
	}
	m.ee = ee
	if s.debugger {
		m.debugger = registerDebugger(ee)
	}
	m.prefix = GlobalPrefix(ee.TargetData().String())
	m.index(mod)

	s.nextKey++
	s.modules = append(s.modules, m)
	s.logger.Debug("Submitted module",
		zap.Uint64("module", key),
		zap.String("source", sourcePath),
		zap.Int("symbols", len(m.symbols)),
		zap.Int("declarations", len(m.decls)),
		zap.String("initializer", m.init))
	return m, nil
}

// Publish makes m visible to Resolve and to the declarations of other
// modules. A module whose finalization failed cannot be published.
func (s *Session) Publish(m *Module) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.session != s {
		return errors.New("module belongs to another session")
	}
	if m.state == FinalizationFailed {
		return m.err
	}
	m.published = true
	return nil
}

// Resolve returns the address of name. Published JIT modules are searched in
// submission order; the first one exporting name is finalized if needed. A
// module that fails to finalize is passed over. Then the host process is
// searched.
func (s *Session) Resolve(name string) (uintptr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var failed error
	for _, m := range s.modules {
		if !m.published || m.state == FinalizationFailed {
			continue
		}
		sym, ok := m.exported(name)
		if !ok {
			continue
		}
		if err := s.finalize(m); err != nil {
			if failed == nil {
				failed = err
			}
			continue
		}
		return sym.Addr, nil
	}
	if addr := s.host(name); addr != 0 {
		return addr, nil
	}
	if failed != nil {
		return 0, failed
	}
	return 0, fmt.Errorf("%q: %w", name, ErrSymbolNotFound)
}

// Modules returns the submitted modules in submission order.
func (s *Session) Modules() []*Module {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Module(nil), s.modules...)
}

// resolveDecl finds a definition for a declaration of from. Unpublished
// modules, modules mid-finalization (a reference cycle) and failed ones are
// skipped.
func (s *Session) resolveDecl(from *Module, name string) uintptr {
	for _, m := range s.modules {
		if m == from || !m.published || m.state == Finalizing || m.state == FinalizationFailed {
			continue
		}
		sym, ok := m.exported(name)
		if !ok {
			continue
		}
		if err := s.finalize(m); err != nil {
			continue
		}
		return sym.Addr
	}
	return s.host(name)
}
