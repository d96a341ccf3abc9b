package engine_test

import (
	"testing"

	"github.com/ebitengine/purego"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"tinygo.org/x/go-llvm"

	"github.com/thiremani/cppjit/engine"
)

// builder wraps the boilerplate of creating IR fixtures.
type builder struct {
	ctx llvm.Context
	mod llvm.Module
	b   llvm.Builder
	i32 llvm.Type
}

func newBuilder(ctx llvm.Context, name string) *builder {
	return &builder{ctx: ctx, mod: ctx.NewModule(name), b: ctx.NewBuilder(), i32: ctx.Int32Type()}
}

func (b *builder) done() llvm.Module {
	b.b.Dispose()
	return b.mod
}

func (b *builder) fn(name string, nparams int) llvm.Value {
	params := make([]llvm.Type, nparams)
	for i := range params {
		params[i] = b.i32
	}
	return llvm.AddFunction(b.mod, name, llvm.FunctionType(b.i32, params, false))
}

func (b *builder) body(fn llvm.Value) {
	b.b.SetInsertPointAtEnd(b.ctx.AddBasicBlock(fn, "entry"))
}

// addOne defines i32 add_one(i32).
func (b *builder) addOne() {
	fn := b.fn("add_one", 1)
	b.body(fn)
	b.b.CreateRet(b.b.CreateAdd(fn.Param(0), llvm.ConstInt(b.i32, 1, false), ""))
}

// constant defines i32 name() returning v.
func (b *builder) constant(name string, v uint64) {
	fn := b.fn(name, 0)
	b.body(fn)
	b.b.CreateRet(llvm.ConstInt(b.i32, v, false))
}

// forward defines i32 name(i32) calling the external callee.
func (b *builder) forward(name, callee string) {
	ft := llvm.FunctionType(b.i32, []llvm.Type{b.i32}, false)
	ext := b.mod.NamedFunction(callee)
	if ext.IsNil() {
		ext = llvm.AddFunction(b.mod, callee, ft)
	}
	fn := b.fn(name, 1)
	b.body(fn)
	b.b.CreateRet(b.b.CreateCall(ft, ext, []llvm.Value{fn.Param(0)}, ""))
}

// counter defines a global counter, an internal initializer incrementing it,
// and i32 get_counter().
func (b *builder) counter(initName string) {
	g := llvm.AddGlobal(b.mod, b.i32, "counter")
	g.SetInitializer(llvm.ConstInt(b.i32, 0, false))

	init := llvm.AddFunction(b.mod, initName, llvm.FunctionType(b.ctx.VoidType(), nil, false))
	init.SetLinkage(llvm.InternalLinkage)
	b.body(init)
	v := b.b.CreateLoad(b.i32, g, "")
	b.b.CreateStore(b.b.CreateAdd(v, llvm.ConstInt(b.i32, 1, false), ""), g)
	b.b.CreateRetVoid()

	get := b.fn("get_counter", 0)
	b.body(get)
	b.b.CreateRet(b.b.CreateLoad(b.i32, g, ""))
}

func newSession(t *testing.T, opts ...engine.Option) *engine.Session {
	t.Helper()
	s, err := engine.New(append([]engine.Option{engine.WithLogger(zaptest.NewLogger(t))}, opts...)...)
	require.NoError(t, err)
	return s
}

// submit registers mod and publishes it to session-wide resolution.
func submit(s *engine.Session, mod llvm.Module, path string) (*engine.Module, error) {
	m, err := s.Submit(mod, path)
	if err != nil {
		return nil, err
	}
	return m, s.Publish(m)
}

func call1(t *testing.T, addr uintptr, x int32) int32 {
	t.Helper()
	require.NotZero(t, addr)
	var f func(int32) int32
	purego.RegisterFunc(&f, addr)
	return f(x)
}

func call0(t *testing.T, addr uintptr) int32 {
	t.Helper()
	require.NotZero(t, addr)
	var f func() int32
	purego.RegisterFunc(&f, addr)
	return f()
}

func TestAddOne(t *testing.T) {
	ctx := llvm.NewContext()
	s := newSession(t)

	b := newBuilder(ctx, "add")
	b.addOne()
	m, err := submit(s, b.done(), "/tmp/add.cpp")
	require.NoError(t, err)
	assert.Equal(t, engine.Submitted, m.State())

	addr, err := s.Resolve("add_one")
	require.NoError(t, err)
	assert.Equal(t, int32(42), call1(t, addr, 41))
	assert.Equal(t, engine.Finalized, m.State())

	again, err := m.Lookup("add_one")
	require.NoError(t, err)
	assert.Equal(t, addr, again)
}

func TestSymbolNotFound(t *testing.T) {
	ctx := llvm.NewContext()
	s := newSession(t, engine.WithHostLookup(func(string) uintptr { return 0 }))

	b := newBuilder(ctx, "four")
	b.constant("four", 4)
	m, err := submit(s, b.done(), "/tmp/four.cpp")
	require.NoError(t, err)

	_, err = s.Resolve("fuor")
	assert.ErrorIs(t, err, engine.ErrSymbolNotFound)
	_, err = m.Lookup("fuor")
	assert.ErrorIs(t, err, engine.ErrSymbolNotFound)
	// A miss does not finalize anything.
	assert.Equal(t, engine.Submitted, m.State())
}

func TestHostFallback(t *testing.T) {
	ctx := llvm.NewContext()
	s := newSession(t)

	b := newBuilder(ctx, "host")
	b.forward("call_abs", "abs")
	_, err := submit(s, b.done(), "/tmp/host.cpp")
	require.NoError(t, err)

	addr, err := s.Resolve("call_abs")
	require.NoError(t, err)
	assert.Equal(t, int32(5), call1(t, addr, -5))

	host, err := s.Resolve("abs")
	require.NoError(t, err)
	assert.Equal(t, engine.DlsymLookup("abs"), host)
}

func TestJITFirst(t *testing.T) {
	ctx := llvm.NewContext()
	s := newSession(t)

	// shadows the C library function
	a := newBuilder(ctx, "shadow")
	fn := a.fn("abs", 1)
	a.body(fn)
	a.b.CreateRet(llvm.ConstInt(a.i32, 100, false))
	_, err := submit(s, a.done(), "/tmp/shadow.cpp")
	require.NoError(t, err)

	b := newBuilder(ctx, "user")
	b.forward("call_abs", "abs")
	_, err = submit(s, b.done(), "/tmp/user.cpp")
	require.NoError(t, err)

	addr, err := s.Resolve("call_abs")
	require.NoError(t, err)
	assert.Equal(t, int32(100), call1(t, addr, -5))

	abs, err := s.Resolve("abs")
	require.NoError(t, err)
	assert.NotEqual(t, engine.DlsymLookup("abs"), abs)
}

func TestRegistrationOrder(t *testing.T) {
	ctx := llvm.NewContext()
	s := newSession(t)

	for i, v := range []uint64{1, 2} {
		b := newBuilder(ctx, "dup")
		b.constant("dup", v)
		m, err := submit(s, b.done(), "/tmp/dup.cpp")
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), m.Key)
	}

	addr, err := s.Resolve("dup")
	require.NoError(t, err)
	assert.Equal(t, int32(1), call0(t, addr))

	// module-scoped lookup reaches the shadowed definition
	mods := s.Modules()
	require.Len(t, mods, 2)
	addr, err = mods[1].Lookup("dup")
	require.NoError(t, err)
	assert.Equal(t, int32(2), call0(t, addr))
}

func TestCrossModuleCall(t *testing.T) {
	ctx := llvm.NewContext()
	s := newSession(t)

	a := newBuilder(ctx, "lib")
	a.addOne()
	liba, err := submit(s, a.done(), "/tmp/lib.cpp")
	require.NoError(t, err)

	b := newBuilder(ctx, "app")
	b.forward("twice_add_one", "add_one")
	app, err := submit(s, b.done(), "/tmp/app.cpp")
	require.NoError(t, err)

	addr, err := app.Lookup("twice_add_one")
	require.NoError(t, err)
	assert.Equal(t, int32(11), call1(t, addr, 10))
	// The dependency was finalized on demand.
	assert.Equal(t, engine.Finalized, liba.State())
}

func TestUnresolvedDeclarationFailsOnce(t *testing.T) {
	ctx := llvm.NewContext()
	s := newSession(t, engine.WithHostLookup(func(string) uintptr { return 0 }))

	b := newBuilder(ctx, "missing")
	b.forward("call_missing", "cppjit_test_missing_symbol")
	m, err := submit(s, b.done(), "/tmp/missing.cpp")
	require.NoError(t, err)

	_, err = m.Lookup("call_missing")
	require.ErrorIs(t, err, engine.ErrSymbolNotFound)
	var fe *engine.FinalizationError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, []string{"cppjit_test_missing_symbol"}, fe.Missing)
	assert.Equal(t, engine.FinalizationFailed, m.State())

	_, again := m.Lookup("call_missing")
	assert.Same(t, err, again)

	// the failed module is passed over by session-wide resolution
	_, err = s.Resolve("call_missing")
	assert.ErrorIs(t, err, engine.ErrSymbolNotFound)
}

func TestInitializerRunsOnce(t *testing.T) {
	ctx := llvm.NewContext()
	s := newSession(t)

	b := newBuilder(ctx, "counter")
	b.counter(engine.InitializerName("/tmp/counter.cpp"))
	m, err := submit(s, b.done(), "/tmp/counter.cpp")
	require.NoError(t, err)
	assert.Equal(t, "__cppjit_init_1", m.Initializer())

	for range 3 {
		addr, err := m.Lookup("get_counter")
		require.NoError(t, err)
		assert.Equal(t, int32(1), call0(t, addr))
	}
	_, err = s.Resolve(m.Initializer())
	assert.ErrorIs(t, err, engine.ErrSymbolNotFound, "initializers are not exported")
}

func TestInitializerFromCachedBitcode(t *testing.T) {
	ctx := llvm.NewContext()
	s := newSession(t)

	// compiled under another file name
	b := newBuilder(ctx, "counter")
	b.counter(engine.InitializerName("/tmp/cppjit-123.cpp"))
	m, err := submit(s, b.done(), "/tmp/cppjit-456.cpp")
	require.NoError(t, err)
	require.NotEmpty(t, m.Initializer())

	addr, err := m.Lookup("get_counter")
	require.NoError(t, err)
	assert.Equal(t, int32(1), call0(t, addr))
}

func TestSymbols(t *testing.T) {
	ctx := llvm.NewContext()
	s := newSession(t)

	b := newBuilder(ctx, "syms")
	b.addOne()
	b.constant("four", 4)
	m, err := submit(s, b.done(), "/tmp/syms.cpp")
	require.NoError(t, err)

	syms := m.Symbols()
	require.Len(t, syms, 2)
	assert.Equal(t, "add_one", syms[0].Name)
	assert.False(t, syms[0].Finalized)

	_, err = m.Lookup("four")
	require.NoError(t, err)
	for _, sym := range m.Symbols() {
		assert.True(t, sym.Finalized, sym.Name)
		assert.NotZero(t, sym.Addr, sym.Name)
	}
}

func TestUnpublishedModuleIsInvisible(t *testing.T) {
	ctx := llvm.NewContext()
	s := newSession(t, engine.WithHostLookup(func(string) uintptr { return 0 }))

	a := newBuilder(ctx, "a")
	a.constant("foo", 1)
	a.constant("entry_a", 0)
	ma, err := s.Submit(a.done(), "/tmp/a.cpp")
	require.NoError(t, err)
	require.NoError(t, ma.Finalize())
	assert.False(t, ma.Published())

	_, err = s.Resolve("foo")
	assert.ErrorIs(t, err, engine.ErrSymbolNotFound)

	// declarations do not bind to it either
	b := newBuilder(ctx, "b")
	b.forward("call_foo", "foo")
	mb, err := submit(s, b.done(), "/tmp/b.cpp")
	require.NoError(t, err)
	_, err = mb.Lookup("call_foo")
	var fe *engine.FinalizationError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, []string{"foo"}, fe.Missing)

	// the module itself is still reachable directly
	addr, err := ma.Lookup("foo")
	require.NoError(t, err)
	assert.Equal(t, int32(1), call0(t, addr))
}

func TestFailedJobDoesNotShadowLaterModules(t *testing.T) {
	ctx := llvm.NewContext()
	s := newSession(t)

	// finalizes, but the job fails looking up its entry point
	a := newBuilder(ctx, "a")
	a.constant("foo", 1)
	ma, err := s.Submit(a.done(), "/tmp/a.cpp")
	require.NoError(t, err)
	require.NoError(t, ma.Finalize())
	_, err = ma.Lookup("entry_a")
	require.ErrorIs(t, err, engine.ErrSymbolNotFound)

	b := newBuilder(ctx, "b")
	b.constant("foo", 2)
	_, err = submit(s, b.done(), "/tmp/b.cpp")
	require.NoError(t, err)

	addr, err := s.Resolve("foo")
	require.NoError(t, err)
	assert.Equal(t, int32(2), call0(t, addr))
}

func TestResolvePassesOverFailedModule(t *testing.T) {
	ctx := llvm.NewContext()
	s := newSession(t, engine.WithHostLookup(func(string) uintptr { return 0 }))

	// exports bar but cannot be linked
	c := newBuilder(ctx, "c")
	c.constant("bar", 1)
	c.forward("call_missing", "cppjit_test_missing_symbol")
	mc, err := submit(s, c.done(), "/tmp/c.cpp")
	require.NoError(t, err)

	d := newBuilder(ctx, "d")
	d.constant("bar", 7)
	_, err = submit(s, d.done(), "/tmp/d.cpp")
	require.NoError(t, err)

	addr, err := s.Resolve("bar")
	require.NoError(t, err)
	assert.Equal(t, int32(7), call0(t, addr))
	assert.Equal(t, engine.FinalizationFailed, mc.State())

	// failed modules cannot be published again
	assert.Error(t, s.Publish(mc))
}

func TestResolveReportsFinalizationFailure(t *testing.T) {
	ctx := llvm.NewContext()
	s := newSession(t, engine.WithHostLookup(func(string) uintptr { return 0 }))

	c := newBuilder(ctx, "c")
	c.forward("call_missing", "cppjit_test_missing_symbol")
	_, err := submit(s, c.done(), "/tmp/c.cpp")
	require.NoError(t, err)

	_, err = s.Resolve("call_missing")
	var fe *engine.FinalizationError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, []string{"cppjit_test_missing_symbol"}, fe.Missing)
}

func TestPublishRejectsForeignModule(t *testing.T) {
	ctx := llvm.NewContext()
	s1 := newSession(t)
	s2 := newSession(t)

	b := newBuilder(ctx, "x")
	b.constant("x", 1)
	m, err := s1.Submit(b.done(), "/tmp/x.cpp")
	require.NoError(t, err)
	assert.Error(t, s2.Publish(m))
}

func TestDebuggerRegistration(t *testing.T) {
	ctx := llvm.NewContext()

	on := newSession(t)
	a := newBuilder(ctx, "a")
	a.addOne()
	m, err := submit(on, a.done(), "/tmp/a.cpp")
	require.NoError(t, err)
	assert.True(t, m.DebuggerRegistered())
	addr, err := m.Lookup("add_one")
	require.NoError(t, err)
	assert.Equal(t, int32(3), call1(t, addr, 2))

	off := newSession(t, engine.WithDebuggerRegistration(false))
	b := newBuilder(ctx, "b")
	b.addOne()
	m, err = submit(off, b.done(), "/tmp/b.cpp")
	require.NoError(t, err)
	assert.False(t, m.DebuggerRegistered())
}
