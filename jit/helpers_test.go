package jit_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/thiremani/cppjit/engine"
	"github.com/thiremani/cppjit/frontend/cctest"
	"github.com/thiremani/cppjit/jit"
	"github.com/thiremani/cppjit/options"
	"github.com/thiremani/cppjit/registry"
	"github.com/thiremani/cppjit/source"
)

// IR fixtures. The test frontend treats sources as LLVM IR and expands
// -D macros textually, so CPPJIT_ID becomes the request identifier.
const (
	irAddOne = `define i32 @add_one(i32 %x) {
entry:
  %r = add i32 %x, 1
  ret i32 %r
}
`
	irFour = `define i32 @plugin_instance_CPPJIT_ID() {
entry:
  %r = add i32 2, 2
  ret i32 %r
}
`
	// the opcode is missing on line 3
	irBroken = `define i32 @plugin_instance_CPPJIT_ID() {
entry:
  %r = i32 1, 2
  ret i32 %r
}
`
	irCallAbs = `declare i32 @abs(i32)

define i32 @plugin_instance_CPPJIT_ID() {
entry:
  %r = call i32 @abs(i32 -5)
  ret i32 %r
}
`
	irCallAddOne = `declare i32 @add_one(i32)

define i32 @plugin_instance_CPPJIT_ID() {
entry:
  %r = call i32 @add_one(i32 41)
  ret i32 %r
}
`
	irCounter = `@counter = global i32 0

define internal void @_GLOBAL__sub_I_fixture.cpp() {
entry:
  %v = load i32, ptr @counter
  %n = add i32 %v, 1
  store i32 %n, ptr @counter
  ret void
}

define i32 @plugin_instance_CPPJIT_ID() {
entry:
  %v = load i32, ptr @counter
  ret i32 %v
}
`
	irCapability = `define i32 @plugin_instance_CPPJIT_ID() {
entry:
  ret i32 0
}

define i32 @scale(i32 %x) {
entry:
  %r = mul i32 %x, 3
  ret i32 %r
}
`
	irCallShared = `declare i32 @shared_fn()

define i32 @plugin_instance_CPPJIT_ID() {
entry:
  %r = call i32 @shared_fn()
  ret i32 %r
}
`
	irAddOneBroken = `declare i32 @cppjit_test_missing_symbol(i32)

define i32 @add_one(i32 %x) {
entry:
  %r = add i32 %x, 100
  ret i32 %r
}

define i32 @plugin_instance_CPPJIT_ID() {
entry:
  %r = call i32 @cppjit_test_missing_symbol(i32 1)
  ret i32 %r
}
`
)

// irShared returns a module defining shared_fn, returning v, and no entry
// point.
func irShared(v string) string {
	return "define i32 @shared_fn() {\nentry:\n  ret i32 " + v + "\n}\n"
}

// irConst returns a module whose entry returns v.
func irConst(v string) string {
	return "define i32 @plugin_instance_CPPJIT_ID() {\nentry:\n  ret i32 " + v + "\n}\n"
}

type fixture struct {
	inv      *cctest.Invoker
	session  *engine.Session
	registry *registry.Registry
	opts     *options.Options
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := engine.New(engine.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	o := options.Default()
	o.CacheDir = t.TempDir()
	return &fixture{inv: &cctest.Invoker{}, session: s, registry: registry.New(), opts: o}
}

func (f *fixture) compiler(t *testing.T, extra ...jit.Option) *jit.Compiler {
	t.Helper()
	sources := source.NewMaterializer(t.TempDir(), 0)
	opts := append([]jit.Option{
		jit.WithLogger(zaptest.NewLogger(t)),
		jit.WithInvoker(f.inv),
		jit.WithSession(f.session),
		jit.WithRegistry(f.registry),
		jit.WithMaterializer(sources),
	}, extra...)
	c, err := jit.New(f.opts, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		c.Close()
		sources.Close()
	})
	return c
}
