package engine

/*
#include <stdlib.h>
#include "shim.h"
*/
import "C"

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unsafe"

	"go.uber.org/zap"
	"tinygo.org/x/go-llvm"
)

type State int

const (
	Submitted State = iota
	Finalizing
	Finalized
	FinalizationFailed
)

var states = [...]string{
	Submitted:          "submitted",
	Finalizing:         "finalizing",
	Finalized:          "finalized",
	FinalizationFailed: "finalization failed",
}

func (s State) String() string {
	if int(s) < len(states) {
		return states[s]
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

const DSO_HANDLE = "__dso_handle"

// Symbol is an entry of a module's symbol table.
type Symbol struct {
	Name        string // IR name
	MangledName string
	Addr        uintptr // valid once Finalized
	Exported    bool
	Finalized   bool
}

// Module is one translation unit linked into the process.
type Module struct {
	Key    uint64
	Source string

	session *Session
	ee      llvm.ExecutionEngine
	prefix  string
	symbols map[string]*Symbol // by mangled name
	decls   []llvm.Value
	init    string // renamed initializer, "" if none
	state   State
	err     error

	published bool
	debugger  bool
}

// renameInitializer gives the translation unit's initializer a unique
// external name so it can be looked up after code generation. Bitcode served
// from the cache carries the name of the file it was first compiled from, so
// when the exact name is missing the single function with the prefix is used.
func renameInitializer(mod llvm.Module, sourcePath string, key uint64) string {
	fn := mod.NamedFunction(InitializerName(sourcePath))
	if fn.IsNil() || fn.IsDeclaration() {
		fn = llvm.Value{}
		for f := mod.FirstFunction(); !f.IsNil(); f = llvm.NextFunction(f) {
			if f.IsDeclaration() || !strings.HasPrefix(f.Name(), INIT_PREFIX) {
				continue
			}
			if !fn.IsNil() {
				// ambiguous
				return ""
			}
			fn = f
		}
		if fn.IsNil() {
			return ""
		}
	}
	name := RENAMED_INIT + strconv.FormatUint(key, 10)
	fn.SetName(name)
	fn.SetLinkage(llvm.ExternalLinkage)
	fn.SetVisibility(llvm.DefaultVisibility)
	return name
}

func registerDebugger(ee llvm.ExecutionEngine) bool {
	return C.cppjit_ee_register_debugger(C.LLVMExecutionEngineRef(unsafe.Pointer(ee.C))) != 0
}

func isLocal(l llvm.Linkage) bool {
	return l == llvm.InternalLinkage || l == llvm.PrivateLinkage
}

// index builds the symbol table and the list of declarations to bind.
func (m *Module) index(mod llvm.Module) {
	m.symbols = make(map[string]*Symbol)
	add := func(v llvm.Value) {
		name := v.Name()
		if name == "" || strings.HasPrefix(name, "llvm.") {
			return
		}
		if v.IsDeclaration() || v.Linkage() == llvm.AvailableExternallyLinkage {
			m.decls = append(m.decls, v)
			return
		}
		mangled := Mangle(m.prefix, name)
		m.symbols[mangled] = &Symbol{
			Name:        name,
			MangledName: mangled,
			Exported:    !isLocal(v.Linkage()) && name != m.init,
		}
	}
	for f := mod.FirstFunction(); !f.IsNil(); f = llvm.NextFunction(f) {
		add(f)
	}
	for g := mod.FirstGlobal(); !g.IsNil(); g = llvm.NextGlobal(g) {
		add(g)
	}
}

func (m *Module) exported(name string) (*Symbol, bool) {
	sym, ok := m.symbols[Mangle(m.prefix, name)]
	if !ok || !sym.Exported {
		return nil, false
	}
	return sym, true
}

// State reports where the module is in its life cycle.
func (m *Module) State() State {
	m.session.mu.Lock()
	defer m.session.mu.Unlock()
	return m.state
}

// Err returns the finalization error of a failed module.
func (m *Module) Err() error {
	m.session.mu.Lock()
	defer m.session.mu.Unlock()
	return m.err
}

// Published reports whether the module takes part in session-wide resolution.
func (m *Module) Published() bool {
	m.session.mu.Lock()
	defer m.session.mu.Unlock()
	return m.published
}

// DebuggerRegistered reports whether the module's code is announced to the
// GDB JIT interface when it is emitted.
func (m *Module) DebuggerRegistered() bool {
	return m.debugger
}

// Initializer returns the (renamed) global initializer, or "".
func (m *Module) Initializer() string {
	return m.init
}

// Symbols returns a copy of the symbol table sorted by name.
func (m *Module) Symbols() []Symbol {
	m.session.mu.Lock()
	defer m.session.mu.Unlock()
	syms := make([]Symbol, 0, len(m.symbols))
	for _, sym := range m.symbols {
		syms = append(syms, *sym)
	}
	sort.Slice(syms, func(i, j int) bool { return syms[i].Name < syms[j].Name })
	return syms
}

// Finalize generates code for the module and runs its initializer. Later
// calls return the outcome of the first.
func (m *Module) Finalize() error {
	m.session.mu.Lock()
	defer m.session.mu.Unlock()
	return m.session.finalize(m)
}

// Lookup resolves name in this module only, finalizing it if needed.
func (m *Module) Lookup(name string) (uintptr, error) {
	s := m.session
	s.mu.Lock()
	defer s.mu.Unlock()

	sym, ok := m.exported(name)
	if !ok {
		return 0, fmt.Errorf("%q in module %d: %w", name, m.Key, ErrSymbolNotFound)
	}
	if err := s.finalize(m); err != nil {
		return 0, err
	}
	return sym.Addr, nil
}

// finalize generates code for m. Callers hold s.mu. Terminal states are never
// retried.
func (s *Session) finalize(m *Module) error {
	switch m.state {
	case Finalized:
		return nil
	case FinalizationFailed:
		return m.err
	case Finalizing:
		return &FinalizationError{Module: m.Key, Msg: "reference cycle"}
	}

	m.state = Finalizing
	log := s.logger.With(zap.Uint64("module", m.Key))
	if err := s.link(m); err != nil {
		m.state = FinalizationFailed
		m.err = err
		log.Debug("Finalization failed", zap.Error(err))
		return err
	}
	m.state = Finalized
	log.Debug("Finalized module")
	return nil
}

func (s *Session) link(m *Module) error {
	var missing []string
	for _, d := range m.decls {
		name := d.Name()
		var addr uintptr
		if name == DSO_HANDLE {
			addr = uintptr(unsafe.Pointer(&C.cppjit_dso_handle))
		} else {
			addr = s.resolveDecl(m, name)
		}
		if addr == 0 {
			missing = append(missing, name)
			continue
		}
		m.ee.AddGlobalMapping(d, unsafe.Pointer(addr))
	}
	if len(missing) > 0 {
		return &FinalizationError{Module: m.Key, Missing: missing}
	}

	ee := C.LLVMExecutionEngineRef(unsafe.Pointer(m.ee.C))
	for _, sym := range m.symbols {
		cname := C.CString(sym.Name)
		sym.Addr = uintptr(C.cppjit_ee_address(ee, cname))
		C.free(unsafe.Pointer(cname))
	}

	var cerr *C.char
	if C.cppjit_ee_finalize(ee, &cerr) != 0 {
		msg := C.GoString(cerr)
		C.free(unsafe.Pointer(cerr))
		return &FinalizationError{Module: m.Key, Msg: msg}
	}
	for _, sym := range m.symbols {
		sym.Finalized = sym.Addr != 0
	}

	if m.init == "" {
		return nil
	}
	initSym := m.symbols[Mangle(m.prefix, m.init)]
	if initSym == nil || initSym.Addr == 0 {
		return &FinalizationError{Module: m.Key, Msg: "initializer " + m.init + " has no address"}
	}
	if C.cppjit_call_init(C.uintptr_t(initSym.Addr), &cerr) != 0 {
		msg := C.GoString(cerr)
		C.free(unsafe.Pointer(cerr))
		return &InitializerError{Module: m.Key, Initializer: m.init, Msg: msg}
	}
	return nil
}
