package jit

import (
	"errors"
	"fmt"

	"github.com/ebitengine/purego"

	"github.com/thiremani/cppjit/engine"
	"github.com/thiremani/cppjit/frontend"
)

// Handle refers to the entry point of a compiled module. The code stays
// mapped for the life of the process.
type Handle struct {
	ID         string
	EntryName  string
	Entry      uintptr
	Generation uint64
	Module     *engine.Module
	Result     frontend.Result

	exports []Capability
}

// Lookup resolves another symbol of the same module.
func (h *Handle) Lookup(name string) (uintptr, error) {
	addr, err := h.Module.Lookup(name)
	if err != nil {
		return 0, classify("lookup", h.ID, err)
	}
	return addr, nil
}

// Capabilities returns the exports the request declared.
func (h *Handle) Capabilities() []Capability {
	return append([]Capability(nil), h.exports...)
}

// Capability resolves a declared export. Only name/signature pairs listed in
// the request are served.
func (h *Handle) Capability(name, signature string) (uintptr, error) {
	for _, c := range h.exports {
		if c.Name == name && c.Signature == signature {
			return h.Lookup(name)
		}
	}
	return 0, &Error{
		Kind: SymbolNotFound,
		Op:   "capability",
		ID:   h.ID,
		Msg:  fmt.Sprintf("capability %s %s not declared", signature, name),
	}
}

// Bind turns the entry point into a Go function of type F, which must match
// the native signature. A mismatch is not detected and calling the result is
// undefined behavior.
func Bind[F any](h *Handle) (F, error) {
	return bind[F](h.ID, h.Entry)
}

// BindCapability binds a declared export.
func BindCapability[F any](h *Handle, name, signature string) (F, error) {
	addr, err := h.Capability(name, signature)
	if err != nil {
		var zero F
		return zero, err
	}
	return bind[F](h.ID, addr)
}

// BindSymbol resolves name across the compiler's session and binds it.
func BindSymbol[F any](c *Compiler, name string) (F, error) {
	addr, err := c.Resolve(name)
	if err != nil {
		var zero F
		return zero, err
	}
	return bind[F]("", addr)
}

func bind[F any](id string, addr uintptr) (fn F, err error) {
	if addr == 0 {
		return fn, &Error{Kind: SymbolNotFound, Op: "bind", ID: id, Msg: "nil function address"}
	}
	defer func() {
		if r := recover(); r != nil {
			err = &Error{Kind: Internal, Op: "bind", ID: id, Err: errors.New(fmt.Sprint(r))}
		}
	}()
	purego.RegisterFunc(&fn, addr)
	return fn, nil
}
