package engine

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoTarget is returned when the host has no usable native code generator.
	ErrNoTarget = errors.New("no native target available")
	// ErrSymbolNotFound is returned when neither a JIT module nor the host
	// process defines a symbol.
	ErrSymbolNotFound = errors.New("symbol not found")
)

// FinalizationError is returned when a module could not be turned into
// executable code. It is sticky: every later lookup in the module returns it.
type FinalizationError struct {
	Module  uint64
	Missing []string // declarations nothing could resolve
	Msg     string
}

func (e *FinalizationError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("module %d: unresolved symbols: %s", e.Module, strings.Join(e.Missing, ", "))
	}
	return fmt.Sprintf("module %d: finalization failed: %s", e.Module, e.Msg)
}

func (e *FinalizationError) Is(target error) bool {
	return target == ErrSymbolNotFound && len(e.Missing) > 0
}

// InitializerError reports an exception thrown by a translation unit's global
// initializers.
type InitializerError struct {
	Module      uint64
	Initializer string
	Msg         string
}

func (e *InitializerError) Error() string {
	return fmt.Sprintf("module %d: initializer %s threw: %s", e.Module, e.Initializer, e.Msg)
}
