package jit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/thiremani/cppjit/diag"
	"github.com/thiremani/cppjit/engine"
	"github.com/thiremani/cppjit/frontend"
	"github.com/thiremani/cppjit/source"
)

// Kind classifies a failed compile so that callers can react without
// inspecting messages.
type Kind string

const (
	IOFailure           Kind = "io failure"
	FrontendDiagnostics Kind = "frontend diagnostics"
	SymbolNotFound      Kind = "symbol not found"
	InitializerFailure  Kind = "initializer failure"
	NoTargetAvailable   Kind = "no target available"
	InvalidRequest      Kind = "invalid request"
	Canceled            Kind = "canceled"
	Internal            Kind = "internal error"
)

// ErrClosed is returned when submitting to a stopped worker or pool.
var ErrClosed = errors.New("jit: closed")

// Error is the error returned by every public operation of this package.
//
// Kind targets automated handlers. Msg is a human-readable summary, Op names
// the failing stage and Err holds the underlying cause.
type Error struct {
	Kind        Kind
	Op          string
	ID          string // request identifier, if any
	Msg         string
	Diagnostics []*diag.Diagnostic
	Output      string // raw frontend output for FrontendDiagnostics
	Err         error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	switch {
	case e.Msg != "" && e.Err != nil:
		b.WriteString(e.Msg)
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	case e.Msg != "":
		b.WriteString(e.Msg)
	case e.Err != nil:
		b.WriteString(e.Err.Error())
	default:
		fmt.Fprintf(&b, "<%s>", e.Kind)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Render returns text for display to a user. Frontend diagnostics are shown
// verbatim; other failures get a short message with the kind name.
func (e *Error) Render() string {
	if e.Kind == FrontendDiagnostics {
		if e.Output != "" {
			return e.Output
		}
		return diag.Format(e.Diagnostics)
	}
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("compilation failed (%s): %s", e.Kind, msg)
}

// ErrorKind returns the kind of err, Internal for foreign errors and "" for nil.
func ErrorKind(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if !errors.As(err, &e) {
		return Internal
	}
	return e.Kind
}

// classify translates an error from one of the pipeline stages.
func classify(op, id string, err error) *Error {
	var (
		je   *Error
		de   *frontend.DiagnosticsError
		fio  *frontend.IOError
		sio  *source.Error
		ierr *engine.InitializerError
	)
	switch {
	case errors.As(err, &je):
		return je
	case errors.As(err, &de):
		return &Error{Kind: FrontendDiagnostics, Op: op, ID: id, Msg: de.Error(), Diagnostics: de.Diagnostics, Output: de.Output, Err: err}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: Canceled, Op: op, ID: id, Err: err}
	case errors.As(err, &fio), errors.As(err, &sio):
		return &Error{Kind: IOFailure, Op: op, ID: id, Err: err}
	case errors.Is(err, engine.ErrNoTarget):
		return &Error{Kind: NoTargetAvailable, Op: op, ID: id, Err: err}
	case errors.As(err, &ierr):
		return &Error{Kind: InitializerFailure, Op: op, ID: id, Msg: "global initializer threw", Err: err}
	case errors.Is(err, engine.ErrSymbolNotFound):
		return &Error{Kind: SymbolNotFound, Op: op, ID: id, Err: err}
	}
	return &Error{Kind: Internal, Op: op, ID: id, Err: err}
}
