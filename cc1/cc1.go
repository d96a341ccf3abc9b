// Package cc1 runs the clang frontend inside the current process.
//
// Build flags for LLVM and clang come from the config_*.go files. Build with
// the byollvm tag and set CGO_CPPFLAGS/CGO_LDFLAGS to use another installation.
package cc1

/*
#include <stdlib.h>
#include "shim.h"
*/
import "C"

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"
)

// ErrFailed is wrapped by the error returned for a failed invocation.
var ErrFailed = errors.New("frontend invocation failed")

// The frontend keeps process-wide state (option tables, signal handlers,
// the statistics registry) and is not safe to enter concurrently.
var mu sync.Mutex

// Invoker implements frontend.Invoker on top of the in-process frontend.
// The zero value is ready to use.
type Invoker struct{}

// Invoke runs one cc1 invocation. args must not include a program name.
func (Invoker) Invoke(args []string) (string, error) {
	if len(args) == 0 {
		return "", fmt.Errorf("%w: no arguments", ErrFailed)
	}

	argv := make([]*C.char, len(args))
	for i, a := range args {
		argv[i] = C.CString(a)
	}
	defer func() {
		for _, p := range argv {
			C.free(unsafe.Pointer(p))
		}
	}()

	var out *C.char
	mu.Lock()
	rc := C.cppjit_cc1_invoke(&argv[0], C.int(len(argv)), &out)
	mu.Unlock()

	var text string
	if out != nil {
		text = C.GoString(out)
		C.free(unsafe.Pointer(out))
	}
	if rc != 0 {
		return text, fmt.Errorf("%w (status %d)", ErrFailed, int(rc))
	}
	return text, nil
}
