// Package cctest provides a stand-in frontend for tests. Its "source language"
// is textual LLVM IR: the preprocessing pass substitutes -D macros, the codegen
// pass parses the IR and writes bitcode. This lets the driver, engine and
// orchestrator be exercised without C++ headers or the in-process clang.
package cctest

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"tinygo.org/x/go-llvm"
)

type Invoker struct {
	mu         sync.Mutex
	Preprocess int
	Codegen    int
	Args       [][]string
}

func (inv *Invoker) Counts() (preprocess, codegen int) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.Preprocess, inv.Codegen
}

func (inv *Invoker) Invoke(args []string) (string, error) {
	inv.mu.Lock()
	inv.Args = append(inv.Args, args)
	inv.mu.Unlock()

	if len(args) == 0 {
		return "error: no input files", fmt.Errorf("no input")
	}
	input := args[len(args)-1]
	out := ""
	preprocess := false
	macros := map[string]string{}
	for i, a := range args {
		switch {
		case a == "-E":
			preprocess = true
		case a == "-o" && i+1 < len(args):
			out = args[i+1]
		case strings.HasPrefix(a, "-D"):
			name, value, ok := strings.Cut(a[2:], "=")
			if !ok {
				value = "1"
			}
			macros[name] = value
		case strings.HasPrefix(a, "-fbogus"):
			return fmt.Sprintf("error: unknown argument: '%s'\n", a), fmt.Errorf("exit status 1")
		}
	}
	if out == "" {
		return "error: no output file", fmt.Errorf("no output")
	}

	src, err := os.ReadFile(input)
	if err != nil {
		return fmt.Sprintf("fatal error: %v\n", err), err
	}
	text := expand(string(src), macros)

	if preprocess {
		inv.mu.Lock()
		inv.Preprocess++
		inv.mu.Unlock()
		if err := os.WriteFile(out, []byte(text), 0644); err != nil {
			return openFailure(out, err), err
		}
		return "", nil
	}

	inv.mu.Lock()
	inv.Codegen++
	inv.mu.Unlock()
	return codegen(input, text, out)
}

// expand replaces macro names, longest first so that prefixes don't clobber.
func expand(text string, macros map[string]string) string {
	names := make([]string, 0, len(macros))
	for name := range macros {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return len(names[i]) > len(names[j]) })
	for _, name := range names {
		text = strings.ReplaceAll(text, name, macros[name])
	}
	return text
}

// openFailure renders an output error the way clang does.
func openFailure(out string, err error) string {
	return fmt.Sprintf("error: unable to open output file '%s': '%v'\n", out, err)
}

func codegen(input, text, out string) (string, error) {
	tmp := out + ".ll"
	if err := os.WriteFile(tmp, []byte(text), 0644); err != nil {
		return openFailure(tmp, err), err
	}
	defer os.Remove(tmp)

	ctx := llvm.NewContext()
	defer ctx.Dispose()
	buf, err := llvm.NewMemoryBufferFromFile(tmp)
	if err != nil {
		return fmt.Sprintf("fatal error: %v\n", err), err
	}
	mod, err := ctx.ParseIR(buf)
	if err != nil {
		msg := strings.ReplaceAll(err.Error(), tmp, input)
		return msg + "\n", fmt.Errorf("exit status 1")
	}
	defer mod.Dispose()

	f, err := os.Create(out)
	if err != nil {
		return openFailure(out, err), err
	}
	defer f.Close()
	if err := llvm.WriteBitcodeToFile(mod, f); err != nil {
		return fmt.Sprintf("fatal error: %v\n", err), err
	}
	return "", nil
}
