// Package frontend turns a materialized C++ source file into an LLVM module.
//
// Every compile runs a preprocessing pass first. The preprocessed text is
// hashed together with the code-generating flags; when the bitcode cache holds
// an artifact for that hash, the codegen pass is skipped.
package frontend

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"
	"tinygo.org/x/go-llvm"

	"github.com/thiremani/cppjit/diag"
	"github.com/thiremani/cppjit/options"
)

const (
	PREPROC_SUFFIX = ".preproc.cpp"
)

// Result describes how a module was produced.
type Result struct {
	Hash       string
	CacheHit   bool
	Preprocess time.Duration
	Codegen    time.Duration
	Load       time.Duration
}

type Driver struct {
	Options *options.Options
	Invoker Invoker
	Cache   *Cache // nil disables the cache
	Logger  *zap.Logger
}

func NewDriver(opts *options.Options, inv Invoker, cache *Cache, log *zap.Logger) *Driver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Driver{Options: opts, Invoker: inv, Cache: cache, Logger: log}
}

// replaceExtension swaps the extension of name for ext (ext includes the dot).
func replaceExtension(name, ext string) string {
	return strings.TrimSuffix(name, filepath.Ext(name)) + ext
}

// Args assembles the shared part of the frontend argument vector: fixed
// bitcode output flags, the baseline options, the input description and the
// caller flags last so that they win.
func (d *Driver) Args(sourcePath string, flags []string) []string {
	args := []string{"-emit-llvm-bc", "-emit-llvm-uselists"}
	args = append(args, d.Options.Args()...)
	args = append(args, "-main-file-name", filepath.Base(sourcePath), "-x", "c++")
	args = append(args, flags...)
	return args
}

// preprocessorFlags only affect preprocessing, whose output is hashed anyway.
var preprocessorFlags = []string{"-D", "-U", "-I", "-isystem", "-include", "-internal-isystem", "-internal-externc-isystem", "-iquote"}

// codegenFlags drops preprocessor-only flags so that, for example, two requests
// differing only by their identifier macro share a cache entry.
func codegenFlags(flags []string) []string {
	var out []string
	for i := 0; i < len(flags); i++ {
		f := flags[i]
		matched := false
		for _, p := range preprocessorFlags {
			if f == p {
				i++ // separate value
				matched = true
				break
			}
			if strings.HasPrefix(f, p) && len(p) == 2 {
				matched = true
				break
			}
		}
		if !matched {
			out = append(out, f)
		}
	}
	return out
}

// Hash computes the cache key for a preprocessed translation unit.
func (d *Driver) Hash(preprocessed []byte, flags []string) string {
	h := sha256.New()
	h.Write([]byte(d.Options.Fingerprint()))
	for _, f := range codegenFlags(flags) {
		h.Write([]byte{0})
		h.Write([]byte(f))
	}
	h.Write([]byte{0, 0})
	h.Write(preprocessed)
	return hex.EncodeToString(h.Sum(nil))
}

// ioFailures are frontend messages about the file system rather than the
// translation unit.
var ioFailures = []string{
	"unable to open output file",
	"error opening output file",
	"IO failure on output stream",
	"No space left on device",
}

func ioFailure(diags []*diag.Diagnostic) (string, bool) {
	for _, d := range diag.Errors(diags) {
		for _, f := range ioFailures {
			if strings.Contains(d.Msg, f) {
				return d.Msg, true
			}
		}
	}
	return "", false
}

// invoke runs one frontend pass that writes outPath.
func (d *Driver) invoke(args []string, outPath string) error {
	out, err := d.Invoker.Invoke(args)
	if err != nil {
		diags := diag.Parse(out)
		if msg, ok := ioFailure(diags); ok {
			return &IOError{Op: "write", Path: outPath, Err: errors.New(msg)}
		}
		return &DiagnosticsError{Diagnostics: diags, Output: out, Err: err}
	}
	if out != "" {
		d.Logger.Debug("Frontend output", zap.String("output", out))
	}
	if _, err := os.Stat(outPath); err != nil {
		// success reported, but nothing was written
		return &IOError{Op: "write", Path: outPath, Err: err}
	}
	return nil
}

// CompileToIR compiles the C++ file at sourcePath into a module owned by ctx.
// The source file is left in place; side files are removed.
func (d *Driver) CompileToIR(ctx llvm.Context, sourcePath string, flags []string) (llvm.Module, Result, error) {
	var res Result
	base := d.Args(sourcePath, flags)

	// First do a preprocessing pass that we will hash
	preproc := replaceExtension(sourcePath, PREPROC_SUFFIX)
	defer os.Remove(preproc)
	start := time.Now()
	if err := d.invoke(slices.Concat(base, []string{"-E", "-P", "-o", preproc, sourcePath}), preproc); err != nil {
		return llvm.Module{}, res, err
	}
	res.Preprocess = time.Since(start)

	text, err := os.ReadFile(preproc)
	if err != nil {
		return llvm.Module{}, res, &IOError{Op: "read", Path: preproc, Err: err}
	}
	res.Hash = d.Hash(text, flags)
	log := d.Logger.With(zap.String("source", sourcePath), zap.String("hash", res.Hash))

	if d.Cache != nil {
		if cached, ok := d.Cache.Lookup(res.Hash); ok {
			start = time.Now()
			mod, err := load(ctx, cached)
			if err == nil {
				res.CacheHit = true
				res.Load = time.Since(start)
				log.Debug("Bitcode cache hit")
				return mod, res, nil
			}
			// A corrupt or vanished entry is only a performance problem.
			// Drop it so that the fresh bitcode below takes its place.
			log.Warn("Replacing unreadable cache entry", zap.String("path", cached), zap.Error(err))
			if err := d.Cache.Remove(res.Hash); err != nil {
				log.Warn("Removing cache entry failed", zap.Error(err))
			}
		}
	}

	// If there isn't a matching bitcode file, do the actual C++ -> bitcode compilation
	bc := replaceExtension(sourcePath, BC_SUFFIX)
	defer os.Remove(bc)
	start = time.Now()
	if err := d.invoke(slices.Concat(base, []string{"-o", bc, sourcePath}), bc); err != nil {
		return llvm.Module{}, res, err
	}
	res.Codegen = time.Since(start)

	if d.Cache != nil {
		if err := d.Cache.Store(res.Hash, bc); err != nil {
			log.Warn("Writing bitcode cache entry failed", zap.Error(err))
		}
	}

	start = time.Now()
	mod, err := load(ctx, bc)
	if err != nil {
		return llvm.Module{}, res, err
	}
	res.Load = time.Since(start)
	return mod, res, nil
}

// load reads a bitcode file into a module bound to ctx.
func load(ctx llvm.Context, path string) (llvm.Module, error) {
	buf, err := llvm.NewMemoryBufferFromFile(path)
	if err != nil {
		return llvm.Module{}, &IOError{Op: "read bitcode", Path: path, Err: err}
	}
	// ParseIR takes ownership of buf.
	mod, err := ctx.ParseIR(buf)
	if err != nil {
		return llvm.Module{}, &IOError{Op: "parse bitcode", Path: path, Err: err}
	}
	return mod, nil
}
