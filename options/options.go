// Package options builds the baseline frontend flag set. It is assembled once
// per process from the environment and the installation layout and is
// read-only afterwards; request flags are appended after it so that the usual
// last-wins convention lets them override anything set here.
package options

import (
	"fmt"
	"maps"
	"runtime"
	"slices"
	"strings"

	"tinygo.org/x/go-llvm"
)

const (
	OS_WINDOWS = "windows"
	OS_DARWIN  = "darwin"

	DefaultStd         = "c++17"
	DefaultOptLevel    = "2"
	DefaultEntryPrefix = "plugin_instance_"

	// IDMacro receives the request identifier so sources can name their entry point after it.
	IDMacro = "CPPJIT_ID"
)

var optLevels = []string{"0", "1", "2", "3", "s", "z", "fast"}

type Options struct {
	SDKRoot           string
	ResourceDir       string
	OptLevel          string
	Std               string
	Triple            string
	CPU               string
	IncludeDirs       []string // -I
	SystemIncludeDirs []string // -internal-isystem, searched before IncludeDirs
	Defines           map[string]string
	Sanitizers        []string
	FastMath          bool
	PIC               bool
	DebugInfo         bool

	CacheDir     string
	DisableCache bool
	EntryPrefix  string
}

// Default returns options for the running host without consulting the environment.
func Default() *Options {
	return &Options{
		SDKRoot:     "/usr",
		OptLevel:    DefaultOptLevel,
		Std:         DefaultStd,
		Triple:      llvm.DefaultTargetTriple(),
		CPU:         defaultCPU(),
		Defines:     defaultDefines(),
		PIC:         runtime.GOOS != OS_WINDOWS,
		EntryPrefix: DefaultEntryPrefix,
	}
}

func defaultCPU() string {
	switch runtime.GOARCH {
	case "amd64":
		return "x86-64"
	case "386":
		return "i686"
	default:
		return "generic"
	}
}

func defaultDefines() map[string]string {
	return map[string]string{
		"_GNU_SOURCE":            "",
		"__STDC_CONSTANT_MACROS": "",
		"__STDC_FORMAT_MACROS":   "",
		"__STDC_LIMIT_MACROS":    "",
		"CPPJIT_JIT_COMPILATION": "1",
	}
}

// Validate rejects settings the frontend would only report obscurely.
func (o *Options) Validate() error {
	if !slices.Contains(optLevels, o.OptLevel) {
		return fmt.Errorf("invalid optimization level %q (want one of %s)", o.OptLevel, strings.Join(optLevels, ", "))
	}
	if o.Std == "" {
		return fmt.Errorf("language standard cannot be empty")
	}
	if o.Triple == "" {
		return fmt.Errorf("target triple cannot be empty")
	}
	for name := range o.Defines {
		if name == "" || strings.ContainsAny(name, "= \t") {
			return fmt.Errorf("invalid macro name %q", name)
		}
	}
	return nil
}

// Args returns the baseline frontend arguments. The slice is freshly
// allocated; callers may append to it.
func (o *Options) Args() []string {
	args := make([]string, 0, 64)
	args = o.appendTarget(args)
	args = o.appendCodegen(args)
	args = o.appendIncludes(args)
	args = o.appendDefines(args)
	return args
}

// Fingerprint identifies every option that influences generated code, and the
// LLVM release whose bitcode reader has to load the result.
func (o *Options) Fingerprint() string {
	return "llvm-" + llvm.Version + "\x00" + strings.Join(o.Args(), "\x00")
}

func (o *Options) appendTarget(args []string) []string {
	args = append(args, "-triple", o.Triple)
	if o.CPU != "" {
		args = append(args, "-target-cpu", o.CPU)
	}
	return args
}

func (o *Options) appendCodegen(args []string) []string {
	args = append(args,
		"-std="+o.Std,
		"-O"+o.OptLevel,
		"-fcxx-exceptions",
		"-fexceptions",
		// initializers are invoked explicitly; atexit avoids a __dso_handle reference
		"-fno-use-cxa-atexit",
		"-fmath-errno",
		"-fdeprecated-macro",
		// no -mconstructor-aliases: base and complete structors stay separate
		// functions so that other modules can bind to either
		"-discard-value-names",
		"-stack-protector", "0",
	)
	if o.FastMath || o.OptLevel == "fast" {
		args = append(args,
			"-menable-no-infs",
			"-menable-no-nans",
			"-fapprox-func",
			"-funsafe-math-optimizations",
			"-fno-signed-zeros",
			"-mreassociate",
			"-freciprocal-math",
			"-ffp-contract=fast",
			"-ffast-math",
			"-ffinite-math-only",
		)
	}
	if o.PIC {
		args = append(args, "-mrelocation-model", "pic", "-pic-level", "2")
	}
	if o.DebugInfo {
		args = append(args, "-debug-info-kind=constructor", "-dwarf-version=4", "-debugger-tuning=gdb")
	}
	if len(o.Sanitizers) > 0 {
		san := strings.Join(o.Sanitizers, ",")
		args = append(args, "-fsanitize="+san, "-fsanitize-recover="+san)
	}
	return args
}

func (o *Options) appendIncludes(args []string) []string {
	if o.ResourceDir != "" {
		args = append(args, "-resource-dir", o.ResourceDir)
		args = append(args, "-internal-isystem", o.ResourceDir+"/include")
	}
	for _, dir := range o.SystemIncludeDirs {
		args = append(args, "-internal-isystem", dir)
	}
	for _, dir := range o.IncludeDirs {
		args = append(args, "-I"+dir)
	}
	return args
}

func (o *Options) appendDefines(args []string) []string {
	for _, name := range slices.Sorted(maps.Keys(o.Defines)) {
		if v := o.Defines[name]; v != "" {
			args = append(args, "-D"+name+"="+v)
		} else {
			args = append(args, "-D"+name)
		}
	}
	return args
}

// Clone returns a deep copy so that callers can derive per-context variants.
func (o *Options) Clone() *Options {
	c := *o
	c.IncludeDirs = slices.Clone(o.IncludeDirs)
	c.SystemIncludeDirs = slices.Clone(o.SystemIncludeDirs)
	c.Sanitizers = slices.Clone(o.Sanitizers)
	c.Defines = maps.Clone(o.Defines)
	return &c
}
