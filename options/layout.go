package options

import (
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
)

// LocateSDK finds the root holding the compiler resource directory and the
// system headers. A bundled SDK next to the executable wins over the system one:
//
//	windows: <exe dir>/sdk
//	darwin:  <exe dir>/../Frameworks/cppjit.framework
//	linux:   <exe dir>/../usr
func LocateSDK() string {
	exe, err := os.Executable()
	if err == nil {
		dir := filepath.Dir(exe)
		var bundled string
		switch runtime.GOOS {
		case OS_WINDOWS:
			bundled = filepath.Join(dir, "sdk")
		case OS_DARWIN:
			bundled = filepath.Join(dir, "..", "Frameworks", "cppjit.framework")
		default:
			bundled = filepath.Join(dir, "..", "usr")
		}
		if isDir(filepath.Join(bundled, "lib", "clang")) {
			return filepath.Clean(bundled)
		}
	}
	return "/usr"
}

// FindResourceDir returns the newest clang resource directory under sdk, or
// "" when none exists. Both <sdk>/lib/clang/<ver> and the Debian layout
// <sdk>/lib/llvm-<n>/lib/clang/<ver> are searched.
func FindResourceDir(sdk string) string {
	var candidates []string
	for _, pattern := range []string{
		filepath.Join(sdk, "lib", "clang", "*"),
		filepath.Join(sdk, "lib", "llvm-*", "lib", "clang", "*"),
	} {
		matches, _ := filepath.Glob(pattern)
		for _, m := range matches {
			if isDir(filepath.Join(m, "include")) {
				candidates = append(candidates, m)
			}
		}
	}
	if len(candidates) == 0 {
		return ""
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return majorVersion(filepath.Base(candidates[i])) < majorVersion(filepath.Base(candidates[j]))
	})
	return candidates[len(candidates)-1]
}

// FindLibstdcxx returns the libstdc++ include directories under <sdk>/include/c++:
// the newest version directory and, when present, its target-specific subdirectory.
func FindLibstdcxx(sdk string) []string {
	base := filepath.Join(sdk, "include", "c++")
	entries, err := os.ReadDir(base)
	if err != nil {
		return nil
	}
	var versions []string
	for _, e := range entries {
		if e.IsDir() && majorVersion(e.Name()) > 0 {
			versions = append(versions, e.Name())
		}
	}
	if len(versions) == 0 {
		return nil
	}
	sort.SliceStable(versions, func(i, j int) bool {
		return majorVersion(versions[i]) < majorVersion(versions[j])
	})
	verDir := filepath.Join(base, versions[len(versions)-1])
	dirs := []string{verDir}
	for _, triple := range PotentialTriples() {
		if isDir(filepath.Join(verDir, triple)) {
			dirs = append(dirs, filepath.Join(verDir, triple))
			break
		}
	}
	return dirs
}

// PotentialTriples lists the directory names distributions use for
// target-specific headers on this architecture.
func PotentialTriples() []string {
	switch runtime.GOARCH {
	case "amd64":
		return []string{"x86_64-linux-gnu", "x86_64-pc-linux-gnu", "x86_64-redhat-linux"}
	case "386":
		return []string{"i686-linux-gnu", "i686-pc-linux-gnu", "i386-linux-gnu"}
	case "arm64":
		return []string{"aarch64-linux-gnu", "aarch64-none-linux-gnu", "aarch64-pc-linux-gnu", "aarch64-redhat-linux"}
	case "arm":
		return []string{"arm-linux-gnueabihf", "armv7-none-linux-gnueabi", "armv7-pc-linux-gnueabi"}
	}
	return nil
}

// SystemIncludes computes the default system include search path for sdk.
func SystemIncludes(sdk string) []string {
	dirs := FindLibstdcxx(sdk)
	for _, triple := range PotentialTriples() {
		if d := filepath.Join(sdk, "include", triple); isDir(d) {
			dirs = append(dirs, d)
			break
		}
	}
	if d := filepath.Join(sdk, "include"); isDir(d) {
		dirs = append(dirs, d)
	}
	return dirs
}

// DefaultCacheDir resolves the bitcode cache directory:
// CPPJIT_CACHE, then the per-OS user cache location.
func DefaultCacheDir() string {
	if env := os.Getenv("CPPJIT_CACHE"); env != "" {
		return env
	}

	homeDir, _ := os.UserHomeDir()
	switch runtime.GOOS {
	case OS_WINDOWS:
		if localAppData := os.Getenv("LocalAppData"); localAppData != "" {
			return filepath.Join(localAppData, "cppjit")
		}
		return filepath.Join(homeDir, "AppData", "Local", "cppjit")

	case OS_DARWIN:
		return filepath.Join(homeDir, "Library", "Caches", "cppjit")

	default: // Linux and others
		if xdg := os.Getenv("XDG_CACHE_HOME"); xdg != "" {
			return filepath.Join(xdg, "cppjit")
		}
		if homeDir == "" {
			return filepath.Join(os.TempDir(), "cppjit")
		}
		return filepath.Join(homeDir, ".cache", "cppjit")
	}
}

// majorVersion parses the leading integer of names like "18", "12.2.1" or "llvm-17".
func majorVersion(name string) int {
	name = strings.TrimPrefix(name, "llvm-")
	if i := strings.IndexByte(name, '.'); i >= 0 {
		name = name[:i]
	}
	n, err := strconv.Atoi(name)
	if err != nil {
		return 0
	}
	return n
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
