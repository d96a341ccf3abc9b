package engine

import (
	"path/filepath"
	"strings"
)

const (
	// INIT_PREFIX starts the name of the function the frontend emits to run a
	// translation unit's dynamic initializers.
	INIT_PREFIX = "_GLOBAL__sub_I_"
	// RENAMED_INIT is the external name an initializer gets once submitted.
	RENAMED_INIT = "__cppjit_init_"
)

// GlobalPrefix returns the character the object format prepends to global
// symbol names, as given by the mangling component of a data layout string.
func GlobalPrefix(dataLayout string) string {
	for _, part := range strings.Split(dataLayout, "-") {
		switch part {
		case "m:o", "m:x":
			return "_"
		case "m:e", "m:w", "m:m", "m:l", "m:a":
			return ""
		}
	}
	return ""
}

// Mangle applies prefix to an IR-level name. A leading \x01 suppresses
// mangling.
func Mangle(prefix, name string) string {
	if stripped, ok := strings.CutPrefix(name, "\x01"); ok {
		return stripped
	}
	return prefix + name
}

// InitializerName returns the name of the global initializer function the
// frontend emits for the translation unit at path.
func InitializerName(path string) string {
	base := []byte(filepath.Base(path))
	for i, c := range base {
		if !isNumberBody(c) {
			base[i] = '_'
		}
	}
	return INIT_PREFIX + string(base)
}

func isNumberBody(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '_', c == '.':
		return true
	}
	return false
}
