package jit

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const maxIdentifierLen = 128

// Capability names an additional function a compiled module promises to
// export, together with the signature callers will bind it with.
type Capability struct {
	Name      string
	Signature string // e.g. "int(int)"; only compared, never parsed
}

// Request is one unit of work for a Compiler. It must not be modified after
// it has been submitted.
type Request struct {
	ID      string   // names the entry point and is visible to the source as CPPJIT_ID
	Source  string   // C++ translation unit
	Flags   []string // extra frontend flags, appended after the baseline
	Entry   string   // entry symbol; defaults to the entry prefix followed by ID
	Exports []Capability
}

// NewRequest returns a request with a fresh random identifier.
func NewRequest(source string, flags ...string) *Request {
	return &Request{
		ID:     "r" + strings.ReplaceAll(uuid.NewString(), "-", "_"),
		Source: source,
		Flags:  flags,
	}
}

// EntryName returns the symbol the compiled module must define.
func (r *Request) EntryName(prefix string) string {
	if r.Entry != "" {
		return r.Entry
	}
	return prefix + r.ID
}

// Validate checks that the request can be compiled.
func (r *Request) Validate() error {
	if err := ValidateIdentifier(r.ID); err != nil {
		return fmt.Errorf("request id: %w", err)
	}
	if r.Entry != "" {
		if err := ValidateIdentifier(r.Entry); err != nil {
			return fmt.Errorf("entry: %w", err)
		}
	}
	for _, c := range r.Exports {
		if err := ValidateIdentifier(c.Name); err != nil {
			return fmt.Errorf("export: %w", err)
		}
	}
	return nil
}

// ValidateIdentifier validates a name that ends up in a C++ identifier.
// Rules:
//   - ASCII letters, digits and underscore only
//   - Must not start with a digit
//   - No double underscores (__), reserved for the implementation
//   - At most 128 characters
func ValidateIdentifier(id string) error {
	if id == "" {
		return fmt.Errorf("identifier cannot be empty")
	}
	if len(id) > maxIdentifierLen {
		return fmt.Errorf("identifier is %d characters long, the limit is %d", len(id), maxIdentifierLen)
	}
	for i, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
			// valid
		case r >= '0' && r <= '9':
			if i == 0 {
				return fmt.Errorf("identifier %q starts with a digit", id)
			}
		case r == '_':
			if i > 0 && id[i-1] == '_' {
				return fmt.Errorf("double underscore at position %d", i)
			}
		default:
			return fmt.Errorf("invalid character %q at position %d in identifier", r, i)
		}
	}
	return nil
}
