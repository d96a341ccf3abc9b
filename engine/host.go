package engine

import "github.com/ebitengine/purego"

// HostLookup finds a symbol exported by the running process. It returns 0
// when the symbol does not exist.
type HostLookup func(name string) uintptr

// DlsymLookup searches every object loaded into the process with global
// visibility, in load order.
func DlsymLookup(name string) uintptr {
	addr, err := purego.Dlsym(purego.RTLD_DEFAULT, name)
	if err != nil {
		return 0
	}
	return addr
}
