// Package stubs intercepts ESP-IDF/FreeRTOS/TFT_eSPI entry points by
// installing xtensa.Handler functions at their resolved symbol addresses,
// rather than executing the guest library code. Grounded on
// coprocessor_manager.go's MMIO-shadow-register + dispatch idiom, adapted
// from command-ring bookkeeping to PC-keyed hook lookup.
package stubs

import (
	"github.com/levkropp/cyd-emulator/loader"
	"github.com/levkropp/cyd-emulator/xtensa"
)

// Registry resolves symbol names against a loader.SymbolTable and installs
// handlers into an xtensa.HookTable. One Registry is built per firmware
// image, after symbols are loaded and before the session starts either
// core.
type Registry struct {
	syms    *loader.SymbolTable
	hooks   *xtensa.HookTable
	warn    func(format string, args ...any)
	missing []string
}

// New creates a Registry bound to a resolved symbol table and the shared
// hook table both cores consult.
func New(syms *loader.SymbolTable, hooks *xtensa.HookTable, warn func(format string, args ...any)) *Registry {
	return &Registry{syms: syms, hooks: hooks, warn: warn}
}

// Bind installs h at name's resolved address. A missing symbol is recorded
// and warned about, never treated as fatal — firmware images commonly omit
// whole subsystems via Kconfig, e.g. no SD card support compiled in.
func (r *Registry) Bind(name string, h xtensa.Handler) {
	addr, ok := r.syms.Address(name)
	if !ok {
		r.missing = append(r.missing, name)
		if r.warn != nil {
			r.warn("stubs: symbol %q not found in image, hook not installed", name)
		}
		return
	}
	r.hooks.Install(addr, name, h)
}

// BindAny installs h at the first name in names that resolves, for entry
// points the toolchain may emit under more than one symbol (weak aliases,
// veneer wrappers). Returns the name actually bound, or "" if none
// resolved.
func (r *Registry) BindAny(names []string, h xtensa.Handler) string {
	for _, name := range names {
		if addr, ok := r.syms.Address(name); ok {
			r.hooks.Install(addr, name, h)
			return name
		}
	}
	r.missing = append(r.missing, names[0])
	if r.warn != nil {
		r.warn("stubs: none of %v found in image, hook not installed", names)
	}
	return ""
}

// Missing lists every symbol Bind/BindAny failed to resolve, for the
// session's startup summary log.
func (r *Registry) Missing() []string {
	out := make([]string, len(r.missing))
	copy(out, r.missing)
	return out
}

// ReturnUint32 is the common stub epilogue: place v in a2 (the ABI return
// register) and let Core.Step's hook dispatch handle the return-address
// jump. Named so every pack's handlers read the same way at the call site.
func ReturnUint32(c *xtensa.Core, v uint32) {
	c.ArWrite(2, v)
}

// ReadCString copies a NUL-terminated string out of guest memory, capped
// at maxLen bytes as a guard against a corrupt or malicious pointer.
func ReadCString(c *xtensa.Core, addr uint32, maxLen int) string {
	buf := make([]byte, 0, 64)
	for i := 0; i < maxLen; i++ {
		b := c.Bus.Read8(addr + uint32(i))
		if b == 0 {
			break
		}
		buf = append(buf, b)
	}
	return string(buf)
}

// Errorf is a small helper so stub packs can report internal
// inconsistencies (e.g. handle-table exhaustion) through the same warn
// sink as missing symbols, without importing fmt everywhere.
func (r *Registry) Errorf(format string, args ...any) {
	if r.warn != nil {
		r.warn(format, args...)
	}
}
