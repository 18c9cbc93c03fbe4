package stubs

import (
	"testing"

	"github.com/levkropp/cyd-emulator/loader"
	"github.com/levkropp/cyd-emulator/memio"
	"github.com/levkropp/cyd-emulator/xtensa"
)

// newTestRig builds a bus+core+registry wired to the given symbol->address
// table, the common fixture every stub pack test starts from.
func newTestRig(t *testing.T, syms map[string]uint32) (*xtensa.Core, *Registry) {
	t.Helper()
	bus := memio.New()
	if err := bus.MapDRAM("dram", memio.DRAMBase, memio.DRAMSize); err != nil {
		t.Fatal(err)
	}
	hooks := xtensa.NewHookTable(nil)
	core := xtensa.NewCore(0, bus, hooks, nil)
	st := loader.NewSymbolTable(syms)
	r := New(st, hooks, nil)
	return core, r
}

// callHook positions core.PC at name's resolved address and single-steps
// it, the common way these tests invoke one bound hook in isolation.
func callHook(t *testing.T, core *xtensa.Core, syms map[string]uint32, name string) {
	t.Helper()
	addr, ok := syms[name]
	if !ok {
		t.Fatalf("test bug: %q not in syms map", name)
	}
	core.PC = addr
	core.Running = true
	core.ArWrite(0, addr+4) // arbitrary distinct return address
	core.Step()
}
