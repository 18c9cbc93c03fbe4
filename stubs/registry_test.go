package stubs

import (
	"testing"

	"github.com/levkropp/cyd-emulator/xtensa"
)

func TestBindMissingSymbolRecordsWarning(t *testing.T) {
	_, r := newTestRig(t, map[string]uint32{})
	warned := false
	r.warn = func(format string, args ...any) { warned = true }

	r.Bind("nonexistent_symbol", func(c *xtensa.Core) {})
	if !warned {
		t.Fatal("Bind of a missing symbol did not warn")
	}
	missing := r.Missing()
	if len(missing) != 1 || missing[0] != "nonexistent_symbol" {
		t.Fatalf("Missing() = %v, want [nonexistent_symbol]", missing)
	}
}

func TestBindAnyPicksFirstResolvedAlias(t *testing.T) {
	syms := map[string]uint32{"real_name": 0x4008A000}
	_, r := newTestRig(t, syms)

	bound := r.BindAny([]string{"weak_alias", "real_name"}, func(c *xtensa.Core) {})
	if bound != "real_name" {
		t.Fatalf("BindAny resolved %q, want real_name", bound)
	}
}

func TestReadCStringStopsAtNUL(t *testing.T) {
	core, _ := newTestRig(t, map[string]uint32{})
	addr := uint32(0x3FFA_F000)
	writeCString(core, addr, "stub")
	got := ReadCString(core, addr, 64)
	if got != "stub" {
		t.Fatalf("ReadCString = %q, want %q", got, "stub")
	}
}
