package stubs

import "testing"

func TestEspChipInfo(t *testing.T) {
	syms := map[string]uint32{"esp_chip_info": 0x40081000}
	core, r := newTestRig(t, syms)
	s := NewSystem(nil, nil)
	s.Register(r)

	out := uint32(memIODramScratch)
	core.ArWrite(2, out)
	callHook(t, core, syms, "esp_chip_info")

	if model := core.Bus.Read32(out + 0); model != 1 {
		t.Fatalf("model = %d, want 1 (ESP32)", model)
	}
	if cores := core.Bus.Read8(out + 10); cores != 2 {
		t.Fatalf("cores = %d, want 2", cores)
	}
}

func TestEspRestartStopsCore(t *testing.T) {
	syms := map[string]uint32{"esp_restart": 0x40081100}
	core, r := newTestRig(t, syms)
	stopped := false
	s := NewSystem(func() { stopped = true }, nil)
	s.Register(r)

	callHook(t, core, syms, "esp_restart")
	if !stopped {
		t.Fatal("esp_restart did not invoke the stop callback")
	}
	if !core.Halted {
		t.Fatal("esp_restart did not halt the core")
	}
}

func TestEspFillRandomFillsBuffer(t *testing.T) {
	syms := map[string]uint32{"esp_fill_random": 0x40081200}
	core, r := newTestRig(t, syms)
	s := NewSystem(nil, nil)
	s.Register(r)

	addr := uint32(memIODramScratch)
	core.ArWrite(2, addr)
	core.ArWrite(3, 16)
	callHook(t, core, syms, "esp_fill_random")

	allZero := true
	for i := uint32(0); i < 16; i++ {
		if core.Bus.Read8(addr+i) != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		t.Fatal("esp_fill_random left the buffer all zero (extremely unlikely with a real CSPRNG)")
	}
}

// memIODramScratch is a DRAM-backed address safe for test scratch writes.
const memIODramScratch = 0x3FFA_F000
