package session

import (
	"testing"

	"github.com/levkropp/cyd-emulator/frt"
	"github.com/levkropp/cyd-emulator/loader"
	"github.com/levkropp/cyd-emulator/logging"
	"github.com/levkropp/cyd-emulator/memio"
	"github.com/levkropp/cyd-emulator/stubs"
	"github.com/levkropp/cyd-emulator/xtensa"
)

// newTestSession builds a minimal Session without going through New (which
// needs real firmware/ELF files on disk) — just enough wiring for the
// scheduler/debug logic under test.
func newTestSession(t *testing.T) *Session {
	t.Helper()
	bus := memio.New()
	if err := bus.MapDRAM("dram", memio.DRAMBase, memio.DRAMSize); err != nil {
		t.Fatal(err)
	}
	hooks := xtensa.NewHookTable(nil)
	shut := frt.NewShutdown()
	timerTable := frt.NewTimerTable(shut)
	t.Cleanup(timerTable.Shutdown)

	s := &Session{
		Bus:        bus,
		Hooks:      hooks,
		shut:       shut,
		timerTable: timerTable,
		debugMu:    make(chan struct{}, 1),
		debugBC:    frt.NewBroadcaster(),
	}
	s.debugMu <- struct{}{}
	s.UART = logging.NewUARTRing()
	s.Packs.FreeRTOS = stubs.NewFreeRTOS(shut, timerTable)
	s.Packs.EspTimer = stubs.NewEspTimer(timerTable)
	s.Cores[0] = xtensa.NewCore(0, bus, hooks, nil)
	s.Cores[1] = xtensa.NewCore(1, bus, hooks, nil)
	return s
}

// TestMapMemoryWiresUARTRing exercises mapMemory's UART0 MMIO registration
// end to end: a guest write to the TX register must reach the session's
// UARTRing, the surface a debug front end's `log` command reads from.
func TestMapMemoryWiresUARTRing(t *testing.T) {
	s := &Session{Bus: memio.New(), UART: logging.NewUARTRing()}
	if err := s.mapMemory(); err != nil {
		t.Fatal(err)
	}

	for _, b := range []byte("booting\n") {
		s.Bus.Write8(memio.UARTBase, b)
	}

	lines := s.UARTLines()
	if len(lines) != 1 || lines[0] != "booting" {
		t.Fatalf("UART lines = %v, want [\"booting\"]", lines)
	}
}

// callHook points core.PC at the resolved symbol, marks it running, gives it
// a distinct return address, and steps once — mirroring the stubs package's
// own test fixture, since invoking a hook is the only way to reach
// FreeRTOS's unexported deferred-task queue.
func callHook(t *testing.T, core *xtensa.Core, syms map[string]uint32, name string) {
	t.Helper()
	addr, ok := syms[name]
	if !ok {
		t.Fatalf("symbol %q not in test symbol table", name)
	}
	core.PC = addr
	core.Running = true
	core.ArWrite(0, 0x4000_0001)
	core.Step()
}

func TestInstallDeferredTaskSetsUpCore(t *testing.T) {
	s := newTestSession(t)
	core := s.Cores[0]

	syms := map[string]uint32{"xTaskCreate": 0x400D5000}
	symTable := loader.NewSymbolTable(syms)
	s.Syms = symTable
	r := stubs.New(symTable, s.Hooks, nil)
	s.Packs.FreeRTOS.Register(r)

	const entryPC = 0x400D3000
	const param = 0xABCD

	nameAddr := uint32(memio.DRAMBase + 0x1000)
	core.Bus.Write8(nameAddr, 0) // empty task name
	core.ArWrite(2, entryPC)
	core.ArWrite(3, nameAddr)
	core.ArWrite(5, param)
	core.ArWrite(7, 0) // no handle-out pointer
	callHook(t, core, syms, "xTaskCreate")

	s.installDeferredTask(core)

	if core.PC != entryPC {
		t.Fatalf("core.PC = %#x, want %#x", core.PC, entryPC)
	}
	if got := core.ArRead(2); got != param {
		t.Fatalf("a2 (param) = %#x, want %#x", got, param)
	}
	if core.PS != 0x0004_0020 {
		t.Fatalf("PS = %#x, want 0x00040020", core.PS)
	}
}

func TestInstallDeferredTaskNoopWhenQueueEmpty(t *testing.T) {
	s := newTestSession(t)
	core := s.Cores[0]
	core.PC = 0x400D0000
	s.installDeferredTask(core)
	if core.PC != 0x400D0000 {
		t.Fatal("installDeferredTask moved PC with nothing queued")
	}
}

func TestDispatchCallbackSplicesCallIntoStream(t *testing.T) {
	s := newTestSession(t)
	core := s.Cores[0]
	core.Running = true
	core.PC = 0x400D0000

	s.dispatchCallback(core, stubs.PendingCallback{PC: 0x400D9000, Arg: 0x55})

	if core.PC != 0x400D9000 {
		t.Fatalf("core.PC = %#x, want callback PC", core.PC)
	}
	if got := core.ArRead(0); got != 0x400D0000 {
		t.Fatalf("a0 (return address) = %#x, want original PC", got)
	}
	if got := core.ArRead(2); got != 0x55 {
		t.Fatalf("a2 (arg) = %#x, want 0x55", got)
	}
}

func TestDispatchCallbackSkippedWhenCoreNotRunning(t *testing.T) {
	s := newTestSession(t)
	core := s.Cores[1]
	core.Running = false
	core.PC = 0x400D0000

	s.dispatchCallback(core, stubs.PendingCallback{PC: 0x400D9000, Arg: 0})
	if core.PC != 0x400D0000 {
		t.Fatal("dispatchCallback ran a callback against a non-running core")
	}
}

func TestDispatchCallbackSkippedWhenCoreHalted(t *testing.T) {
	s := newTestSession(t)
	core := s.Cores[1]
	core.Running = true
	core.Halted = true
	core.PC = 0x400D0000

	s.dispatchCallback(core, stubs.PendingCallback{PC: 0x400D9000, Arg: 0})
	if core.PC != 0x400D0000 {
		t.Fatal("dispatchCallback ran a callback against a halted core")
	}
}
