// Package session wires the memory fabric, two Xtensa cores, the symbol-
// hooked stub fabric, and the host FreeRTOS runtime into one runnable
// emulation, and exposes the cross-thread debug interface a front end
// drives. Grounded on original_source/src/emu_flexe.c's emu_flexe_run
// loop and emu_flexe_init bring-up.
package session

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/levkropp/cyd-emulator/frt"
	"github.com/levkropp/cyd-emulator/loader"
	"github.com/levkropp/cyd-emulator/logging"
	"github.com/levkropp/cyd-emulator/memio"
	"github.com/levkropp/cyd-emulator/stubs"
	"github.com/levkropp/cyd-emulator/xtensa"
)

// batchSize is the instruction budget per Core.Run call between
// scheduling checkpoints, matching emu_flexe_run's xtensa_run(cpu, 10000).
const batchSize = 10000

// Config is the single source of truth a session is built from, the
// structure cmd/cydemu's flag parsing populates.
type Config struct {
	FirmwarePath string
	ELFPath      string
	SDImagePath  string
	SDImageSize  uint64
	NVSDir       string
	Turbo        bool
	ClockMHz     uint32

	InitialBreakpoints []uint32

	Logf func(format string, args ...any)
}

// Packs groups every stub pack a Session owns, so callers (tests, the
// debug monitor) can reach into a specific pack's state.
type Packs struct {
	GPIO     *stubs.GPIO
	System   *stubs.System
	ROM      *stubs.ROM
	Display  *stubs.Display
	Touch    *stubs.Touch
	SDCard   *stubs.SDCard
	NVS      *stubs.NVS
	Crypto   *stubs.Crypto
	WiFi     *stubs.WiFi
	FreeRTOS *stubs.FreeRTOS
	EspTimer *stubs.EspTimer
}

// Session is the emulation: bus, two cores, stub fabric, and the FreeRTOS
// runtime backing them, plus the debug pause/continue state every front
// end (a `-monitor` CLI, a test) drives through DebugController.
type Session struct {
	cfg Config

	Bus   *memio.Bus
	Hooks *xtensa.HookTable
	Syms  *loader.SymbolTable
	Cores [2]*xtensa.Core
	Packs Packs

	// UART accumulates every byte the guest writes to UART0's TX register
	// (wired in mapMemory), the surface ROM's printf-family stubs and any
	// firmware writing directly to the UART MMIO register both land on.
	UART *logging.UARTRing

	shut       *frt.Shutdown
	timerTable *frt.TimerTable

	debugMu        chan struct{} // binary mutex (buffered chan of cap 1) guarding the fields below
	pauseRequested bool
	pausedCores    [2]bool // per-PRID: has this core's goroutine acknowledged the pause
	stepRequested  bool
	debugBC        *frt.Broadcaster

	cycleMu sync.Mutex // guards the read-max-write in syncCycleCount
}

func (s *Session) logf(format string, args ...any) {
	if s.cfg.Logf != nil {
		s.cfg.Logf(format, args...)
	}
}

// New builds a Session: maps the address space, loads the firmware image
// and ELF symbols, installs every stub pack, and prepares (but does not
// start) both cores. Core 1 begins un-released; the session loop brings it
// up once guest code writes APPCPU_CTRL_B.
func New(cfg Config) (*Session, error) {
	if cfg.ClockMHz == 0 {
		cfg.ClockMHz = xtensa.ClockMHzDefault
	}

	s := &Session{
		cfg:     cfg,
		Bus:     memio.New(),
		shut:    frt.NewShutdown(),
		debugMu: make(chan struct{}, 1),
		debugBC: frt.NewBroadcaster(),
		UART:    logging.NewUARTRing(),
	}
	s.debugMu <- struct{}{}
	s.timerTable = frt.NewTimerTable(s.shut)

	s.Bus.SetUnmappedHook(func(addr uint32, write bool) {
		verb := "read"
		if write {
			verb = "write"
		}
		s.logf("memio: unmapped %s at %#x", verb, addr)
	})

	if err := s.mapMemory(); err != nil {
		return nil, err
	}

	elfFile, err := os.Open(cfg.ELFPath)
	if err != nil {
		return nil, fmt.Errorf("session: opening ELF %s: %w", cfg.ELFPath, err)
	}
	defer elfFile.Close()
	s.Syms, err = loader.LoadSymbols(elfFile)
	if err != nil {
		return nil, fmt.Errorf("session: loading symbols: %w", err)
	}

	fwFile, err := os.Open(cfg.FirmwarePath)
	if err != nil {
		return nil, fmt.Errorf("session: opening firmware %s: %w", cfg.FirmwarePath, err)
	}
	defer fwFile.Close()
	if _, err := loader.LoadImage(fwFile, s.Bus); err != nil {
		return nil, fmt.Errorf("session: loading firmware image: %w", err)
	}

	s.Hooks = xtensa.NewHookTable(s.logf)
	registry := stubs.New(s.Syms, s.Hooks, s.logf)

	if err := s.installStubs(registry); err != nil {
		return nil, err
	}
	for _, name := range registry.Missing() {
		s.logf("session: symbol %q not present in image, hook not installed", name)
	}

	s.Bus.Seal()

	s.Cores[0] = xtensa.NewCore(0, s.Bus, s.Hooks, s.logf)
	s.Cores[1] = xtensa.NewCore(1, s.Bus, s.Hooks, s.logf)
	for _, c := range s.Cores {
		c.ClockMHz = cfg.ClockMHz
		for _, bp := range cfg.InitialBreakpoints {
			_ = c.SetBreakpoint(bp)
		}
	}
	s.Cores[0].ArWrite(1, 0x3FFF_8000) // initial stack pointer, matching emu_flexe.c's cfg.initial_sp

	return s, nil
}

// iromSize mirrors the ESP32's flash-mapped instruction ROM window; there
// is no separate constant for it in memio (only the base address is a
// fixed hardware fact), so the session picks a generous 4MB window — large
// enough for any firmware image this emulator loads, matching the part's
// actual external flash capacity class.
const iromSize = 4 * 1024 * 1024

func (s *Session) mapMemory() error {
	maps := []struct {
		name       string
		base, size uint32
		rom        bool
	}{
		{"iram", memio.IRAMBase, memio.IRAMSize, false},
		{"irom", memio.IROMBase, iromSize, true},
		{"dram", memio.DRAMBase, memio.DRAMSize, false},
		{"rtc", memio.RTCBase, memio.RTCSize, false},
	}
	for _, m := range maps {
		var err error
		if m.rom {
			err = s.Bus.MapROM(m.name, m.base, m.size)
		} else {
			err = s.Bus.MapDRAM(m.name, m.base, m.size)
		}
		if err != nil {
			return fmt.Errorf("session: mapping %s: %w", m.name, err)
		}
	}

	// UART0 TX: a write-only one-register FIFO. Writing a byte there is the
	// only thing firmware or a ROM printf-family stub does with it; reads
	// just see 0 (no RX path modeled).
	const uartTxDataOffset = 0x0
	if err := s.Bus.MapMMIO("uart0", memio.UARTBase, memio.UARTSize, memio.Handler{
		OnWrite: func(addr uint32, val uint32) {
			if addr-memio.UARTBase == uartTxDataOffset {
				s.writeUARTByte(byte(val))
			}
		},
	}); err != nil {
		return fmt.Errorf("session: mapping uart0: %w", err)
	}
	return nil
}

// writeUARTByte is the single path every guest-visible diagnostic byte
// flows through, whether written directly to the UART0 MMIO register or
// routed there by a ROM printf-family stub: accumulate into the line ring
// and echo to the host's stdout, mirroring a real board's serial console.
func (s *Session) writeUARTByte(b byte) {
	s.UART.Write(b, func(b byte) { os.Stdout.Write([]byte{b}) })
}

// UARTLines returns the retained guest UART output, oldest first, for a
// debug front end's `log` command.
func (s *Session) UARTLines() []string {
	return s.UART.Lines()
}

func (s *Session) installStubs(r *stubs.Registry) error {
	s.Packs.GPIO = stubs.NewGPIO(s.logf)
	s.Packs.System = stubs.NewSystem(func() { s.shut.Trigger() }, s.logf)
	s.Packs.ROM = stubs.NewROM(s.writeUARTByte)
	s.Packs.Display = stubs.NewDisplay(320, 240, stubs.DefaultFont())
	s.Packs.Touch = stubs.NewTouch()
	s.Packs.NVS = stubs.NewNVS(s.cfg.NVSDir)
	s.Packs.Crypto = stubs.NewCrypto()
	s.Packs.WiFi = stubs.NewWiFi()
	s.Packs.EspTimer = stubs.NewEspTimer(s.timerTable)
	s.Packs.FreeRTOS = stubs.NewFreeRTOS(s.shut, s.timerTable)

	if s.cfg.SDImagePath != "" {
		sd, err := stubs.OpenSDCard(s.cfg.SDImagePath, s.cfg.SDImageSize, s.cfg.Turbo, s.logf)
		if err != nil {
			return fmt.Errorf("session: opening SD image: %w", err)
		}
		s.Packs.SDCard = sd
	}

	if err := s.Packs.ROM.MapAppCPUControl(s.Bus); err != nil {
		return fmt.Errorf("session: mapping DPORT app-CPU control: %w", err)
	}

	packs := []interface{ Register(*stubs.Registry) }{
		s.Packs.GPIO, s.Packs.System, s.Packs.ROM, s.Packs.Display,
		s.Packs.Touch, s.Packs.NVS, s.Packs.Crypto, s.Packs.WiFi,
		s.Packs.EspTimer, s.Packs.FreeRTOS,
	}
	for _, p := range packs {
		p.Register(r)
	}
	if s.Packs.SDCard != nil {
		s.Packs.SDCard.Register(r)
	}
	return nil
}

// Run starts both cores and blocks until the firmware halts, the context
// is cancelled, or Shutdown is triggered — the Go analogue of
// emu_flexe_run, generalized to two cores via errgroup instead of a single
// dedicated pthread.
func (s *Session) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.runCore(gctx, s.Cores[0]) })
	g.Go(func() error { return s.runCore(gctx, s.Cores[1]) })
	err := g.Wait()
	if s.Packs.SDCard != nil {
		s.Packs.SDCard.Close()
	}
	shutCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	s.Packs.FreeRTOS.Shutdown(shutCtx)
	cancel()
	s.timerTable.Shutdown()
	return err
}

// Shutdown triggers the shared shutdown flag, unblocking every core loop
// and frt primitive promptly.
func (s *Session) Shutdown() {
	s.shut.Trigger()
	s.lockDebug()
	s.pauseRequested = false
	s.pausedCores[0] = false
	s.pausedCores[1] = false
	s.unlockDebug()
	s.debugBC.Broadcast()
}

func (s *Session) runCore(ctx context.Context, core *xtensa.Core) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.shut.Done():
			return nil
		default:
		}

		if !core.Running {
			if core.PRID != 1 {
				return nil
			}
			entryPC, released := s.Packs.ROM.AppCPUReleased()
			if !released {
				time.Sleep(time.Millisecond)
				continue
			}
			core.PC = entryPC
			core.Running = true
			s.logf("session: core 1 released at entry=%#x", entryPC)
		}

		s.maybePause(core)
		if s.shut.Triggered() {
			return nil
		}

		if core.Halted {
			time.Sleep(time.Millisecond)
			core.Step()
			continue
		}

		pcBefore := core.PC
		ran := core.Run(batchSize)
		if !core.Running {
			return nil
		}
		if ran < batchSize && !core.BreakpointHit && !s.isPauseRequested() && !core.Halted {
			// batch ended early for no tracked reason (e.g. the core
			// stopped itself); nothing further to do this iteration.
			continue
		}

		if core.PC == pcBefore {
			s.installDeferredTask(core)
		}

		s.postBatch(core)
	}
}

// installDeferredTask swaps in the oldest queued xTaskCreate entry point
// once a core self-branches: a task that returns or calls vTaskDelete
// loops back to its own PC, the signal this core has nothing left to run
// and is ready for the next deferred task.
func (s *Session) installDeferredTask(core *xtensa.Core) {
	entryPC, param, stackTop, ok := s.Packs.FreeRTOS.PopDeferred(core.PRID)
	if !ok {
		return
	}
	core.ArWrite(1, stackTop)
	core.ArWrite(2, param)
	core.PC = entryPC
	core.PS = 0x0004_0020
}

// postBatch dispatches any guest callbacks the timer daemons queued while
// this core was running its batch. The callback is spliced into the
// instruction stream as a call whose return address is the core's current
// PC, so it resumes exactly where it left off once the callback retw's —
// an approximation that trades full register-context fidelity (a true
// interrupt would save the entire register file) for staying inside the
// existing hook-dispatch machinery.
func (s *Session) postBatch(core *xtensa.Core) {
	for _, cb := range s.Packs.EspTimer.DrainPending() {
		s.dispatchCallback(core, cb)
	}
	for _, cb := range s.Packs.FreeRTOS.DrainPending() {
		s.dispatchCallback(core, cb)
	}
	s.syncCycleCount()
}

// syncCycleCount brings both cores' cycle_count up to the max of the two,
// the dual-core analogue of a single CPU thread's monotonic counter: a
// core that ran fewer cycles this batch (e.g. it was idle waiting to be
// released, or spent the batch blocked on a stub) must not let guest code
// observe virtual time running backwards relative to the other core.
func (s *Session) syncCycleCount() {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()
	max := s.Cores[0].CycleCount.Load()
	if v := s.Cores[1].CycleCount.Load(); v > max {
		max = v
	}
	s.Cores[0].CycleCount.Store(max)
	s.Cores[1].CycleCount.Store(max)
}

func (s *Session) dispatchCallback(core *xtensa.Core, cb stubs.PendingCallback) {
	if core.Halted || !core.Running {
		return
	}
	core.ArWrite(0, core.PC)
	core.ArWrite(2, cb.Arg)
	core.PC = cb.PC
}
