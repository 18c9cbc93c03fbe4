// Package xtensa implements a subset of the Xtensa LX6 instruction set
// sufficient to run ESP-IDF-compiled firmware whose library calls are
// intercepted by the stub fabric rather than actually executed.
package xtensa

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/levkropp/cyd-emulator/memio"
)

const (
	numPhysicalRegs = 64
	maxBreakpoints  = 16
	// ClockMHzDefault is the assumed core clock used to derive
	// virtual_time_us from cycle_count when a Core isn't configured
	// otherwise.
	ClockMHzDefault = 160
)

// PS bitfields (processor state), packed the way LX6 hardware packs them;
// only the fields the stub fabric and interpreter consult are named.
const (
	psINTLEVELMask = 0x0000000F
	psEXCMBit      = 1 << 4
	psUMBit        = 1 << 5
	psRINGShift    = 6
	psRINGMask     = 0x3 << psRINGShift
	psOWBShift     = 8
	psOWBMask      = 0xF << psOWBShift
	psCALLINCShift = 16
	psCALLINCMask  = 0x3 << psCALLINCShift
	psWOEBit       = 1 << 18
)

// Handler is a stub: it runs synchronously on the CPU thread in place of
// the guest code at the hooked PC. It may read a2..a7, write a2 as a
// return value, and must not advance pc itself — Step does that per the
// calling convention (return to ar_read(0) & ~0x3).
type Handler func(c *Core)

// HookTable is the PC→handler map shared between both cores. Population
// happens once, after symbol resolution, by each stub pack.
type HookTable struct {
	mu    sync.RWMutex
	hooks map[uint32]Handler
	names map[uint32]string
	warn  func(format string, args ...any)
}

// NewHookTable creates an empty table. warn may be nil.
func NewHookTable(warn func(format string, args ...any)) *HookTable {
	return &HookTable{hooks: make(map[uint32]Handler), names: make(map[uint32]string), warn: warn}
}

// Install binds pc to h. A second Install at the same pc overwrites the
// first with a warning.
func (t *HookTable) Install(pc uint32, name string, h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.hooks[pc]; exists && t.warn != nil {
		t.warn("hook table: overwriting handler at pc=%#x (%s -> %s)", pc, t.names[pc], name)
	}
	t.hooks[pc] = h
	t.names[pc] = name
}

func (t *HookTable) lookup(pc uint32) (Handler, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.hooks[pc]
	return h, ok
}

// NameAt returns the symbol name a hook was installed under, for
// diagnostics.
func (t *HookTable) NameAt(pc uint32) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.names[pc]
	return n, ok
}

// Core is one Xtensa LX6 virtual core. Two Cores share a *memio.Bus and a
// *HookTable; everything else is per-core.
type Core struct {
	Bus   *memio.Bus
	Hooks *HookTable

	// PRID distinguishes core 0 from core 1 for guest code that reads it.
	PRID int

	PC uint32

	ar         [numPhysicalRegs]uint32
	windowbase uint32
	windowstart uint32

	PS  uint32
	SAR uint32

	LBeg, LEnd uint32
	LCount     uint32

	// CycleCount is atomic because the session's per-batch scheduler reads
	// and synchronizes it across both cores from outside their own
	// goroutines (see Session.syncCycleCount).
	CycleCount    atomic.Uint64
	ClockMHz      uint32
	Running       bool
	Halted        bool
	BreakpointHit bool

	breakpoints      []uint32
	breakpointsSuppressed bool

	warnedOnce map[uint32]bool
	logf       func(format string, args ...any)
}

// NewCore creates a core sharing bus and hooks. Core 1 should be created
// with running=false; the session releases it on boot.
func NewCore(prid int, bus *memio.Bus, hooks *HookTable, logf func(format string, args ...any)) *Core {
	c := &Core{
		Bus:        bus,
		Hooks:      hooks,
		PRID:       prid,
		ClockMHz:   ClockMHzDefault,
		Running:    prid == 0,
		warnedOnce: make(map[uint32]bool),
		logf:       logf,
	}
	return c
}

// VirtualTimeUs derives the guest's view of elapsed time from CycleCount.
func (c *Core) VirtualTimeUs() uint64 {
	mhz := c.ClockMHz
	if mhz == 0 {
		mhz = ClockMHzDefault
	}
	return c.CycleCount.Load() / uint64(mhz)
}

// physIndex maps a visible window register i (0..15) to its physical slot.
func (c *Core) physIndex(i uint32) uint32 {
	return (c.windowbase*4 + i) % numPhysicalRegs
}

// ArRead reads visible register a{i}, i in 0..15.
func (c *Core) ArRead(i uint32) uint32 {
	return c.ar[c.physIndex(i%16)]
}

// ArWrite writes visible register a{i}.
func (c *Core) ArWrite(i uint32, v uint32) {
	c.ar[c.physIndex(i%16)] = v
}

// WindowBase and WindowStart expose the raw window state for rotw-style
// operations and debug introspection.
func (c *Core) WindowBase() uint32  { return c.windowbase }
func (c *Core) WindowStart() uint32 { return c.windowstart }

// Rotw rotates the window by k frames (positive = deeper call nesting),
// as used by `entry`/`retw` and the explicit `rotw` instruction.
func (c *Core) Rotw(k int32) {
	nb := int32(c.windowbase) + k
	nb %= 16
	if nb < 0 {
		nb += 16
	}
	c.windowbase = uint32(nb)
}

// SetWindowStartBit sets or clears bit i of windowstart.
func (c *Core) SetWindowStartBit(i uint32, set bool) {
	bit := uint32(1) << (i % 16)
	if set {
		c.windowstart |= bit
	} else {
		c.windowstart &^= bit
	}
}

// CallInc returns the PS.CALLINC field (0..3), the window increment used
// by call4/call8/call12/entry.
func (c *Core) CallInc() uint32 {
	return (c.PS & psCALLINCMask) >> psCALLINCShift
}

func (c *Core) setCallInc(v uint32) {
	c.PS = (c.PS &^ uint32(psCALLINCMask)) | ((v << psCALLINCShift) & psCALLINCMask)
}

// SetBreakpoint installs a breakpoint at addr. Returns an error at the
// 16-entry cap.
func (c *Core) SetBreakpoint(addr uint32) error {
	for _, bp := range c.breakpoints {
		if bp == addr {
			return nil
		}
	}
	if len(c.breakpoints) >= maxBreakpoints {
		return fmt.Errorf("xtensa: breakpoint table full (cap %d)", maxBreakpoints)
	}
	c.breakpoints = append(c.breakpoints, addr)
	return nil
}

// ClearBreakpoint removes a breakpoint if present.
func (c *Core) ClearBreakpoint(addr uint32) {
	out := c.breakpoints[:0]
	for _, bp := range c.breakpoints {
		if bp != addr {
			out = append(out, bp)
		}
	}
	c.breakpoints = out
}

// ClearAllBreakpoints empties the breakpoint table.
func (c *Core) ClearAllBreakpoints() {
	c.breakpoints = nil
}

// ListBreakpoints returns a copy of the current breakpoint set.
func (c *Core) ListBreakpoints() []uint32 {
	out := make([]uint32, len(c.breakpoints))
	copy(out, c.breakpoints)
	return out
}

func (c *Core) hasBreakpoint(addr uint32) bool {
	if c.breakpointsSuppressed {
		return false
	}
	for _, bp := range c.breakpoints {
		if bp == addr {
			return true
		}
	}
	return false
}

// SuppressBreakpoints is used by the session to single-step past a just-
// hit breakpoint without immediately re-triggering it.
func (c *Core) SuppressBreakpoints(suppress bool) {
	c.breakpointsSuppressed = suppress
}

func (c *Core) warnOnce(pc uint32, format string, args ...any) {
	if c.warnedOnce[pc] {
		return
	}
	c.warnedOnce[pc] = true
	if c.logf != nil {
		c.logf(format, args...)
	}
}

// Step executes exactly one instruction-equivalent:
//  1. breakpoint check
//  2. hook dispatch
//  3. fetch/decode/execute
func (c *Core) Step() {
	if c.hasBreakpoint(c.PC) {
		c.BreakpointHit = true
		return
	}
	if c.Hooks != nil {
		if h, ok := c.Hooks.lookup(c.PC); ok {
			h(c)
			c.PC = c.ArRead(0) &^ 0x3
			c.CycleCount.Add(1)
			return
		}
	}
	c.execOne()
}

// Run executes a batch of up to budget steps, stopping early on a
// breakpoint hit, halt, or running==false. Returns the number of steps
// actually executed so the session can detect early termination.
func (c *Core) Run(budget int) int {
	ran := 0
	for ran < budget {
		if !c.Running || c.Halted || c.BreakpointHit {
			break
		}
		c.Step()
		ran++
	}
	return ran
}
