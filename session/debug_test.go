package session

import (
	"testing"
	"time"

	"github.com/levkropp/cyd-emulator/xtensa"
)

// installCounterHook makes pc a trivial instruction that advances to pc+4
// and bumps *count, so maybePause's surrounding loop has something safe to
// Step through without needing a real decoded instruction stream.
func installCounterHook(hooks *xtensa.HookTable, pc uint32, count *int) {
	hooks.Install(pc, "counter", func(c *xtensa.Core) {
		*count++
		c.ArWrite(0, pc+4)
	})
}

func TestBreakThenContinueUnpauses(t *testing.T) {
	s := newTestSession(t)
	core := s.Cores[0]
	core.Running = true
	core.PC = 0x400D0000
	var steps int
	installCounterHook(s.Hooks, 0x400D0000, &steps)

	s.Break()

	paused := make(chan struct{})
	go func() {
		s.maybePause(core)
		close(paused)
	}()

	if !s.WaitPaused(time.Second) {
		t.Fatal("session never reported paused after Break")
	}

	s.Continue()

	select {
	case <-paused:
	case <-time.After(time.Second):
		t.Fatal("maybePause did not return after Continue")
	}
	if s.IsPaused() {
		t.Fatal("IsPaused still true after Continue")
	}
}

func TestBreakpointHitPausesWithoutExplicitBreak(t *testing.T) {
	s := newTestSession(t)
	core := s.Cores[0]
	core.Running = true
	core.BreakpointHit = true
	core.PC = 0x400D0000
	installCounterHook(s.Hooks, 0x400D0000, new(int))

	done := make(chan struct{})
	go func() {
		s.maybePause(core)
		close(done)
	}()

	if !s.WaitPaused(time.Second) {
		t.Fatal("session never paused on BreakpointHit")
	}
	if core.BreakpointHit {
		t.Fatal("BreakpointHit should be cleared once the pause is acknowledged")
	}
	s.Continue()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("maybePause did not return after Continue")
	}
}

func TestStepAdvancesOneInstructionWhilePaused(t *testing.T) {
	s := newTestSession(t)
	core := s.Cores[0]
	core.Running = true
	core.PC = 0x400D0000
	var steps int
	installCounterHook(s.Hooks, 0x400D0000, &steps)
	installCounterHook(s.Hooks, 0x400D0004, &steps)

	s.Break()
	done := make(chan struct{})
	go func() {
		s.maybePause(core)
		close(done)
	}()
	if !s.WaitPaused(time.Second) {
		t.Fatal("session never paused")
	}

	s.Step()
	time.Sleep(50 * time.Millisecond) // let the step land before re-checking

	if steps != 1 {
		t.Fatalf("steps = %d, want 1 after a single Step", steps)
	}
	if !s.IsPaused() {
		t.Fatal("session should still be paused after a single Step")
	}

	s.Continue()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("maybePause did not return after Continue")
	}
}

func isCorePaused(s *Session, prid int) bool {
	s.lockDebug()
	defer s.unlockDebug()
	return s.pausedCores[prid]
}

// TestBreakPausesBothCoresIndependently drives both cores' maybePause calls
// concurrently, the way the two per-core run loops do, and checks that a
// single Break() isn't satisfied until both acknowledge it — a single
// shared pause flag cleared by whichever core observes it first would
// report the session paused as soon as core 0 alone stopped.
func TestBreakPausesBothCoresIndependently(t *testing.T) {
	s := newTestSession(t)
	core0, core1 := s.Cores[0], s.Cores[1]
	core0.Running = true
	core1.Running = true
	core0.PC = 0x400D0000
	core1.PC = 0x400E0000
	installCounterHook(s.Hooks, 0x400D0000, new(int))
	installCounterHook(s.Hooks, 0x400E0000, new(int))

	s.Break()

	done0 := make(chan struct{})
	go func() {
		s.maybePause(core0)
		close(done0)
	}()

	deadline := time.Now().Add(time.Second)
	for !isCorePaused(s, core0.PRID) {
		if time.Now().After(deadline) {
			t.Fatal("core 0 never acknowledged the pause")
		}
		time.Sleep(time.Millisecond)
	}
	if s.IsPaused() {
		t.Fatal("IsPaused reported true with only one of two running cores paused")
	}

	done1 := make(chan struct{})
	go func() {
		s.maybePause(core1)
		close(done1)
	}()

	if !s.WaitPaused(time.Second) {
		t.Fatal("session never reported paused once both cores acknowledged")
	}

	s.Continue()
	for _, done := range []chan struct{}{done0, done1} {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("maybePause did not return after Continue")
		}
	}
}

func TestIsPausedTrueWhenAllCoresStopped(t *testing.T) {
	s := newTestSession(t)
	s.Cores[0].Running = false
	s.Cores[1].Running = false
	if !s.IsPaused() {
		t.Fatal("IsPaused should be true when no core is running")
	}
}

func TestWaitPausedTimesOutWhenNeverPaused(t *testing.T) {
	s := newTestSession(t)
	s.Cores[0].Running = true
	s.Cores[1].Running = true
	if s.WaitPaused(50 * time.Millisecond) {
		t.Fatal("WaitPaused returned true with no pause ever requested")
	}
}
