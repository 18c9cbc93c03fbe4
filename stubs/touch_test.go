package stubs

import "testing"

func TestTouchLatchConsumedOnRead(t *testing.T) {
	touch := NewTouch()
	syms := map[string]uint32{"touch_read": 0x40084000}
	core, r := newTestRig(t, syms)
	touch.Register(r)

	touch.Update(true, 42, 99)  // rising edge, latches
	touch.Update(false, 42, 99) // quick tap: released before the guest polls

	xAddr, yAddr := uint32(0x3FFA_F000), uint32(0x3FFA_F010)
	core.ArWrite(2, xAddr)
	core.ArWrite(3, yAddr)
	callHook(t, core, syms, "touch_read")

	if got := core.ArRead(2); got != 1 {
		t.Fatalf("touch_read returned %d, want 1 (down)", got)
	}
	if got := int32(core.Bus.Read32(xAddr)); got != 42 {
		t.Fatalf("x = %d, want 42", got)
	}
	if got := int32(core.Bus.Read32(yAddr)); got != 99 {
		t.Fatalf("y = %d, want 99", got)
	}

	// A second read without an intervening rising edge must not report a
	// fresh tap — the latch is one-shot.
	down, _, _ := touch.Read()
	if down {
		t.Fatal("touch latch not consumed after the first read")
	}
}

func TestTouchReleaseReportsUp(t *testing.T) {
	touch := NewTouch()
	touch.Update(true, 1, 1)
	touch.consume()
	touch.Update(false, 1, 1) // release
	down, _, _ := touch.Read()
	if down {
		t.Fatal("touch_read reported down after a release")
	}
}
