package stubs

import (
	"testing"
	"time"

	"github.com/levkropp/cyd-emulator/frt"
)

func TestEspTimerOneShotFiresCallback(t *testing.T) {
	syms := map[string]uint32{
		"esp_timer_create":     0x40085000,
		"esp_timer_start_once": 0x40085100,
	}
	core, r := newTestRig(t, syms)
	shut := frt.NewShutdown()
	table := frt.NewTimerTable(shut)
	defer table.Shutdown()
	et := NewEspTimer(table)
	et.Register(r)

	argsAddr := uint32(0x3FFA_F000)
	const cbPC = 0x400D0000
	const cbArg = 0xCAFE
	core.Bus.Write32(argsAddr+0, cbPC)
	core.Bus.Write32(argsAddr+4, cbArg)
	outHandleAddr := uint32(0x3FFA_F100)

	core.ArWrite(2, argsAddr)
	core.ArWrite(3, outHandleAddr)
	callHook(t, core, syms, "esp_timer_create")
	if got := core.ArRead(2); got != espOK {
		t.Fatalf("esp_timer_create returned %#x, want espOK", got)
	}
	guestHandle := core.Bus.Read32(outHandleAddr)

	core.ArWrite(2, guestHandle)
	core.ArWrite(3, 20_000) // 20ms timeout, low 32 bits
	core.ArWrite(4, 0)
	callHook(t, core, syms, "esp_timer_start_once")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		pending := et.DrainPending()
		if len(pending) > 0 {
			if pending[0].PC != cbPC || pending[0].Arg != cbArg {
				t.Fatalf("pending callback = %+v, want PC=%#x Arg=%#x", pending[0], cbPC, cbArg)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("esp_timer one-shot callback never fired within 2s")
}

func TestEspTimerUnknownHandleFails(t *testing.T) {
	syms := map[string]uint32{"esp_timer_stop": 0x40085200}
	core, r := newTestRig(t, syms)
	shut := frt.NewShutdown()
	table := frt.NewTimerTable(shut)
	defer table.Shutdown()
	et := NewEspTimer(table)
	et.Register(r)

	core.ArWrite(2, 0xDEAD) // never created
	callHook(t, core, syms, "esp_timer_stop")
	if got := core.ArRead(2); got != espFail {
		t.Fatalf("esp_timer_stop(unknown) = %#x, want espFail", got)
	}
}
