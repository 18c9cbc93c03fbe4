package stubs

import (
	"testing"

	"github.com/levkropp/cyd-emulator/frt"
)

func newFreeRTOSRig(t *testing.T, syms map[string]uint32) (*FreeRTOS, *frt.Shutdown) {
	t.Helper()
	shut := frt.NewShutdown()
	table := frt.NewTimerTable(shut)
	t.Cleanup(table.Shutdown)
	return NewFreeRTOS(shut, table), shut
}

func TestXTaskCreateDefersEntryPoint(t *testing.T) {
	syms := map[string]uint32{"xTaskCreate": 0x40086000}
	core, r := newTestRig(t, syms)
	f, _ := newFreeRTOSRig(t, syms)
	f.Register(r)

	const entryPC = 0x400D1000
	nameAddr := uint32(0x3FFA_F000)
	writeCString(core, nameAddr, "worker")

	core.ArWrite(2, entryPC)
	core.ArWrite(3, nameAddr)
	core.ArWrite(5, 0x1234)            // param
	core.ArWrite(7, 0)                 // created-handle out ptr (unused here)
	callHook(t, core, syms, "xTaskCreate")

	entry, param, _, ok := f.PopDeferred(0)
	if !ok {
		t.Fatal("xTaskCreate did not queue a deferred task")
	}
	if entry != entryPC {
		t.Fatalf("deferred entry = %#x, want %#x", entry, entryPC)
	}
	if param != 0x1234 {
		t.Fatalf("deferred param = %#x, want 0x1234", param)
	}
}

func TestXTaskCreatePinnedHonorsCore(t *testing.T) {
	syms := map[string]uint32{"xTaskCreatePinnedToCore": 0x40086100}
	core, r := newTestRig(t, syms)
	f, _ := newFreeRTOSRig(t, syms)
	f.Register(r)

	nameAddr := uint32(0x3FFA_F000)
	writeCString(core, nameAddr, "pinned")
	core.ArWrite(2, 0x400D2000)
	core.ArWrite(3, nameAddr)
	core.ArWrite(5, 0)
	core.ArWrite(7, 1) // pin to core 1
	core.ArWrite(8, 0)
	callHook(t, core, syms, "xTaskCreatePinnedToCore")

	if _, _, _, ok := f.PopDeferred(0); ok {
		t.Fatal("task pinned to core 1 was popped for core 0")
	}
	if _, _, _, ok := f.PopDeferred(1); !ok {
		t.Fatal("task pinned to core 1 was not available for core 1")
	}
}

func TestVTaskDeleteSelfCreatesSelfBranch(t *testing.T) {
	syms := map[string]uint32{"vTaskDelete": 0x40086200}
	core, r := newTestRig(t, syms)
	f, _ := newFreeRTOSRig(t, syms)
	f.Register(r)

	core.ArWrite(2, 0) // NULL handle: delete self
	core.PC = syms["vTaskDelete"]
	core.Running = true
	core.Step()

	if core.PC != syms["vTaskDelete"] {
		t.Fatalf("pc after self-delete = %#x, want self-loop at %#x", core.PC, syms["vTaskDelete"])
	}
}

// TestXTaskCreateWiresTaskTable checks that a created task actually
// occupies an frt.TaskTable slot, and that self-delete (vTaskDelete(NULL))
// on the core the deferred task was installed on frees it again.
func TestXTaskCreateWiresTaskTable(t *testing.T) {
	syms := map[string]uint32{
		"xTaskCreate": 0x40086000,
		"vTaskDelete": 0x40086200,
	}
	core, r := newTestRig(t, syms)
	f, _ := newFreeRTOSRig(t, syms)
	f.Register(r)

	nameAddr := uint32(0x3FFA_F000)
	writeCString(core, nameAddr, "worker")
	core.ArWrite(2, 0x400D1000)
	core.ArWrite(3, nameAddr)
	core.ArWrite(5, 0)
	core.ArWrite(7, 0)
	callHook(t, core, syms, "xTaskCreate")

	if !f.tasks.IsAlive(0) {
		t.Fatal("task table slot 0 should be alive immediately after creation")
	}

	_, _, _, ok := f.PopDeferred(0)
	if !ok {
		t.Fatal("xTaskCreate did not queue a deferred task")
	}
	core.PC = syms["vTaskDelete"]
	core.ArWrite(2, 0) // NULL: self-delete
	callHook(t, core, syms, "vTaskDelete")

	if f.tasks.IsAlive(0) {
		t.Fatal("task table slot 0 still alive after self-delete")
	}
}

func TestQueueSendReceiveRoundTrip(t *testing.T) {
	syms := map[string]uint32{
		"xQueueCreate":  0x40086300,
		"xQueueSend":    0x40086400,
		"xQueueReceive": 0x40086500,
	}
	core, r := newTestRig(t, syms)
	f, _ := newFreeRTOSRig(t, syms)
	f.Register(r)

	core.ArWrite(2, 4) // length
	core.ArWrite(3, 4) // item size
	callHook(t, core, syms, "xQueueCreate")
	handle := core.ArRead(2)

	itemAddr := uint32(0x3FFA_F000)
	core.Bus.Write32(itemAddr, 0x11223344)
	core.ArWrite(2, handle)
	core.ArWrite(3, itemAddr)
	core.ArWrite(4, 0)
	callHook(t, core, syms, "xQueueSend")
	if got := core.ArRead(2); got != 1 {
		t.Fatalf("xQueueSend = %d, want 1 (pdTRUE)", got)
	}

	outAddr := uint32(0x3FFA_F100)
	core.ArWrite(2, handle)
	core.ArWrite(3, outAddr)
	core.ArWrite(4, 0)
	callHook(t, core, syms, "xQueueReceive")
	if got := core.ArRead(2); got != 1 {
		t.Fatalf("xQueueReceive = %d, want 1 (pdTRUE)", got)
	}
	if got := core.Bus.Read32(outAddr); got != 0x11223344 {
		t.Fatalf("received item = %#x, want 0x11223344", got)
	}
}
