package stubs

import (
	"sync"

	"github.com/levkropp/cyd-emulator/frt"
	"github.com/levkropp/cyd-emulator/xtensa"
)

// EspTimer forwards esp_timer.h's create/start/stop API to the host timer
// daemon (frt.TimerTable), grounded on emu_timer.c's dedicated timer
// thread — here the same daemon backs both xTimer and esp_timer, since
// both are "a callback fired after a period" with no behavioral
// difference worth a second goroutine.
type EspTimer struct {
	mu      sync.Mutex
	table   *frt.TimerTable
	byGuest map[uint32]int // guest handle pointer -> frt.TimerTable slot
	nextID  uint32
	cbPC    map[int]uint32
	cbArg   map[int]uint32
	pending []PendingCallback
}

// NewEspTimer creates an esp_timer pack sharing table with the rest of the
// session (the same daemon the FreeRTOS stub pack's xTimer calls use).
func NewEspTimer(table *frt.TimerTable) *EspTimer {
	return &EspTimer{table: table, byGuest: make(map[uint32]int), cbPC: make(map[int]uint32), cbArg: make(map[int]uint32)}
}

// Register binds esp_timer_create/start_once/start_periodic/stop/delete/
// is_active/get_time. The create_args_t layout read here follows ESP-IDF's
// struct: {callback ptr, arg ptr, dispatch_method u32, name ptr,
// skip_unhandled_events u8}.
func (e *EspTimer) Register(r *Registry) {
	r.Bind("esp_timer_get_time", func(c *xtensa.Core) {
		us := c.VirtualTimeUs()
		c.ArWrite(2, uint32(us))
		c.ArWrite(3, uint32(us>>32))
	})

	r.Bind("esp_timer_create", func(c *xtensa.Core) {
		createArgs := c.ArRead(2)
		outHandle := c.ArRead(3)
		if createArgs == 0 || outHandle == 0 {
			ReturnUint32(c, espFail)
			return
		}
		cbPC := c.Bus.Read32(createArgs + 0)
		cbArg := c.Bus.Read32(createArgs + 4)

		e.mu.Lock()
		e.nextID++
		guestHandle := e.nextID
		handle, err := e.table.Create("esp_timer", 0, false, 0, func(slot int) {
			e.fire(slot)
		})
		if err != nil {
			e.mu.Unlock()
			r.Errorf("stubs: esp_timer_create: %v", err)
			ReturnUint32(c, espFail)
			return
		}
		e.byGuest[guestHandle] = handle
		e.cbPC[handle] = cbPC
		e.cbArg[handle] = cbArg
		e.mu.Unlock()

		c.Bus.Write32(outHandle, guestHandle)
		ReturnUint32(c, espOK)
	})

	r.Bind("esp_timer_start_once", func(c *xtensa.Core) {
		guestHandle := c.ArRead(2)
		timeoutUs := uint64(c.ArRead(3)) | uint64(c.ArRead(4))<<32
		e.mu.Lock()
		handle, ok := e.byGuest[guestHandle]
		e.mu.Unlock()
		if !ok {
			ReturnUint32(c, espFail)
			return
		}
		e.table.ChangePeriod(handle, int64(timeoutUs/1000))
		ReturnUint32(c, espOK)
	})
	r.Bind("esp_timer_start_periodic", func(c *xtensa.Core) {
		guestHandle := c.ArRead(2)
		periodUs := uint64(c.ArRead(3)) | uint64(c.ArRead(4))<<32
		e.mu.Lock()
		handle, ok := e.byGuest[guestHandle]
		e.mu.Unlock()
		if !ok {
			ReturnUint32(c, espFail)
			return
		}
		e.table.ChangePeriod(handle, int64(periodUs/1000))
		ReturnUint32(c, espOK)
	})
	r.Bind("esp_timer_stop", func(c *xtensa.Core) {
		guestHandle := c.ArRead(2)
		e.mu.Lock()
		handle, ok := e.byGuest[guestHandle]
		e.mu.Unlock()
		if !ok {
			ReturnUint32(c, espFail)
			return
		}
		e.table.Stop(handle)
		ReturnUint32(c, espOK)
	})
	r.Bind("esp_timer_delete", func(c *xtensa.Core) {
		guestHandle := c.ArRead(2)
		e.mu.Lock()
		handle, ok := e.byGuest[guestHandle]
		delete(e.byGuest, guestHandle)
		delete(e.cbPC, handle)
		delete(e.cbArg, handle)
		e.mu.Unlock()
		if !ok {
			ReturnUint32(c, espFail)
			return
		}
		e.table.Delete(handle)
		ReturnUint32(c, espOK)
	})
	r.Bind("esp_timer_is_active", func(c *xtensa.Core) {
		guestHandle := c.ArRead(2)
		e.mu.Lock()
		handle, ok := e.byGuest[guestHandle]
		e.mu.Unlock()
		if !ok {
			ReturnUint32(c, 0)
			return
		}
		if e.table.IsActive(handle) {
			ReturnUint32(c, 1)
		} else {
			ReturnUint32(c, 0)
		}
	})
}

// fire is invoked by the timer daemon goroutine; it cannot safely call
// back into the guest CPU from a non-CPU thread, so it records the due
// callback for the session's post-batch hook to invoke on the CPU thread.
func (e *EspTimer) fire(handle int) {
	e.mu.Lock()
	pc, cbOK := e.cbPC[handle]
	arg := e.cbArg[handle]
	e.mu.Unlock()
	if !cbOK {
		return
	}
	e.enqueueCallback(pc, arg)
}

// PendingCallback is one guest callback the esp_timer daemon wants
// invoked on the CPU thread.
type PendingCallback struct {
	PC  uint32
	Arg uint32
}

func (e *EspTimer) enqueueCallback(pc, arg uint32) {
	e.mu.Lock()
	e.pending = append(e.pending, PendingCallback{PC: pc, Arg: arg})
	e.mu.Unlock()
}

// DrainPending returns and clears queued guest callbacks for the session's
// post-batch hook to dispatch.
func (e *EspTimer) DrainPending() []PendingCallback {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.pending
	e.pending = nil
	return out
}
