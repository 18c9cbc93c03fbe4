package frt

import (
	"fmt"
	"sync"
	"time"
)

// MaxTimers is the fixed timer-table capacity, grounded on
// emu_freertos.c's MAX_TIMERS.
const MaxTimers = 16

// timerEntry is one software timer slot.
type timerEntry struct {
	name       string
	periodMs   int64
	autoReload bool
	id         uint32
	callback   func(handle int)
	active     bool
	nextFireMs int64
}

// TimerTable is the single-daemon-thread software timer subsystem,
// grounded on emu_freertos.c's timer_thread_func: one goroutine picks the
// earliest active next_fire_ms and waits either until that moment or
// 100ms, to observe shutdown.
type TimerTable struct {
	mu     sync.Mutex
	bc     *Broadcaster
	shut   *Shutdown
	slots  [MaxTimers]*timerEntry
	wg     sync.WaitGroup
	epoch  time.Time
}

// NewTimerTable creates the table and starts its daemon goroutine.
func NewTimerTable(shut *Shutdown) *TimerTable {
	t := &TimerTable{bc: NewBroadcaster(), shut: shut, epoch: time.Now()}
	t.wg.Add(1)
	go t.daemon()
	return t
}

func (t *TimerTable) nowMs() int64 {
	return time.Since(t.epoch).Milliseconds()
}

// Create allocates a timer slot (xTimerCreate). The timer starts inactive.
func (t *TimerTable) Create(name string, periodMs int64, autoReload bool, id uint32, cb func(handle int)) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, s := range t.slots {
		if s == nil {
			t.slots[i] = &timerEntry{name: name, periodMs: periodMs, autoReload: autoReload, id: id, callback: cb}
			return i, nil
		}
	}
	return 0, fmt.Errorf("frt: timer table full (cap %d)", MaxTimers)
}

// Start activates the timer, computing its next fire time from now.
func (t *TimerTable) Start(handle int) error {
	return t.arm(handle, t.nowMs())
}

// Reset restarts the timer's period from now, whether or not it was
// already active (xTimerReset).
func (t *TimerTable) Reset(handle int) error {
	return t.arm(handle, t.nowMs())
}

func (t *TimerTable) arm(handle int, fromMs int64) error {
	t.mu.Lock()
	e := t.slots[handle]
	if e == nil {
		t.mu.Unlock()
		return fmt.Errorf("frt: unknown timer handle %d", handle)
	}
	e.active = true
	e.nextFireMs = fromMs + e.periodMs
	t.mu.Unlock()
	t.bc.Broadcast()
	return nil
}

// Stop deactivates the timer without deleting it.
func (t *TimerTable) Stop(handle int) error {
	t.mu.Lock()
	e := t.slots[handle]
	if e == nil {
		t.mu.Unlock()
		return fmt.Errorf("frt: unknown timer handle %d", handle)
	}
	e.active = false
	t.mu.Unlock()
	t.bc.Broadcast()
	return nil
}

// ChangePeriod updates the period and rearms from now.
func (t *TimerTable) ChangePeriod(handle int, periodMs int64) error {
	t.mu.Lock()
	e := t.slots[handle]
	if e == nil {
		t.mu.Unlock()
		return fmt.Errorf("frt: unknown timer handle %d", handle)
	}
	e.periodMs = periodMs
	e.nextFireMs = t.nowMs() + periodMs
	e.active = true
	t.mu.Unlock()
	t.bc.Broadcast()
	return nil
}

// Delete frees the slot.
func (t *TimerTable) Delete(handle int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.slots[handle] == nil {
		return fmt.Errorf("frt: unknown timer handle %d", handle)
	}
	t.slots[handle] = nil
	return nil
}

// IsActive reports the timer's active flag.
func (t *TimerTable) IsActive(handle int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.slots[handle]
	return e != nil && e.active
}

// GetID / SetID implement pvTimerGetTimerID / vTimerSetTimerID.
func (t *TimerTable) GetID(handle int) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.slots[handle]
	if e == nil {
		return 0
	}
	return e.id
}

func (t *TimerTable) SetID(handle int, id uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e := t.slots[handle]; e != nil {
		e.id = id
	}
}

// daemon picks the earliest active next_fire_ms and waits either until
// that moment or 100ms, firing callbacks with the table's mutex released
// so a callback can safely call back into the table (e.g. to rearm
// itself) without deadlocking.
func (t *TimerTable) daemon() {
	defer t.wg.Done()
	for {
		if t.shut.Triggered() {
			return
		}
		t.mu.Lock()
		now := t.nowMs()
		var due []int
		earliest := now + int64(slice/time.Millisecond)
		for i, e := range t.slots {
			if e == nil || !e.active {
				continue
			}
			if e.nextFireMs <= now {
				due = append(due, i)
				continue
			}
			if e.nextFireMs < earliest {
				earliest = e.nextFireMs
			}
		}
		waitFor := time.Duration(earliest-now) * time.Millisecond
		if waitFor > slice {
			waitFor = slice
		}
		if waitFor < 0 {
			waitFor = 0
		}
		t.mu.Unlock()

		for _, h := range due {
			t.fire(h)
		}
		if len(due) > 0 {
			continue
		}

		select {
		case <-time.After(waitFor):
		case <-t.bc.Wait():
		case <-t.shut.Done():
			return
		}
	}
}

func (t *TimerTable) fire(handle int) {
	t.mu.Lock()
	e := t.slots[handle]
	if e == nil || !e.active {
		t.mu.Unlock()
		return
	}
	cb := e.callback
	if e.autoReload {
		e.nextFireMs += e.periodMs
	} else {
		e.active = false
	}
	t.mu.Unlock()
	if cb != nil {
		cb(handle)
	}
}

// Shutdown stops the daemon goroutine and waits for it to exit.
func (t *TimerTable) Shutdown() {
	t.shut.Trigger()
	t.wg.Wait()
}
