package frt

import "sync"

// Kind distinguishes the four semaphore variants FreeRTOS exposes under
// one handle type.
type Kind int

const (
	KindMutex Kind = iota
	KindBinary
	KindCounting
	KindRecursive
)

// Semaphore backs xSemaphoreCreateMutex/Binary/Counting/RecursiveMutex and
// their Take/Give family. Grounded on emu_freertos.c's
// `struct emu_semaphore` kind switch.
type Semaphore struct {
	mu    sync.Mutex
	bc    *Broadcaster
	shut  *Shutdown
	kind  Kind
	count int
	max   int

	owner        int // task handle; 0 = none. Used by KindRecursive.
	recurseDepth int
}

// NewMutex creates a binary mutex semaphore, initially available.
func NewMutex(shut *Shutdown) *Semaphore {
	return &Semaphore{bc: NewBroadcaster(), shut: shut, kind: KindMutex, count: 1, max: 1}
}

// NewRecursiveMutex creates a recursive mutex, initially available.
func NewRecursiveMutex(shut *Shutdown) *Semaphore {
	return &Semaphore{bc: NewBroadcaster(), shut: shut, kind: KindRecursive, count: 1, max: 1}
}

// NewBinary creates a binary semaphore, initially empty (matches
// xSemaphoreCreateBinary, which must be Given once before it can be
// Taken).
func NewBinary(shut *Shutdown) *Semaphore {
	return &Semaphore{bc: NewBroadcaster(), shut: shut, kind: KindBinary, count: 0, max: 1}
}

// NewCounting creates a counting semaphore with the given max and initial
// counts.
func NewCounting(shut *Shutdown, max, initial int) *Semaphore {
	return &Semaphore{bc: NewBroadcaster(), shut: shut, kind: KindCounting, count: initial, max: max}
}

// Take blocks (up to ticks, a FreeRTOS tick count) until the semaphore can
// be acquired. Returns false on timeout.
func (s *Semaphore) Take(ticks uint32) bool {
	deadline := NewDeadline(ticks)
	return WaitDeadline(&s.mu, s.bc, s.shut, deadline, func() bool {
		if s.count > 0 {
			s.count--
			return true
		}
		return false
	})
}

// TakeRecursive is the reentrant counterpart for KindRecursive semaphores:
// a take by the current owner succeeds immediately and bumps depth
// without touching count.
func (s *Semaphore) TakeRecursive(ticks uint32, taskHandle int) bool {
	deadline := NewDeadline(ticks)
	return WaitDeadline(&s.mu, s.bc, s.shut, deadline, func() bool {
		if s.owner == taskHandle && s.recurseDepth > 0 {
			s.recurseDepth++
			return true
		}
		if s.count > 0 {
			s.count--
			s.owner = taskHandle
			s.recurseDepth = 1
			return true
		}
		return false
	})
}

// Give releases the semaphore. Returns false if it was already at max.
func (s *Semaphore) Give() bool {
	s.mu.Lock()
	ok := false
	if s.count < s.max {
		s.count++
		ok = true
	}
	s.mu.Unlock()
	if ok {
		s.bc.Broadcast()
	}
	return ok
}

// GiveRecursive releases one level of recursion; the underlying count is
// only incremented when depth reaches zero.
func (s *Semaphore) GiveRecursive(taskHandle int) bool {
	s.mu.Lock()
	if s.owner != taskHandle || s.recurseDepth == 0 {
		s.mu.Unlock()
		return false
	}
	s.recurseDepth--
	release := s.recurseDepth == 0
	if release {
		s.owner = 0
		s.count++
	}
	s.mu.Unlock()
	if release {
		s.bc.Broadcast()
	}
	return true
}

// GiveFromISR mirrors xSemaphoreGiveFromISR: same effect as Give, no
// blocking is possible from an ISR context so there is nothing additional
// to model beyond the broadcast.
func (s *Semaphore) GiveFromISR() bool {
	return s.Give()
}

// Count reports the current available count, for diagnostics/tests.
func (s *Semaphore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}
