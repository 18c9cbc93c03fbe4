package frt

import (
	"context"
	"fmt"
	"sync"

	xsync "golang.org/x/sync/semaphore"
)

// MaxTasks is the fixed task-table capacity, grounded on emu_freertos.c's
// MAX_TASKS.
const MaxTasks = 32

// Task is one host-side thread standing in for a guest FreeRTOS task.
type Task struct {
	Handle   int
	Name     string
	Core     int // pinned core, recorded but not honored for dispatch
	alive    bool
	done     chan struct{}
}

// TaskTable is the fixed-capacity (32) slot allocator for tasks, grounded
// on emu_freertos.c's xTaskCreate family. Allocation uses a weighted
// semaphore instead of a hand-scanned free list.
type TaskTable struct {
	mu    sync.Mutex
	sem   *xsync.Weighted
	slots [MaxTasks]*Task
	shut  *Shutdown
}

// NewTaskTable creates an empty table.
func NewTaskTable(shut *Shutdown) *TaskTable {
	return &TaskTable{sem: xsync.NewWeighted(MaxTasks), shut: shut}
}

// Create allocates a slot and launches fn on a new goroutine, mirroring
// xTaskCreate[PinnedToCore]. Core pinning is recorded but ignored for
// dispatch.
func (t *TaskTable) Create(name string, core int, fn func(handle int)) (int, error) {
	if !t.sem.TryAcquire(1) {
		return 0, fmt.Errorf("frt: task table full (cap %d)", MaxTasks)
	}
	t.mu.Lock()
	handle := -1
	for i, s := range t.slots {
		if s == nil {
			handle = i
			break
		}
	}
	if handle == -1 {
		t.mu.Unlock()
		t.sem.Release(1)
		return 0, fmt.Errorf("frt: task table inconsistent: semaphore granted but no free slot")
	}
	task := &Task{Handle: handle, Name: name, Core: core, alive: true, done: make(chan struct{})}
	t.slots[handle] = task
	t.mu.Unlock()

	go func() {
		defer func() {
			t.mu.Lock()
			task.alive = false
			t.mu.Unlock()
			close(task.done)
		}()
		fn(handle)
	}()

	return handle, nil
}

// Delete marks a task deleted and frees its slot. vTaskDelete(NULL) (the
// self-delete form) is modeled by the caller passing its own handle;
// Delete does not attempt to interrupt a still-running goroutine and does
// not wait for it to exit — the slot is freed and made reusable at once.
func (t *TaskTable) Delete(handle int) error {
	t.mu.Lock()
	task := t.slots[handle]
	if task == nil {
		t.mu.Unlock()
		return fmt.Errorf("frt: delete of unknown task handle %d", handle)
	}
	t.slots[handle] = nil
	t.mu.Unlock()
	t.sem.Release(1)
	return nil
}

// IsAlive reports whether the task's goroutine is still running.
func (t *TaskTable) IsAlive(handle int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	task := t.slots[handle]
	return task != nil && task.alive
}

// Join blocks until the task's goroutine has returned or ctx is done.
func (t *TaskTable) Join(ctx context.Context, handle int) error {
	t.mu.Lock()
	task := t.slots[handle]
	t.mu.Unlock()
	if task == nil {
		return nil
	}
	select {
	case <-task.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ShutdownAll triggers the process-wide shutdown flag and waits (best
// effort) for every live task to exit, grounded on emu_freertos.c's
// emu_freertos_shutdown joining all tracked task threads.
func (t *TaskTable) ShutdownAll(ctx context.Context) {
	t.shut.Trigger()
	t.mu.Lock()
	handles := make([]int, 0, MaxTasks)
	for i, s := range t.slots {
		if s != nil {
			handles = append(handles, i)
		}
	}
	t.mu.Unlock()
	for _, h := range handles {
		_ = t.Join(ctx, h)
	}
}
