package stubs

import (
	"sync"

	"github.com/levkropp/cyd-emulator/xtensa"
)

// Touch models XPT2046/GT911 poll functions over a latched press state,
// grounded on emu_touch.c: a rising edge is latched until the guest reads
// it, so a quick tap between polls isn't lost.
type Touch struct {
	mu      sync.Mutex
	down    bool
	x, y    int
	pending bool
	px, py  int
}

// NewTouch creates an idle touch pack.
func NewTouch() *Touch { return &Touch{} }

// Update is called by the host input source (whatever feeds touch events
// into the emulator) on every physical state change.
func (t *Touch) Update(down bool, x, y int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.x, t.y = x, y
	if down && !t.down {
		t.pending = true
		t.px, t.py = x, y
	}
	t.down = down
}

// Read reports the latched-or-current touch state (touch_read).
func (t *Touch) Read() (down bool, x, y int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending {
		return true, t.px, t.py
	}
	return t.down, t.x, t.y
}

// consume clears the latch once the guest has observed it.
func (t *Touch) consume() {
	t.mu.Lock()
	t.pending = false
	t.mu.Unlock()
}

// Register binds touch_init/touch_read; touch_wait_tap is intentionally
// not exposed as a hook, since the busy-wait-with-usleep form it takes in
// emu_touch.c would block the interpreter thread — firmware that needs a
// blocking tap wait gets it through a FreeRTOS-backed polling loop instead.
func (t *Touch) Register(r *Registry) {
	r.Bind("touch_init", func(c *xtensa.Core) {})
	r.Bind("touch_read", func(c *xtensa.Core) {
		xAddr := c.ArRead(2)
		yAddr := c.ArRead(3)
		down, x, y := t.Read()
		if down {
			t.consume()
		}
		c.Bus.Write32(xAddr, uint32(int32(x)))
		c.Bus.Write32(yAddr, uint32(int32(y)))
		if down {
			ReturnUint32(c, 1)
		} else {
			ReturnUint32(c, 0)
		}
	})
}
