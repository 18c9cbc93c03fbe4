package stubs

import (
	"crypto/rand"

	"github.com/levkropp/cyd-emulator/xtensa"
)

// Feature bits for esp_chip_info_t.features, matching ESP-IDF's
// CHIP_FEATURE_* constants for a classic ESP32.
const (
	chipFeatureEmbFlash = 1 << 0
	chipFeatureWiFiBGN  = 1 << 1
	chipFeatureBLE      = 1 << 4
	chipFeatureBT       = 1 << 5
)

// System models esp_system.h/esp_random.h, grounded on emu_system.c:
// esp_restart stops the running core rather than exiting the process,
// esp_random reads a CSPRNG instead of /dev/urandom (stdlib crypto/rand is
// the idiomatic Go equivalent), heap figures are the same plausible
// constants the original reports.
type System struct {
	stop func() // invoked by esp_restart to halt the emulated session
	logf func(format string, args ...any)
}

// NewSystem creates a System pack. stop is called by esp_restart(); it
// should halt both cores the way the session's Shutdown does.
func NewSystem(stop func(), logf func(format string, args ...any)) *System {
	return &System{stop: stop, logf: logf}
}

func (s *System) log(format string, args ...any) {
	if s.logf != nil {
		s.logf(format, args...)
	}
}

func randomUint32() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0xA5A5A5A5
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// Register binds the esp_system/esp_random/esp_chip_info entry points.
func (s *System) Register(r *Registry) {
	const resetReasonPowerOn = 1 // ESP_RST_POWERON

	r.Bind("esp_reset_reason", func(c *xtensa.Core) { ReturnUint32(c, resetReasonPowerOn) })
	r.Bind("esp_restart", func(c *xtensa.Core) {
		s.log("system: esp_restart() called, stopping session")
		if s.stop != nil {
			s.stop()
		}
		c.Halted = true
	})
	r.Bind("esp_get_free_heap_size", func(c *xtensa.Core) { ReturnUint32(c, 200*1024) })
	r.Bind("esp_get_minimum_free_heap_size", func(c *xtensa.Core) { ReturnUint32(c, 150*1024) })

	r.Bind("esp_random", func(c *xtensa.Core) { ReturnUint32(c, randomUint32()) })
	r.Bind("esp_fill_random", func(c *xtensa.Core) {
		addr := c.ArRead(2)
		n := c.ArRead(3)
		buf := make([]byte, n)
		if _, err := rand.Read(buf); err != nil {
			for i := range buf {
				buf[i] = 0xA5
			}
		}
		for i, b := range buf {
			c.Bus.Write8(addr+uint32(i), b)
		}
	})

	r.Bind("esp_chip_info", func(c *xtensa.Core) {
		// esp_chip_info_t { model u32 (enum), features u32, revision u16,
		// cores u8, pad u8 } — 12 bytes, matching the real struct's layout.
		out := c.ArRead(2)
		if out == 0 {
			return
		}
		const modelESP32 = 1
		c.Bus.Write32(out+0, modelESP32)
		c.Bus.Write32(out+4, chipFeatureEmbFlash|chipFeatureWiFiBGN|chipFeatureBLE|chipFeatureBT)
		c.Bus.Write16(out+8, 3) // revision
		c.Bus.Write8(out+10, 2) // dual-core
	})
}
