package stubs

import "github.com/levkropp/cyd-emulator/xtensa"

// pinCount mirrors emu_gpio.c's GPIO_PIN_COUNT.
const pinCount = 40

// ledcChannels mirrors emu_gpio.c's LEDC_CHAN_COUNT.
const ledcChannels = 8

// backlightPin is the CYD board's TFT backlight GPIO, logged on change the
// same way emu_gpio.c singles it out.
const backlightPin = 21

// GPIO models driver/gpio.h, driver/ledc.h, and driver/adc.h against an
// in-memory pin-state array, grounded on emu_gpio.c.
type GPIO struct {
	levels    [pinCount]uint32
	modes     [pinCount]uint32
	ledcDuty  [ledcChannels]uint32
	adcWidth  uint32
	logf      func(format string, args ...any)
}

// NewGPIO creates a GPIO pack with 12-bit ADC width, matching ESP-IDF's
// default.
func NewGPIO(logf func(format string, args ...any)) *GPIO {
	return &GPIO{adcWidth: 12, logf: logf}
}

func (g *GPIO) log(format string, args ...any) {
	if g.logf != nil {
		g.logf(format, args...)
	}
}

const espOK = 0
const espFail = 0xFFFFFFFF // ESP_FAIL sign-extends to all-ones as esp_err_t

// Register binds every GPIO/LEDC/ADC entry point this pack implements.
func (g *GPIO) Register(r *Registry) {
	r.Bind("gpio_set_direction", func(c *xtensa.Core) {
		pin := c.ArRead(2)
		if pin >= pinCount {
			ReturnUint32(c, espFail)
			return
		}
		g.modes[pin] = c.ArRead(3)
		ReturnUint32(c, espOK)
	})
	r.Bind("gpio_set_level", func(c *xtensa.Core) {
		pin := c.ArRead(2)
		if pin >= pinCount {
			ReturnUint32(c, espFail)
			return
		}
		level := uint32(0)
		if c.ArRead(3) != 0 {
			level = 1
		}
		prev := g.levels[pin]
		g.levels[pin] = level
		if pin == backlightPin && prev != level {
			g.log("gpio: backlight (GPIO%d) -> %d", backlightPin, level)
		}
		ReturnUint32(c, espOK)
	})
	r.Bind("gpio_get_level", func(c *xtensa.Core) {
		pin := c.ArRead(2)
		if pin >= pinCount {
			ReturnUint32(c, 0)
			return
		}
		ReturnUint32(c, g.levels[pin])
	})
	r.Bind("gpio_set_pull_mode", func(c *xtensa.Core) {
		ReturnUint32(c, espOK)
	})
	r.Bind("gpio_config", func(c *xtensa.Core) {
		// gpio_config_t* in a2: {pin_bit_mask u64, mode u32, ...}. Only the
		// two leading fields matter here; layout matches the ESP-IDF struct
		// packing for this subset.
		cfg := c.ArRead(2)
		if cfg == 0 {
			ReturnUint32(c, espFail)
			return
		}
		maskLo := c.Bus.Read32(cfg + 0)
		maskHi := c.Bus.Read32(cfg + 4)
		mode := c.Bus.Read32(cfg + 8)
		mask := uint64(maskHi)<<32 | uint64(maskLo)
		for i := 0; i < pinCount; i++ {
			if mask&(1<<uint(i)) != 0 {
				g.modes[i] = mode
			}
		}
		ReturnUint32(c, espOK)
	})

	r.Bind("ledc_timer_config", func(c *xtensa.Core) { ReturnUint32(c, espOK) })
	r.Bind("ledc_channel_config", func(c *xtensa.Core) {
		conf := c.ArRead(2)
		if conf == 0 {
			ReturnUint32(c, espFail)
			return
		}
		// ledc_channel_config_t: channel is a small early field in the
		// ESP-IDF struct; duty follows a few words later. Both read as
		// plain uint32 words at the offsets the toolchain lays out for
		// this struct shape.
		ch := c.Bus.Read32(conf + 4)
		duty := c.Bus.Read32(conf + 16)
		if ch < ledcChannels {
			g.ledcDuty[ch] = duty
		}
		ReturnUint32(c, espOK)
	})
	r.Bind("ledc_set_duty", func(c *xtensa.Core) {
		ch := c.ArRead(3)
		duty := c.ArRead(4)
		if ch < ledcChannels {
			g.ledcDuty[ch] = duty
		}
		ReturnUint32(c, espOK)
	})
	r.Bind("ledc_update_duty", func(c *xtensa.Core) {
		ch := c.ArRead(3)
		if ch < ledcChannels {
			g.log("gpio: ledc ch%d duty=%d", ch, g.ledcDuty[ch])
		}
		ReturnUint32(c, espOK)
	})
	r.Bind("ledc_get_duty", func(c *xtensa.Core) {
		ch := c.ArRead(3)
		if ch >= ledcChannels {
			ReturnUint32(c, 0)
			return
		}
		ReturnUint32(c, g.ledcDuty[ch])
	})
	r.Bind("ledc_set_freq", func(c *xtensa.Core) { ReturnUint32(c, espOK) })
	r.Bind("ledc_fade_func_install", func(c *xtensa.Core) { ReturnUint32(c, espOK) })
	r.Bind("ledc_set_fade_with_time", func(c *xtensa.Core) {
		ch := c.ArRead(3)
		duty := c.ArRead(4)
		if ch < ledcChannels {
			g.ledcDuty[ch] = duty
		}
		ReturnUint32(c, espOK)
	})
	r.Bind("ledc_fade_start", func(c *xtensa.Core) { ReturnUint32(c, espOK) })

	r.Bind("adc1_config_width", func(c *xtensa.Core) {
		g.adcWidth = c.ArRead(2)
		ReturnUint32(c, espOK)
	})
	r.Bind("adc1_config_channel_atten", func(c *xtensa.Core) { ReturnUint32(c, espOK) })
	r.Bind("adc1_get_raw", func(c *xtensa.Core) {
		var mid uint32
		switch g.adcWidth {
		case 9:
			mid = 256
		case 10:
			mid = 512
		case 11:
			mid = 1024
		default:
			mid = 2048
		}
		ReturnUint32(c, mid)
	})
}
