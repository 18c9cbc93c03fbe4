package stubs

import "testing"

func TestGPIOSetGetLevel(t *testing.T) {
	syms := map[string]uint32{
		"gpio_set_level": 0x40080100,
		"gpio_get_level": 0x40080200,
	}
	core, r := newTestRig(t, syms)
	g := NewGPIO(nil)
	g.Register(r)

	core.ArWrite(2, 4) // pin
	core.ArWrite(3, 1) // level
	callHook(t, core, syms, "gpio_set_level")
	if got := core.ArRead(2); got != espOK {
		t.Fatalf("gpio_set_level returned %#x, want espOK", got)
	}

	core.ArWrite(2, 4)
	callHook(t, core, syms, "gpio_get_level")
	if got := core.ArRead(2); got != 1 {
		t.Fatalf("gpio_get_level = %d, want 1", got)
	}
}

func TestGPIOSetLevelOutOfRangePin(t *testing.T) {
	syms := map[string]uint32{"gpio_set_level": 0x40080100}
	core, r := newTestRig(t, syms)
	g := NewGPIO(nil)
	g.Register(r)

	core.ArWrite(2, pinCount) // one past the last valid pin
	core.ArWrite(3, 1)
	callHook(t, core, syms, "gpio_set_level")
	if got := core.ArRead(2); got != espFail {
		t.Fatalf("gpio_set_level(out-of-range) = %#x, want espFail", got)
	}
}

func TestLEDCDutyRoundTrip(t *testing.T) {
	syms := map[string]uint32{
		"ledc_set_duty": 0x40080300,
		"ledc_get_duty": 0x40080400,
	}
	core, r := newTestRig(t, syms)
	g := NewGPIO(nil)
	g.Register(r)

	core.ArWrite(3, 2)    // channel
	core.ArWrite(4, 4000) // duty
	callHook(t, core, syms, "ledc_set_duty")

	core.ArWrite(3, 2)
	callHook(t, core, syms, "ledc_get_duty")
	if got := core.ArRead(2); got != 4000 {
		t.Fatalf("ledc_get_duty = %d, want 4000", got)
	}
}

func TestADC1GetRawWidth(t *testing.T) {
	syms := map[string]uint32{
		"adc1_config_width": 0x40080500,
		"adc1_get_raw":      0x40080600,
	}
	core, r := newTestRig(t, syms)
	g := NewGPIO(nil)
	g.Register(r)

	core.ArWrite(2, 9) // 9-bit width
	callHook(t, core, syms, "adc1_config_width")

	callHook(t, core, syms, "adc1_get_raw")
	if got := core.ArRead(2); got != 256 {
		t.Fatalf("adc1_get_raw at 9-bit width = %d, want 256 (midscale)", got)
	}
}
