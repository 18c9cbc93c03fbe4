package stubs

import (
	"fmt"
	"hash/crc32"
	"strings"
	"sync"

	"github.com/levkropp/cyd-emulator/memio"
	"github.com/levkropp/cyd-emulator/xtensa"
)

// ROM intercepts the bootrom/libc routines firmware calls directly rather
// than through its own compiled implementation: memcpy/memset/memmove/
// strlen/strcmp/ets_delay_us/esp_rom_crc32_le/the printf family, plus the
// DPORT app-CPU boot-control registers that bring core 1 out of reset.
type ROM struct {
	mu sync.Mutex

	appCPUReleased bool
	appCPUEntry    uint32

	uartWrite func(b byte)
}

// NewROM creates the pack; core 1 starts un-released. uartWrite is where
// every byte the printf family formats is sent, the same sink the guest's
// direct UART0 MMIO writes land on.
func NewROM(uartWrite func(b byte)) *ROM { return &ROM{uartWrite: uartWrite} }

// AppCPUReleased reports whether a write to APPCPU_CTRL_B has released
// core 1, and its entry PC, for the session's boot-release detection.
func (rom *ROM) AppCPUReleased() (uint32, bool) {
	rom.mu.Lock()
	defer rom.mu.Unlock()
	return rom.appCPUEntry, rom.appCPUReleased
}

// DPORT app-CPU control register offsets, relative to memio.DPortBase,
// matching the ESP32 TRM's DPORT_APPCPU_CTRL_A/B/C/D_REG layout closely
// enough for this emulator's purposes (exact bit positions beyond
// run-stall/reset/boot-address are not modeled; no firmware this emulator
// targets inspects them).
const (
	dportAppCPUCtrlA = 0x02C // run-stall clock gate
	dportAppCPUCtrlB = 0x030 // reset
	dportAppCPUCtrlC = 0x034 // boot address, written before CtrlB clears reset
)

// MapAppCPUControl registers the DPORT app-CPU control block as MMIO on
// bus, wiring writes to CtrlB (clearing reset) as the release signal.
func (rom *ROM) MapAppCPUControl(bus *memio.Bus) error {
	var bootAddr uint32
	const ctrlBase = memio.DPortBase
	const ctrlSize = 0x40
	return bus.MapMMIO("dport-appcpu-ctrl", ctrlBase, ctrlSize, memio.Handler{
		OnRead: func(addr uint32) uint32 {
			switch addr - ctrlBase {
			case dportAppCPUCtrlC:
				return bootAddr
			default:
				return 0
			}
		},
		OnWrite: func(addr uint32, val uint32) {
			switch addr - ctrlBase {
			case dportAppCPUCtrlC:
				bootAddr = val
			case dportAppCPUCtrlB:
				if val == 0 { // write of 0 clears reset, releasing core 1
					rom.mu.Lock()
					rom.appCPUReleased = true
					rom.appCPUEntry = bootAddr
					rom.mu.Unlock()
				}
			}
		},
	})
}

// Register binds the libc/bootrom routines guest code calls by symbol.
func (rom *ROM) Register(r *Registry) {
	r.Bind("memcpy", func(c *xtensa.Core) {
		dst, src, n := c.ArRead(2), c.ArRead(3), c.ArRead(4)
		buf := make([]byte, n)
		for i := range buf {
			buf[i] = c.Bus.Read8(src + uint32(i))
		}
		for i, b := range buf {
			c.Bus.Write8(dst+uint32(i), b)
		}
		ReturnUint32(c, dst)
	})
	r.Bind("memmove", func(c *xtensa.Core) {
		dst, src, n := c.ArRead(2), c.ArRead(3), c.ArRead(4)
		buf := make([]byte, n)
		for i := range buf {
			buf[i] = c.Bus.Read8(src + uint32(i))
		}
		for i, b := range buf {
			c.Bus.Write8(dst+uint32(i), b)
		}
		ReturnUint32(c, dst)
	})
	r.Bind("memset", func(c *xtensa.Core) {
		dst, val, n := c.ArRead(2), c.ArRead(3), c.ArRead(4)
		b := byte(val)
		for i := uint32(0); i < n; i++ {
			c.Bus.Write8(dst+i, b)
		}
		ReturnUint32(c, dst)
	})
	r.Bind("strlen", func(c *xtensa.Core) {
		addr := c.ArRead(2)
		n := uint32(0)
		for c.Bus.Read8(addr+n) != 0 {
			n++
		}
		ReturnUint32(c, n)
	})
	r.Bind("strcmp", func(c *xtensa.Core) {
		a, b := c.ArRead(2), c.ArRead(3)
		for {
			ca := c.Bus.Read8(a)
			cb := c.Bus.Read8(b)
			if ca != cb {
				ReturnUint32(c, uint32(int32(ca)-int32(cb)))
				return
			}
			if ca == 0 {
				ReturnUint32(c, 0)
				return
			}
			a++
			b++
		}
	})
	r.Bind("ets_delay_us", func(c *xtensa.Core) {
		us := c.ArRead(2)
		mhz := uint64(c.ClockMHz)
		if mhz == 0 {
			mhz = xtensa.ClockMHzDefault
		}
		c.CycleCount.Add(uint64(us) * mhz)
	})
	r.Bind("esp_rom_crc32_le", func(c *xtensa.Core) {
		crc := c.ArRead(2)
		addr := c.ArRead(3)
		n := c.ArRead(4)
		buf := make([]byte, n)
		for i := range buf {
			buf[i] = c.Bus.Read8(addr + uint32(i))
		}
		// esp_rom_crc32_le undoes/reapplies the init/final XOR around a
		// continuable update — exactly crc32.Update's contract against the
		// IEEE table, since both use the reflected CRC-32 algorithm.
		ReturnUint32(c, crc32.Update(crc, crc32.IEEETable, buf))
	})
	r.Bind("ets_printf", rom.printf)
	r.Bind("esp_rom_printf", rom.printf)
}

// printf implements ets_printf/esp_rom_printf: format string in a2, up to
// four more call0-ABI varargs in a3..a6 (enough for the short diagnostic
// lines firmware actually emits through these), rendered and pushed one
// byte at a time to uartWrite, the same sink UART0 MMIO writes reach.
func (rom *ROM) printf(c *xtensa.Core) {
	fmtAddr := c.ArRead(2)
	format := ReadCString(c, fmtAddr, 256)
	args := []uint32{c.ArRead(3), c.ArRead(4), c.ArRead(5), c.ArRead(6)}
	out := rom.render(c, format, args)
	if rom.uartWrite != nil {
		for i := 0; i < len(out); i++ {
			rom.uartWrite(out[i])
		}
	}
	ReturnUint32(c, uint32(len(out)))
}

// render expands a printf-style format string against guest register
// arguments, supporting the verbs ets_printf diagnostics actually use:
// %d/%i (signed), %u/%x/%X (unsigned), %c, %s (guest C string pointer),
// and %%. An unrecognized verb is copied through literally rather than
// erroring, since a stub seeing an unexpected format is far more likely to
// be a string it doesn't need to fully honor than a fatal condition.
func (rom *ROM) render(c *xtensa.Core, format string, args []uint32) []byte {
	var sb strings.Builder
	argi := 0
	next := func() uint32 {
		if argi >= len(args) {
			return 0
		}
		v := args[argi]
		argi++
		return v
	}
	for i := 0; i < len(format); i++ {
		if format[i] != '%' || i == len(format)-1 {
			sb.WriteByte(format[i])
			continue
		}
		i++
		switch format[i] {
		case 'd', 'i':
			fmt.Fprintf(&sb, "%d", int32(next()))
		case 'u':
			fmt.Fprintf(&sb, "%d", next())
		case 'x':
			fmt.Fprintf(&sb, "%x", next())
		case 'X':
			fmt.Fprintf(&sb, "%X", next())
		case 'c':
			sb.WriteByte(byte(next()))
		case 's':
			sb.WriteString(ReadCString(c, next(), 256))
		case '%':
			sb.WriteByte('%')
		default:
			sb.WriteByte('%')
			sb.WriteByte(format[i])
		}
	}
	return []byte(sb.String())
}
