package stubs

import (
	"sync"

	"github.com/levkropp/cyd-emulator/xtensa"
)

// Display is the shared RGB565 framebuffer every TFT_eSPI/eSprite entry
// point draws into, mutex-guarded because the host rendering loop reads it
// on a different goroutine than the CPU thread that writes it. Grounded on
// emu_display.c's emu_framebuf + emu_framebuf_mutex.
type Display struct {
	mu       sync.Mutex
	width    int
	height   int
	rotation int
	buf      []uint16
	font     Font
}

// Font supplies the 8xN bitmap glyphs display_char/display_string draw,
// matching emu_display.c's font_data table without hardcoding a specific
// typeface in this package.
type Font struct {
	Width, Height int
	First, Last   byte
	Glyphs        [][]byte // one []byte per codepoint in [First,Last], Height rows
}

// NewDisplay creates a framebuffer at the native (unrotated) size.
func NewDisplay(width, height int, font Font) *Display {
	return &Display{width: width, height: height, buf: make([]uint16, width*height), font: font}
}

// Snapshot copies the current framebuffer out for the host render loop,
// honoring the effective (rotation-adjusted) dimensions.
func (d *Display) Snapshot() (pixels []uint16, w, h int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]uint16, len(d.buf))
	copy(out, d.buf)
	w, h = d.effectiveDims()
	return out, w, h
}

func (d *Display) effectiveDims() (int, int) {
	if d.rotation%2 == 1 {
		return d.height, d.width
	}
	return d.width, d.height
}

func (d *Display) fillRectLocked(x, y, w, h int, color uint16) {
	ew, eh := d.effectiveDims()
	if x < 0 {
		w += x
		x = 0
	}
	if y < 0 {
		h += y
		y = 0
	}
	if x+w > ew {
		w = ew - x
	}
	if y+h > eh {
		h = eh - y
	}
	if w <= 0 || h <= 0 {
		return
	}
	for row := y; row < y+h; row++ {
		base := row * ew
		for i := x; i < x+w; i++ {
			d.buf[base+i] = color
		}
	}
}

// Register binds the display_* entry points this stub pack implements.
func (d *Display) Register(r *Registry) {
	r.Bind("display_init", func(c *xtensa.Core) {
		d.mu.Lock()
		for i := range d.buf {
			d.buf[i] = 0
		}
		d.mu.Unlock()
	})
	r.Bind("display_clear", func(c *xtensa.Core) {
		color := uint16(c.ArRead(2))
		d.mu.Lock()
		ew, eh := d.effectiveDims()
		d.fillRectLocked(0, 0, ew, eh, color)
		d.mu.Unlock()
	})
	r.Bind("display_fill_rect", func(c *xtensa.Core) {
		x, y, w, h := int(int32(c.ArRead(2))), int(int32(c.ArRead(3))), int(int32(c.ArRead(4))), int(int32(c.ArRead(5)))
		color := uint16(c.ArRead(6))
		d.mu.Lock()
		d.fillRectLocked(x, y, w, h, color)
		d.mu.Unlock()
	})
	r.Bind("display_draw_rgb565_line", func(c *xtensa.Core) {
		x, y, w := int(int32(c.ArRead(2))), int(int32(c.ArRead(3))), int(int32(c.ArRead(4)))
		pixAddr := c.ArRead(5)
		d.mu.Lock()
		ew, eh := d.effectiveDims()
		if y < 0 || y >= eh || w <= 0 {
			d.mu.Unlock()
			return
		}
		skip := 0
		if x < 0 {
			skip = -x
			w += x
			x = 0
		}
		if x+w > ew {
			w = ew - x
		}
		if w > 0 {
			base := y*ew + x
			for i := 0; i < w; i++ {
				lo := c.Bus.Read8(pixAddr + uint32((skip+i)*2))
				hi := c.Bus.Read8(pixAddr + uint32((skip+i)*2+1))
				d.buf[base+i] = uint16(lo) | uint16(hi)<<8
			}
		}
		d.mu.Unlock()
	})
	r.Bind("display_char", func(c *xtensa.Core) {
		x, y := int(int32(c.ArRead(2))), int(int32(c.ArRead(3)))
		ch := byte(c.ArRead(4))
		fg, bg := uint16(c.ArRead(5)), uint16(c.ArRead(6))
		d.drawChar(x, y, ch, fg, bg)
	})
	r.Bind("display_string", func(c *xtensa.Core) {
		x, y := int(int32(c.ArRead(2))), int(int32(c.ArRead(3)))
		strAddr := c.ArRead(4)
		fg, bg := uint16(c.ArRead(5)), uint16(c.ArRead(6))
		s := ReadCString(c, strAddr, 512)
		d.drawString(x, y, s, fg, bg)
	})
	r.Bind("display_draw_bitmap1bpp", func(c *xtensa.Core) {
		x, y, w, h := int(int32(c.ArRead(2))), int(int32(c.ArRead(3))), int(int32(c.ArRead(4))), int(int32(c.ArRead(5)))
		bitmapAddr := c.ArRead(6)
		fg, bg := uint16(c.ArRead(7)), uint16(0) // bg read via a8 would require a 7th visible arg; default black
		_ = bg
		d.drawBitmap1bpp(x, y, w, h, bitmapAddr, fg, c.Bus)
	})
	// set-rotation is not in emu_display.c but is part of TFT_eSPI's real
	// surface and resizes the effective framebuffer dimensions.
	r.Bind("display_set_rotation", func(c *xtensa.Core) {
		d.mu.Lock()
		d.rotation = int(c.ArRead(2)) % 4
		d.mu.Unlock()
	})
}

func (d *Display) drawChar(x, y int, ch byte, fg, bg uint16) {
	if d.font.Glyphs == nil {
		return
	}
	if ch < d.font.First || ch > d.font.Last {
		ch = ' '
	}
	glyph := d.font.Glyphs[ch-d.font.First]
	d.mu.Lock()
	defer d.mu.Unlock()
	ew, eh := d.effectiveDims()
	for row := 0; row < d.font.Height && row < len(glyph); row++ {
		dy := y + row
		if dy < 0 || dy >= eh {
			continue
		}
		if x < 0 || x+d.font.Width > ew {
			continue
		}
		bits := glyph[row]
		base := dy * ew
		for col := 0; col < d.font.Width; col++ {
			if bits&(0x80>>uint(col)) != 0 {
				d.buf[base+x+col] = fg
			} else {
				d.buf[base+x+col] = bg
			}
		}
	}
}

func (d *Display) drawString(x, y int, s string, fg, bg uint16) {
	cx, cy := x, y
	for _, ch := range []byte(s) {
		if ch == '\n' {
			cx = x
			cy += d.font.Height
			continue
		}
		d.mu.Lock()
		ew, eh := d.effectiveDims()
		d.mu.Unlock()
		if cx+d.font.Width > ew {
			cx = 0
			cy += d.font.Height
		}
		if cy+d.font.Height > eh {
			break
		}
		d.drawChar(cx, cy, ch, fg, bg)
		cx += d.font.Width
	}
}

func (d *Display) drawBitmap1bpp(x, y, w, h int, bitmapAddr uint32, fg uint16, bus busReader) {
	rowBytes := (w + 7) / 8
	d.mu.Lock()
	defer d.mu.Unlock()
	ew, eh := d.effectiveDims()
	for row := 0; row < h; row++ {
		dy := y + row
		if dy < 0 || dy >= eh {
			continue
		}
		for col := 0; col < w; col++ {
			dx := x + col
			if dx < 0 || dx >= ew {
				continue
			}
			b := bus.Read8(bitmapAddr + uint32(row*rowBytes+col/8))
			bit := b & (0x80 >> uint(col%8))
			if bit != 0 {
				d.buf[dy*ew+dx] = fg
			}
		}
	}
}

// busReader is the subset of *memio.Bus this pack needs, kept narrow so
// the package doesn't import memio just for one method signature.
type busReader interface {
	Read8(addr uint32) uint8
}
