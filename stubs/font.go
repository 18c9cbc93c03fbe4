package stubs

import (
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// DefaultFont converts x/image's built-in 7x13 bitmap face into this
// package's row-bitmap Font representation, for callers that don't supply
// their own glyph table.
func DefaultFont() Font {
	face := basicfont.Face7x13
	const first, last = ' ', '~'
	height := face.Metrics().Height.Ceil()
	glyphs := make([][]byte, int(last-first)+1)
	for ch := byte(first); ch <= last; ch++ {
		glyphs[ch-first] = renderGlyphRows(face, rune(ch), height)
	}
	return Font{Width: 8, Height: height, First: first, Last: last, Glyphs: glyphs}
}

// renderGlyphRows samples a basicfont glyph's alpha mask into one byte per
// scanline, MSB-first, matching the bit order Display.drawChar expects.
func renderGlyphRows(face font.Face, r rune, height int) []byte {
	rows := make([]byte, height)
	dr, mask, maskp, _, ok := face.Glyph(fixed.P(0, face.Metrics().Ascent.Ceil()), r)
	if !ok {
		return rows
	}
	for y := 0; y < dr.Dy(); y++ {
		destY := dr.Min.Y + y
		if destY < 0 || destY >= height {
			continue
		}
		var bits byte
		for x := 0; x < dr.Dx() && x < 8; x++ {
			_, _, _, a := mask.At(maskp.X+x, maskp.Y+y).RGBA()
			if a > 0x7FFF {
				bits |= 0x80 >> uint(x)
			}
		}
		rows[destY] = bits
	}
	return rows
}
