// Package loader parses the CYD firmware image format and ELF32 symbol
// tables.
package loader

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Magic values a firmware image header may carry. Both are accepted since
// it's unclear whether any single legitimate image carries only one or the
// other; either is treated as acceptable.
var (
	MagicSURV      = [4]byte{'S', 'U', 'R', 'V'}
	MagicESP32Flash = [4]byte{0xE9, 0x00, 0x00, 0x00}
)

// Segment is one loaded payload with its destination address.
type Segment struct {
	LoadAddr uint32
	Size     uint32
	Payload  []byte
}

// Image is the result of a successful load.
type Image struct {
	SegmentCount int
	EntryPoint   uint32
	Segments     []Segment
}

// BusWriter is the minimal surface LoadImage needs to place segment
// payloads — satisfied by *memio.Bus without creating an import cycle.
type BusWriter interface {
	RegionFor(addr uint32) (buf []byte, offset uint32, ok bool)
}

// LoadImage parses the header + N segments and copies each payload into
// the region backing its load address, via bus.RegionFor. A segment
// targeting an unmapped or undersized region is a configuration error.
func LoadImage(r io.Reader, bus BusWriter) (*Image, error) {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, fmt.Errorf("loader: reading header magic: %w", err)
	}
	if magic != MagicSURV && !(magic[0] == MagicESP32Flash[0]) {
		return nil, fmt.Errorf("loader: unrecognized image magic %x", magic)
	}

	var segCount uint32
	if err := binary.Read(r, binary.LittleEndian, &segCount); err != nil {
		return nil, fmt.Errorf("loader: reading segment count: %w", err)
	}

	img := &Image{SegmentCount: int(segCount)}
	for i := uint32(0); i < segCount; i++ {
		var hdr struct {
			LoadAddr uint32
			Size     uint32
		}
		if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
			return nil, fmt.Errorf("loader: reading segment %d header: %w", i, err)
		}
		payload := make([]byte, hdr.Size)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, fmt.Errorf("loader: reading segment %d payload (%d bytes): %w", i, hdr.Size, err)
		}

		buf, off, ok := bus.RegionFor(hdr.LoadAddr)
		if !ok {
			return nil, fmt.Errorf("loader: segment %d targets unmapped address %#x", i, hdr.LoadAddr)
		}
		if int(off)+len(payload) > len(buf) {
			return nil, fmt.Errorf("loader: segment %d (addr %#x, size %d) overruns its region", i, hdr.LoadAddr, hdr.Size)
		}
		copy(buf[off:], payload)

		img.Segments = append(img.Segments, Segment{LoadAddr: hdr.LoadAddr, Size: hdr.Size, Payload: payload})
		if i == 0 {
			img.EntryPoint = hdr.LoadAddr
		}
	}
	return img, nil
}
