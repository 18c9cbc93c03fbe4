package loader

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// fakeBus is a minimal BusWriter backed by a flat map of named regions,
// enough to exercise LoadImage without depending on package memio.
type fakeBus struct {
	base uint32
	buf  []byte
}

func (f *fakeBus) RegionFor(addr uint32) ([]byte, uint32, bool) {
	if addr < f.base || addr >= f.base+uint32(len(f.buf)) {
		return nil, 0, false
	}
	return f.buf, addr - f.base, true
}

func buildImage(t *testing.T, segs []Segment) []byte {
	t.Helper()
	var buf bytes.Buffer
	buf.Write(MagicSURV[:])
	binary.Write(&buf, binary.LittleEndian, uint32(len(segs)))
	for _, s := range segs {
		binary.Write(&buf, binary.LittleEndian, s.LoadAddr)
		binary.Write(&buf, binary.LittleEndian, uint32(len(s.Payload)))
		buf.Write(s.Payload)
	}
	return buf.Bytes()
}

func TestLoadImageSingleSegment(t *testing.T) {
	bus := &fakeBus{base: 0x3FFAE000, buf: make([]byte, 1024)}
	data := buildImage(t, []Segment{{LoadAddr: 0x3FFAE000, Payload: []byte("ABCD")}})

	img, err := LoadImage(bytes.NewReader(data), bus)
	if err != nil {
		t.Fatal(err)
	}
	if img.SegmentCount != 1 {
		t.Fatalf("segment count = %d, want 1", img.SegmentCount)
	}
	if img.EntryPoint != 0x3FFAE000 {
		t.Fatalf("entry point = %#x, want 0x3FFAE000", img.EntryPoint)
	}
	if got := binary.LittleEndian.Uint32(bus.buf[:4]); got != 0x44434241 {
		t.Fatalf("placed payload = %#x, want 0x44434241", got)
	}
}

func TestLoadImageRejectsUnmappedSegment(t *testing.T) {
	bus := &fakeBus{base: 0x3FFAE000, buf: make([]byte, 16)}
	data := buildImage(t, []Segment{{LoadAddr: 0xDEAD0000, Payload: []byte("x")}})

	if _, err := LoadImage(bytes.NewReader(data), bus); err == nil {
		t.Fatal("expected error for segment targeting unmapped address")
	}
}

func TestLoadImageRejectsBadMagic(t *testing.T) {
	bus := &fakeBus{base: 0, buf: make([]byte, 16)}
	if _, err := LoadImage(bytes.NewReader([]byte("XXXX\x00\x00\x00\x00")), bus); err == nil {
		t.Fatal("expected error for bad magic")
	}
}
