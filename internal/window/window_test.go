package window

import (
	"bytes"
	"testing"
)

func TestFill(t *testing.T) {
	data := []byte{0x55, 0x89, 0xe5, 0xc3}

	tests := []struct {
		name string
		base uint64
		buf  []byte
		addr uint64
		n    int
		want []byte
	}{
		{
			name: "inside window",
			base: 0x1000,
			buf:  data,
			addr: 0x1001,
			n:    2,
			want: []byte{0x89, 0xe5},
		},
		{
			name: "straddles end",
			base: 0x1000,
			buf:  data,
			addr: 0x1002,
			n:    4,
			want: []byte{0xe5, 0xc3, 0, 0},
		},
		{
			name: "straddles start",
			base: 0x1000,
			buf:  data,
			addr: 0xffe,
			n:    4,
			want: []byte{0, 0, 0x55, 0x89},
		},
		{
			name: "entirely below",
			base: 0x1000,
			buf:  data,
			addr: 0,
			n:    3,
			want: []byte{0, 0, 0},
		},
		{
			name: "empty window",
			base: 0x1000,
			buf:  nil,
			addr: 0x1000,
			n:    2,
			want: []byte{0, 0},
		},
		{
			name: "top of address space",
			base: 0xffffffffffffffff,
			buf:  []byte{0xaa},
			addr: 0xffffffffffffffff,
			n:    3,
			want: []byte{0xaa, 0, 0},
		},
		{
			name: "zero length",
			base: 0,
			buf:  data,
			addr: 0,
			n:    0,
			want: []byte{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := New(tt.base, tt.buf)
			got := w.Read(tt.addr, tt.n)
			if !bytes.Equal(got, tt.want) {
				t.Errorf("Read(%#x, %d) = % x, want % x", tt.addr, tt.n, got, tt.want)
			}
		})
	}
}

func TestFillEveryByte(t *testing.T) {
	buf := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	const base = 0x40

	w := New(base, buf)
	for addr := uint64(0); addr < base+uint64(len(buf))+8; addr++ {
		got := w.Read(addr, 1)[0]
		var want byte
		if addr >= base && addr < base+uint64(len(buf)) {
			want = buf[addr-base]
		}
		if got != want {
			t.Fatalf("byte at %#x = %#x, want %#x", addr, got, want)
		}
	}
}

func TestBounds(t *testing.T) {
	w := New(0x400000, make([]byte, 0x20))

	if w.Base() != 0x400000 {
		t.Errorf("Base() = %#x", w.Base())
	}
	if w.Size() != 0x20 {
		t.Errorf("Size() = %#x", w.Size())
	}
	if w.End() != 0x400020 {
		t.Errorf("End() = %#x", w.End())
	}
	if !w.Contains(0x40001f) {
		t.Error("last byte should be contained")
	}
	if w.Contains(0x400020) {
		t.Error("End() should not be contained")
	}
	if w.Contains(0x3fffff) {
		t.Error("byte below base should not be contained")
	}
}
