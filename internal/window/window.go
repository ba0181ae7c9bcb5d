// Package window provides a read-only, address-mapped view over a byte
// buffer. Bytes requested outside the mapped range read as zero.
package window

// Window maps a caller supplied buffer at a base address.
type Window struct {
	base uint64
	buf  []byte
}

// New maps buf at base. The buffer is not copied; callers must not modify
// it while the window is in use.
func New(base uint64, buf []byte) *Window {
	return &Window{base: base, buf: buf}
}

// Base returns the address of the first mapped byte.
func (w *Window) Base() uint64 { return w.base }

// Size returns the number of mapped bytes.
func (w *Window) Size() uint64 { return uint64(len(w.buf)) }

// End returns the address immediately after the last mapped byte.
func (w *Window) End() uint64 { return w.base + uint64(len(w.buf)) }

// Contains reports whether addr falls within [Base, End).
func (w *Window) Contains(addr uint64) bool {
	return addr >= w.base && addr-w.base < uint64(len(w.buf))
}

// Fill copies the bytes starting at addr into dst. Any byte whose address
// falls outside the window is written as zero.
func (w *Window) Fill(dst []byte, addr uint64) {
	for i := range dst {
		cur := addr + uint64(i)
		if cur < addr || !w.Contains(cur) {
			// wrapped past the top of the address space, or unmapped
			dst[i] = 0
			continue
		}
		dst[i] = w.buf[cur-w.base]
	}
}

// Read returns n bytes starting at addr, zero filled outside the window.
func (w *Window) Read(addr uint64, n int) []byte {
	if n <= 0 {
		return []byte{}
	}
	out := make([]byte, n)
	w.Fill(out, addr)
	return out
}
