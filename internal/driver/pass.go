package driver

import (
	"errors"
	"fmt"

	"ropscan/internal/disasm"
)

// Pass is one forward walk over the window. It counts the bytes it has
// consumed and refuses any instruction that would run past the end of the
// window, so offset arithmetic bugs cannot step beyond the buffer.
type Pass struct {
	d        *Driver
	start    uint64
	off      uint64
	consumed uint64
}

// NewPass starts a forward pass at offset start.
func (d *Driver) NewPass(start uint64) *Pass {
	return &Pass{d: d, start: start, off: start}
}

// Offset returns the window offset the next Step decodes at.
func (p *Pass) Offset() uint64 { return p.off }

// Consumed returns the number of bytes the pass has advanced over.
func (p *Pass) Consumed() uint64 { return p.consumed }

// Remaining returns the number of bytes left between the pass position
// and the end of the window.
func (p *Pass) Remaining() uint64 {
	size := p.d.win.Size()
	if p.start >= size || p.consumed >= size-p.start {
		return 0
	}
	return size - p.start - p.consumed
}

// Step decodes at the pass position and advances past the instruction.
// On ErrDecodeFault the position does not move; call Skip to resume one
// byte later.
func (p *Pass) Step() (int, error) {
	if p.off >= p.d.win.Size() {
		return 0, fmt.Errorf("%w: offset %#x, size %#x", ErrBufferExhausted, p.off, p.d.win.Size())
	}
	addr := p.d.Addr(p.off)
	inst, err := p.d.decode(addr)
	if err != nil {
		return 0, err
	}
	if left := p.Remaining(); uint64(inst.Len) > left {
		p.d.log.Warn("overrun",
			"addr", fmt.Sprintf("%#x", addr),
			"len", inst.Len,
			"remaining", left,
			"consumed", p.consumed)
		return 0, fmt.Errorf("%w at %#x: length %d, %d bytes left", ErrOverrun, addr, inst.Len, left)
	}
	p.d.commit(inst)
	p.off += uint64(inst.Len)
	p.consumed += uint64(inst.Len)
	return inst.Len, nil
}

// Skip advances the pass by one byte.
func (p *Pass) Skip() {
	p.off++
	p.consumed++
}

// Unit selects how Iterate and Walk count their amount.
type Unit int

const (
	UnitInstructions Unit = iota
	UnitBytes
)

func (u Unit) String() string {
	switch u {
	case UnitInstructions:
		return "insn"
	case UnitBytes:
		return "bytes"
	default:
		return fmt.Sprintf("Unit(%d)", int(u))
	}
}

// ParseUnit parses a unit name as printed by Unit.String.
func ParseUnit(s string) (Unit, error) {
	switch s {
	case "insn", "instructions", "instruction":
		return UnitInstructions, nil
	case "bytes", "byte":
		return UnitBytes, nil
	}
	return 0, fmt.Errorf("unknown unit %q", s)
}

// Iterate decodes forward from offset start until amount units have been
// consumed or the window ends. A negative amount runs to the end of the
// window. It returns copies of the decoded records in decode order.
//
// In byte mode a decode fault stops the iteration and is returned along
// with the records decoded before it. In instruction mode the faulting
// byte counts as one unit and decoding resumes after it.
func (d *Driver) Iterate(start uint64, unit Unit, amount int) (disasm.Stream, error) {
	var out disasm.Stream
	p := d.NewPass(start)
	for consumed := 0; amount < 0 || consumed < amount; {
		n, err := p.Step()
		switch {
		case errors.Is(err, ErrBufferExhausted):
			return out, nil
		case errors.Is(err, ErrDecodeFault):
			if unit == UnitBytes {
				return out, err
			}
			p.Skip()
			consumed++
			continue
		case err != nil:
			return out, err
		}

		if cur, ok := d.store.Current(); ok {
			out = append(out, cur.Clone())
		}
		if unit == UnitBytes {
			consumed += n
		} else {
			consumed++
		}
	}
	return out, nil
}

// Step is one entry of a Walk: either a decoded instruction or the fault
// found at Addr.
type Step struct {
	Offset uint64
	Addr   uint64
	Inst   disasm.Inst
	Err    error
}

// Walk decodes forward like Iterate but reports every decode fault to fn
// and continues one byte later, the way a listing prints bad bytes and
// moves on. A fault consumes one unit in either mode. Walk stops at the
// end of the window, on an overrun (reported to fn first), or when fn
// returns an error, which Walk returns.
func (d *Driver) Walk(start uint64, unit Unit, amount int, fn func(Step) error) error {
	p := d.NewPass(start)
	for consumed := 0; amount < 0 || consumed < amount; {
		off := p.Offset()
		s := Step{Offset: off, Addr: d.Addr(off)}
		n, err := p.Step()
		switch {
		case errors.Is(err, ErrBufferExhausted):
			return nil
		case err != nil:
			s.Err = err
			if cbErr := fn(s); cbErr != nil {
				return cbErr
			}
			if errors.Is(err, ErrOverrun) {
				return nil
			}
			p.Skip()
			consumed++
			continue
		}

		if cur, ok := d.store.Current(); ok {
			s.Inst = cur.Clone()
		}
		if err := fn(s); err != nil {
			return err
		}
		if unit == UnitBytes {
			consumed += n
		} else {
			consumed++
		}
	}
	return nil
}
