// Package disasm defines the cached instruction representation shared by
// the translators, the disassembly driver and the gadget scanner, and the
// address-ordered store those records live in.
package disasm

import (
	"fmt"
	"slices"
)

// MaxInstLen is the capacity of Inst.Raw. It covers the longest encoding
// of every supported architecture (15 bytes on x86).
const MaxInstLen = 16

// Inst is a decoded instruction.
type Inst struct {
	VA       uint64           // virtual address of instruction
	Len      int              // encoded length, 0 until decoded
	Raw      [MaxInstLen]byte // raw encoding, zero padded
	Mnemonic string           // mnemonic in lowercase
	Text     string           // formatted disassembly string
	Ops      []MicroOp        // micro-operations in emission order
}

// Bytes returns the raw encoding consumed by the instruction.
func (i Inst) Bytes() []byte {
	n := min(max(i.Len, 0), MaxInstLen)
	return slices.Clone(i.Raw[:n])
}

// End returns the address immediately after the instruction.
func (i Inst) End() uint64 { return i.VA + uint64(i.Len) }

// Decoded reports whether the instruction length is known.
func (i Inst) Decoded() bool { return i.Len > 0 }

// Any reports whether at least one micro-operation satisfies pred.
func (i Inst) Any(pred func(MicroOp) bool) bool {
	return slices.ContainsFunc(i.Ops, pred)
}

// Clone returns a deep copy of the instruction.
func (i Inst) Clone() Inst {
	if i.Ops != nil {
		ops := make([]MicroOp, len(i.Ops))
		for k, op := range i.Ops {
			ops[k] = op.Clone()
		}
		i.Ops = ops
	}
	return i
}

func (i Inst) String() string {
	return fmt.Sprintf("%x  % -20x %s", i.VA, i.Bytes(), i.Text)
}

// Stream is a linear sequence of instructions.
type Stream []Inst
