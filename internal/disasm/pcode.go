package disasm

import (
	"fmt"
	"slices"
	"strings"
)

// Space identifies the storage space an Operand lives in.
type Space uint8

const (
	SpaceConst    Space = iota // constant value, Offset holds the value
	SpaceRegister              // processor register file
	SpaceRAM                   // generic addressable memory
	SpaceUnique                // translator temporaries
)

func (s Space) String() string {
	switch s {
	case SpaceConst:
		return "const"
	case SpaceRegister:
		return "register"
	case SpaceRAM:
		return "ram"
	case SpaceUnique:
		return "unique"
	default:
		return fmt.Sprintf("space(%d)", uint8(s))
	}
}

// Operand is a (space, offset, size) triple naming a storage location.
type Operand struct {
	Space  Space
	Offset uint64
	Size   int
}

// Const returns a constant operand.
func Const(v uint64, size int) Operand {
	return Operand{Space: SpaceConst, Offset: v, Size: size}
}

// String formats the operand as (space,offset,size).
func (o Operand) String() string {
	return fmt.Sprintf("(%s,%#x,%d)", o.Space, o.Offset, o.Size)
}

// Opcode is a primitive micro-operation effect.
type Opcode uint8

const (
	OpCopy Opcode = iota + 1
	OpLoad
	OpStore
	OpBranch
	OpCBranch
	OpBranchInd
	OpCall
	OpCallInd
	OpCallOther
	OpReturn
	OpIntEqual
	OpIntNotEqual
	OpIntSLess
	OpIntLess
	OpIntZext
	OpIntSext
	OpIntAdd
	OpIntSub
	OpIntCarry
	OpIntSCarry
	OpIntSBorrow
	OpInt2Comp
	OpIntNegate
	OpIntXor
	OpIntAnd
	OpIntOr
	OpIntLeft
	OpIntRight
	OpIntSRight
	OpIntMult
	OpBoolNegate
	OpBoolXor
	OpBoolAnd
	OpBoolOr
	OpSubPiece
)

var opNames = [...]string{
	OpCopy:        "COPY",
	OpLoad:        "LOAD",
	OpStore:       "STORE",
	OpBranch:      "BRANCH",
	OpCBranch:     "CBRANCH",
	OpBranchInd:   "BRANCHIND",
	OpCall:        "CALL",
	OpCallInd:     "CALLIND",
	OpCallOther:   "CALLOTHER",
	OpReturn:      "RETURN",
	OpIntEqual:    "INT_EQUAL",
	OpIntNotEqual: "INT_NOTEQUAL",
	OpIntSLess:    "INT_SLESS",
	OpIntLess:     "INT_LESS",
	OpIntZext:     "INT_ZEXT",
	OpIntSext:     "INT_SEXT",
	OpIntAdd:      "INT_ADD",
	OpIntSub:      "INT_SUB",
	OpIntCarry:    "INT_CARRY",
	OpIntSCarry:   "INT_SCARRY",
	OpIntSBorrow:  "INT_SBORROW",
	OpInt2Comp:    "INT_2COMP",
	OpIntNegate:   "INT_NEGATE",
	OpIntXor:      "INT_XOR",
	OpIntAnd:      "INT_AND",
	OpIntOr:       "INT_OR",
	OpIntLeft:     "INT_LEFT",
	OpIntRight:    "INT_RIGHT",
	OpIntSRight:   "INT_SRIGHT",
	OpIntMult:     "INT_MULT",
	OpBoolNegate:  "BOOL_NEGATE",
	OpBoolXor:     "BOOL_XOR",
	OpBoolAnd:     "BOOL_AND",
	OpBoolOr:      "BOOL_OR",
	OpSubPiece:    "SUBPIECE",
}

func (op Opcode) String() string {
	if int(op) < len(opNames) && opNames[op] != "" {
		return opNames[op]
	}
	return fmt.Sprintf("Opcode(%d)", uint8(op))
}

// IsBranch reports whether the opcode transfers control.
func (op Opcode) IsBranch() bool {
	switch op {
	case OpBranch, OpCBranch, OpBranchInd, OpCall, OpCallInd, OpReturn:
		return true
	}
	return false
}

// MicroOp is one primitive effect of a decoded instruction. Out is only
// meaningful when HasOut is set. In is owned by the MicroOp.
type MicroOp struct {
	Opcode Opcode
	HasOut bool
	Out    Operand
	In     []Operand
}

// Equal reports whether both operations have the same opcode, output and
// inputs.
func (m MicroOp) Equal(o MicroOp) bool {
	if m.Opcode != o.Opcode || m.HasOut != o.HasOut {
		return false
	}
	if m.HasOut && m.Out != o.Out {
		return false
	}
	return slices.Equal(m.In, o.In)
}

// Clone returns a copy that shares no memory with m.
func (m MicroOp) Clone() MicroOp {
	m.In = slices.Clone(m.In)
	return m
}

// ReadsSpace reports whether any input lives in space.
func (m MicroOp) ReadsSpace(space Space) bool {
	for _, in := range m.In {
		if in.Space == space {
			return true
		}
	}
	return false
}

func (m MicroOp) String() string {
	return m.Format(nil)
}

// Format renders the operation, using name to print operands when it
// returns a non-empty string.
func (m MicroOp) Format(name func(Operand) string) string {
	operand := func(o Operand) string {
		if name != nil {
			if s := name(o); s != "" {
				return s
			}
		}
		return o.String()
	}

	var sb strings.Builder
	if m.HasOut {
		sb.WriteString(operand(m.Out))
		sb.WriteString(" = ")
	}
	sb.WriteString(m.Opcode.String())
	for _, in := range m.In {
		sb.WriteByte(' ')
		sb.WriteString(operand(in))
	}
	return sb.String()
}
