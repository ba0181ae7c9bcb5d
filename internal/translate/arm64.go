package translate

import (
	"fmt"
	"strings"

	"golang.org/x/arch/arm64/arm64asm"

	"ropscan/internal/disasm"
)

// ARM64 translates A64 machine code. Every instruction is four bytes.
type ARM64 struct {
	arch Arch
	mem  Filler
	buf  [4]byte
}

func NewARM64(a Arch, f Filler) *ARM64 {
	return &ARM64{arch: a, mem: f}
}

func (t *ARM64) Arch() Arch { return t.arch }

func (t *ARM64) decode(addr uint64) (arm64asm.Inst, error) {
	t.mem.Fill(t.buf[:], addr)
	inst, err := arm64asm.Decode(t.buf[:])
	if err != nil {
		return inst, noMatch(addr, err)
	}
	if inst.Op == 0 {
		return inst, noMatch(addr, fmt.Errorf("empty decode of %#08x", inst.Enc))
	}
	return inst, nil
}

func (t *ARM64) ProbeLength(addr uint64) (int, error) {
	if _, err := t.decode(addr); err != nil {
		return 0, err
	}
	return 4, nil
}

func (t *ARM64) DecodeText(addr uint64, sink Sink) (int, error) {
	inst, err := t.decode(addr)
	if err != nil {
		return 0, err
	}
	text := arm64asm.GNUSyntax(inst)
	mnemonic, body, _ := strings.Cut(text, " ")
	sink.OnText(addr, mnemonic, strings.TrimSpace(body))
	return 4, nil
}

func (t *ARM64) DecodeOps(addr uint64, sink Sink) (int, error) {
	inst, err := t.decode(addr)
	if err != nil {
		return 0, err
	}
	l := &arm64Lifter{inst: inst, addr: addr}
	l.lift()
	for _, op := range l.ops {
		sink.OnOperation(addr, op)
	}
	return 4, nil
}

// A64 register file layout.
const (
	a64SP = 0x100
	a64PC = 0x108

	a64N = 0x200
	a64Z = 0x201
	a64C = 0x202
	a64V = 0x203

	a64Vec = 0x400
)

func a64GPR(n int, size int) disasm.Operand {
	return disasm.Operand{Space: disasm.SpaceRegister, Offset: uint64(n) * 8, Size: size}
}

func a64Reg(r arm64asm.Reg) (disasm.Operand, bool) {
	reg := func(off uint64, size int) disasm.Operand {
		return disasm.Operand{Space: disasm.SpaceRegister, Offset: off, Size: size}
	}
	switch {
	case r >= arm64asm.W0 && r <= arm64asm.W30:
		return a64GPR(int(r-arm64asm.W0), 4), true
	case r >= arm64asm.X0 && r <= arm64asm.X30:
		return a64GPR(int(r-arm64asm.X0), 8), true
	case r >= arm64asm.B0 && r <= arm64asm.B31:
		return reg(a64Vec+uint64(r-arm64asm.B0)*16, 1), true
	case r >= arm64asm.H0 && r <= arm64asm.H31:
		return reg(a64Vec+uint64(r-arm64asm.H0)*16, 2), true
	case r >= arm64asm.S0 && r <= arm64asm.S31:
		return reg(a64Vec+uint64(r-arm64asm.S0)*16, 4), true
	case r >= arm64asm.D0 && r <= arm64asm.D31:
		return reg(a64Vec+uint64(r-arm64asm.D0)*16, 8), true
	case r >= arm64asm.Q0 && r <= arm64asm.Q31:
		return reg(a64Vec+uint64(r-arm64asm.Q0)*16, 16), true
	case r >= arm64asm.V0 && r <= arm64asm.V31:
		return reg(a64Vec+uint64(r-arm64asm.V0)*16, 16), true
	}
	// zero register
	return disasm.Operand{}, false
}

func regSize(r arm64asm.Reg) int {
	if r == arm64asm.WZR || (r >= arm64asm.W0 && r <= arm64asm.W30) {
		return 4
	}
	if o, ok := a64Reg(r); ok {
		return o.Size
	}
	return 8
}

var a64RegNames = func() map[disasm.Operand]string {
	names := make(map[disasm.Operand]string)
	for r := arm64asm.W0; r <= arm64asm.V31; r++ {
		if o, ok := a64Reg(r); ok {
			if _, dup := names[o]; !dup {
				names[o] = strings.ToLower(r.String())
			}
		}
	}
	for _, f := range []struct {
		off  uint64
		size int
		name string
	}{
		{a64SP, 8, "sp"}, {a64SP, 4, "wsp"}, {a64PC, 8, "pc"},
		{a64N, 1, "N"}, {a64Z, 1, "Z"}, {a64C, 1, "C"}, {a64V, 1, "V"},
	} {
		names[disasm.Operand{Space: disasm.SpaceRegister, Offset: f.off, Size: f.size}] = f.name
	}
	return names
}()

func (t *ARM64) RegisterName(offset uint64, size int) string {
	return a64RegNames[disasm.Operand{Space: disasm.SpaceRegister, Offset: offset, Size: size}]
}

type arm64Lifter struct {
	inst arm64asm.Inst
	addr uint64
	uniq uint64
	ops  []disasm.MicroOp
}

func (l *arm64Lifter) tmp(size int) disasm.Operand {
	o := disasm.Operand{Space: disasm.SpaceUnique, Offset: uniqueBase + l.uniq, Size: size}
	l.uniq += 0x10
	return o
}

func (l *arm64Lifter) op(opc disasm.Opcode, out disasm.Operand, in ...disasm.Operand) {
	l.ops = append(l.ops, disasm.MicroOp{Opcode: opc, HasOut: true, Out: out, In: in})
}

func (l *arm64Lifter) effect(opc disasm.Opcode, in ...disasm.Operand) {
	l.ops = append(l.ops, disasm.MicroOp{Opcode: opc, In: in})
}

func (l *arm64Lifter) flagOp(off uint64) disasm.Operand {
	return disasm.Operand{Space: disasm.SpaceRegister, Offset: off, Size: 1}
}

func (l *arm64Lifter) sp(size int) disasm.Operand {
	return disasm.Operand{Space: disasm.SpaceRegister, Offset: a64SP, Size: size}
}

// value reads a source argument.
func (l *arm64Lifter) value(a arm64asm.Arg, size int) (disasm.Operand, bool) {
	switch a := a.(type) {
	case arm64asm.Reg:
		if o, ok := a64Reg(a); ok {
			return o, true
		}
		return disasm.Const(0, size), true
	case arm64asm.RegSP:
		if arm64asm.Reg(a) == arm64asm.SP || arm64asm.Reg(a) == arm64asm.WSP {
			return l.sp(regSize(arm64asm.Reg(a))), true
		}
		return l.value(arm64asm.Reg(a), size)
	case arm64asm.Imm:
		return disasm.Const(mask(uint64(a.Imm), size), size), true
	case arm64asm.Imm64:
		return disasm.Const(mask(a.Imm, size), size), true
	case arm64asm.ImmShift:
		return l.addSubImm(size)
	case arm64asm.RegExtshiftAmount:
		return l.shifted(size)
	case arm64asm.PCRel:
		return disasm.Const(l.addr+uint64(int64(a)), 8), true
	}
	return disasm.Operand{}, false
}

// addSubImm decodes the 12-bit immediate of an add/sub (immediate) or a
// move wide instruction from the encoding, since the decoder keeps it
// private.
func (l *arm64Lifter) addSubImm(size int) (disasm.Operand, bool) {
	enc := l.inst.Enc
	switch {
	case (enc>>23)&0x3f == 0x22:
		imm := uint64(enc>>10) & 0xfff
		if enc&(1<<22) != 0 {
			imm <<= 12
		}
		return disasm.Const(mask(imm, size), size), true
	case (enc>>23)&0x3f == 0x25:
		imm := uint64(enc>>5) & 0xffff
		hw := (enc >> 21) & 3
		return disasm.Const(mask(imm<<(16*hw), size), size), true
	}
	return disasm.Operand{}, false
}

// shifted reads a shifted register operand (Rm, shift #amount).
func (l *arm64Lifter) shifted(size int) (disasm.Operand, bool) {
	enc := l.inst.Enc
	form := (enc >> 24) & 0x1f
	if form != 0x0a && (form != 0x0b || enc&(1<<21) != 0) {
		return disasm.Operand{}, false
	}
	rm := int(enc>>16) & 31
	v := disasm.Const(0, size)
	if rm != 31 {
		v = a64GPR(rm, size)
	}
	amount := uint64(enc>>10) & 0x3f
	if amount == 0 {
		return v, true
	}
	var opc disasm.Opcode
	switch (enc >> 22) & 3 {
	case 0:
		opc = disasm.OpIntLeft
	case 1:
		opc = disasm.OpIntRight
	case 2:
		opc = disasm.OpIntSRight
	default:
		return disasm.Operand{}, false
	}
	t := l.tmp(size)
	l.op(opc, t, v, disasm.Const(amount, 1))
	return t, true
}

// write stores v into a destination register. Writes to the zero
// register are discarded and 32-bit writes clear the upper half.
func (l *arm64Lifter) write(a arm64asm.Arg, v disasm.Operand) bool {
	var dst disasm.Operand
	switch a := a.(type) {
	case arm64asm.Reg:
		o, ok := a64Reg(a)
		if !ok {
			return true
		}
		dst = o
	case arm64asm.RegSP:
		r := arm64asm.Reg(a)
		if r != arm64asm.SP && r != arm64asm.WSP {
			return l.write(r, v)
		}
		dst = l.sp(regSize(r))
	default:
		return false
	}
	if dst.Size == 4 && dst.Offset < a64SP+8 {
		full := dst
		full.Size = 8
		l.op(disasm.OpIntZext, full, v)
		return true
	}
	l.op(disasm.OpCopy, dst, v)
	return true
}

func argSize(a arm64asm.Arg) int {
	switch a := a.(type) {
	case arm64asm.Reg:
		return regSize(a)
	case arm64asm.RegSP:
		return regSize(arm64asm.Reg(a))
	}
	return 8
}

func signExtend(v uint32, bits uint) int64 {
	shift := 32 - bits
	return int64(int32(v<<shift) >> shift)
}

// memOffset decodes the immediate offset of a load/store from the encoding.
func memOffset(enc uint32) (int64, bool) {
	vector := enc&(1<<26) != 0
	switch {
	case enc&0x3b000000 == 0x39000000:
		scale := enc >> 30
		if vector && enc&(1<<23) != 0 && scale == 0 {
			scale = 4
		}
		return int64((enc>>10)&0xfff) << scale, true
	case enc&0x3b200000 == 0x38000000:
		return signExtend((enc>>12)&0x1ff, 9), true
	case enc&0x3a000000 == 0x28000000:
		opc := enc >> 30
		scale := 2 + opc>>1
		if vector {
			scale = 2 + opc
		}
		return signExtend((enc>>15)&0x7f, 7) << scale, true
	}
	return 0, false
}

// address computes the effective address of a memory argument and the
// base register update, if any.
func (l *arm64Lifter) address(a arm64asm.Arg) (ea disasm.Operand, wb func(), ok bool) {
	switch m := a.(type) {
	case arm64asm.MemImmediate:
		base, _ := l.value(m.Base, 8)
		off, known := memOffset(l.inst.Enc)
		if !known || m.Mode == arm64asm.AddrPostReg {
			return disasm.Operand{}, nil, false
		}
		sum := base
		if off != 0 {
			sum = l.tmp(8)
			l.op(disasm.OpIntAdd, sum, base, disasm.Const(uint64(off), 8))
		}
		switch m.Mode {
		case arm64asm.AddrPreIndex:
			return sum, func() { l.op(disasm.OpCopy, base, sum) }, true
		case arm64asm.AddrPostIndex:
			snap := l.tmp(8)
			l.op(disasm.OpCopy, snap, base)
			return snap, func() { l.op(disasm.OpCopy, base, sum) }, true
		}
		return sum, nil, true
	case arm64asm.MemExtend:
		base, _ := l.value(m.Base, 8)
		idx, _ := l.value(m.Index, regSize(m.Index))
		if idx.Size != 8 {
			t := l.tmp(8)
			l.op(disasm.OpIntZext, t, idx)
			idx = t
		}
		if m.Amount != 0 {
			t := l.tmp(8)
			l.op(disasm.OpIntLeft, t, idx, disasm.Const(uint64(m.Amount), 1))
			idx = t
		}
		t := l.tmp(8)
		l.op(disasm.OpIntAdd, t, base, idx)
		return t, nil, true
	case arm64asm.PCRel:
		return disasm.Const(l.addr+uint64(int64(m)), 8), nil, true
	}
	return disasm.Operand{}, nil, false
}

func (l *arm64Lifter) accessSize(rt arm64asm.Arg) int {
	switch l.inst.Op {
	case arm64asm.LDRB, arm64asm.STRB, arm64asm.LDURB, arm64asm.STURB:
		return 1
	case arm64asm.LDRH, arm64asm.STRH:
		return 2
	}
	return argSize(rt)
}

func (l *arm64Lifter) load(rt arm64asm.Arg, ea disasm.Operand, size int) bool {
	t := l.tmp(size)
	l.op(disasm.OpLoad, t, ea)
	if rs := argSize(rt); rs != size {
		z := l.tmp(rs)
		l.op(disasm.OpIntZext, z, t)
		t = z
	}
	return l.write(rt, t)
}

func (l *arm64Lifter) store(rt arm64asm.Arg, ea disasm.Operand, size int) bool {
	v, ok := l.value(rt, argSize(rt))
	if !ok {
		return false
	}
	if v.Size != size {
		if v.Space == disasm.SpaceConst {
			v = disasm.Const(mask(v.Offset, size), size)
		} else {
			t := l.tmp(size)
			l.op(disasm.OpSubPiece, t, v, disasm.Const(0, 4))
			v = t
		}
	}
	l.effect(disasm.OpStore, ea, v)
	return true
}

func (l *arm64Lifter) cond(c arm64asm.Cond) disasm.Operand {
	n, z, cf, v := l.flagOp(a64N), l.flagOp(a64Z), l.flagOp(a64C), l.flagOp(a64V)
	bin := func(opc disasm.Opcode, a, b disasm.Operand) disasm.Operand {
		t := l.tmp(1)
		l.op(opc, t, a, b)
		return t
	}
	not := func(a disasm.Operand) disasm.Operand {
		t := l.tmp(1)
		l.op(disasm.OpBoolNegate, t, a)
		return t
	}

	var r disasm.Operand
	switch c.Value >> 1 {
	case 0:
		r = z
	case 1:
		r = cf
	case 2:
		r = n
	case 3:
		r = v
	case 4:
		r = bin(disasm.OpBoolAnd, cf, not(z))
	case 5:
		r = bin(disasm.OpIntEqual, n, v)
	case 6:
		r = bin(disasm.OpBoolAnd, not(z), bin(disasm.OpIntEqual, n, v))
	default:
		return disasm.Const(1, 1)
	}
	if (c.Value&1 == 1) != c.Invert {
		r = not(r)
	}
	return r
}

func (l *arm64Lifter) lift() {
	if !l.liftKnown() {
		l.ops = l.ops[:0]
		l.uniq = 0
		l.other()
	}
}

func (l *arm64Lifter) liftKnown() bool {
	in := l.inst
	args := in.Args
	switch in.Op {
	case arm64asm.NOP:
		return true

	case arm64asm.MOV, arm64asm.MOVZ:
		v, ok := l.value(args[1], argSize(args[0]))
		return ok && l.write(args[0], v)

	case arm64asm.ADR, arm64asm.ADRP:
		rel, ok := args[1].(arm64asm.PCRel)
		if !ok {
			return false
		}
		base := l.addr
		if in.Op == arm64asm.ADRP {
			base &^= 0xfff
		}
		return l.write(args[0], disasm.Const(base+uint64(int64(rel)), 8))

	case arm64asm.ADD, arm64asm.SUB, arm64asm.ADDS, arm64asm.SUBS,
		arm64asm.AND, arm64asm.ANDS, arm64asm.ORR, arm64asm.EOR, arm64asm.MUL:
		size := argSize(args[0])
		a, okA := l.value(args[1], size)
		b, okB := l.value(args[2], size)
		if !okA || !okB {
			return false
		}
		r := l.tmp(size)
		l.op(a64Opcode(in.Op), r, a, b)
		l.setFlags(in.Op, r, a, b)
		return l.write(args[0], r)

	case arm64asm.CMP, arm64asm.CMN, arm64asm.TST:
		size := argSize(args[0])
		a, okA := l.value(args[0], size)
		b, okB := l.value(args[1], size)
		if !okA || !okB {
			return false
		}
		r := l.tmp(size)
		l.op(a64Opcode(in.Op), r, a, b)
		l.setFlags(in.Op, r, a, b)
		return true

	case arm64asm.LDR, arm64asm.LDRB, arm64asm.LDRH, arm64asm.LDUR, arm64asm.LDURB:
		ea, wb, ok := l.address(args[1])
		if !ok || !l.load(args[0], ea, l.accessSize(args[0])) {
			return false
		}
		if wb != nil {
			wb()
		}
		return true

	case arm64asm.STR, arm64asm.STRB, arm64asm.STRH, arm64asm.STUR, arm64asm.STURB:
		ea, wb, ok := l.address(args[1])
		if !ok || !l.store(args[0], ea, l.accessSize(args[0])) {
			return false
		}
		if wb != nil {
			wb()
		}
		return true

	case arm64asm.LDP, arm64asm.STP:
		ea, wb, ok := l.address(args[2])
		if !ok {
			return false
		}
		size := argSize(args[0])
		second := l.tmp(8)
		l.op(disasm.OpIntAdd, second, ea, disasm.Const(uint64(size), 8))
		if in.Op == arm64asm.LDP {
			ok = l.load(args[0], ea, size) && l.load(args[1], second, size)
		} else {
			ok = l.store(args[0], ea, size) && l.store(args[1], second, size)
		}
		if ok && wb != nil {
			wb()
		}
		return ok

	case arm64asm.B:
		if c, isCond := args[0].(arm64asm.Cond); isCond {
			dst, ok := l.value(args[1], 8)
			if !ok {
				return false
			}
			l.effect(disasm.OpCBranch, ram(dst), l.cond(c))
			return true
		}
		dst, ok := l.value(args[0], 8)
		if !ok {
			return false
		}
		l.effect(disasm.OpBranch, ram(dst))
		return true

	case arm64asm.BL:
		dst, ok := l.value(args[0], 8)
		if !ok {
			return false
		}
		l.op(disasm.OpCopy, a64GPR(30, 8), disasm.Const(l.addr+4, 8))
		l.effect(disasm.OpCall, ram(dst))
		return true

	case arm64asm.BR, arm64asm.BLR, arm64asm.RET:
		target := a64GPR(30, 8)
		if args[0] != nil {
			v, ok := l.value(args[0], 8)
			if !ok {
				return false
			}
			target = v
		}
		switch in.Op {
		case arm64asm.BR:
			l.effect(disasm.OpBranchInd, target)
		case arm64asm.BLR:
			t := l.tmp(8)
			l.op(disasm.OpCopy, t, target)
			l.op(disasm.OpCopy, a64GPR(30, 8), disasm.Const(l.addr+4, 8))
			l.effect(disasm.OpCallInd, t)
		default:
			l.effect(disasm.OpReturn, target)
		}
		return true

	case arm64asm.CBZ, arm64asm.CBNZ:
		size := argSize(args[0])
		v, okV := l.value(args[0], size)
		dst, okD := l.value(args[1], 8)
		if !okV || !okD {
			return false
		}
		opc := disasm.OpIntEqual
		if in.Op == arm64asm.CBNZ {
			opc = disasm.OpIntNotEqual
		}
		c := l.tmp(1)
		l.op(opc, c, v, disasm.Const(0, size))
		l.effect(disasm.OpCBranch, ram(dst), c)
		return true
	}
	return false
}

func ram(c disasm.Operand) disasm.Operand {
	return disasm.Operand{Space: disasm.SpaceRAM, Offset: c.Offset, Size: 8}
}

func a64Opcode(op arm64asm.Op) disasm.Opcode {
	switch op {
	case arm64asm.ADD, arm64asm.ADDS, arm64asm.CMN:
		return disasm.OpIntAdd
	case arm64asm.SUB, arm64asm.SUBS, arm64asm.CMP:
		return disasm.OpIntSub
	case arm64asm.AND, arm64asm.ANDS, arm64asm.TST:
		return disasm.OpIntAnd
	case arm64asm.ORR:
		return disasm.OpIntOr
	case arm64asm.EOR:
		return disasm.OpIntXor
	case arm64asm.MUL:
		return disasm.OpIntMult
	}
	return disasm.OpCallOther
}

func (l *arm64Lifter) setFlags(op arm64asm.Op, r, a, b disasm.Operand) {
	switch op {
	case arm64asm.ADDS, arm64asm.CMN:
		l.op(disasm.OpIntCarry, l.flagOp(a64C), a, b)
		l.op(disasm.OpIntSCarry, l.flagOp(a64V), a, b)
	case arm64asm.SUBS, arm64asm.CMP:
		lt := l.tmp(1)
		l.op(disasm.OpIntLess, lt, a, b)
		l.op(disasm.OpBoolNegate, l.flagOp(a64C), lt)
		l.op(disasm.OpIntSBorrow, l.flagOp(a64V), a, b)
	case arm64asm.ANDS, arm64asm.TST:
		l.op(disasm.OpCopy, l.flagOp(a64C), disasm.Const(0, 1))
		l.op(disasm.OpCopy, l.flagOp(a64V), disasm.Const(0, 1))
	default:
		return
	}
	l.op(disasm.OpIntSLess, l.flagOp(a64N), r, disasm.Const(0, r.Size))
	l.op(disasm.OpIntEqual, l.flagOp(a64Z), r, disasm.Const(0, r.Size))
}

// other records the instruction as one opaque effect over its register and
// immediate arguments.
func (l *arm64Lifter) other() {
	in := []disasm.Operand{disasm.Const(uint64(l.inst.Op), 4)}
	for _, a := range l.inst.Args {
		if a == nil {
			break
		}
		switch a := a.(type) {
		case arm64asm.Reg, arm64asm.RegSP, arm64asm.Imm, arm64asm.Imm64, arm64asm.PCRel:
			if v, ok := l.value(a, argSize(a)); ok {
				in = append(in, v)
			}
		case arm64asm.MemImmediate:
			if v, ok := l.value(a.Base, 8); ok {
				in = append(in, v)
			}
		case arm64asm.MemExtend:
			if v, ok := l.value(a.Base, 8); ok {
				in = append(in, v)
			}
		}
	}
	l.effect(disasm.OpCallOther, in...)
}
