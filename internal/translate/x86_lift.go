package translate

import (
	"golang.org/x/arch/x86/x86asm"

	"ropscan/internal/disasm"
)

// Register file layout. Each general purpose register family owns an 8 byte
// slot so that AL, AX, EAX and RAX overlap at the same offset.
const (
	flagCF = 0x200
	flagPF = 0x202
	flagZF = 0x206
	flagSF = 0x207
	flagOF = 0x20b

	regIP = 0x280

	uniqueBase = 0x1000
)

func x86Reg(r x86asm.Reg) disasm.Operand {
	var off uint64
	var size int
	switch {
	case r >= x86asm.AL && r <= x86asm.BL:
		off, size = uint64(r-x86asm.AL)*8, 1
	case r >= x86asm.AH && r <= x86asm.BH:
		off, size = uint64(r-x86asm.AH)*8+1, 1
	case r >= x86asm.SPB && r <= x86asm.DIB:
		off, size = uint64(4+r-x86asm.SPB)*8, 1
	case r >= x86asm.R8B && r <= x86asm.R15B:
		off, size = uint64(8+r-x86asm.R8B)*8, 1
	case r >= x86asm.AX && r <= x86asm.R15W:
		off, size = uint64(r-x86asm.AX)*8, 2
	case r >= x86asm.EAX && r <= x86asm.R15L:
		off, size = uint64(r-x86asm.EAX)*8, 4
	case r >= x86asm.RAX && r <= x86asm.R15:
		off, size = uint64(r-x86asm.RAX)*8, 8
	case r == x86asm.IP:
		off, size = regIP, 2
	case r == x86asm.EIP:
		off, size = regIP, 4
	case r == x86asm.RIP:
		off, size = regIP, 8
	case r >= x86asm.ES && r <= x86asm.GS:
		off, size = 0x100+uint64(r-x86asm.ES)*2, 2
	case r >= x86asm.F0 && r <= x86asm.F7:
		off, size = 0x1100+uint64(r-x86asm.F0)*10, 10
	case r >= x86asm.M0 && r <= x86asm.M7:
		off, size = 0x1200+uint64(r-x86asm.M0)*8, 8
	case r >= x86asm.X0 && r <= x86asm.X15:
		off, size = 0x1300+uint64(r-x86asm.X0)*16, 16
	default:
		// table, control, debug and test registers
		off, size = 0x2000+uint64(r)*8, 8
	}
	return disasm.Operand{Space: disasm.SpaceRegister, Offset: off, Size: size}
}

func flag(off uint64) disasm.Operand {
	return disasm.Operand{Space: disasm.SpaceRegister, Offset: off, Size: 1}
}

// x86Loc is a writable location: a register, or memory at a pointer.
type x86Loc struct {
	op   disasm.Operand
	mem  bool
	size int
}

// x86Lifter translates one decoded instruction into micro-operations.
type x86Lifter struct {
	inst x86asm.Inst
	addr uint64
	next uint64
	uniq uint64
	ops  []disasm.MicroOp
}

func (l *x86Lifter) tmp(size int) disasm.Operand {
	o := disasm.Operand{Space: disasm.SpaceUnique, Offset: uniqueBase + l.uniq, Size: size}
	l.uniq += 0x10
	return o
}

func (l *x86Lifter) op(opc disasm.Opcode, out disasm.Operand, in ...disasm.Operand) {
	l.ops = append(l.ops, disasm.MicroOp{Opcode: opc, HasOut: true, Out: out, In: in})
}

func (l *x86Lifter) effect(opc disasm.Opcode, in ...disasm.Operand) {
	l.ops = append(l.ops, disasm.MicroOp{Opcode: opc, In: in})
}

func (l *x86Lifter) ptrSize() int { return l.inst.Mode / 8 }

func (l *x86Lifter) addrSize() int {
	if l.inst.AddrSize == 0 {
		return l.ptrSize()
	}
	return l.inst.AddrSize / 8
}

// stackSize is the width of a push or pop.
func (l *x86Lifter) stackSize() int {
	n := l.inst.DataSize / 8
	if n == 0 {
		n = l.ptrSize()
	}
	if l.inst.Mode == 64 && n == 4 {
		n = 8
	}
	return n
}

func (l *x86Lifter) sp() disasm.Operand {
	switch l.inst.Mode {
	case 64:
		return x86Reg(x86asm.RSP)
	case 16:
		return x86Reg(x86asm.SP)
	}
	return x86Reg(x86asm.ESP)
}

func (l *x86Lifter) bp() disasm.Operand {
	switch l.inst.Mode {
	case 64:
		return x86Reg(x86asm.RBP)
	case 16:
		return x86Reg(x86asm.BP)
	}
	return x86Reg(x86asm.EBP)
}

func (l *x86Lifter) target(rel x86asm.Rel) disasm.Operand {
	t := l.next + uint64(int64(rel))
	return disasm.Operand{Space: disasm.SpaceRAM, Offset: mask(t, l.ptrSize()), Size: l.ptrSize()}
}

func mask(v uint64, size int) uint64 {
	if size >= 8 {
		return v
	}
	return v & (1<<(8*uint(size)) - 1)
}

// memAddr computes the effective address of a memory argument.
func (l *x86Lifter) memAddr(m x86asm.Mem) disasm.Operand {
	size := l.addrSize()
	var acc disasm.Operand
	have := false

	switch m.Base {
	case 0:
	case x86asm.IP, x86asm.EIP, x86asm.RIP:
		acc, have = disasm.Const(l.next, size), true
		if m.Index == 0 {
			return disasm.Const(mask(l.next+uint64(m.Disp), size), size)
		}
	default:
		acc, have = x86Reg(m.Base), true
	}

	if m.Index != 0 && m.Scale != 0 {
		idx := x86Reg(m.Index)
		if m.Scale > 1 {
			t := l.tmp(size)
			l.op(disasm.OpIntMult, t, idx, disasm.Const(uint64(m.Scale), size))
			idx = t
		}
		if have {
			t := l.tmp(size)
			l.op(disasm.OpIntAdd, t, acc, idx)
			acc = t
		} else {
			acc, have = idx, true
		}
	}

	disp := disasm.Const(mask(uint64(m.Disp), size), size)
	if !have {
		return disp
	}
	if m.Disp != 0 {
		t := l.tmp(size)
		l.op(disasm.OpIntAdd, t, acc, disp)
		acc = t
	}
	return acc
}

func (l *x86Lifter) argSize(a x86asm.Arg) int {
	switch a := a.(type) {
	case x86asm.Reg:
		return x86Reg(a).Size
	case x86asm.Mem:
		if l.inst.MemBytes != 0 {
			return l.inst.MemBytes
		}
	case x86asm.Rel:
		return l.ptrSize()
	}
	if l.inst.DataSize != 0 {
		return l.inst.DataSize / 8
	}
	return l.ptrSize()
}

func (l *x86Lifter) loc(a x86asm.Arg) (x86Loc, bool) {
	switch a := a.(type) {
	case x86asm.Reg:
		r := x86Reg(a)
		return x86Loc{op: r, size: r.Size}, true
	case x86asm.Mem:
		return x86Loc{op: l.memAddr(a), mem: true, size: l.argSize(a)}, true
	}
	return x86Loc{}, false
}

func (l *x86Lifter) load(loc x86Loc) disasm.Operand {
	if !loc.mem {
		return loc.op
	}
	t := l.tmp(loc.size)
	l.op(disasm.OpLoad, t, loc.op)
	return t
}

func (l *x86Lifter) store(loc x86Loc, v disasm.Operand) {
	if loc.mem {
		l.effect(disasm.OpStore, loc.op, l.resize(v, loc.size))
		return
	}
	dst := loc.op
	// 32-bit writes clear the upper half in long mode.
	if l.inst.Mode == 64 && dst.Size == 4 && dst.Offset < 16*8 {
		full := dst
		full.Size = 8
		l.op(disasm.OpIntZext, full, l.resize(v, 4))
		return
	}
	l.op(disasm.OpCopy, dst, l.resize(v, dst.Size))
}

// read returns the value of a source argument at the given size.
func (l *x86Lifter) read(a x86asm.Arg, size int) disasm.Operand {
	switch a := a.(type) {
	case x86asm.Imm:
		return disasm.Const(mask(uint64(int64(a)), size), size)
	case x86asm.Rel:
		return l.target(a)
	}
	loc, ok := l.loc(a)
	if !ok {
		return disasm.Const(0, size)
	}
	return l.load(loc)
}

func (l *x86Lifter) resize(v disasm.Operand, size int) disasm.Operand {
	switch {
	case v.Size == size:
		return v
	case v.Space == disasm.SpaceConst:
		return disasm.Const(mask(v.Offset, size), size)
	case v.Size > size:
		t := l.tmp(size)
		l.op(disasm.OpSubPiece, t, v, disasm.Const(0, 4))
		return t
	}
	t := l.tmp(size)
	l.op(disasm.OpIntZext, t, v)
	return t
}

func (l *x86Lifter) resultFlags(r disasm.Operand) {
	l.op(disasm.OpIntEqual, flag(flagZF), r, disasm.Const(0, r.Size))
	l.op(disasm.OpIntSLess, flag(flagSF), r, disasm.Const(0, r.Size))
}

func (l *x86Lifter) push(v disasm.Operand) {
	n := l.stackSize()
	sp := l.sp()
	v = l.resize(v, n)
	l.op(disasm.OpIntSub, sp, sp, disasm.Const(uint64(n), sp.Size))
	l.effect(disasm.OpStore, sp, v)
}

func (l *x86Lifter) pop() disasm.Operand {
	n := l.stackSize()
	sp := l.sp()
	t := l.tmp(n)
	l.op(disasm.OpLoad, t, sp)
	l.op(disasm.OpIntAdd, sp, sp, disasm.Const(uint64(n), sp.Size))
	return t
}

func (l *x86Lifter) not(v disasm.Operand) disasm.Operand {
	t := l.tmp(1)
	l.op(disasm.OpBoolNegate, t, v)
	return t
}

func (l *x86Lifter) bin(opc disasm.Opcode, a, b disasm.Operand) disasm.Operand {
	t := l.tmp(1)
	l.op(opc, t, a, b)
	return t
}

// cond evaluates the flag condition of a conditional jump.
func (l *x86Lifter) cond(op x86asm.Op) disasm.Operand {
	cf, pf, zf, sf, of := flag(flagCF), flag(flagPF), flag(flagZF), flag(flagSF), flag(flagOF)
	switch op {
	case x86asm.JO:
		return of
	case x86asm.JNO:
		return l.not(of)
	case x86asm.JB:
		return cf
	case x86asm.JAE:
		return l.not(cf)
	case x86asm.JE:
		return zf
	case x86asm.JNE:
		return l.not(zf)
	case x86asm.JBE:
		return l.bin(disasm.OpBoolOr, cf, zf)
	case x86asm.JA:
		return l.not(l.bin(disasm.OpBoolOr, cf, zf))
	case x86asm.JS:
		return sf
	case x86asm.JNS:
		return l.not(sf)
	case x86asm.JP:
		return pf
	case x86asm.JNP:
		return l.not(pf)
	case x86asm.JL:
		return l.bin(disasm.OpIntNotEqual, sf, of)
	case x86asm.JGE:
		return l.bin(disasm.OpIntEqual, sf, of)
	case x86asm.JLE:
		return l.bin(disasm.OpBoolOr, zf, l.bin(disasm.OpIntNotEqual, sf, of))
	case x86asm.JG:
		return l.bin(disasm.OpBoolAnd, l.not(zf), l.bin(disasm.OpIntEqual, sf, of))
	}
	return disasm.Const(0, 1)
}

func (l *x86Lifter) lift() {
	in := l.inst
	args := in.Args

	switch in.Op {
	case x86asm.NOP, x86asm.PAUSE:

	case x86asm.MOV:
		dst, ok := l.loc(args[0])
		if !ok {
			l.other()
			return
		}
		l.store(dst, l.read(args[1], dst.size))

	case x86asm.MOVZX, x86asm.MOVSX, x86asm.MOVSXD:
		dst, ok := l.loc(args[0])
		if !ok {
			l.other()
			return
		}
		src := l.read(args[1], l.argSize(args[1]))
		t := l.tmp(dst.size)
		if in.Op == x86asm.MOVZX {
			l.op(disasm.OpIntZext, t, src)
		} else {
			l.op(disasm.OpIntSext, t, src)
		}
		l.store(dst, t)

	case x86asm.LEA:
		dst, ok := l.loc(args[0])
		m, isMem := args[1].(x86asm.Mem)
		if !ok || !isMem {
			l.other()
			return
		}
		l.store(dst, l.memAddr(m))

	case x86asm.ADD, x86asm.ADC, x86asm.SUB, x86asm.SBB, x86asm.CMP,
		x86asm.AND, x86asm.OR, x86asm.XOR, x86asm.TEST:
		l.arith()

	case x86asm.INC, x86asm.DEC, x86asm.NEG, x86asm.NOT:
		l.unary()

	case x86asm.SHL, x86asm.SHR, x86asm.SAR:
		dst, ok := l.loc(args[0])
		if !ok {
			l.other()
			return
		}
		a := l.load(dst)
		cnt := disasm.Const(1, 1)
		if args[1] != nil {
			cnt = l.read(args[1], 1)
		}
		r := l.tmp(dst.size)
		switch in.Op {
		case x86asm.SHL:
			l.op(disasm.OpIntLeft, r, a, cnt)
		case x86asm.SHR:
			l.op(disasm.OpIntRight, r, a, cnt)
		default:
			l.op(disasm.OpIntSRight, r, a, cnt)
		}
		l.resultFlags(r)
		l.store(dst, r)

	case x86asm.IMUL:
		if args[1] == nil {
			l.other()
			return
		}
		dst, ok := l.loc(args[0])
		if !ok {
			l.other()
			return
		}
		var a, b disasm.Operand
		if args[2] != nil {
			a, b = l.read(args[1], dst.size), l.read(args[2], dst.size)
		} else {
			a, b = l.load(dst), l.read(args[1], dst.size)
		}
		r := l.tmp(dst.size)
		l.op(disasm.OpIntMult, r, a, b)
		l.store(dst, r)

	case x86asm.XCHG:
		la, okA := l.loc(args[0])
		lb, okB := l.loc(args[1])
		if !okA || !okB {
			l.other()
			return
		}
		va, vb := l.load(la), l.load(lb)
		t := l.tmp(la.size)
		l.op(disasm.OpCopy, t, va)
		l.store(la, vb)
		l.store(lb, t)

	case x86asm.PUSH:
		l.push(l.read(args[0], l.stackSize()))

	case x86asm.POP:
		dst, ok := l.loc(args[0])
		if !ok {
			l.other()
			return
		}
		l.store(dst, l.pop())

	case x86asm.LEAVE:
		l.op(disasm.OpCopy, l.sp(), l.bp())
		l.op(disasm.OpCopy, l.bp(), l.pop())

	case x86asm.JMP:
		if rel, ok := args[0].(x86asm.Rel); ok {
			l.effect(disasm.OpBranch, l.target(rel))
			return
		}
		l.effect(disasm.OpBranchInd, l.read(args[0], l.ptrSize()))

	case x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JE, x86asm.JNE,
		x86asm.JG, x86asm.JGE, x86asm.JL, x86asm.JLE, x86asm.JO, x86asm.JNO,
		x86asm.JP, x86asm.JNP, x86asm.JS, x86asm.JNS:
		rel, ok := args[0].(x86asm.Rel)
		if !ok {
			l.other()
			return
		}
		l.effect(disasm.OpCBranch, l.target(rel), l.cond(in.Op))

	case x86asm.JCXZ, x86asm.JECXZ, x86asm.JRCXZ:
		rel, ok := args[0].(x86asm.Rel)
		if !ok {
			l.other()
			return
		}
		cx := map[x86asm.Op]x86asm.Reg{x86asm.JCXZ: x86asm.CX, x86asm.JECXZ: x86asm.ECX, x86asm.JRCXZ: x86asm.RCX}[in.Op]
		r := x86Reg(cx)
		l.effect(disasm.OpCBranch, l.target(rel), l.bin(disasm.OpIntEqual, r, disasm.Const(0, r.Size)))

	case x86asm.LOOP:
		rel, ok := args[0].(x86asm.Rel)
		if !ok {
			l.other()
			return
		}
		cx := x86Reg(x86asm.ECX)
		switch l.addrSize() {
		case 8:
			cx = x86Reg(x86asm.RCX)
		case 2:
			cx = x86Reg(x86asm.CX)
		}
		l.op(disasm.OpIntSub, cx, cx, disasm.Const(1, cx.Size))
		l.effect(disasm.OpCBranch, l.target(rel), l.bin(disasm.OpIntNotEqual, cx, disasm.Const(0, cx.Size)))

	case x86asm.CALL:
		var dest disasm.Operand
		rel, direct := args[0].(x86asm.Rel)
		if direct {
			dest = l.target(rel)
		} else {
			dest = l.read(args[0], l.ptrSize())
		}
		l.push(disasm.Const(l.next, l.stackSize()))
		if direct {
			l.effect(disasm.OpCall, dest)
		} else {
			l.effect(disasm.OpCallInd, dest)
		}

	case x86asm.RET, x86asm.LRET:
		ret := l.pop()
		if imm, ok := args[0].(x86asm.Imm); ok {
			sp := l.sp()
			l.op(disasm.OpIntAdd, sp, sp, disasm.Const(uint64(imm), sp.Size))
		}
		l.effect(disasm.OpReturn, ret)

	default:
		l.other()
	}
}

func (l *x86Lifter) arith() {
	in := l.inst
	dst, ok := l.loc(in.Args[0])
	if !ok {
		l.other()
		return
	}
	a := l.load(dst)
	b := l.read(in.Args[1], dst.size)
	r := l.tmp(dst.size)
	cf, of := flag(flagCF), flag(flagOF)

	switch in.Op {
	case x86asm.ADD:
		l.op(disasm.OpIntCarry, cf, a, b)
		l.op(disasm.OpIntSCarry, of, a, b)
		l.op(disasm.OpIntAdd, r, a, b)
	case x86asm.ADC:
		c := l.tmp(dst.size)
		l.op(disasm.OpIntZext, c, cf)
		s := l.tmp(dst.size)
		l.op(disasm.OpIntAdd, s, a, b)
		l.op(disasm.OpIntCarry, cf, a, b)
		l.op(disasm.OpIntSCarry, of, a, b)
		l.op(disasm.OpIntAdd, r, s, c)
	case x86asm.SUB, x86asm.CMP:
		l.op(disasm.OpIntLess, cf, a, b)
		l.op(disasm.OpIntSBorrow, of, a, b)
		l.op(disasm.OpIntSub, r, a, b)
	case x86asm.SBB:
		c := l.tmp(dst.size)
		l.op(disasm.OpIntZext, c, cf)
		s := l.tmp(dst.size)
		l.op(disasm.OpIntAdd, s, b, c)
		l.op(disasm.OpIntLess, cf, a, s)
		l.op(disasm.OpIntSBorrow, of, a, s)
		l.op(disasm.OpIntSub, r, a, s)
	default:
		l.op(disasm.OpCopy, cf, disasm.Const(0, 1))
		l.op(disasm.OpCopy, of, disasm.Const(0, 1))
		switch in.Op {
		case x86asm.OR:
			l.op(disasm.OpIntOr, r, a, b)
		case x86asm.XOR:
			l.op(disasm.OpIntXor, r, a, b)
		default:
			l.op(disasm.OpIntAnd, r, a, b)
		}
	}
	l.resultFlags(r)

	if in.Op != x86asm.CMP && in.Op != x86asm.TEST {
		l.store(dst, r)
	}
}

func (l *x86Lifter) unary() {
	in := l.inst
	dst, ok := l.loc(in.Args[0])
	if !ok {
		l.other()
		return
	}
	a := l.load(dst)
	r := l.tmp(dst.size)
	one := disasm.Const(1, dst.size)

	switch in.Op {
	case x86asm.INC:
		l.op(disasm.OpIntSCarry, flag(flagOF), a, one)
		l.op(disasm.OpIntAdd, r, a, one)
	case x86asm.DEC:
		l.op(disasm.OpIntSBorrow, flag(flagOF), a, one)
		l.op(disasm.OpIntSub, r, a, one)
	case x86asm.NEG:
		l.op(disasm.OpIntNotEqual, flag(flagCF), a, disasm.Const(0, dst.size))
		l.op(disasm.OpInt2Comp, r, a)
	case x86asm.NOT:
		l.op(disasm.OpIntNegate, r, a)
		l.store(dst, r)
		return
	}
	l.resultFlags(r)
	l.store(dst, r)
}

// other records an instruction the lifter does not model as a single
// opaque effect over its arguments.
func (l *x86Lifter) other() {
	in := []disasm.Operand{disasm.Const(uint64(l.inst.Op), 4)}
	for _, a := range l.inst.Args {
		if a == nil {
			break
		}
		switch a := a.(type) {
		case x86asm.Reg:
			in = append(in, x86Reg(a))
		case x86asm.Imm:
			in = append(in, disasm.Const(uint64(int64(a)), l.argSize(a)))
		case x86asm.Rel:
			in = append(in, l.target(a))
		case x86asm.Mem:
			in = append(in, l.memAddr(a))
		}
	}
	l.effect(disasm.OpCallOther, in...)
}
