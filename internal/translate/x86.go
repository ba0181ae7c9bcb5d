package translate

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"

	"ropscan/internal/disasm"
)

// X86 translates 16, 32 and 64-bit x86 machine code.
type X86 struct {
	arch Arch
	mem  Filler
	mode int
	buf  [15]byte
}

// NewX86 returns an x86 translator. The processor mode is taken from the
// architecture's addrsize context variable.
func NewX86(a Arch, f Filler) (*X86, error) {
	x := &X86{arch: a, mem: f}
	switch a.Context["addrsize"] {
	case 0:
		x.mode = 16
	case 1:
		x.mode = 32
	case 2:
		x.mode = 64
	default:
		return nil, fmt.Errorf("%s: bad addrsize %d", a.Name, a.Context["addrsize"])
	}
	return x, nil
}

func (x *X86) Arch() Arch { return x.arch }

// Mode returns the processor mode in bits.
func (x *X86) Mode() int { return x.mode }

func (x *X86) decode(addr uint64) (x86asm.Inst, error) {
	x.mem.Fill(x.buf[:], addr)
	inst, err := x86asm.Decode(x.buf[:], x.mode)
	if err != nil {
		return inst, noMatch(addr, err)
	}
	if inst.Len == 0 || inst.Op == 0 {
		return inst, noMatch(addr, errors.New("empty decode"))
	}
	return inst, nil
}

func (x *X86) ProbeLength(addr uint64) (int, error) {
	inst, err := x.decode(addr)
	if err != nil {
		return 0, err
	}
	return inst.Len, nil
}

func (x *X86) DecodeText(addr uint64, sink Sink) (int, error) {
	inst, err := x.decode(addr)
	if err != nil {
		return 0, err
	}
	text := x86asm.IntelSyntax(inst, addr, nil)
	mnemonic, body := splitIntel(text)
	sink.OnText(addr, mnemonic, body)
	return inst.Len, nil
}

// x86PrefixWords are the prefix spellings IntelSyntax puts before the
// mnemonic.
var x86PrefixWords = map[string]bool{
	"lock": true, "rep": true, "repn": true, "repne": true,
	"xacquire": true, "xrelease": true, "bnd": true,
	"hint-taken": true, "hint-not-taken": true,
	"addr16": true, "addr32": true, "data16": true, "data32": true,
	"cs": true, "ds": true, "es": true, "fs": true, "gs": true, "ss": true,
}

// splitIntel cuts formatted Intel text after the mnemonic, keeping any
// prefix words with it.
func splitIntel(text string) (mnemonic, body string) {
	rest := text
	for {
		word, tail, found := strings.Cut(rest, " ")
		if !found {
			return text, ""
		}
		if !x86PrefixWords[word] && !strings.HasPrefix(word, "rex") && !strings.HasPrefix(word, "vex") {
			n := len(text) - len(tail) - 1
			return text[:n], strings.TrimSpace(tail)
		}
		rest = tail
	}
}

func (x *X86) DecodeOps(addr uint64, sink Sink) (int, error) {
	inst, err := x.decode(addr)
	if err != nil {
		return 0, err
	}
	l := &x86Lifter{inst: inst, addr: addr, next: addr + uint64(inst.Len)}
	l.lift()
	for _, op := range l.ops {
		sink.OnOperation(addr, op)
	}
	return inst.Len, nil
}

var x86RegNames = func() map[disasm.Operand]string {
	names := make(map[disasm.Operand]string)
	for r := x86asm.AL; r <= x86asm.TR7; r++ {
		names[x86Reg(r)] = strings.ToLower(r.String())
	}
	for _, f := range []struct {
		off  uint64
		name string
	}{{flagCF, "CF"}, {flagPF, "PF"}, {flagZF, "ZF"}, {flagSF, "SF"}, {flagOF, "OF"}} {
		names[disasm.Operand{Space: disasm.SpaceRegister, Offset: f.off, Size: 1}] = f.name
	}
	return names
}()

func (x *X86) RegisterName(offset uint64, size int) string {
	return x86RegNames[disasm.Operand{Space: disasm.SpaceRegister, Offset: offset, Size: size}]
}
