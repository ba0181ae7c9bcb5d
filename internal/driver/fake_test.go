package driver

import (
	"fmt"

	"ropscan/internal/disasm"
	"ropscan/internal/translate"
)

// fakeTranslator decodes from a fixed table keyed by address. Addresses
// missing from the table fault.
type fakeTranslator struct {
	insts map[uint64]fakeInst
	calls int
}

type fakeInst struct {
	n    int
	text string
	ops  []disasm.MicroOp
}

func (f *fakeTranslator) Arch() translate.Arch {
	return translate.Arch{Name: "fake", MaxLen: 8, MinLen: 1}
}

func (f *fakeTranslator) lookup(addr uint64) (fakeInst, error) {
	f.calls++
	in, ok := f.insts[addr]
	if !ok {
		return fakeInst{}, fmt.Errorf("%w at %#x", translate.ErrNoMatch, addr)
	}
	return in, nil
}

func (f *fakeTranslator) ProbeLength(addr uint64) (int, error) {
	in, err := f.lookup(addr)
	return in.n, err
}

func (f *fakeTranslator) DecodeText(addr uint64, sink translate.Sink) (int, error) {
	in, err := f.lookup(addr)
	if err != nil {
		return 0, err
	}
	sink.OnText(addr, in.text, "")
	return in.n, nil
}

func (f *fakeTranslator) DecodeOps(addr uint64, sink translate.Sink) (int, error) {
	in, err := f.lookup(addr)
	if err != nil {
		return 0, err
	}
	for _, op := range in.ops {
		sink.OnOperation(addr, op)
	}
	return in.n, nil
}

// panickingTranslator fails the way a decoder bug would.
type panickingTranslator struct{ fakeTranslator }

func (p *panickingTranslator) DecodeText(addr uint64, sink translate.Sink) (int, error) {
	var args []int
	return args[addr], nil
}

func copyOp(dst, src uint64) disasm.MicroOp {
	return disasm.MicroOp{
		Opcode: disasm.OpCopy,
		HasOut: true,
		Out:    disasm.Operand{Space: disasm.SpaceRegister, Offset: dst, Size: 4},
		In:     []disasm.Operand{{Space: disasm.SpaceRegister, Offset: src, Size: 4}},
	}
}
