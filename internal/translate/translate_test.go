package translate

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"ropscan/internal/disasm"
	"ropscan/internal/window"
)

func newTranslator(t *testing.T, arch string, base uint64, code []byte) Translator {
	t.Helper()
	tr, err := New(arch, window.New(base, code))
	if err != nil {
		t.Fatalf("New(%q): %v", arch, err)
	}
	return tr
}

func TestX86Text(t *testing.T) {
	code := []byte{
		0x55, 0x89, 0xe5, 0xb8, 0x78, 0x56, 0x34, 0x12,
		0x6a, 0x01,
		0x68, 0x01, 0x02, 0x03, 0x04,
		0xf0, 0x01, 0x18,
	}
	tr := newTranslator(t, "x86", 0, code)

	tests := []struct {
		addr     uint64
		n        int
		mnemonic string
		text     string
	}{
		{0, 1, "push", "push ebp"},
		{1, 2, "mov", "mov ebp, esp"},
		{3, 5, "mov", "mov eax, 0x12345678"},
		{8, 2, "push", "push 0x1"},
		{10, 5, "push", "push 0x4030201"},
		{15, 3, "lock add", "lock add dword ptr [eax], ebx"},
	}
	for _, tt := range tests {
		var c Collector
		n, err := tr.DecodeText(tt.addr, &c)
		if err != nil {
			t.Fatalf("DecodeText(%#x): %v", tt.addr, err)
		}
		if n != tt.n {
			t.Errorf("DecodeText(%#x) length = %d, want %d", tt.addr, n, tt.n)
		}
		if c.Mnemonic != tt.mnemonic || c.Text != tt.text {
			t.Errorf("DecodeText(%#x) = %q / %q, want %q / %q", tt.addr, c.Mnemonic, c.Text, tt.mnemonic, tt.text)
		}
		if got, _ := tr.ProbeLength(tt.addr); got != tt.n {
			t.Errorf("ProbeLength(%#x) = %d, want %d", tt.addr, got, tt.n)
		}
	}
}

func TestX86PushImmediateModes(t *testing.T) {
	for _, arch := range []string{"x86-16", "x86", "x86-64"} {
		t.Run(arch, func(t *testing.T) {
			tr := newTranslator(t, arch, 0, []byte{0x6a, 0x01})
			var c Collector
			if _, err := tr.DecodeText(0, &c); err != nil {
				t.Fatal(err)
			}
			if c.Mnemonic != "push" || c.Text != "push 0x1" {
				t.Errorf("push imm8 = %q / %q", c.Mnemonic, c.Text)
			}
		})
	}
}

func TestSplitIntel(t *testing.T) {
	tests := []struct {
		text     string
		mnemonic string
		body     string
	}{
		{"ret", "ret", ""},
		{"push 0x1", "push", "0x1"},
		{"mov eax, dword ptr [ebx+0x4]", "mov", "eax, dword ptr [ebx+0x4]"},
		{"rep movsd dword ptr [edi], dword ptr [esi]", "rep movsd", "dword ptr [edi], dword ptr [esi]"},
		{"lock", "lock", ""},
		{"data16 lock xadd word ptr [eax], ax", "data16 lock xadd", "word ptr [eax], ax"},
	}
	for _, tt := range tests {
		mnemonic, body := splitIntel(tt.text)
		if mnemonic != tt.mnemonic || body != tt.body {
			t.Errorf("splitIntel(%q) = %q, %q, want %q, %q", tt.text, mnemonic, body, tt.mnemonic, tt.body)
		}
	}
}

func TestX86Modes(t *testing.T) {
	code := []byte{0x48, 0x89, 0xe5}
	tests := []struct {
		arch string
		n    int
	}{
		{"x86-64", 3},
		{"amd64", 3},
		{"x86", 1}, // dec eax
	}
	for _, tt := range tests {
		t.Run(tt.arch, func(t *testing.T) {
			n, err := newTranslator(t, tt.arch, 0x1000, code).ProbeLength(0x1000)
			if err != nil {
				t.Fatal(err)
			}
			if n != tt.n {
				t.Errorf("length = %d, want %d", n, tt.n)
			}
		})
	}
}

func TestX86NoMatch(t *testing.T) {
	// push es is not encodable in long mode
	tr := newTranslator(t, "x86-64", 0, []byte{0x06})
	var c Collector
	n, err := tr.DecodeOps(0, &c)
	if !errors.Is(err, ErrNoMatch) {
		t.Fatalf("DecodeOps err = %v, want ErrNoMatch", err)
	}
	if n != 0 || len(c.Ops) != 0 {
		t.Errorf("DecodeOps emitted %d ops and length %d on failure", len(c.Ops), n)
	}
}

func opcodes(ops []disasm.MicroOp) []disasm.Opcode {
	out := make([]disasm.Opcode, len(ops))
	for i, op := range ops {
		out[i] = op.Opcode
	}
	return out
}

func TestX86Ops(t *testing.T) {
	tests := []struct {
		name string
		arch string
		code []byte
		want []disasm.Opcode
	}{
		{"ret", "x86", []byte{0xc3}, []disasm.Opcode{disasm.OpLoad, disasm.OpIntAdd, disasm.OpReturn}},
		{"push", "x86", []byte{0x55}, []disasm.Opcode{disasm.OpIntSub, disasm.OpStore}},
		{"mov reg", "x86", []byte{0x89, 0xe5}, []disasm.Opcode{disasm.OpCopy}},
		{"mov store", "x86", []byte{0x89, 0x18}, []disasm.Opcode{disasm.OpStore}},
		{"mov load", "x86", []byte{0x8b, 0x03}, []disasm.Opcode{disasm.OpLoad, disasm.OpCopy}},
		{"mov 32 in long mode", "x86-64", []byte{0x89, 0xd8}, []disasm.Opcode{disasm.OpIntZext}},
		{"nop", "x86", []byte{0x90}, []disasm.Opcode{}},
		{"jmp reg", "x86-64", []byte{0xff, 0xe0}, []disasm.Opcode{disasm.OpBranchInd}},
		{"call rel", "x86", []byte{0xe8, 0, 0, 0, 0}, []disasm.Opcode{disasm.OpIntSub, disasm.OpStore, disasm.OpCall}},
		{"hlt", "x86", []byte{0xf4}, []disasm.Opcode{disasm.OpCallOther}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c Collector
			if _, err := newTranslator(t, tt.arch, 0, tt.code).DecodeOps(0, &c); err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tt.want, opcodes(c.Ops)); diff != "" {
				t.Errorf("opcodes mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestX86BranchTarget(t *testing.T) {
	// jmp short +2 at 0x400000
	tr := newTranslator(t, "x86", 0x400000, []byte{0xeb, 0x02})
	var c Collector
	if _, err := tr.DecodeOps(0x400000, &c); err != nil {
		t.Fatal(err)
	}
	want := disasm.MicroOp{
		Opcode: disasm.OpBranch,
		In:     []disasm.Operand{{Space: disasm.SpaceRAM, Offset: 0x400004, Size: 4}},
	}
	if len(c.Ops) != 1 || !c.Ops[0].Equal(want) {
		t.Errorf("ops = %v, want [%v]", c.Ops, want)
	}
}

func TestARM64(t *testing.T) {
	tests := []struct {
		name string
		code []byte
		text string
		want []disasm.Opcode
	}{
		{"ret", []byte{0xc0, 0x03, 0x5f, 0xd6}, "ret", []disasm.Opcode{disasm.OpReturn}},
		{"nop", []byte{0x1f, 0x20, 0x03, 0xd5}, "nop", []disasm.Opcode{}},
		{"br", []byte{0x20, 0x00, 0x1f, 0xd6}, "br x1", []disasm.Opcode{disasm.OpBranchInd}},
		{"mov", []byte{0xe0, 0x03, 0x01, 0xaa}, "mov x0, x1", []disasm.Opcode{disasm.OpCopy}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newTranslator(t, "aarch64", 0x1000, tt.code)
			var c Collector
			n, err := tr.DecodeText(0x1000, &c)
			if err != nil {
				t.Fatal(err)
			}
			if n != 4 {
				t.Errorf("length = %d, want 4", n)
			}
			if c.Text != tt.text {
				t.Errorf("text = %q, want %q", c.Text, tt.text)
			}
			if _, err := tr.DecodeOps(0x1000, &c); err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tt.want, opcodes(c.Ops)); diff != "" {
				t.Errorf("opcodes mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRegisterName(t *testing.T) {
	x86 := newTranslator(t, "x86", 0, nil).(RegisterNamer)
	a64 := newTranslator(t, "arm64", 0, nil).(RegisterNamer)

	tests := []struct {
		namer  RegisterNamer
		offset uint64
		size   int
		want   string
	}{
		{x86, 0, 4, "eax"},
		{x86, 0, 8, "rax"},
		{x86, 1, 1, "ah"},
		{x86, 4 * 8, 4, "esp"},
		{x86, flagZF, 1, "ZF"},
		{a64, 30 * 8, 8, "x30"},
		{a64, 0, 4, "w0"},
		{a64, a64SP, 8, "sp"},
		{x86, 0x9999, 3, ""},
	}
	for _, tt := range tests {
		if got := tt.namer.RegisterName(tt.offset, tt.size); got != tt.want {
			t.Errorf("RegisterName(%#x, %d) = %q, want %q", tt.offset, tt.size, got, tt.want)
		}
	}
}

func TestLookup(t *testing.T) {
	for _, name := range []string{"i386", "IA32", "x86-32", "x86"} {
		a, err := Lookup(name)
		if err != nil {
			t.Fatalf("Lookup(%q): %v", name, err)
		}
		if a.Name != "x86" || a.Context["addrsize"] != 1 || a.Context["opsize"] != 1 {
			t.Errorf("Lookup(%q) = %+v", name, a)
		}
	}

	a, _ := Lookup("x86")
	a.Context["addrsize"] = 2
	if b, _ := Lookup("x86"); b.Context["addrsize"] != 1 {
		t.Errorf("registry context modified through a lookup result")
	}

	if _, err := Lookup("mips"); !errors.Is(err, ErrUnknownArch) {
		t.Errorf("Lookup(mips) err = %v, want ErrUnknownArch", err)
	}
	if _, err := New("mips", window.New(0, nil)); !errors.Is(err, ErrUnknownArch) {
		t.Errorf("New(mips) err = %v, want ErrUnknownArch", err)
	}
}

func TestNames(t *testing.T) {
	want := []string{"arm64", "x86", "x86-16", "x86-64"}
	if diff := cmp.Diff(want, Names()); diff != "" {
		t.Errorf("Names() mismatch (-want +got):\n%s", diff)
	}
}
