package driver

import (
	"bytes"
	"errors"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"ropscan/internal/disasm"
	"ropscan/internal/translate"
	"ropscan/internal/window"
)

var prologue = []byte{0x55, 0x89, 0xe5, 0xb8, 0x78, 0x56, 0x34, 0x12}

func x86Driver(t *testing.T, base uint64, code []byte, opts ...Option) *Driver {
	t.Helper()
	win := window.New(base, code)
	tr, err := translate.New("x86", win)
	if err != nil {
		t.Fatal(err)
	}
	return New(win, tr, opts...)
}

type span struct {
	VA  uint64
	Len int
}

func spans(s disasm.Stream) []span {
	out := make([]span, len(s))
	for i, in := range s {
		out[i] = span{in.VA, in.Len}
	}
	return out
}

func TestIterateBytes(t *testing.T) {
	d := x86Driver(t, 0, prologue)
	got, err := d.Iterate(0, UnitBytes, 8)
	if err != nil {
		t.Fatalf("Iterate: %v", err)
	}
	want := []span{{0, 1}, {1, 2}, {3, 5}}
	if diff := cmp.Diff(want, spans(got)); diff != "" {
		t.Errorf("Iterate mismatch (-want +got):\n%s", diff)
	}
	if d.Store().Len() != 3 {
		t.Errorf("store holds %d records, want 3", d.Store().Len())
	}
	if got[2].Text != "mov eax, 0x12345678" {
		t.Errorf("text = %q", got[2].Text)
	}
	if !bytes.Equal(got[2].Bytes(), prologue[3:]) {
		t.Errorf("raw bytes = % x, want % x", got[2].Bytes(), prologue[3:])
	}
}

func TestIterateInstructions(t *testing.T) {
	d := x86Driver(t, 0x8048000, prologue)
	tests := []struct {
		name   string
		start  uint64
		amount int
		want   []span
	}{
		{"two", 0, 2, []span{{0x8048000, 1}, {0x8048001, 2}}},
		{"unbounded", 0, -1, []span{{0x8048000, 1}, {0x8048001, 2}, {0x8048003, 5}}},
		{"past end", 8, 4, nil},
		{"zero", 0, 0, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := d.Iterate(tt.start, UnitInstructions, tt.amount)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tt.want, spans(got), cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("Iterate mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestStepAtExhausted(t *testing.T) {
	d := x86Driver(t, 0, prologue)
	if _, err := d.StepAt(0); err != nil {
		t.Fatal(err)
	}
	before := d.Store().Stream()

	n, err := d.StepAt(uint64(len(prologue)))
	if n != 0 || !errors.Is(err, ErrBufferExhausted) {
		t.Fatalf("StepAt(len) = %d, %v; want 0, ErrBufferExhausted", n, err)
	}
	if errors.Is(err, ErrDecodeFault) {
		t.Errorf("exhaustion reported as decode fault")
	}
	if diff := cmp.Diff(before, d.Store().Stream()); diff != "" {
		t.Errorf("store changed (-before +after):\n%s", diff)
	}
}

func TestStepAtDecodeFault(t *testing.T) {
	ft := &fakeTranslator{insts: map[uint64]fakeInst{
		0: {n: 1, text: "a"},
		2: {n: 1, text: "c"},
	}}
	store := disasm.NewStore()
	// a stale record at the faulting address must not survive
	store.InsertOrMerge(disasm.Inst{VA: 1, Len: 1, Text: "stale"})

	d := New(window.New(0, make([]byte, 4)), ft, WithStore(store))
	if _, err := d.StepAt(0); err != nil {
		t.Fatal(err)
	}

	n, err := d.StepAt(1)
	if n != 0 || !errors.Is(err, ErrDecodeFault) {
		t.Fatalf("StepAt(1) = %d, %v; want 0, ErrDecodeFault", n, err)
	}
	if !errors.Is(err, translate.ErrNoMatch) {
		t.Errorf("decode fault does not wrap the translator error: %v", err)
	}
	if errors.Is(err, ErrBufferExhausted) {
		t.Errorf("decode fault reported as exhaustion")
	}
	if _, ok := d.Store().Find(1); ok {
		t.Errorf("record at faulting address still cached")
	}

	// recovery at offset+1
	if n, err := d.StepAt(2); n != 1 || err != nil {
		t.Errorf("StepAt(2) = %d, %v; want 1, nil", n, err)
	}
}

func TestStepAtTranslatorPanic(t *testing.T) {
	d := New(window.New(0, make([]byte, 4)), &panickingTranslator{})
	n, err := d.StepAt(1)
	if n != 0 || !errors.Is(err, ErrDecodeFault) {
		t.Fatalf("StepAt(1) = %d, %v; want 0, ErrDecodeFault", n, err)
	}
	if d.Store().Len() != 0 {
		t.Errorf("store has %d records after a panic", d.Store().Len())
	}
}

// Every offset of arbitrary bytes either decodes or faults, for every
// architecture.
func TestStepAtArbitraryBytes(t *testing.T) {
	rng := rand.New(rand.NewPCG(0x5eed, 0xc0de))
	code := make([]byte, 4096)
	for i := range code {
		code[i] = byte(rng.Uint32())
	}
	// start with push imm8 and push imm32
	copy(code, []byte{0x6a, 0x01, 0x68, 0x01, 0x02, 0x03, 0x04})

	for _, arch := range translate.Names() {
		t.Run(arch, func(t *testing.T) {
			win := window.New(0x10000, code)
			tr, err := translate.New(arch, win)
			if err != nil {
				t.Fatal(err)
			}
			d := New(win, tr)
			var decoded int
			for off := uint64(0); off < win.Size(); off++ {
				n, err := d.StepAt(off)
				switch {
				case err == nil:
					if n <= 0 || n > tr.Arch().MaxLen {
						t.Fatalf("StepAt(%#x) length %d", off, n)
					}
					decoded++
				case errors.Is(err, ErrDecodeFault), errors.Is(err, ErrOverrun):
					if strings.Contains(err.Error(), "translator panic") {
						t.Errorf("StepAt(%#x): %v", off, err)
					}
				default:
					t.Fatalf("StepAt(%#x): %v", off, err)
				}
			}
			if decoded == 0 {
				t.Error("nothing decoded")
			}
		})
	}
}

func TestStepAtIdempotent(t *testing.T) {
	ft := &fakeTranslator{insts: map[uint64]fakeInst{
		0: {n: 2, text: "mov", ops: []disasm.MicroOp{copyOp(0, 8), copyOp(8, 0)}},
	}}
	d := New(window.New(0, []byte{1, 2, 3}), ft)

	if _, err := d.StepAt(0); err != nil {
		t.Fatal(err)
	}
	first, _ := d.Store().Find(0)
	first = first.Clone()

	if _, err := d.StepAt(0); err != nil {
		t.Fatal(err)
	}
	second, _ := d.Store().Find(0)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("second decode changed the record (-first +second):\n%s", diff)
	}
	if d.Store().Len() != 1 {
		t.Errorf("store holds %d records, want 1", d.Store().Len())
	}
	if len(second.Ops) != 2 {
		t.Errorf("ops = %d, want 2", len(second.Ops))
	}
}

func TestStepAtSetsCurrent(t *testing.T) {
	d := x86Driver(t, 0, prologue)
	for _, off := range []uint64{3, 0, 1} {
		if _, err := d.StepAt(off); err != nil {
			t.Fatal(err)
		}
		cur, ok := d.Store().Current()
		if !ok || cur.VA != off {
			t.Errorf("after StepAt(%d) current = %#x, %v", off, cur.VA, ok)
		}
	}
}

func TestStepAtLengthMismatch(t *testing.T) {
	ft := &mismatchTranslator{fakeTranslator{insts: map[uint64]fakeInst{0: {n: 2, text: "x"}}}}
	d := New(window.New(0, []byte{0, 0}), ft)
	if _, err := d.StepAt(0); !errors.Is(err, ErrDecodeFault) {
		t.Errorf("StepAt err = %v, want ErrDecodeFault", err)
	}
	if d.Store().Len() != 0 {
		t.Errorf("store holds %d records after mismatch", d.Store().Len())
	}
}

type mismatchTranslator struct{ fakeTranslator }

func (m *mismatchTranslator) DecodeOps(addr uint64, sink translate.Sink) (int, error) {
	n, err := m.fakeTranslator.DecodeOps(addr, sink)
	return n + 1, err
}

func TestPassOverrun(t *testing.T) {
	// mov eax, imm32 truncated by the end of the window
	var logs bytes.Buffer
	d := x86Driver(t, 0, []byte{0x90, 0xb8, 0x78}, WithLogger(log.New(&logs)))

	p := d.NewPass(0)
	if n, err := p.Step(); n != 1 || err != nil {
		t.Fatalf("Step = %d, %v", n, err)
	}
	if p.Remaining() != 2 {
		t.Errorf("Remaining = %d, want 2", p.Remaining())
	}
	n, err := p.Step()
	if n != 0 || !errors.Is(err, ErrOverrun) {
		t.Fatalf("Step = %d, %v; want 0, ErrOverrun", n, err)
	}
	if _, ok := d.Store().Find(1); ok {
		t.Errorf("overrunning instruction was cached")
	}
	if p.Offset() != 1 {
		t.Errorf("Offset = %d after overrun, want 1", p.Offset())
	}
	if !strings.Contains(logs.String(), "overrun") {
		t.Errorf("overrun not logged: %q", logs.String())
	}

	// StepAt has no pass and decodes the zero filled tail
	if n, err := d.StepAt(1); n != 5 || err != nil {
		t.Errorf("StepAt(1) = %d, %v; want 5, nil", n, err)
	}
}

func TestIterateFaults(t *testing.T) {
	ft := &fakeTranslator{insts: map[uint64]fakeInst{
		0: {n: 1, text: "a"},
		2: {n: 2, text: "b"},
	}}
	d := New(window.New(0, make([]byte, 4)), ft)

	got, err := d.Iterate(0, UnitBytes, 4)
	if !errors.Is(err, ErrDecodeFault) {
		t.Errorf("byte mode err = %v, want ErrDecodeFault", err)
	}
	if diff := cmp.Diff([]span{{0, 1}}, spans(got)); diff != "" {
		t.Errorf("byte mode mismatch (-want +got):\n%s", diff)
	}

	got, err = d.Iterate(0, UnitInstructions, 3)
	if err != nil {
		t.Fatalf("instruction mode: %v", err)
	}
	if diff := cmp.Diff([]span{{0, 1}, {2, 2}}, spans(got)); diff != "" {
		t.Errorf("instruction mode mismatch (-want +got):\n%s", diff)
	}
}

func TestWalk(t *testing.T) {
	ft := &fakeTranslator{insts: map[uint64]fakeInst{
		0x100: {n: 1, text: "a"},
		0x102: {n: 2, text: "b"},
	}}
	d := New(window.New(0x100, make([]byte, 4)), ft)

	var lines []string
	err := d.Walk(0, UnitInstructions, -1, func(s Step) error {
		if s.Err != nil {
			lines = append(lines, "bad")
			return nil
		}
		lines = append(lines, s.Inst.Text)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"a", "bad", "b"}, lines); diff != "" {
		t.Errorf("Walk mismatch (-want +got):\n%s", diff)
	}

	stop := errors.New("stop")
	calls := 0
	err = d.Walk(0, UnitBytes, -1, func(Step) error {
		calls++
		return stop
	})
	if !errors.Is(err, stop) || calls != 1 {
		t.Errorf("Walk = %v after %d calls, want stop after 1", err, calls)
	}
}

func TestParseUnit(t *testing.T) {
	for _, u := range []Unit{UnitInstructions, UnitBytes} {
		got, err := ParseUnit(u.String())
		if err != nil || got != u {
			t.Errorf("ParseUnit(%q) = %v, %v", u.String(), got, err)
		}
	}
	if _, err := ParseUnit("words"); err == nil {
		t.Errorf("ParseUnit(words) succeeded")
	}
}
