package gadget

import (
	"context"
	"errors"
	"slices"
	"strings"

	"ropscan/internal/disasm"
	"ropscan/internal/driver"
)

// Gadget is a run of instructions ending in a terminator. Each instruction
// ends exactly where the next begins.
type Gadget struct {
	Insts []disasm.Inst
}

// Addr returns the address of the first instruction.
func (g Gadget) Addr() uint64 { return g.Insts[0].VA }

// Terminator returns the final control transfer.
func (g Gadget) Terminator() disasm.Inst { return g.Insts[len(g.Insts)-1] }

// Len returns the number of instructions.
func (g Gadget) Len() int { return len(g.Insts) }

// Text joins the instruction texts with "; ".
func (g Gadget) Text() string {
	parts := make([]string, len(g.Insts))
	for i, in := range g.Insts {
		parts[i] = in.Text
	}
	return strings.Join(parts, "; ")
}

// Bytes returns the concatenated encoding.
func (g Gadget) Bytes() []byte {
	var b []byte
	for _, in := range g.Insts {
		b = append(b, in.Bytes()...)
	}
	return b
}

// FindOptions controls gadget enumeration.
type FindOptions struct {
	// Depth is the maximum number of instructions preceding the terminator.
	Depth int
	// MaxLookback bounds each backward step in bytes. Zero uses the
	// architecture's longest encoding.
	MaxLookback int
	// JOP also accepts indirect jumps and calls as terminators.
	JOP bool
	// Filter, when set, keeps only gadgets in which some instruction
	// before the terminator has a matching micro-operation.
	Filter Predicate
}

// Terminators decodes every candidate offset of the window and returns the
// window offsets of instructions matching term, in ascending order.
func (s *Scanner) Terminators(ctx context.Context, term Predicate) ([]uint64, error) {
	step := uint64(max(s.d.Translator().Arch().MinLen, 1))
	size := s.d.Window().Size()

	var out []uint64
	for off := uint64(0); off < size; off += step {
		if off%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if _, err := s.d.StepAt(off); err != nil {
			if errors.Is(err, driver.ErrDecodeFault) {
				continue
			}
			return nil, err
		}
		if cur, ok := s.d.Store().Current(); ok && cur.Any(term) {
			out = append(out, off)
		}
	}
	return out, nil
}

// Find enumerates gadgets over the whole window, ordered by address and
// then by length.
func (s *Scanner) Find(ctx context.Context, opts FindOptions) ([]Gadget, error) {
	term := Predicate(IsReturn)
	if opts.JOP {
		term = Any(IsReturn, IsIndirectBranch)
	}
	if opts.MaxLookback <= 0 {
		opts.MaxLookback = s.d.Translator().Arch().MaxLen
	}

	ends, err := s.Terminators(ctx, term)
	if err != nil {
		return nil, err
	}
	s.log.Debug("terminators", "count", len(ends))

	var out []Gadget
	for _, off := range ends {
		t, ok := s.d.Store().Find(s.d.Addr(off))
		if !ok {
			continue
		}
		chain := []disasm.Inst{t.Clone()}
		if err := s.extend(ctx, off, chain, opts, &out); err != nil {
			return nil, err
		}
	}

	slices.SortFunc(out, func(a, b Gadget) int {
		if a.Addr() != b.Addr() {
			if a.Addr() < b.Addr() {
				return -1
			}
			return 1
		}
		return a.Len() - b.Len()
	})
	return out, nil
}

// extend records chain, which starts at window offset off, and recurses
// into every predecessor that does not itself transfer control.
func (s *Scanner) extend(ctx context.Context, off uint64, chain []disasm.Inst, opts FindOptions, out *[]Gadget) error {
	if opts.Filter == nil || slices.ContainsFunc(chain[:len(chain)-1], func(in disasm.Inst) bool { return in.Any(opts.Filter) }) {
		*out = append(*out, Gadget{Insts: slices.Clone(chain)})
	}
	if len(chain) > opts.Depth {
		return nil
	}

	preds, err := s.ScanBackward(ctx, off, opts.MaxLookback, nil)
	if err != nil {
		return err
	}
	for _, p := range preds {
		if p.Any(IsControlTransfer) {
			continue
		}
		next := append([]disasm.Inst{p}, chain...)
		if err := s.extend(ctx, p.VA-s.d.Window().Base(), next, opts, out); err != nil {
			return err
		}
	}
	return nil
}
