// Package gadget finds instruction sequences that end in a control
// transfer, the building blocks of return and jump oriented programs.
//
// Instruction boundaries are not self delimiting on variable length
// architectures, so the scanner decodes from every byte before a target
// and keeps the decodes that end exactly on it.
package gadget

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"

	"ropscan/internal/disasm"
	"ropscan/internal/driver"
	"ropscan/internal/logging"
)

// Scanner runs backward alignment scans over a driver's window.
type Scanner struct {
	d   *driver.Driver
	log *log.Logger
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithLogger sets the scanner's logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Scanner) {
		if l != nil {
			s.log = l
		}
	}
}

func NewScanner(d *driver.Driver, opts ...Option) *Scanner {
	s := &Scanner{d: d, log: logging.Discard()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Driver returns the driver the scanner decodes with.
func (s *Scanner) Driver() *driver.Driver { return s.d }

// ScanBackward returns the cached instructions that end exactly where the
// instruction at window offset target begins and start at most
// maxLookback bytes before it. When pred is non-nil an instruction is kept
// only if at least one of its micro-operations matches. Results are
// ordered nearest to the target first.
//
// Every candidate offset is decoded into the driver's store as a side
// effect. ctx is checked between look-back distances.
func (s *Scanner) ScanBackward(ctx context.Context, target uint64, maxLookback int, pred Predicate) ([]disasm.Inst, error) {
	store := s.d.Store()
	addr := s.d.Addr(target)

	i, ok := store.Index(addr)
	if !ok || !store.At(i).Decoded() {
		if _, err := s.d.StepAt(target); err != nil {
			return nil, fmt.Errorf("target %#x: %w", addr, err)
		}
		i, _ = store.Index(addr)
	}
	mark, err := store.SetMark(i)
	if err != nil {
		return nil, err
	}

	if target == 0 || maxLookback <= 0 {
		return nil, nil
	}
	lookback := min(uint64(maxLookback), target)

	for dist := uint64(1); dist <= lookback; dist++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if _, err := s.d.StepAt(target - dist); err != nil {
			if !errors.Is(err, driver.ErrDecodeFault) {
				return nil, err
			}
			s.log.Debug("no candidate", "offset", target-dist, "err", err)
		}
	}

	pos, err := store.Position(&mark)
	if err != nil {
		return nil, err
	}
	floor := addr - lookback

	var out []disasm.Inst
	for j := pos - 1; j >= 0; j-- {
		in := store.At(j)
		if in.VA < floor {
			break
		}
		if in.End() != addr {
			continue
		}
		if pred != nil && !in.Any(pred) {
			continue
		}
		out = append(out, in.Clone())
	}
	return out, nil
}
