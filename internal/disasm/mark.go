package disasm

import (
	"errors"
	"fmt"
)

// ErrMarkInvalidated is returned when a mark's record has been evicted.
var ErrMarkInvalidated = errors.New("marked instruction was evicted")

// Mark is a reference to a record that survives insertions into the store.
// The logical position is recomputed lazily after the store changes shape.
type Mark struct {
	addr uint64
	idx  int
	gen  uint64
}

// Addr returns the address of the marked record.
func (m Mark) Addr() uint64 { return m.addr }

// SetMark marks the record at logical position i.
func (s *Store) SetMark(i int) (Mark, error) {
	if i < 0 || i >= len(s.insts) {
		return Mark{}, fmt.Errorf("mark position %d out of range [0,%d)", i, len(s.insts))
	}
	return Mark{addr: s.insts[i].VA, idx: i, gen: s.gen}, nil
}

// Resolve returns the marked record. When the store has been mutated since
// the mark was taken, the position is recomputed by counting the records
// that now precede the marked address.
func (s *Store) Resolve(m *Mark) (Inst, error) {
	if m.gen == s.gen && m.idx >= 0 && m.idx < len(s.insts) && s.insts[m.idx].VA == m.addr {
		return s.insts[m.idx], nil
	}
	if g, ok := s.evicted[m.addr]; ok && g > m.gen {
		return Inst{}, fmt.Errorf("%w: %#x", ErrMarkInvalidated, m.addr)
	}
	i, ok := s.Index(m.addr)
	if !ok {
		return Inst{}, fmt.Errorf("%w: %#x", ErrMarkInvalidated, m.addr)
	}
	m.idx, m.gen = i, s.gen
	return s.insts[i], nil
}

// Position returns the marked record's current logical position.
func (s *Store) Position(m *Mark) (int, error) {
	if _, err := s.Resolve(m); err != nil {
		return -1, err
	}
	return m.idx, nil
}
