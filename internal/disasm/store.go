package disasm

import (
	"cmp"
	"iter"
	"slices"
)

// Store is an address-ordered collection of instructions with no duplicate
// addresses. Records may arrive in any address order; the text and the
// micro-operations of one record may arrive in separate merges.
//
// A Store is not safe for concurrent use.
type Store struct {
	insts []Inst
	cur   int

	// gen counts structural mutations (insertions and evictions).
	gen uint64
	// evicted records the generation at which an address was last evicted.
	evicted map[uint64]uint64
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{cur: -1}
}

// Len returns the number of records.
func (s *Store) Len() int { return len(s.insts) }

// At returns the record at logical position i.
func (s *Store) At(i int) Inst { return s.insts[i] }

// Index returns the position of the record at addr, or the position where
// it would be inserted and false.
func (s *Store) Index(addr uint64) (int, bool) {
	return slices.BinarySearchFunc(s.insts, addr, func(in Inst, a uint64) int {
		return cmp.Compare(in.VA, a)
	})
}

// Find returns the record at addr.
func (s *Store) Find(addr uint64) (Inst, bool) {
	i, ok := s.Index(addr)
	if !ok {
		return Inst{}, false
	}
	return s.insts[i], true
}

// Bytes returns the raw encoding of the decoded record at addr.
func (s *Store) Bytes(addr uint64) ([]byte, bool) {
	in, ok := s.Find(addr)
	if !ok || !in.Decoded() {
		return nil, false
	}
	return in.Bytes(), true
}

// InsertOrMerge adds in to the store and returns its position.
//
// A new address is inserted in order. For an existing address the length,
// raw bytes and text are filled in only where they are still unset, and each
// incoming micro-operation is appended only if no equal operation was stored
// for that address before the call.
func (s *Store) InsertOrMerge(in Inst) int {
	if len(s.insts) == 0 {
		s.insts = append(s.insts, in.Clone())
		s.gen++
		return 0
	}

	i, ok := s.Index(in.VA)
	if !ok {
		s.insts = slices.Insert(s.insts, i, in.Clone())
		s.gen++
		if s.cur >= i {
			s.cur++
		}
		return i
	}

	cur := &s.insts[i]
	if cur.Len == 0 && in.Len != 0 {
		cur.Len = in.Len
		cur.Raw = in.Raw
	}
	if cur.Text == "" && in.Text != "" {
		cur.Text = in.Text
		cur.Mnemonic = in.Mnemonic
	}
	existing := len(cur.Ops)
	for _, op := range in.Ops {
		if slices.ContainsFunc(cur.Ops[:existing], op.Equal) {
			continue
		}
		cur.Ops = append(cur.Ops, op.Clone())
	}
	return i
}

// Evict removes the record at position i. The record that followed it
// becomes current, or the one before it when i was the last record.
func (s *Store) Evict(i int) {
	if i < 0 || i >= len(s.insts) {
		return
	}
	if s.evicted == nil {
		s.evicted = make(map[uint64]uint64)
	}
	s.gen++
	s.evicted[s.insts[i].VA] = s.gen
	s.insts = slices.Delete(s.insts, i, i+1)

	switch {
	case len(s.insts) == 0:
		s.cur = -1
	case i < len(s.insts):
		s.cur = i
	default:
		s.cur = len(s.insts) - 1
	}
}

// Current returns the record most recently decoded or selected.
func (s *Store) Current() (Inst, bool) {
	if s.cur < 0 || s.cur >= len(s.insts) {
		return Inst{}, false
	}
	return s.insts[s.cur], true
}

// CurrentIndex returns the logical position of the current record, or -1.
func (s *Store) CurrentIndex() int { return s.cur }

// SetCurrent selects the record at position i.
func (s *Store) SetCurrent(i int) {
	if i < 0 || i >= len(s.insts) {
		s.cur = -1
		return
	}
	s.cur = i
}

// All yields records in ascending address order. The store must not be
// mutated during iteration.
func (s *Store) All() iter.Seq[Inst] {
	return func(yield func(Inst) bool) {
		for _, in := range s.insts {
			if !yield(in) {
				return
			}
		}
	}
}

// Backward yields records in descending address order. The store must not
// be mutated during iteration.
func (s *Store) Backward() iter.Seq[Inst] {
	return func(yield func(Inst) bool) {
		for i := len(s.insts) - 1; i >= 0; i-- {
			if !yield(s.insts[i]) {
				return
			}
		}
	}
}

// Range yields records with lo <= VA < hi in ascending order.
func (s *Store) Range(lo, hi uint64) iter.Seq[Inst] {
	return func(yield func(Inst) bool) {
		i, _ := s.Index(lo)
		for ; i < len(s.insts) && s.insts[i].VA < hi; i++ {
			if !yield(s.insts[i]) {
				return
			}
		}
	}
}

// Stream returns a copy of every record in address order.
func (s *Store) Stream() Stream {
	out := make(Stream, len(s.insts))
	for i, in := range s.insts {
		out[i] = in.Clone()
	}
	return out
}
