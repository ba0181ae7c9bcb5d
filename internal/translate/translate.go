// Package translate is the boundary to the instruction decoders. A
// Translator decodes exactly one instruction at an address, reporting its
// length and, on request, its assembly text or its micro-operations.
package translate

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"ropscan/internal/disasm"
)

var (
	// ErrNoMatch is returned when the bytes at an address do not decode
	// to any known instruction.
	ErrNoMatch = errors.New("no instruction pattern matches")

	// ErrUnknownArch is returned by Lookup and New for unsupported names.
	ErrUnknownArch = errors.New("unknown architecture")
)

// Sink receives the output of a decode.
type Sink interface {
	OnText(addr uint64, mnemonic, body string)
	OnOperation(addr uint64, op disasm.MicroOp)
}

// Filler supplies instruction bytes. Unmapped bytes read as zero.
type Filler interface {
	Fill(dst []byte, addr uint64)
}

// Translator decodes single instructions. Implementations are not
// reentrant.
type Translator interface {
	Arch() Arch
	// ProbeLength decodes only the length of the instruction at addr.
	ProbeLength(addr uint64) (int, error)
	// DecodeText emits the assembly text of the instruction at addr.
	DecodeText(addr uint64, sink Sink) (int, error)
	// DecodeOps emits the micro-operations of the instruction at addr.
	DecodeOps(addr uint64, sink Sink) (int, error)
}

// RegisterNamer is implemented by translators that can name register
// operands.
type RegisterNamer interface {
	RegisterName(offset uint64, size int) string
}

// Arch describes a supported architecture.
type Arch struct {
	Name    string
	MaxLen  int // longest encoding in bytes
	MinLen  int // shortest encoding, also the alignment of fixed-width sets
	Context map[string]int
}

var arches = map[string]Arch{
	"x86-16": {Name: "x86-16", MaxLen: 15, MinLen: 1, Context: map[string]int{"addrsize": 0, "opsize": 0}},
	"x86":    {Name: "x86", MaxLen: 15, MinLen: 1, Context: map[string]int{"addrsize": 1, "opsize": 1}},
	"x86-64": {Name: "x86-64", MaxLen: 15, MinLen: 1, Context: map[string]int{"addrsize": 2, "opsize": 1, "longMode": 1}},
	"arm64":  {Name: "arm64", MaxLen: 4, MinLen: 4},
}

var aliases = map[string]string{
	"i386":    "x86",
	"ia32":    "x86",
	"x86-32":  "x86",
	"amd64":   "x86-64",
	"x86_64":  "x86-64",
	"aarch64": "arm64",
}

// Lookup returns the architecture registered under name. The returned
// context map is a private copy.
func Lookup(name string) (Arch, error) {
	key := strings.ToLower(name)
	if a, ok := aliases[key]; ok {
		key = a
	}
	a, ok := arches[key]
	if !ok {
		return Arch{}, fmt.Errorf("%w: %q", ErrUnknownArch, name)
	}
	a.Context = maps.Clone(a.Context)
	return a, nil
}

// Names returns the canonical architecture names.
func Names() []string {
	return slices.Sorted(maps.Keys(arches))
}

// New configures a translator for the named architecture reading bytes
// from f.
func New(name string, f Filler) (Translator, error) {
	a, err := Lookup(name)
	if err != nil {
		return nil, err
	}
	switch a.Name {
	case "arm64":
		return NewARM64(a, f), nil
	default:
		return NewX86(a, f)
	}
}

// Collector is a Sink that accumulates one decode in memory.
type Collector struct {
	Mnemonic string
	Text     string
	Ops      []disasm.MicroOp
}

func (c *Collector) OnText(addr uint64, mnemonic, body string) {
	c.Mnemonic = mnemonic
	c.Text = mnemonic
	if body != "" {
		c.Text += " " + body
	}
}

func (c *Collector) OnOperation(addr uint64, op disasm.MicroOp) {
	c.Ops = append(c.Ops, op.Clone())
}

// Reset clears the collector for reuse.
func (c *Collector) Reset() {
	c.Mnemonic, c.Text, c.Ops = "", "", nil
}

func noMatch(addr uint64, err error) error {
	return fmt.Errorf("%w at %#x: %w", ErrNoMatch, addr, err)
}
