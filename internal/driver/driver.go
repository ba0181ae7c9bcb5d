// Package driver decodes instructions out of a byte window into an
// instruction store, one step at a time.
//
// A Driver is single threaded. Every call runs to completion against the
// translator before returning, and nothing happens between calls.
package driver

import (
	"errors"
	"fmt"

	"github.com/charmbracelet/log"

	"ropscan/internal/disasm"
	"ropscan/internal/logging"
	"ropscan/internal/translate"
	"ropscan/internal/window"
)

var (
	// ErrBufferExhausted reports a step at or beyond the end of the window.
	ErrBufferExhausted = errors.New("buffer exhausted")

	// ErrDecodeFault reports bytes that do not decode to an instruction.
	ErrDecodeFault = errors.New("invalid instruction")

	// ErrOverrun reports a step inside a forward pass whose instruction
	// would consume more bytes than the pass has left.
	ErrOverrun = errors.New("instruction overruns buffer")
)

// Driver couples a window, a translator and the store decoded
// instructions are cached in.
type Driver struct {
	win   *window.Window
	tr    translate.Translator
	store *disasm.Store
	log   *log.Logger
	sink  translate.Collector
}

// Option configures a Driver.
type Option func(*Driver)

// WithLogger sets the logger used for fault, eviction and overrun events.
func WithLogger(l *log.Logger) Option {
	return func(d *Driver) {
		if l != nil {
			d.log = l
		}
	}
}

// WithStore makes the driver cache into s instead of a fresh store.
func WithStore(s *disasm.Store) Option {
	return func(d *Driver) {
		if s != nil {
			d.store = s
		}
	}
}

// New returns a driver decoding win with tr.
func New(win *window.Window, tr translate.Translator, opts ...Option) *Driver {
	d := &Driver{win: win, tr: tr}
	for _, opt := range opts {
		opt(d)
	}
	if d.store == nil {
		d.store = disasm.NewStore()
	}
	if d.log == nil {
		d.log = logging.Discard()
	}
	return d
}

// Store returns the cache decoded instructions are merged into.
func (d *Driver) Store() *disasm.Store { return d.store }

// Window returns the bytes being decoded.
func (d *Driver) Window() *window.Window { return d.win }

// Translator returns the decoder the driver steps with.
func (d *Driver) Translator() translate.Translator { return d.tr }

// Addr converts a window offset to an absolute address.
func (d *Driver) Addr(offset uint64) uint64 { return d.win.Base() + offset }

// StepAt decodes the instruction at offset, caches it and makes it the
// store's current record. It returns the instruction length.
//
// A zero length is always paired with an error: ErrBufferExhausted when
// offset is outside the window (the store is untouched), or ErrDecodeFault
// when the bytes do not decode (any record cached at that address is
// evicted).
func (d *Driver) StepAt(offset uint64) (int, error) {
	if offset >= d.win.Size() {
		return 0, fmt.Errorf("%w: offset %#x, size %#x", ErrBufferExhausted, offset, d.win.Size())
	}
	inst, err := d.decode(d.Addr(offset))
	if err != nil {
		return 0, err
	}
	d.commit(inst)
	return inst.Len, nil
}

// decode runs the text and micro-operation decodes at addr. Nothing is
// stored; on failure any stale record at addr is evicted.
func (d *Driver) decode(addr uint64) (disasm.Inst, error) {
	n, err := d.runDecoders(addr)
	if err == nil && n <= 0 {
		err = fmt.Errorf("translator returned length %d", n)
	}
	if err != nil {
		return disasm.Inst{}, d.fault(addr, err)
	}

	inst := disasm.Inst{
		VA:       addr,
		Len:      n,
		Mnemonic: d.sink.Mnemonic,
		Text:     d.sink.Text,
		Ops:      d.sink.Ops,
	}
	copy(inst.Raw[:], d.win.Read(addr, min(n, disasm.MaxInstLen)))
	return inst, nil
}

// runDecoders fills the sink from both decodes. A translator panic on
// malformed bytes is returned as an error.
func (d *Driver) runDecoders(addr uint64) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			n, err = 0, fmt.Errorf("translator panic: %v", r)
		}
	}()

	d.sink.Reset()
	n, err = d.tr.DecodeText(addr, &d.sink)
	if err != nil {
		return n, err
	}
	m, err := d.tr.DecodeOps(addr, &d.sink)
	if err == nil && m != n {
		err = fmt.Errorf("text length %d, operation length %d", n, m)
	}
	return n, err
}

func (d *Driver) fault(addr uint64, err error) error {
	d.log.Debug("decode fault", "addr", fmt.Sprintf("%#x", addr), "err", err)
	if i, ok := d.store.Index(addr); ok {
		d.store.Evict(i)
		d.log.Debug("evicted", "addr", fmt.Sprintf("%#x", addr))
	}
	return fmt.Errorf("%w at %#x: %w", ErrDecodeFault, addr, err)
}

func (d *Driver) commit(inst disasm.Inst) int {
	i := d.store.InsertOrMerge(inst)
	d.store.SetCurrent(i)
	return i
}
