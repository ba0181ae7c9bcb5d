package cmd

import (
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/charmbracelet/log"
	"github.com/ianlancetaylor/demangle"

	"ropscan/internal/config"
	"ropscan/internal/driver"
	"ropscan/internal/elfx"
	"ropscan/internal/translate"
	"ropscan/internal/window"
)

// region is one contiguous run of code at a load address.
type region struct {
	Name string
	Base uint64
	Data []byte
}

// input is the code to analyze: the executable sections of an ELF image,
// or a single raw region.
type input struct {
	Path    string
	Arch    string
	Regions []region
	img     *elfx.Image
}

// openInput opens path as an ELF image unless raw is set or the file is
// not ELF, in which case the whole file becomes one region at cfg.Base.
func openInput(path string, raw bool, cfg config.Config) (*input, error) {
	if !raw {
		img, err := elfx.Open(path)
		if err == nil {
			return fromImage(img, cfg)
		}
		// Files shorter than an ELF ident fail with EOF instead of a
		// format error.
		var fe *elf.FormatError
		if !errors.As(err, &fe) && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, err
		}
		slog.Debug("Not an ELF file, reading raw", "path", path, "err", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return &input{
		Path:    path,
		Arch:    cfg.Arch,
		Regions: []region{{Name: "raw", Base: cfg.Base, Data: data}},
	}, nil
}

func fromImage(img *elfx.Image, cfg config.Config) (*input, error) {
	arch := img.Arch()
	if arch == "" {
		err := fmt.Errorf("%s: unsupported machine %v", img.Path, img.File.Machine)
		img.Close()
		return nil, err
	}
	in := &input{Path: img.Path, Arch: arch, img: img}
	for _, s := range img.Code {
		data, ok := img.SectionBytes(s)
		if !ok || len(data) == 0 {
			continue
		}
		in.Regions = append(in.Regions, region{Name: s.Name, Base: s.VA, Data: data})
	}
	if len(in.Regions) == 0 {
		img.Close()
		return nil, fmt.Errorf("%s: no executable code", img.Path)
	}
	return in, nil
}

// driver builds a decode cache over r.
func (in *input) driver(r region, lg *log.Logger) (*driver.Driver, error) {
	win := window.New(r.Base, r.Data)
	tr, err := translate.New(in.Arch, win)
	if err != nil {
		return nil, err
	}
	return driver.New(win, tr, driver.WithLogger(lg.WithPrefix(r.Name))), nil
}

// Label returns the demangled name of the symbol starting at va.
func (in *input) Label(va uint64) (string, bool) {
	if in.img == nil {
		return "", false
	}
	s, ok := in.img.SymbolAt(va)
	if !ok {
		return "", false
	}
	return demangle.Filter(s.Name), true
}

// Where names the symbol containing va as name+off.
func (in *input) Where(va uint64) string {
	if in.img == nil {
		return ""
	}
	s, ok := in.img.Containing(va)
	if !ok {
		return ""
	}
	name := demangle.Filter(s.Name)
	if va == s.Addr {
		return name
	}
	return fmt.Sprintf("%s+%#x", name, va-s.Addr)
}

// Find returns the region holding va.
func (in *input) Find(va uint64) (region, bool) {
	for _, r := range in.Regions {
		if va >= r.Base && va-r.Base < uint64(len(r.Data)) {
			return r, true
		}
	}
	return region{}, false
}

func (in *input) Close() error {
	if in.img != nil {
		return in.img.Close()
	}
	return nil
}
