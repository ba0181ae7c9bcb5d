// Package elfx provides helpers for opening ELF binaries, locating executable code, and naming addresses.
package elfx

import (
	"debug/elf"
	"fmt"
	"os"
	"slices"
	"strings"
	"syscall"
)

type Image struct {
	Path  string
	File  *elf.File
	All   []byte
	Loads []Seg
	Code  []Section
	Syms  []Sym
	f     *os.File
}

type Seg struct {
	Vaddr, Off, Filesz uint64
	Flags              elf.ProgFlag
}

type Section struct {
	Name          string
	VA, Off, Size uint64
}

type Sym struct {
	Name string
	Addr uint64
	Size uint64
}

func Open(path string) (*Image, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open elf: %w", err)
	}

	of, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open file: %w", err)
	}

	fi, err := of.Stat()
	if err != nil {
		of.Close()
		f.Close()
		return nil, fmt.Errorf("stat file: %w", err)
	}

	all, err := syscall.Mmap(int(of.Fd()), 0, int(fi.Size()), syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		of.Close()
		f.Close()
		return nil, fmt.Errorf("mmap file: %w", err)
	}

	im := &Image{Path: path, File: f, All: all, f: of}
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		im.Loads = append(im.Loads, Seg{
			Vaddr:  p.Vaddr,
			Off:    p.Off,
			Filesz: p.Filesz,
			Flags:  p.Flags,
		})
	}

	// Use true sections if present.
	for _, s := range f.Sections {
		if s.Type == elf.SHT_PROGBITS && s.Flags&elf.SHF_EXECINSTR != 0 && s.Size > 0 {
			im.Code = append(im.Code, Section{s.Name, s.Addr, s.Offset, s.Size})
		}
	}
	// Fallback if stripped of section headers.
	if len(im.Code) == 0 {
		for _, l := range im.Loads {
			if l.Flags&elf.PF_X != 0 && l.Filesz > 0 {
				im.Code = append(im.Code, Section{"LOAD(exec)", l.Vaddr, l.Off, l.Filesz})
			}
		}
	}

	im.loadSymbols()
	return im, nil
}

// Close unmaps the memory and closes the underlying files.
func (im *Image) Close() error {
	var err1, err2 error
	if im.All != nil {
		err1 = syscall.Munmap(im.All)
		im.All = nil
	}
	if im.f != nil {
		err2 = im.f.Close()
		im.f = nil
	}
	if im.File != nil {
		err3 := im.File.Close()
		if err3 != nil && err2 == nil {
			err2 = err3
		}
		im.File = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

// Arch returns the translator architecture name for the image's machine,
// or "" when it is not supported.
func (im *Image) Arch() string {
	switch im.File.Machine {
	case elf.EM_386:
		return "x86"
	case elf.EM_X86_64:
		return "x86-64"
	case elf.EM_AARCH64:
		return "arm64"
	}
	return ""
}

// VA2Off translates a virtual address into a file offset
// using PT_LOAD segments. It returns false if VA is unmapped.
func (im *Image) VA2Off(va uint64) (uint64, bool) {
	for _, l := range im.Loads {
		if va >= l.Vaddr && va < l.Vaddr+l.Filesz {
			return l.Off + (va - l.Vaddr), true
		}
	}
	return 0, false
}

// SliceVA returns a subslice of the mapped file corresponding to the virtual address range [va, va+size).
// It returns (nil, false) if the VA is unmapped or the range is out of bounds.
func (im *Image) SliceVA(va uint64, size uint64) ([]byte, bool) {
	off, ok := im.VA2Off(va)
	if !ok {
		return nil, false
	}
	if size == 0 {
		return []byte{}, true
	}
	end := off + size
	if end > uint64(len(im.All)) {
		return nil, false
	}
	return im.All[off:end], true
}

// SectionBytes returns the file contents of s.
func (im *Image) SectionBytes(s Section) ([]byte, bool) {
	end := s.Off + s.Size
	if end < s.Off || end > uint64(len(im.All)) {
		return nil, false
	}
	return im.All[s.Off:end], true
}

// loadSymbols merges the static and dynamic symbol tables, keeping
// defined symbols only, sorted by address.
func (im *Image) loadSymbols() {
	if im.File == nil {
		return
	}
	seen := make(map[uint64]bool)
	add := func(syms []elf.Symbol) {
		for _, sym := range syms {
			// Skip undefined symbols
			if sym.Value == 0 || sym.Name == "" || seen[sym.Value] {
				continue
			}
			if t := elf.ST_TYPE(sym.Info); t != elf.STT_FUNC && t != elf.STT_NOTYPE {
				continue
			}
			seen[sym.Value] = true
			im.Syms = append(im.Syms, Sym{
				Name: strings.TrimSuffix(sym.Name, "@plt"),
				Addr: sym.Value,
				Size: sym.Size,
			})
		}
	}
	if syms, err := im.File.Symbols(); err == nil {
		add(syms)
	}
	if syms, err := im.File.DynamicSymbols(); err == nil {
		add(syms)
	}
	slices.SortFunc(im.Syms, func(a, b Sym) int {
		switch {
		case a.Addr < b.Addr:
			return -1
		case a.Addr > b.Addr:
			return 1
		}
		return 0
	})
}

// SymbolAt returns the symbol defined exactly at va.
func (im *Image) SymbolAt(va uint64) (Sym, bool) {
	i, ok := slices.BinarySearchFunc(im.Syms, va, func(s Sym, va uint64) int {
		switch {
		case s.Addr < va:
			return -1
		case s.Addr > va:
			return 1
		}
		return 0
	})
	if !ok {
		return Sym{}, false
	}
	return im.Syms[i], true
}

// Containing returns the symbol whose extent covers va.
func (im *Image) Containing(va uint64) (Sym, bool) {
	i, _ := slices.BinarySearchFunc(im.Syms, va+1, func(s Sym, va uint64) int {
		switch {
		case s.Addr < va:
			return -1
		case s.Addr > va:
			return 1
		}
		return 0
	})
	if i == 0 {
		return Sym{}, false
	}
	s := im.Syms[i-1]
	if va >= s.Addr && (va < s.Addr+s.Size || s.Size == 0 && va == s.Addr) {
		return s, true
	}
	return Sym{}, false
}
