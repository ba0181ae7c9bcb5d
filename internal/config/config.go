// Package config holds the ropscan settings shared by every subcommand.
//
// Values are layered: defaults, then an optional JSON file, then ROPSCAN_*
// environment variables, then command line flags (applied by the caller).
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"ropscan/internal/driver"
	"ropscan/internal/translate"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "ROPSCAN_"

// Config represents configuration for the ropscan tool
type Config struct {
	Arch       string `json:"arch" jsonschema:"title=Architecture,description=Instruction set of raw inputs,enum=x86-16,enum=x86,enum=x86-64,enum=arm64,default=x86"`
	Base       uint64 `json:"base" jsonschema:"title=Base Address,description=Load address of raw inputs"`
	Lookback   int    `json:"lookback" jsonschema:"title=Look-back,description=Bytes scanned before each instruction when searching for predecessors,minimum=1,default=15"`
	Depth      int    `json:"depth" jsonschema:"title=Depth,description=Maximum instructions before a gadget terminator,minimum=0,default=4"`
	Unit       string `json:"unit" jsonschema:"title=Unit,description=How disasm counts its amount,enum=insn,enum=bytes,default=insn"`
	MemoryOnly bool   `json:"memoryOnly" jsonschema:"title=Memory Only,description=Keep only gadgets that load or store"`
	JOP        bool   `json:"jop" jsonschema:"title=Jump Oriented,description=Accept indirect jumps and calls as gadget terminators"`
	NoColor    bool   `json:"noColor" jsonschema:"title=No Color,description=Disable syntax highlighting"`
	Debug      bool   `json:"debug" jsonschema:"title=Debug,description=Enable debug logging"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Arch:     "x86",
		Lookback: 15,
		Depth:    4,
		Unit:     driver.UnitInstructions.String(),
	}
}

// Load reads a JSON file over the defaults. Fields missing from the file
// keep their default value.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overlays ROPSCAN_* variables found through lookup, which is
// usually os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	flag := func(name string, dst *bool) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}

	str("ARCH", &c.Arch)
	if v, ok := lookup(EnvPrefix + "BASE"); ok && v != "" {
		b, err := ParseAddr(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sBASE: %w", EnvPrefix, err))
		} else {
			c.Base = b
		}
	}
	num("LOOKBACK", &c.Lookback)
	num("DEPTH", &c.Depth)
	str("UNIT", &c.Unit)
	flag("MEMORY_ONLY", &c.MemoryOnly)
	flag("JOP", &c.JOP)
	flag("NO_COLOR", &c.NoColor)
	flag("DEBUG", &c.Debug)
	return errors.Join(errs...)
}

// Validate checks that every field names something ropscan supports.
func (c Config) Validate() error {
	var errs []error
	if _, err := translate.Lookup(c.Arch); err != nil {
		errs = append(errs, err)
	}
	if _, err := driver.ParseUnit(c.Unit); err != nil {
		errs = append(errs, err)
	}
	if c.Lookback < 1 {
		errs = append(errs, fmt.Errorf("lookback must be positive, got %d", c.Lookback))
	}
	if c.Depth < 0 {
		errs = append(errs, fmt.Errorf("depth must not be negative, got %d", c.Depth))
	}
	return errors.Join(errs...)
}

// ParseAddr parses a hexadecimal (0x prefixed) or decimal address.
func ParseAddr(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return strconv.ParseUint(s[2:], 16, 64)
	}
	return strconv.ParseUint(s, 0, 64)
}
