package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func env(vars map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ropscan.json")
	if err := os.WriteFile(path, []byte(`{"arch": "x86-64", "depth": 2, "jop": true}`), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	want := Default()
	want.Arch = "x86-64"
	want.Depth = 2
	want.JOP = true
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Load mismatch (-want +got):\n%s", diff)
	}

	if got, err := Load(""); err != nil || got != Default() {
		t.Errorf("Load(\"\") = %+v, %v", got, err)
	}
	if _, err := Load(filepath.Join(dir, "missing.json")); err == nil {
		t.Errorf("Load of a missing file succeeded")
	}

	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte(`{"depth": "deep"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(bad); err == nil {
		t.Errorf("Load of a malformed file succeeded")
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(env(map[string]string{
		"ROPSCAN_ARCH":        "arm64",
		"ROPSCAN_BASE":        "0x400000",
		"ROPSCAN_LOOKBACK":    "8",
		"ROPSCAN_MEMORY_ONLY": "true",
		"ROPSCAN_UNIT":        "",
	}))
	if err != nil {
		t.Fatal(err)
	}
	want := Default()
	want.Arch = "arm64"
	want.Base = 0x400000
	want.Lookback = 8
	want.MemoryOnly = true
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("ApplyEnv mismatch (-want +got):\n%s", diff)
	}
}

func TestApplyEnvErrors(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(env(map[string]string{
		"ROPSCAN_DEPTH": "four",
		"ROPSCAN_JOP":   "maybe",
		"ROPSCAN_BASE":  "zz",
	}))
	if err == nil {
		t.Fatal("ApplyEnv accepted malformed values")
	}
	if cfg.Depth != Default().Depth || cfg.JOP {
		t.Errorf("malformed values were applied: %+v", cfg)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"alias arch", func(c *Config) { c.Arch = "amd64" }, true},
		{"bytes", func(c *Config) { c.Unit = "bytes" }, true},
		{"unknown arch", func(c *Config) { c.Arch = "z80" }, false},
		{"unknown unit", func(c *Config) { c.Unit = "pages" }, false},
		{"zero lookback", func(c *Config) { c.Lookback = 0 }, false},
		{"negative depth", func(c *Config) { c.Depth = -1 }, false},
		{"zero depth", func(c *Config) { c.Depth = 0 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); (err == nil) != tt.ok {
				t.Errorf("Validate() = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}

func TestParseAddr(t *testing.T) {
	tests := []struct {
		in   string
		want uint64
		ok   bool
	}{
		{"0x400000", 0x400000, true},
		{"0X10", 0x10, true},
		{"4096", 4096, true},
		{" 0x1 ", 1, true},
		{"0xg", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		got, err := ParseAddr(tt.in)
		if (err == nil) != tt.ok || got != tt.want {
			t.Errorf("ParseAddr(%q) = %#x, %v", tt.in, got, err)
		}
	}
}
