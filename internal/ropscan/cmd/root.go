package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/charmbracelet/fang"
	"github.com/charmbracelet/lipgloss/v2"
	"github.com/charmbracelet/log"
	"github.com/charmbracelet/x/term"
	"github.com/spf13/cobra"

	"ropscan/internal/config"
	"ropscan/internal/logging"
	rlog "ropscan/internal/ropscan/log"
	"ropscan/internal/ui/colorize"
)

var (
	faultStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("252"))
	addrStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

// paint renders s with style unless color is turned off.
func paint(style lipgloss.Style, s string) string {
	if !colorize.Enabled() {
		return s
	}
	return style.Render(s)
}

func init() {
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "Debug")
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to a JSON configuration file")
	rootCmd.PersistentFlags().StringP("arch", "a", "", "Architecture of raw inputs (x86-16, x86, x86-64, arm64)")
	rootCmd.PersistentFlags().StringP("base", "b", "", "Load address of raw inputs")
	rootCmd.PersistentFlags().Bool("raw", false, "Treat the input as raw machine code even if it is an ELF file")
	rootCmd.PersistentFlags().Bool("no-color", false, "Disable syntax highlighting")
}

var rootCmd = &cobra.Command{
	Use:   "ropscan",
	Short: "Disassembly cache and gadget scanner",
	Long: `Ropscan decodes machine code into an address-ordered instruction cache
and searches it for return and jump oriented gadgets.`,
	Example: `
# List the first 20 instructions of a binary
ropscan disasm -n 20 /bin/true

# List raw 32-bit code mapped at 0x401000 with micro-operations
ropscan disasm --raw -a x86 -b 0x401000 --ops code.bin

# Find gadgets of up to three instructions that touch memory
ropscan gadgets --depth 3 --memory /bin/true
  `,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		rlog.Setup("", debugEnabled(cmd))
		return nil
	},
}

// debugEnabled reports whether --debug is set or ROPSCAN_LOG_LEVEL asks
// for debug output.
func debugEnabled(cmd *cobra.Command) bool {
	debug, _ := cmd.Flags().GetBool("debug")
	return debug || logging.IsDebug()
}

// resolveConfig layers the configuration file, the environment and the
// flags that were set explicitly on cmd.
func resolveConfig(cmd *cobra.Command) (config.Config, error) {
	flags := cmd.Flags()
	path, _ := flags.GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}

	if flags.Changed("arch") {
		cfg.Arch, _ = flags.GetString("arch")
	}
	if flags.Changed("base") {
		s, _ := flags.GetString("base")
		if cfg.Base, err = config.ParseAddr(s); err != nil {
			return cfg, fmt.Errorf("--base: %w", err)
		}
	}
	if flags.Changed("debug") || logging.IsDebug() {
		cfg.Debug = debugEnabled(cmd)
	}
	if flags.Changed("no-color") {
		cfg.NoColor, _ = flags.GetBool("no-color")
	}
	if flags.Changed("unit") {
		cfg.Unit, _ = flags.GetString("unit")
	}
	if flags.Changed("depth") {
		cfg.Depth, _ = flags.GetInt("depth")
	}
	if flags.Changed("lookback") {
		cfg.Lookback, _ = flags.GetInt("lookback")
	}
	if flags.Changed("memory") {
		cfg.MemoryOnly, _ = flags.GetBool("memory")
	}
	if flags.Changed("jop") {
		cfg.JOP, _ = flags.GetBool("jop")
	}

	if cfg.NoColor {
		colorize.Disable()
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	slog.Debug("Configuration", "arch", cfg.Arch, "base", fmt.Sprintf("%#x", cfg.Base),
		"lookback", cfg.Lookback, "depth", cfg.Depth, "unit", cfg.Unit)
	return cfg, nil
}

// newLogger returns the charmbracelet logger handed to the driver and
// scanner. Close it when done.
func newLogger(cfg config.Config) *logging.LoggerCloser {
	lg := logging.NewLogger()
	if cfg.Debug {
		lg.SetLevel(log.DebugLevel)
	}
	return lg
}

// termWidth returns the width of w when it is a terminal.
func termWidth(w io.Writer, fallback int) int {
	if f, ok := w.(*os.File); ok && term.IsTerminal(f.Fd()) {
		if width, _, err := term.GetSize(f.Fd()); err == nil && width > 0 {
			return width
		}
	}
	return fallback
}

func Execute() {
	// Bypass fang when output is being piped so its styled help and
	// errors stay out of machine-readable output.
	if !term.IsTerminal(os.Stdout.Fd()) {
		if err := rootCmd.Execute(); err != nil {
			os.Exit(1)
		}
		return
	}

	if err := fang.Execute(
		context.Background(),
		rootCmd,
		fang.WithNotifySignal(os.Interrupt),
	); err != nil {
		os.Exit(1)
	}
}
