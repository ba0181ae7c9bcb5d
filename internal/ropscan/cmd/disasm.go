package cmd

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"ropscan/internal/config"
	"ropscan/internal/disasm"
	"ropscan/internal/driver"
	"ropscan/internal/translate"
	"ropscan/internal/ui/colorize"
)

type listOptions struct {
	Start    uint64
	HasStart bool
	Count    int
	Unit     driver.Unit
	Addr     bool
	Asm      bool
	Ops      bool
}

func init() {
	disasmCmd.Flags().StringP("start", "s", "", "Address to start decoding at (default: start of each code region)")
	disasmCmd.Flags().IntP("count", "n", -1, "Amount to decode, counted in --unit (negative: to the end)")
	disasmCmd.Flags().StringP("unit", "u", config.Default().Unit, "Count --count in instructions (insn) or bytes")
	disasmCmd.Flags().Bool("addr", true, "Print addresses and raw bytes")
	disasmCmd.Flags().Bool("asm", true, "Print assembly text")
	disasmCmd.Flags().Bool("ops", false, "Print micro-operations")
	rootCmd.AddCommand(disasmCmd)
}

var disasmCmd = &cobra.Command{
	Use:   "disasm <file>",
	Short: "List decoded instructions",
	Long: `List the instructions of a file. ELF inputs are decoded section by
section; anything else is decoded as raw code at --base.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := resolveConfig(cmd)
		if err != nil {
			return err
		}
		opts, err := listFlags(cmd, cfg)
		if err != nil {
			return err
		}

		raw, _ := cmd.Flags().GetBool("raw")
		in, err := openInput(args[0], raw, cfg)
		if err != nil {
			return err
		}
		defer in.Close()

		lg := newLogger(cfg)
		defer lg.Close()

		return listing(cmd.OutOrStdout(), in, lg.Logger, opts)
	},
}

func listFlags(cmd *cobra.Command, cfg config.Config) (listOptions, error) {
	var opts listOptions
	flags := cmd.Flags()

	unit, err := driver.ParseUnit(cfg.Unit)
	if err != nil {
		return opts, err
	}
	opts.Unit = unit
	opts.Count, _ = flags.GetInt("count")
	opts.Addr, _ = flags.GetBool("addr")
	opts.Asm, _ = flags.GetBool("asm")
	opts.Ops, _ = flags.GetBool("ops")

	if s, _ := flags.GetString("start"); s != "" {
		if opts.Start, err = config.ParseAddr(s); err != nil {
			return opts, fmt.Errorf("--start: %w", err)
		}
		opts.HasStart = true
	}
	return opts, nil
}

// listing writes the decode of in to w. With a start address only the
// region containing it is listed.
func listing(w io.Writer, in *input, lg *log.Logger, opts listOptions) error {
	regions := in.Regions
	if opts.HasStart {
		r, ok := in.Find(opts.Start)
		if !ok {
			return fmt.Errorf("address %#x is not in any code region", opts.Start)
		}
		regions = []region{r}
	}

	for i, r := range regions {
		if len(regions) > 1 {
			if i > 0 {
				fmt.Fprintln(w)
			}
			fmt.Fprintln(w, paint(headerStyle, fmt.Sprintf("Disassembly of %s:", r.Name)))
		}

		d, err := in.driver(r, lg)
		if err != nil {
			return err
		}
		var start uint64
		if opts.HasStart {
			start = opts.Start - r.Base
		}
		name := operandNamer(d.Translator())

		err = d.Walk(start, opts.Unit, opts.Count, func(s driver.Step) error {
			if s.Err != nil {
				msg := fmt.Sprintf("invalid instruction at %#x", s.Addr)
				if errors.Is(s.Err, driver.ErrOverrun) {
					msg = fmt.Sprintf("instruction at %#x runs past the end of %s", s.Addr, r.Name)
				}
				_, err := fmt.Fprintln(w, paint(faultStyle, msg))
				return err
			}
			return printInst(w, in, s.Inst, name, opts)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func printInst(w io.Writer, in *input, inst disasm.Inst, name func(disasm.Operand) string, opts listOptions) error {
	if label, ok := in.Label(inst.VA); ok {
		fmt.Fprintf(w, "\n%s\n", paint(labelStyle, fmt.Sprintf("%016x <%s>:", inst.VA, label)))
	}

	var b strings.Builder
	if opts.Addr {
		fmt.Fprintf(&b, "%x  % -20x ", inst.VA, inst.Bytes())
	}
	if opts.Asm {
		b.WriteString(inst.Text)
	}
	if line := strings.TrimRight(b.String(), " "); line != "" {
		if _, err := fmt.Fprintln(w, colorize.Line(line, in.Arch)); err != nil {
			return err
		}
	}

	if opts.Ops {
		for _, op := range inst.Ops {
			if _, err := fmt.Fprintln(w, colorize.Line("    ; "+op.Format(name), in.Arch)); err != nil {
				return err
			}
		}
	}
	return nil
}

// operandNamer names register operands through tr when it can.
func operandNamer(tr translate.Translator) func(disasm.Operand) string {
	rn, ok := tr.(translate.RegisterNamer)
	if !ok {
		return nil
	}
	return func(o disasm.Operand) string {
		if o.Space != disasm.SpaceRegister {
			return ""
		}
		return rn.RegisterName(o.Offset, o.Size)
	}
}
