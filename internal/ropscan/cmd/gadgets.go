package cmd

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"ropscan/internal/config"
	"ropscan/internal/gadget"
	"ropscan/internal/ropscan/styles"
	"ropscan/internal/ui/colorize"
)

type outputFormat int

const (
	formatText outputFormat = iota
	formatJSON
	formatReport
)

// found is a gadget with the names needed to print it.
type found struct {
	Region string
	Where  string
	gadget.Gadget
}

type gadgetRecord struct {
	Address string   `json:"address"`
	Symbol  string   `json:"symbol,omitempty"`
	Section string   `json:"section"`
	Bytes   string   `json:"bytes"`
	Insts   []string `json:"instructions"`
}

func init() {
	defaults := config.Default()
	gadgetsCmd.Flags().Int("depth", defaults.Depth, "Maximum instructions before the terminator")
	gadgetsCmd.Flags().Int("lookback", defaults.Lookback, "Bytes searched before each instruction for predecessors")
	gadgetsCmd.Flags().Bool("memory", false, "Keep only gadgets that load or store")
	gadgetsCmd.Flags().Bool("jop", false, "Also end gadgets at indirect jumps and calls")
	gadgetsCmd.Flags().Bool("json", false, "Print gadgets as JSON")
	gadgetsCmd.Flags().Bool("report", false, "Render a markdown report")
	gadgetsCmd.MarkFlagsMutuallyExclusive("json", "report")
	rootCmd.AddCommand(gadgetsCmd)
}

var gadgetsCmd = &cobra.Command{
	Use:   "gadgets <file>",
	Short: "Find return and jump oriented gadgets",
	Long: `Find every instruction sequence that ends in a return (or, with --jop,
an indirect jump or call) and whose instructions decode back to back.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := resolveConfig(cmd)
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

		gs, err := findGadgets(cmd.Context(), in, lg.Logger, cfg)
		if err != nil {
			return err
		}

		format := formatText
		if ok, _ := cmd.Flags().GetBool("json"); ok {
			format = formatJSON
		} else if ok, _ := cmd.Flags().GetBool("report"); ok {
			format = formatReport
		}
		return printGadgets(cmd.OutOrStdout(), in, gs, format)
	},
}

func findOptions(cfg config.Config) gadget.FindOptions {
	opts := gadget.FindOptions{
		Depth:       cfg.Depth,
		MaxLookback: cfg.Lookback,
		JOP:         cfg.JOP,
	}
	if cfg.MemoryOnly {
		opts.Filter = gadget.TouchesMemory
	}
	return opts
}

// findGadgets scans every region of in.
func findGadgets(ctx context.Context, in *input, lg *log.Logger, cfg config.Config) ([]found, error) {
	opts := findOptions(cfg)
	var out []found
	for _, r := range in.Regions {
		d, err := in.driver(r, lg)
		if err != nil {
			return nil, err
		}
		gs, err := gadget.NewScanner(d, gadget.WithLogger(lg)).Find(ctx, opts)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", r.Name, err)
		}
		lg.Info("Scanned", "section", r.Name, "bytes", len(r.Data), "gadgets", len(gs))
		for _, g := range gs {
			out = append(out, found{Region: r.Name, Where: in.Where(g.Addr()), Gadget: g})
		}
	}
	return out, nil
}

func printGadgets(w io.Writer, in *input, gs []found, format outputFormat) error {
	switch format {
	case formatJSON:
		recs := make([]gadgetRecord, 0, len(gs))
		for _, g := range gs {
			rec := gadgetRecord{
				Address: fmt.Sprintf("%#x", g.Addr()),
				Symbol:  g.Where,
				Section: g.Region,
				Bytes:   hex.EncodeToString(g.Bytes()),
			}
			for _, inst := range g.Insts {
				rec.Insts = append(rec.Insts, inst.Text)
			}
			recs = append(recs, rec)
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(recs)

	case formatReport:
		out, err := styles.Render(gadgetReport(in, gs), termWidth(w, 100))
		if err != nil {
			return fmt.Errorf("render report: %w", err)
		}
		_, err = io.WriteString(w, out)
		return err
	}

	for _, g := range gs {
		texts := make([]string, len(g.Insts))
		for i, inst := range g.Insts {
			texts[i] = inst.Text
		}
		line := paint(addrStyle, fmt.Sprintf("%x", g.Addr())) + "  " + colorize.Join(texts, "; ", in.Arch)
		if g.Where != "" {
			line += paint(labelStyle, " <"+g.Where+">")
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintln(w, paint(headerStyle, fmt.Sprintf("\n%d gadgets found", len(gs))))
	return err
}

func gadgetReport(in *input, gs []found) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Gadgets in %s\n\n", in.Path)
	fmt.Fprintf(&b, "%d gadgets, architecture `%s`.\n\n", len(gs), in.Arch)
	if len(gs) == 0 {
		return b.String()
	}
	b.WriteString("| Address | Section | Instructions | Bytes |\n")
	b.WriteString("|---|---|---|---|\n")
	for _, g := range gs {
		addr := fmt.Sprintf("`%#x`", g.Addr())
		if g.Where != "" {
			addr += " " + g.Where
		}
		fmt.Fprintf(&b, "| %s | %s | `%s` | `%x` |\n", addr, g.Region, g.Text(), g.Bytes())
	}
	return b.String()
}
