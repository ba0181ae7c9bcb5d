// Package colorize highlights disassembly listings with chroma.
package colorize

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
)

var disabled atomic.Bool

// Disable turns highlighting off for the rest of the process.
func Disable() { disabled.Store(true) }

// Enabled reports whether output should be highlighted. ROPSCAN_NO_COLOR
// disables it.
func Enabled() bool {
	return !disabled.Load() && os.Getenv("ROPSCAN_NO_COLOR") == ""
}

// lexerFor returns an assembly lexer for the architecture with fallbacks
func lexerFor(arch string) chroma.Lexer {
	candidates := []string{"nasm", "gas"}
	if arch == "arm64" {
		candidates = []string{"armasm", "gas"}
	}
	for _, name := range candidates {
		if lexer := lexers.Get(name); lexer != nil {
			return lexer
		}
	}
	return nil
}

// getDisasmStyle returns the disassembly style with fallbacks
func getDisasmStyle() *chroma.Style {
	candidates := []string{"disasm-dark", "dracula", "monokai"}
	for _, name := range candidates {
		if style := styles.Get(name); style != nil {
			return style
		}
	}
	return styles.Fallback
}

// getTerminalFormatter returns an appropriate terminal formatter
func getTerminalFormatter() chroma.Formatter {
	candidates := []string{"terminal16m", "terminal256"}
	for _, name := range candidates {
		if formatter := formatters.Get(name); formatter != nil {
			return formatter
		}
	}
	return formatters.Fallback
}

// Assembly highlights a block of assembly text.
func Assembly(code, arch string) (string, error) {
	if !Enabled() {
		return code, nil
	}
	lexer := lexerFor(arch)
	if lexer == nil {
		return code, nil
	}

	iterator, err := lexer.Tokenise(nil, code)
	if err != nil {
		return code, err
	}
	var buf strings.Builder
	if err := getTerminalFormatter().Format(&buf, getDisasmStyle(), iterator); err != nil {
		return code, err
	}
	return buf.String(), nil
}

// Line colorizes a single listing line while preserving its layout.
// Lines have the form "address  bytes  text" with the address in hex.
func Line(line, arch string) string {
	if !Enabled() {
		return line
	}

	// Comment-only line
	if strings.HasPrefix(strings.TrimSpace(line), ";") {
		return fmt.Sprintf("\033[38;2;235;194;237m%s\033[0m", line)
	}

	addr, rest, ok := strings.Cut(line, " ")
	if !ok || !isHex(addr) {
		return colorizeText(line, arch)
	}

	// Color address in gray (79, 79, 79)
	return fmt.Sprintf("\033[38;2;79;79;79m%s\033[0m %s", addr, colorizeText(rest, arch))
}

// Join colorizes each instruction on its own and joins them with sep, so
// that a separator the lexer reads as a comment does not swallow the rest.
func Join(texts []string, sep, arch string) string {
	if !Enabled() {
		return strings.Join(texts, sep)
	}
	parts := make([]string, len(texts))
	for i, t := range texts {
		parts[i] = colorizeText(t, arch)
	}
	return strings.Join(parts, sep)
}

func isHex(s string) bool {
	if s == "" {
		return false
	}
	for _, ch := range s {
		if !((ch >= '0' && ch <= '9') || (ch >= 'a' && ch <= 'f') || (ch >= 'A' && ch <= 'F')) {
			return false
		}
	}
	return true
}

func colorizeText(text, arch string) string {
	out, err := Assembly(text, arch)
	if err != nil {
		return text
	}
	// lexers terminate their input with a newline
	if i := strings.LastIndex(out, "\n"); i >= 0 && !strings.HasSuffix(text, "\n") {
		out = out[:i] + out[i+1:]
	}
	return out
}

// Strip removes ANSI escape sequences.
func Strip(s string) string {
	var result strings.Builder
	inEscape := false

	for _, r := range s {
		if r == '\x1b' {
			inEscape = true
		} else if inEscape {
			if r == 'm' {
				inEscape = false
			}
		} else {
			result.WriteRune(r)
		}
	}

	return result.String()
}
