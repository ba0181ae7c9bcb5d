package styles

import (
	"regexp"
	"strings"
	"testing"
)

var ansiEscape = regexp.MustCompile("\x1b\\[[0-9;]*m")

func TestRender(t *testing.T) {
	md := "# Gadgets\n\n| Address | Gadget |\n|---|---|\n| `0x401000` | `pop eax; ret` |\n"
	out, err := Render(md, 80)
	if err != nil {
		t.Fatal(err)
	}
	plain := ansiEscape.ReplaceAllString(out, "")
	for _, want := range []string{"Gadgets", "0x401000", "pop eax; ret"} {
		if !strings.Contains(plain, want) {
			t.Errorf("rendered report is missing %q:\n%s", want, plain)
		}
	}
}

func TestReportStyle(t *testing.T) {
	s := GetMarkdownStyle()
	if s.Code.Color == nil || s.H1.BackgroundColor == nil {
		t.Error("inline code and title must be colored")
	}
	if s.Table.ColumnSeparator == nil || *s.Table.ColumnSeparator != "│" {
		t.Errorf("column separator = %v", s.Table.ColumnSeparator)
	}

	md := "# Gadgets in a.out\n\n2 gadgets, architecture `x86`.\n\n" +
		"| Address | Section | Instructions | Bytes |\n|---|---|---|---|\n" +
		"| `0x1001` | raw | `mov ebp, esp; ret` | `89e5c3` |\n" +
		"| `0x1003` | raw | `ret` | `c3` |\n"
	out, err := Render(md, 100)
	if err != nil {
		t.Fatal(err)
	}
	plain := ansiEscape.ReplaceAllString(out, "")
	for _, want := range []string{"Gadgets in a.out", "2 gadgets", "│", "0x1003", "89e5c3"} {
		if !strings.Contains(plain, want) {
			t.Errorf("rendered report is missing %q:\n%s", want, plain)
		}
	}
}
