package observe

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
)

var (
	errStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	warnStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

// Render turns markdown into styled terminal output, falling back to
// the raw text when the renderer is unavailable.
func Render(md string) string {
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		return md
	}
	out, err := r.Render(md)
	if err != nil {
		return md
	}
	return out
}

// RenderFindings formats doctor findings one per line.
func RenderFindings(findings []Finding) string {
	if len(findings) == 0 {
		return dimStyle.Render("no findings") + "\n"
	}
	var b strings.Builder
	for _, f := range findings {
		label := warnStyle.Render(f.Severity)
		if f.Severity == SeverityError {
			label = errStyle.Render(f.Severity)
		}
		fmt.Fprintf(&b, "%s %s %s\n", label, dimStyle.Render(f.Code), f.Message)
	}
	return b.String()
}
