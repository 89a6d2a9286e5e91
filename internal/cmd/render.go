package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"golang.org/x/term"

	"github.com/Iron-Ham/convoy/internal/checkpoint"
)

// maxCellWidth bounds free-text columns such as errors and titles.
const maxCellWidth = 48

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	activeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
)

// isTerminal reports whether w is an interactive terminal. Styling is
// dropped otherwise so piped output stays plain.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// renderer styles output for one writer.
type renderer struct {
	w      io.Writer
	styled bool
}

func newRenderer(w io.Writer) *renderer {
	return &renderer{w: w, styled: isTerminal(w)}
}

func (r *renderer) style(s lipgloss.Style, text string) string {
	if !r.styled {
		return text
	}
	return s.Render(text)
}

func (r *renderer) statusStyle(st checkpoint.Status) lipgloss.Style {
	switch st {
	case checkpoint.StatusCompleted:
		return okStyle
	case checkpoint.StatusCodeDoneNoPR, checkpoint.StatusInterrupted:
		return warnStyle
	case checkpoint.StatusFailed, checkpoint.StatusBudgetExceeded:
		return errStyle
	case checkpoint.StatusInProgress:
		return activeStyle
	default:
		return dimStyle
	}
}

func (r *renderer) status(st checkpoint.Status) string {
	return r.style(r.statusStyle(st), string(st))
}

func (r *renderer) heading(title string) {
	fmt.Fprintln(r.w, r.style(headerStyle, strings.ToUpper(title)))
	fmt.Fprintln(r.w, r.style(dimStyle, strings.Repeat("─", 50)))
}

// table writes rows as left-aligned columns. Cells may already carry
// styling; widths are measured on the visible text.
func (r *renderer) table(headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if w := lipgloss.Width(cell); i < len(widths) && w > widths[i] {
				widths[i] = w
			}
		}
	}

	line := func(cells []string, header bool) {
		var sb strings.Builder
		for i, cell := range cells {
			if i > 0 {
				sb.WriteString("  ")
			}
			if header {
				cell = r.style(headerStyle, cell)
			}
			sb.WriteString(cell)
			if i < len(cells)-1 {
				sb.WriteString(strings.Repeat(" ", widths[i]-lipgloss.Width(cell)))
			}
		}
		fmt.Fprintln(r.w, strings.TrimRight(sb.String(), " "))
	}

	line(headers, true)
	for _, row := range rows {
		line(row, false)
	}
}

// truncate shortens text to the cell width, keeping escape sequences intact.
func truncate(s string) string {
	s = strings.ReplaceAll(strings.TrimSpace(s), "\n", " ")
	return ansi.Truncate(s, maxCellWidth, "…")
}

// formatTokens renders a token count compactly, e.g. 12.3K or 4.5M.
func formatTokens(n int64) string {
	switch {
	case n >= 1_000_000:
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	case n >= 1_000:
		return fmt.Sprintf("%.1fK", float64(n)/1_000)
	default:
		return fmt.Sprintf("%d", n)
	}
}
