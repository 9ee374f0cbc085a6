package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"servicedeck/internal/service"
)

var (
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#DC2626")).Bold(true)
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#CA8A04"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#16A34A"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#9CA3AF"))
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

func statusStyle(s service.Status) lipgloss.Style {
	switch s {
	case service.StatusOK:
		return okStyle
	case service.StatusError:
		return errorStyle
	case service.StatusStarting:
		return warnStyle
	default:
		return dimStyle
	}
}

// renderTable draws rows under headers. statusCol, when >= 0, is colored
// by its service status value.
func renderTable(w io.Writer, headers []string, rows [][]string, statusCol int) {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(dimStyle).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if col == statusCol && row >= 0 && row < len(rows) {
				return statusStyle(service.Status(rows[row][col])).Padding(0, 1)
			}
			return cellStyle
		})
	fmt.Fprintln(w, t.Render())
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printOK(w io.Writer, msg string) { fmt.Fprintln(w, okStyle.Render("OK ")+" "+msg) }

func printErr(w io.Writer, msg string) { fmt.Fprintln(w, errorStyle.Render("ERR")+" "+msg) }

// detailsLine flattens details into "k=v" pairs for a single table cell.
func detailsLine(d service.Details, maxLen int) string {
	parts := make([]string, 0, d.Len())
	for _, k := range d.Keys() {
		v, _ := d.Get(k)
		parts = append(parts, k+"="+v.String())
	}
	s := strings.Join(parts, " ")
	if maxLen > 3 && len(s) > maxLen {
		s = s[:maxLen-3] + "..."
	}
	return s
}
