package main

import (
	"cmp"
	"fmt"
	"io"
	"slices"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var (
	colorTeal    = lipgloss.Color("#20B9B4")
	colorBorder  = lipgloss.Color("#16858E")
	colorSuccess = lipgloss.Color("#2CD7C7")
	colorWarning = lipgloss.Color("#F4D03F")
	colorError   = lipgloss.Color("#E74C3C")
	colorMuted   = lipgloss.Color("#6C8A94")
)

const (
	iconSuccess = "✓"
	iconWarning = "⚠"
	iconError   = "✗"
)

// printer renders command output. Styles are bound to a renderer for the
// destination writer, so color is dropped when it is not a terminal.
type printer struct {
	w io.Writer

	title   lipgloss.Style
	success lipgloss.Style
	warning lipgloss.Style
	failure lipgloss.Style
	muted   lipgloss.Style
	header  lipgloss.Style
	cell    lipgloss.Style
	border  lipgloss.Style
}

func newPrinter(w io.Writer) *printer {
	r := lipgloss.NewRenderer(w)
	return &printer{
		w:       w,
		title:   r.NewStyle().Bold(true).Foreground(colorTeal),
		success: r.NewStyle().Foreground(colorSuccess),
		warning: r.NewStyle().Foreground(colorWarning),
		failure: r.NewStyle().Foreground(colorError),
		muted:   r.NewStyle().Foreground(colorMuted),
		header:  r.NewStyle().Bold(true).Foreground(colorTeal).Padding(0, 1),
		cell:    r.NewStyle().Padding(0, 1),
		border:  r.NewStyle().Foreground(colorBorder),
	}
}

func (p *printer) Title(s string) {
	fmt.Fprintln(p.w, p.title.Render(s))
}

func (p *printer) Line(format string, args ...any) {
	fmt.Fprintf(p.w, format+"\n", args...)
}

func (p *printer) Success(format string, args ...any) {
	fmt.Fprintln(p.w, p.success.Render(iconSuccess+" "+fmt.Sprintf(format, args...)))
}

func (p *printer) Warn(format string, args ...any) {
	fmt.Fprintln(p.w, p.warning.Render(iconWarning+" "+fmt.Sprintf(format, args...)))
}

func (p *printer) Fail(format string, args ...any) {
	fmt.Fprintln(p.w, p.failure.Render(iconError+" "+fmt.Sprintf(format, args...)))
}

func (p *printer) Muted(format string, args ...any) {
	fmt.Fprintln(p.w, p.muted.Render(fmt.Sprintf(format, args...)))
}

// Table prints rows under headers with a rounded border.
func (p *printer) Table(headers []string, rows [][]string) {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(p.border).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return p.header
			}
			return p.cell
		})
	fmt.Fprintln(p.w, t.Render())
}

// percent formats n as a share of total with one decimal.
func percent(n, total int) string {
	if total == 0 {
		return "0.0%"
	}
	return strconv.FormatFloat(float64(n)*100/float64(total), 'f', 1, 64) + "%"
}

// truncate shortens s to at most n runes, marking the cut with "...".
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	if n <= 3 {
		return string(runes[:n])
	}
	return string(runes[:n-3]) + "..."
}

type count struct {
	key string
	n   int
}

// sortedCounts orders a tally by count, descending, then by key.
func sortedCounts(m map[string]int) []count {
	out := make([]count, 0, len(m))
	for k, n := range m {
		out = append(out, count{key: k, n: n})
	}
	slices.SortFunc(out, func(a, b count) int {
		if c := cmp.Compare(b.n, a.n); c != 0 {
			return c
		}
		return cmp.Compare(a.key, b.key)
	})
	return out
}
