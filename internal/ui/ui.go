// Package ui renders CLI output: tables and key/value stat blocks.
package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// Palette.
var (
	ColorAccent = lipgloss.Color("12")
	ColorMuted  = lipgloss.Color("8")
	ColorWarn   = lipgloss.Color("11")
	ColorPass   = lipgloss.Color("10")
)

var (
	HeaderStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorAccent)

	MutedStyle = lipgloss.NewStyle().
			Foreground(ColorMuted)

	WarnStyle = lipgloss.NewStyle().
			Foreground(ColorWarn)

	PassStyle = lipgloss.NewStyle().
			Foreground(ColorPass)

	borderStyle = lipgloss.NewStyle().
			Foreground(ColorMuted)
)

// RenderTable renders rows under a header with rounded borders.
func RenderTable(headers []string, rows [][]string) string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(borderStyle).
		Headers(headers...).
		Rows(rows...)
	return t.Render()
}

// RenderKV renders an aligned key/value block for stats output.
func RenderKV(pairs [][2]string) string {
	width := 0
	for _, p := range pairs {
		if len(p[0]) > width {
			width = len(p[0])
		}
	}
	var b strings.Builder
	for _, p := range pairs {
		b.WriteString(MutedStyle.Render(fmt.Sprintf("%-*s", width+2, p[0]+":")))
		b.WriteString(p[1])
		b.WriteByte('\n')
	}
	return b.String()
}
