// Package ui holds the bubbletea monitor of the labkit CLI.
package ui

import "github.com/charmbracelet/lipgloss"

// Styles holds the monitor's lipgloss styles.
type Styles struct {
	Header  lipgloss.Style
	Muted   lipgloss.Style
	Error   lipgloss.Style
	Content lipgloss.Style
}

// DefaultStyles returns the monitor color scheme.
func DefaultStyles() Styles {
	return Styles{
		Header: lipgloss.NewStyle().
			Foreground(lipgloss.Color("#8BC34A")).
			Bold(true),
		Muted: lipgloss.NewStyle().
			Foreground(lipgloss.Color("#8b949e")),
		Error: lipgloss.NewStyle().
			Foreground(lipgloss.Color("#e53935")).
			Bold(true),
		Content: lipgloss.NewStyle().
			Padding(0, 1),
	}
}
