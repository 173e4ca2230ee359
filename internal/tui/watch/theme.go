// Package watch implements the joai-gw live terminal dashboard: gateway
// health, trigger registrations and the event stream.
package watch

import "github.com/charmbracelet/lipgloss"

// Theme holds the styles shared by every panel.
type Theme struct {
	StatusOK     lipgloss.Style
	StatusWarn   lipgloss.Style
	StatusFailed lipgloss.Style
	StatusQueued lipgloss.Style

	Border    lipgloss.Style
	Title     lipgloss.Style
	Label     lipgloss.Style
	Dim       lipgloss.Style
	Highlight lipgloss.Style
	Spinner   lipgloss.Style
}

// NewDefaultTheme picks colors that read on light and dark terminals.
func NewDefaultTheme() Theme {
	accent := lipgloss.AdaptiveColor{Light: "#5A3FC0", Dark: "#874BFD"}
	dim := lipgloss.AdaptiveColor{Light: "#707070", Dark: "#888888"}

	return Theme{
		StatusOK:     lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#1B7F3A", Dark: "#3FD46B"}),
		StatusWarn:   lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#9A6700", Dark: "#E5C07B"}),
		StatusFailed: lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#B42318", Dark: "#F0625D"}),
		StatusQueued: lipgloss.NewStyle().Foreground(dim),

		Border:    lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(accent),
		Title:     lipgloss.NewStyle().Bold(true).Foreground(accent).Padding(0, 1),
		Label:     lipgloss.NewStyle().Bold(true),
		Dim:       lipgloss.NewStyle().Foreground(dim),
		Highlight: lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#0B6BCB", Dark: "#61AFEF"}),
		Spinner:   lipgloss.NewStyle().Foreground(accent),
	}
}
