// Package theme renders manager results for the terminal.
package theme

import "github.com/charmbracelet/lipgloss"

// Adaptive color pairs (dark terminal value, light terminal value).
var (
	ColorBlue   = lipgloss.AdaptiveColor{Dark: "#5B9BD5", Light: "#2B6CB0"}
	ColorGreen  = lipgloss.AdaptiveColor{Dark: "#6BCB77", Light: "#2F855A"}
	ColorYellow = lipgloss.AdaptiveColor{Dark: "#FFD93D", Light: "#B7791F"}
	ColorRed    = lipgloss.AdaptiveColor{Dark: "#FF6B6B", Light: "#C53030"}
	ColorOrange = lipgloss.AdaptiveColor{Dark: "#FFA94D", Light: "#C05621"}
	ColorGray   = lipgloss.AdaptiveColor{Dark: "#868E96", Light: "#718096"}
	ColorWhite  = lipgloss.AdaptiveColor{Dark: "#F8F9FA", Light: "#1A202C"}
	ColorBorder = lipgloss.AdaptiveColor{Dark: "#495057", Light: "#E2E8F0"}
)

// HeaderStyle is used for section headers.
var HeaderStyle = lipgloss.NewStyle().
	Bold(true).
	Foreground(ColorWhite).
	Background(ColorBlue).
	Padding(0, 1)

// BorderStyle provides a standard rounded border for panels.
var BorderStyle = lipgloss.NewStyle().
	Border(lipgloss.RoundedBorder()).
	BorderForeground(ColorBorder).
	Padding(0, 1)

// MutedStyle is used for secondary text such as dates and senders.
var MutedStyle = lipgloss.NewStyle().
	Foreground(ColorGray)

// ErrorStyle highlights provider failures.
var ErrorStyle = lipgloss.NewStyle().
	Foreground(ColorRed)

// UnreadStyle marks unread messages.
var UnreadStyle = lipgloss.NewStyle().
	Bold(true)

// StatusStyle returns a color-coded style for a provider state.
func StatusStyle(status string) lipgloss.Style {
	base := lipgloss.NewStyle().Bold(true)

	switch status {
	case "active":
		return base.Foreground(ColorGreen)
	case "initializing":
		return base.Foreground(ColorYellow)
	case "failed":
		return base.Foreground(ColorRed)
	case "disconnected":
		return base.Foreground(ColorOrange)
	default:
		return base.Foreground(ColorGray)
	}
}

// KindLabelStyle returns a color-coded style for a connector kind.
func KindLabelStyle(kind string) lipgloss.Style {
	base := lipgloss.NewStyle().Bold(true)

	switch kind {
	case "rest":
		return base.Foreground(ColorBlue)
	case "imap":
		return base.Foreground(ColorGreen)
	default:
		return base.Foreground(ColorGray)
	}
}
