package status

import "github.com/charmbracelet/lipgloss"

// Palette mirrors the teacher's internal/tui/styles.go: adaptive colors so
// the same terminal output reads well in light and dark terminals.
var (
	colorPrimary = lipgloss.AdaptiveColor{Light: "#2F71F2", Dark: "#4A90FF"}
	colorSuccess = lipgloss.AdaptiveColor{Light: "#04B575", Dark: "#04B575"}
	colorWarning = lipgloss.AdaptiveColor{Light: "#FFA500", Dark: "#FFA500"}
	colorError   = lipgloss.AdaptiveColor{Light: "#FF4672", Dark: "#FF4672"}
	colorDim     = lipgloss.AdaptiveColor{Light: "#999999", Dark: "#666666"}

	styleTitle = lipgloss.NewStyle().Foreground(colorPrimary).Bold(true).MarginBottom(1)
	styleLabel = lipgloss.NewStyle().Foreground(colorDim)
	styleValue = lipgloss.NewStyle().Bold(true)
	styleAsan  = lipgloss.NewStyle().Foreground(colorError)
	styleSig   = lipgloss.NewStyle().Foreground(colorWarning)
	styleGood  = lipgloss.NewStyle().Foreground(colorSuccess)
)
