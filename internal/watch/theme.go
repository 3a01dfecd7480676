package watch

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/zerotrust-dash/ztdash/internal/telemetry"
)

// UI chrome colors.
var (
	colorBorder  = lipgloss.Color("#4b5563")
	colorDimmed  = lipgloss.Color("#6b7280")
	colorBright  = lipgloss.Color("#f9fafb")
	colorHealthy = lipgloss.Color("#22c55e")
	colorWarning = lipgloss.Color("#d97706")
	colorDanger  = lipgloss.Color("#dc2626")
	colorAccent  = lipgloss.Color("#3b82f6")
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(colorBright)
	labelStyle = lipgloss.NewStyle().Foreground(colorDimmed)
	dimStyle   = lipgloss.NewStyle().Foreground(colorDimmed).Italic(true)
	panelStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(colorBorder).
			Padding(0, 1)
)

func severityColor(s telemetry.Severity) lipgloss.Color {
	switch s {
	case telemetry.Critical:
		return colorDanger
	case telemetry.High:
		return colorWarning
	case telemetry.Medium:
		return colorAccent
	default:
		return colorDimmed
	}
}

func healthColor(h telemetry.Health) lipgloss.Color {
	switch h {
	case telemetry.Healthy:
		return colorHealthy
	case telemetry.Warning:
		return colorWarning
	default:
		return colorDanger
	}
}

// usageColor matches the thresholds the dashboard uses for gauges.
func usageColor(pct float64) lipgloss.Color {
	switch {
	case pct >= 80:
		return colorDanger
	case pct >= 50:
		return colorWarning
	default:
		return colorHealthy
	}
}
