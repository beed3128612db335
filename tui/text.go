package tui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	mutedStyleColor   = lipgloss.AdaptiveColor{Light: "#666666", Dark: "#999999"}
	warningStyleColor = lipgloss.AdaptiveColor{Light: "#FFA500", Dark: "#FFA500"}
	titleStyleColor   = lipgloss.AdaptiveColor{Light: "#071330", Dark: "#F652A0"}
	textStyleColor    = lipgloss.AdaptiveColor{Light: "#36EEE0", Dark: "#00FFFF"}

	bannerBodyColor   = lipgloss.AdaptiveColor{Light: "#a60853", Dark: "#F652A0"}
	bannerBorderColor = lipgloss.AdaptiveColor{Light: "#999999", Dark: "#AAAAAA"}
	bannerMaxWidth    = 80
	bannerStyle       = lipgloss.NewStyle().
				Padding(0, 1).
				Border(lipgloss.RoundedBorder()).
				BorderForeground(bannerBorderColor)
	bannerBodyStyle  = lipgloss.NewStyle().Width(bannerMaxWidth).Foreground(bannerBodyColor)
	bannerTitleStyle = lipgloss.NewStyle().Bold(true).Foreground(textStyleColor)
)

func Title(text string) string {
	return lipgloss.NewStyle().Bold(true).Foreground(titleStyleColor).Render(text)
}

func Bold(text string) string {
	return lipgloss.NewStyle().Bold(true).Foreground(textStyleColor).Render(text)
}

func Muted(text string) string {
	return lipgloss.NewStyle().Foreground(mutedStyleColor).Render(text)
}

func Warning(text string) string {
	return lipgloss.NewStyle().Foreground(warningStyleColor).Render(text)
}

// Banner boxes a title over a wrapped body.
func Banner(title string, body string) string {
	return bannerStyle.Render(bannerTitleStyle.Render(title) + "\n\n" + bannerBodyStyle.Render(body))
}

// MaxWidth truncates text to width runes, ending with "...".
func MaxWidth(text string, width int) string {
	runes := []rune(text)
	if len(runes) <= width || width < 4 {
		return text
	}
	return strings.TrimSpace(string(runes[:width-3])) + "..."
}
