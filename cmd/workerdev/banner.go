package main

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
)

var (
	bannerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#F38020")).
			Padding(0, 1)
	bannerLabel = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#F38020"))
	bannerURL   = lipgloss.NewStyle().Underline(true)
)

func readyBanner(protocol, host string, port int) string {
	if protocol == "" {
		protocol = "http"
	}
	url := fmt.Sprintf("%s://%s:%d", protocol, host, port)
	return bannerStyle.Render(bannerLabel.Render("Ready on") + " " + bannerURL.Render(url))
}
