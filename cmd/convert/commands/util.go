package commands

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

type styles struct {
	title lipgloss.Style
	label lipgloss.Style
	bar   lipgloss.Style
	dim   lipgloss.Style
	ok    lipgloss.Style
	fail  lipgloss.Style
}

func newStyles() styles {
	primary := lipgloss.Color("#00ff9f")
	return styles{
		title: lipgloss.NewStyle().Bold(true).Foreground(primary),
		label: lipgloss.NewStyle().Bold(true).Foreground(primary),
		bar:   lipgloss.NewStyle().Foreground(primary),
		dim:   lipgloss.NewStyle().Foreground(lipgloss.Color("#6e7681")),
		ok:    lipgloss.NewStyle().Bold(true).Foreground(primary),
		fail:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#ff5f5f")),
	}
}

// formatBytes formats bytes to human readable format
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// artifactName derives the output name from the input file: song.wav -> song.m4a
func artifactName(input, ext string) string {
	base := filepath.Base(input)
	return strings.TrimSuffix(base, filepath.Ext(base)) + ext
}
