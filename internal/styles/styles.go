// Package styles provides shared lipgloss styles for CLI prompts and output.
package styles

import (
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
)

// Tokyo Night color palette.
var (
	ColorRed    = lipgloss.Color("#d75f6b")
	ColorGreen  = lipgloss.Color("#9ece6a")
	ColorYellow = lipgloss.Color("#e0af68")
	ColorBlue   = lipgloss.Color("#7aa2f7")
	ColorGray   = lipgloss.Color("#565f89")
	ColorWhite  = lipgloss.Color("#c0caf5")
)

// HeaderStyle styles the title shown above interactive prompts.
var HeaderStyle = lipgloss.NewStyle().
	Foreground(ColorBlue).
	Bold(true).
	MarginBottom(1)

// HostStyle styles the backend address in prompt headers.
var HostStyle = lipgloss.NewStyle().
	Foreground(ColorGray).
	Italic(true)

// FormTheme returns the huh theme used by interactive prompts.
func FormTheme() *huh.Theme {
	t := huh.ThemeBase()

	t.Focused.Base = t.Focused.Base.BorderForeground(ColorBlue)
	t.Focused.Title = t.Focused.Title.Foreground(ColorBlue).Bold(true)
	t.Focused.Description = t.Focused.Description.Foreground(ColorGray)
	t.Focused.ErrorIndicator = t.Focused.ErrorIndicator.Foreground(ColorRed)
	t.Focused.ErrorMessage = t.Focused.ErrorMessage.Foreground(ColorRed)
	t.Focused.TextInput.Cursor = t.Focused.TextInput.Cursor.Foreground(ColorYellow)
	t.Focused.TextInput.Placeholder = t.Focused.TextInput.Placeholder.Foreground(ColorGray)
	t.Focused.TextInput.Prompt = t.Focused.TextInput.Prompt.Foreground(ColorBlue)
	t.Focused.TextInput.Text = t.Focused.TextInput.Text.Foreground(ColorWhite)

	t.Blurred = t.Focused
	t.Blurred.Base = t.Blurred.Base.BorderStyle(lipgloss.HiddenBorder())
	t.Blurred.Title = t.Blurred.Title.Foreground(ColorGray).Bold(false)
	t.Blurred.TextInput.Prompt = t.Blurred.TextInput.Prompt.Foreground(ColorGray)

	return t
}

// Header renders the login prompt header for the given backend.
func Header(title, host string) string {
	return HeaderStyle.Render(title + " " + HostStyle.Render(host))
}
