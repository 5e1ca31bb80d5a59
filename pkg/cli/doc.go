// Package cli holds the terminal-side helpers of the articulate command:
// lipgloss styles and the console presenter, output formatting, logger
// setup and the per-user directory layout under ~/.articulate.
package cli
