package tui

import (
	tea "github.com/charmbracelet/bubbletea"

	"github.com/justapithecus/safe-run/types"
)

// Run launches the interactive inspect viewer for a RunReport.
func Run(report *types.RunReport) error {
	model := NewInspectModel(report)
	p := tea.NewProgram(model, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// RenderStatic renders the inspect view without a full TUI program, for
// non-interactive fallback (e.g. terminals without a tty).
func RenderStatic(report *types.RunReport) string {
	model := NewInspectModel(report)
	model.width = 80
	model.height = 24
	return model.View()
}
