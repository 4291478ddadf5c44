package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/justapithecus/safe-run/types"
)

// InspectModel is a Bubble Tea model rendering one RunReport.
type InspectModel struct {
	report   *types.RunReport
	vp       viewport.Model
	width    int
	height   int
	quitting bool
	ready    bool
}

// NewInspectModel creates a new inspect model for report.
func NewInspectModel(report *types.RunReport) InspectModel {
	return InspectModel{report: report}
}

// Init implements tea.Model.
func (m InspectModel) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (m InspectModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		headerHeight := 1
		footerHeight := 2
		if !m.ready {
			m.vp = viewport.New(msg.Width, msg.Height-headerHeight-footerHeight)
			m.vp.SetContent(m.renderBody())
			m.ready = true
		} else {
			m.vp.Width = msg.Width
			m.vp.Height = msg.Height - headerHeight - footerHeight
		}
		return m, nil

	case tea.KeyMsg:
		if key.Matches(msg, keys.Quit) {
			m.quitting = true
			return m, tea.Quit
		}
	}

	var cmd tea.Cmd
	m.vp, cmd = m.vp.Update(msg)
	return m, cmd
}

// View implements tea.Model.
func (m InspectModel) View() string {
	if m.quitting {
		return ""
	}
	if !m.ready {
		return m.renderBody() + "\n" + HelpStyle.Render("Press q or Ctrl+C to quit")
	}
	return m.vp.View() + "\n" + HelpStyle.Render("Press q or Ctrl+C to quit, ↑/↓ to scroll")
}

func (m InspectModel) renderBody() string {
	r := m.report
	var b strings.Builder

	b.WriteString(TitleStyle.Render("Run Report"))
	b.WriteString("\n\n")

	rows := [][2]string{
		{"Run ID", r.RunID},
		{"State", runState(r)},
		{"Exit Code", fmt.Sprintf("%d", r.ExitCode)},
		{"Started At", r.StartedAt},
		{"Finished At", r.FinishedAt},
		{"Policy", r.PolicySummary.Name},
		{"Command", r.PolicySummary.Command},
		{"Network Mode", r.PolicySummary.NetworkMode},
	}
	for _, row := range rows {
		label := LabelStyle.Render(row[0] + ":")
		var value string
		if row[0] == "State" {
			value = StateStyle(row[1]).Render(row[1])
		} else {
			value = ValueStyle.Render(row[1])
		}
		b.WriteString(fmt.Sprintf("%s %s\n", label, value))
	}

	if r.Verification != nil {
		b.WriteString("\n")
		b.WriteString(fmt.Sprintf("%s %s\n", LabelStyle.Render("Verification:"), StateStyle(r.Verification.Result).Render(r.Verification.Result)))
	}
	if r.Archive != nil {
		b.WriteString(fmt.Sprintf("%s %s\n", LabelStyle.Render("Bundle:"), ValueStyle.Render(r.Archive.BundleID)))
	}

	b.WriteString("\n")
	b.WriteString(TitleStyle.Render("Resource Usage"))
	b.WriteString("\n")
	b.WriteString(fmt.Sprintf("%s %s\n", LabelStyle.Render("Peak CPU:"), ValueStyle.Render(fmt.Sprintf("%dµs", r.ResourceUsage.PeakCPUUsageUsec))))
	b.WriteString(fmt.Sprintf("%s %s\n", LabelStyle.Render("Peak Mem:"), ValueStyle.Render(fmt.Sprintf("%d bytes", r.ResourceUsage.PeakMemoryCurrentBytes))))
	b.WriteString(fmt.Sprintf("%s %s\n", LabelStyle.Render("Samples:"), ValueStyle.Render(fmt.Sprintf("%d", len(r.ResourceUsage.Samples)))))

	b.WriteString("\n")
	b.WriteString(TitleStyle.Render("Mount Audit"))
	b.WriteString("\n")
	for _, mnt := range r.MountAudit.Mounts {
		mode := "rw"
		if mnt.ReadOnly {
			mode = "ro"
		}
		status := SuccessStyle.Render("applied")
		if !mnt.Applied {
			status = ErrorStyle.Render("skipped")
		}
		b.WriteString(fmt.Sprintf("  %s -> %s (%s) %s\n", mnt.Source, mnt.Target, mode, status))
	}

	b.WriteString("\n")
	b.WriteString(TitleStyle.Render("Network Audit"))
	b.WriteString("\n")
	b.WriteString(fmt.Sprintf("%s %s\n", LabelStyle.Render("Mode:"), ValueStyle.Render(r.NetworkAudit.Mode)))
	b.WriteString(fmt.Sprintf("%s %s\n", LabelStyle.Render("Allowed:"), SuccessStyle.Render(fmt.Sprintf("%d", r.NetworkAudit.AllowedHits))))
	b.WriteString(fmt.Sprintf("%s %s\n", LabelStyle.Render("Blocked:"), WarningStyle.Render(fmt.Sprintf("%d", r.NetworkAudit.BlockedHits))))

	b.WriteString("\n")
	b.WriteString(TitleStyle.Render(fmt.Sprintf("Events (%d)", len(r.Events))))
	b.WriteString("\n")
	for _, ev := range r.Events {
		b.WriteString(fmt.Sprintf("  %s %s %s\n",
			LabelStyle.Render(ev.Timestamp),
			ValueStyle.Render(ev.Stage),
			StateStyle(ev.Type).Render(ev.Type)))
	}

	return BoxStyle.Render(b.String())
}

func runState(r *types.RunReport) string {
	if r.ExitCode == 0 {
		return "succeeded"
	}
	return "failed"
}

// keyMap defines key bindings.
type keyMap struct {
	Quit key.Binding
}

var keys = keyMap{
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
}
