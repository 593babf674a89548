package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/hochfrequenz/batch-orchestrator/internal/domain"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	failureStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("244"))

	barFilledStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("255"))
)

var jobTitles = map[domain.JobKind]string{
	domain.JobProvision: "Provisioning accounts",
	domain.JobJoin:      "Joining groups",
}

// View renders the dashboard
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render(jobTitles[m.job.Kind()]))
	b.WriteString("\n\n")

	b.WriteString(sectionStyle.Render(m.renderProgress()))
	b.WriteString("\n")
	b.WriteString(sectionStyle.Render(m.renderLog()))
	b.WriteString("\n")

	if m.err != nil {
		b.WriteString(warningStyle.Render(m.err.Error()))
		b.WriteString("\n")
	}
	b.WriteString(m.renderStatusBar())
	return b.String()
}

func (m Model) renderProgress() string {
	s := m.state
	width := 40
	if m.width > 20 && m.width-20 < width {
		width = m.width - 20
	}

	lines := []string{
		fmt.Sprintf("%s %d/%d", progressBar(s.CompletedCount, s.TargetCount, width), s.CompletedCount, s.TargetCount),
		fmt.Sprintf("%s  %s  success rate %d%%",
			successStyle.Render(fmt.Sprintf("✓ %d", s.SucceededCount)),
			failureStyle.Render(fmt.Sprintf("✗ %d", s.FailedCount)),
			s.SuccessRate()),
		"phase: " + phaseLabel(s.Phase),
	}
	if m.finished {
		lines = append(lines, dimStyle.Render(fmt.Sprintf("accounts: %d total, %d active, %d today",
			m.stats.Total, m.stats.Active, m.stats.Today)))
	}
	return strings.Join(lines, "\n")
}

func progressBar(done, total, width int) string {
	if total <= 0 || width <= 0 {
		return ""
	}
	filled := done * width / total
	return barFilledStyle.Render(strings.Repeat("█", filled)) +
		dimStyle.Render(strings.Repeat("░", width-filled))
}

func phaseLabel(p domain.Phase) string {
	switch p {
	case domain.PhaseCompleted:
		return successStyle.Render(string(p))
	case domain.PhaseStopping, domain.PhaseStopped:
		return warningStyle.Render(string(p))
	case domain.PhaseFailed:
		return failureStyle.Render(string(p))
	default:
		return string(p)
	}
}

func (m Model) visibleLogLines() int {
	if m.height > 16 {
		return m.height - 14
	}
	return 8
}

func (m Model) renderLog() string {
	entries := m.state.Log
	if len(entries) == 0 {
		return dimStyle.Render("waiting for the first item...")
	}

	n := m.visibleLogLines()
	end := min(m.logScroll+1, len(entries))
	start := max(end-n, 0)

	lines := make([]string, 0, end-start)
	for _, e := range entries[start:end] {
		mark := successStyle.Render("✓")
		if e.Outcome == domain.OutcomeFailure {
			mark = failureStyle.Render("✗")
		}
		line := fmt.Sprintf("%s %s %s", dimStyle.Render(e.Timestamp.Format("15:04:05")), mark, e.Subject)
		if e.Detail != "" {
			line += dimStyle.Render(" " + e.Detail)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func (m Model) renderStatusBar() string {
	keys := "s stop • q quit • j/k scroll"
	switch {
	case m.finished:
		keys = "q quit"
	case m.stopAsked:
		keys = "stopping after the current item • q quit"
	}
	return statusBarStyle.Render(" " + keys + " ")
}
