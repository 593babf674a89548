package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			if m.finished || m.stopAsked {
				m.quitting = true
				return m, tea.Quit
			}
			m.requestStop()
		case "s":
			if !m.finished {
				m.requestStop()
			}
		case "j", "down":
			if m.logScroll < len(m.state.Log)-1 {
				m.logScroll++
			}
			m.follow = m.logScroll >= len(m.state.Log)-1
		case "k", "up":
			if m.logScroll > 0 {
				m.logScroll--
			}
			m.follow = false
		case "G", "end":
			m.follow = true
			m.logScroll = max(len(m.state.Log)-1, 0)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case TickMsg:
		m.refresh(time.Time(msg))
		if m.finished {
			return m, nil
		}
		return m, tickCmd(m.refreshing)

	case DoneMsg:
		m.finished = true
		m.refresh(time.Now())
		m.stats = m.job.Stats()
		return m, tea.Quit
	}

	return m, nil
}

func (m *Model) requestStop() {
	m.stopAsked = true
	if err := m.job.Stop(); err != nil {
		m.err = err
	}
}

func (m *Model) refresh(at time.Time) {
	m.state = m.job.CurrentState()
	m.lastRefresh = at
	if m.follow {
		m.logScroll = max(len(m.state.Log)-1, 0)
	}
}
