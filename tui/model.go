// Package tui renders a live dashboard for a running batch job.
package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/hochfrequenz/batch-orchestrator/internal/domain"
	"github.com/hochfrequenz/batch-orchestrator/internal/entitystore"
)

// Job is the part of a job handle the dashboard needs
type Job interface {
	Kind() domain.JobKind
	CurrentState() domain.RunState
	Stop() error
	Done() <-chan struct{}
	Stats() entitystore.Stats
}

// Model is the TUI application model
type Model struct {
	job Job

	// Data
	state    domain.RunState
	stats    entitystore.Stats
	finished bool
	err      error

	// UI state
	width      int
	height     int
	logScroll  int
	follow     bool
	stopAsked  bool
	quitting   bool
	refreshing time.Duration

	lastRefresh time.Time
}

// NewModel creates a dashboard for job
func NewModel(job Job) Model {
	return Model{
		job:        job,
		state:      job.CurrentState(),
		follow:     true,
		refreshing: 200 * time.Millisecond,
	}
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		tickCmd(m.refreshing),
		waitDone(m.job),
	)
}

// State returns the last rendered run state
func (m Model) State() domain.RunState {
	return m.state
}

// Finished reports whether the job was done when the dashboard exited
func (m Model) Finished() bool {
	return m.finished
}

// TickMsg triggers a refresh
type TickMsg time.Time

// DoneMsg is sent once the job has finished and was persisted
type DoneMsg struct{}

func tickCmd(every time.Duration) tea.Cmd {
	return tea.Tick(every, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

func waitDone(job Job) tea.Cmd {
	return func() tea.Msg {
		<-job.Done()
		return DoneMsg{}
	}
}

// Run shows the dashboard until the job finishes or the user quits, and
// returns the final model
func Run(job Job, opts ...tea.ProgramOption) (Model, error) {
	final, err := tea.NewProgram(NewModel(job), opts...).Run()
	if err != nil {
		return Model{}, err
	}
	return final.(Model), nil
}
