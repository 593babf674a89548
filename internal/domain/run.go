package domain

import (
	"fmt"
	"math"
	"time"
)

// LogEntry is a single item outcome recorded by a run
type LogEntry struct {
	Timestamp time.Time   `json:"timestamp"`
	Subject   string      `json:"subject"`
	Outcome   OutcomeKind `json:"outcome"`
	Detail    string      `json:"detail,omitempty"`
}

// RunState is the progress of one batch run
type RunState struct {
	TargetCount    int        `json:"target_count"`
	CompletedCount int        `json:"completed_count"`
	SucceededCount int        `json:"succeeded_count"`
	FailedCount    int        `json:"failed_count"`
	Phase          Phase      `json:"phase"`
	Log            []LogEntry `json:"log,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

// SuccessRate returns the rounded percentage of completed items that
// succeeded, or 0 before anything completed.
func (s RunState) SuccessRate() int {
	return SuccessRate(s.SucceededCount, s.CompletedCount)
}

// SuccessRate computes round(succeeded/completed*100)
func SuccessRate(succeeded, completed int) int {
	if completed == 0 {
		return 0
	}
	return int(math.Round(float64(succeeded) / float64(completed) * 100))
}

// Clone returns a deep copy safe to hand to readers
func (s RunState) Clone() RunState {
	c := s
	if s.Log != nil {
		c.Log = make([]LogEntry, len(s.Log))
		copy(c.Log, s.Log)
	}
	if s.StartedAt != nil {
		t := *s.StartedAt
		c.StartedAt = &t
	}
	if s.FinishedAt != nil {
		t := *s.FinishedAt
		c.FinishedAt = &t
	}
	return c
}

// Duration returns how long the run took, or has taken so far
func (s RunState) Duration() time.Duration {
	if s.StartedAt == nil {
		return 0
	}
	if s.FinishedAt != nil {
		return s.FinishedAt.Sub(*s.StartedAt)
	}
	return time.Since(*s.StartedAt)
}

// Summary returns the user-facing one-line description of a finished run
func (s RunState) Summary() string {
	var how string
	switch s.Phase {
	case PhaseCompleted:
		how = "finished"
	case PhaseStopped:
		how = "stopped"
	case PhaseFailed:
		how = "failed"
	default:
		how = string(s.Phase)
	}
	return fmt.Sprintf("%s: %d/%d attempted, %d succeeded, %d failed (%d%%)",
		how, s.CompletedCount, s.TargetCount, s.SucceededCount, s.FailedCount, s.SuccessRate())
}
