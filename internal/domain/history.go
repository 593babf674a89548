package domain

import (
	"time"

	"github.com/google/uuid"
)

// RunRecord is the persisted summary of a finished job run
type RunRecord struct {
	ID         string    `json:"id"`
	Kind       JobKind   `json:"kind"`
	Phase      Phase     `json:"phase"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Target     int       `json:"target"`
	Completed  int       `json:"completed"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
}

// NewRunRecord summarizes a terminal run state
func NewRunRecord(kind JobKind, s RunState) RunRecord {
	rec := RunRecord{
		ID:        uuid.NewString(),
		Kind:      kind,
		Phase:     s.Phase,
		Target:    s.TargetCount,
		Completed: s.CompletedCount,
		Succeeded: s.SucceededCount,
		Failed:    s.FailedCount,
	}
	if s.StartedAt != nil {
		rec.StartedAt = *s.StartedAt
	}
	if s.FinishedAt != nil {
		rec.FinishedAt = *s.FinishedAt
	}
	return rec
}

// SuccessRate of the recorded run
func (r RunRecord) SuccessRate() int {
	return SuccessRate(r.Succeeded, r.Completed)
}
