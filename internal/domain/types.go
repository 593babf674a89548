package domain

// EntityStatus represents the lifecycle state of a provisioned account
type EntityStatus string

const (
	StatusActive   EntityStatus = "active"
	StatusInactive EntityStatus = "inactive"
	StatusBanned   EntityStatus = "banned"
)

// Valid reports whether s is a known status
func (s EntityStatus) Valid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusBanned:
		return true
	}
	return false
}

// Phase represents the state of a batch run
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseRunning   Phase = "running"
	PhaseStopping  Phase = "stopping"
	PhaseCompleted Phase = "completed"
	PhaseStopped   Phase = "stopped"
	PhaseFailed    Phase = "failed"
)

// Terminal returns true once the run loop has exited
func (p Phase) Terminal() bool {
	switch p {
	case PhaseCompleted, PhaseStopped, PhaseFailed:
		return true
	}
	return false
}

// Active returns true while the run loop owns the state
func (p Phase) Active() bool {
	return p == PhaseRunning || p == PhaseStopping
}

// OutcomeKind is the recorded result of a single batch item
type OutcomeKind string

const (
	OutcomeSuccess OutcomeKind = "success"
	OutcomeFailure OutcomeKind = "failure"
)

// JobKind identifies which batch job produced a run
type JobKind string

const (
	JobProvision JobKind = "provision"
	JobJoin      JobKind = "join"
)
