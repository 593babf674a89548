package jobs

import (
	"context"
	"sync"

	"github.com/hochfrequenz/batch-orchestrator/internal/batch"
	"github.com/hochfrequenz/batch-orchestrator/internal/domain"
	"github.com/hochfrequenz/batch-orchestrator/internal/entitystore"
)

// Allocation is the planned number of targets one entity serves in a join run
type Allocation struct {
	EntityID   string `json:"entity_id"`
	Identifier string `json:"identifier"`
	Targets    int    `json:"targets"`
}

// Handle controls one started job. Done is closed only after the run has
// finished and its results were persisted.
type Handle struct {
	kind       domain.JobKind
	runner     *batch.Runner
	allocation []Allocation

	mu        sync.Mutex
	observers []batch.ProgressFunc
	stats     entitystore.Stats
	err       error

	done chan struct{}
}

func newHandle(kind domain.JobKind, runner *batch.Runner, alloc []Allocation) *Handle {
	return &Handle{kind: kind, runner: runner, allocation: alloc, done: make(chan struct{})}
}

// Allocation returns the per-entity plan of a join run, nil for other jobs
func (h *Handle) Allocation() []Allocation {
	if h.allocation == nil {
		return nil
	}
	return append([]Allocation(nil), h.allocation...)
}

// Kind returns which job this handle controls
func (h *Handle) Kind() domain.JobKind {
	return h.kind
}

// Stop requests a cooperative stop
func (h *Handle) Stop() error {
	return h.runner.Stop()
}

// OnProgress registers cb for progress events emitted after registration.
// Callbacks run on the job goroutine and must not block for long.
func (h *Handle) OnProgress(cb batch.ProgressFunc) {
	if cb == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.observers = append(h.observers, cb)
}

func (h *Handle) progress(completed, target, succeeded int) {
	h.mu.Lock()
	observers := make([]batch.ProgressFunc, len(h.observers))
	copy(observers, h.observers)
	h.mu.Unlock()

	for _, cb := range observers {
		cb(completed, target, succeeded)
	}
}

// CurrentState returns a snapshot of the run state
func (h *Handle) CurrentState() domain.RunState {
	return h.runner.Snapshot()
}

// Done is closed once the run and its persistence have finished
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Finished reports whether Done is closed
func (h *Handle) Finished() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the job is done or ctx ends
func (h *Handle) Wait(ctx context.Context) (domain.RunState, error) {
	select {
	case <-h.done:
		return h.CurrentState(), nil
	case <-ctx.Done():
		return h.CurrentState(), ctx.Err()
	}
}

// Summary describes the run for users
func (h *Handle) Summary() string {
	return h.CurrentState().Summary()
}

// Stats returns the store statistics computed after the run. It is zero
// until Done is closed.
func (h *Handle) Stats() entitystore.Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

// Err returns the persistence error of the post-run save, if any
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *Handle) settle(stats entitystore.Stats, err error) {
	h.mu.Lock()
	h.stats = stats
	h.err = err
	h.mu.Unlock()
	close(h.done)
}
