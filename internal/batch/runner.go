package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/hochfrequenz/batch-orchestrator/internal/domain"
)

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrAlreadyRunning  = errors.New("a batch run is already in progress")
	ErrNotRunning      = errors.New("no batch run in progress")
)

// Outcome is the result of one batch item
type Outcome struct {
	Subject string
	Detail  string
	Failed  bool
}

// Success builds a successful outcome
func Success(subject, detail string) Outcome {
	return Outcome{Subject: subject, Detail: detail}
}

// Failure builds a failed outcome carrying the reason as detail
func Failure(subject, reason string) Outcome {
	return Outcome{Subject: subject, Detail: reason, Failed: true}
}

// StepFunc performs item index of a run. A returned error is recorded as a
// failed item; it never aborts the run.
type StepFunc func(ctx context.Context, index int) (Outcome, error)

// ProgressFunc is called from the run loop after every item
type ProgressFunc func(completed, target, succeeded int)

var closedCh = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Runner executes a fixed number of items one at a time with a delay
// between them. A Runner can be reused once a run reached a terminal phase.
type Runner struct {
	logger *zap.Logger
	now    func() time.Time
	launch func(func())

	mu     sync.Mutex
	state  domain.RunState
	stopCh chan struct{}
	done   chan struct{}
}

// NewRunner creates an idle Runner
func NewRunner(logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		logger: logger,
		now:    time.Now,
		launch: func(f func()) { go f() },
		state:  domain.RunState{Phase: domain.PhaseIdle},
	}
}

// Start validates the arguments, resets the run state and launches the loop.
// It returns once the loop goroutine has been started.
func (r *Runner) Start(ctx context.Context, targetCount int, step StepFunc, delay time.Duration, onProgress ProgressFunc) error {
	if targetCount < 1 {
		return errors.Wrapf(ErrInvalidArgument, "target count must be at least 1, got %d", targetCount)
	}
	if step == nil {
		return errors.Wrap(ErrInvalidArgument, "step function is required")
	}
	if delay < 0 {
		return errors.Wrapf(ErrInvalidArgument, "delay must not be negative, got %s", delay)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state.Phase.Active() {
		return errors.WithStack(ErrAlreadyRunning)
	}

	now := r.now()
	r.state = domain.RunState{
		TargetCount: targetCount,
		Phase:       domain.PhaseRunning,
		StartedAt:   &now,
	}
	r.stopCh = make(chan struct{})
	r.done = make(chan struct{})

	stop, done := r.stopCh, r.done
	r.logger.Info("batch run started",
		zap.Int("target", targetCount),
		zap.Duration("delay", delay))

	r.launch(func() {
		defer close(done)
		r.loop(ctx, targetCount, step, delay, onProgress, stop)
	})
	return nil
}

// Stop requests cooperative cancellation. The loop observes it before the
// next item begins; an item already in flight is never interrupted.
func (r *Runner) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state.Phase {
	case domain.PhaseRunning:
		r.state.Phase = domain.PhaseStopping
		close(r.stopCh)
		r.logger.Info("batch run stop requested", zap.Int("completed", r.state.CompletedCount))
		return nil
	case domain.PhaseStopping:
		return nil
	default:
		return errors.WithStack(ErrNotRunning)
	}
}

// Snapshot returns a copy of the current run state
func (r *Runner) Snapshot() domain.RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Clone()
}

// Phase returns the current phase
func (r *Runner) Phase() domain.Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Phase
}

// Done is closed when the current run reaches a terminal phase. For a
// runner that never started, the returned channel is already closed.
func (r *Runner) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done == nil {
		return closedCh
	}
	return r.done
}

// Wait blocks until the run finishes or ctx is done
func (r *Runner) Wait(ctx context.Context) (domain.RunState, error) {
	select {
	case <-r.Done():
		return r.Snapshot(), nil
	case <-ctx.Done():
		return r.Snapshot(), ctx.Err()
	}
}

func (r *Runner) loop(ctx context.Context, target int, step StepFunc, delay time.Duration, onProgress ProgressFunc, stop <-chan struct{}) {
	for i := 0; i < target; i++ {
		if r.halted(ctx) {
			r.finish(domain.PhaseStopped)
			return
		}

		out := r.invoke(ctx, step, i)
		completed, succeeded := r.record(out)

		if !r.notify(onProgress, completed, target, succeeded) {
			r.finish(domain.PhaseFailed)
			return
		}

		if i < target-1 && delay > 0 {
			r.pause(ctx, delay, stop)
		}
	}
	r.finish(domain.PhaseCompleted)
}

// halted is the loop-boundary checkpoint
func (r *Runner) halted(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Phase == domain.PhaseStopping
}

func (r *Runner) invoke(ctx context.Context, step StepFunc, index int) (out Outcome) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("batch step panicked", zap.Int("index", index), zap.Any("panic", p))
			out = Failure(itemLabel(index), fmt.Sprint(p))
		}
	}()

	o, err := step(ctx, index)
	if o.Subject == "" {
		o.Subject = itemLabel(index)
	}
	if err != nil {
		return Failure(o.Subject, err.Error())
	}
	return o
}

func (r *Runner) record(out Outcome) (completed, succeeded int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry := domain.LogEntry{
		Timestamp: r.now(),
		Subject:   out.Subject,
		Outcome:   domain.OutcomeSuccess,
		Detail:    out.Detail,
	}
	if out.Failed {
		entry.Outcome = domain.OutcomeFailure
		r.state.FailedCount++
	} else {
		r.state.SucceededCount++
	}
	r.state.CompletedCount++
	r.state.Log = append(r.state.Log, entry)

	r.logger.Debug("batch item finished",
		zap.Int("completed", r.state.CompletedCount),
		zap.String("subject", entry.Subject),
		zap.String("outcome", string(entry.Outcome)),
		zap.String("detail", entry.Detail))

	return r.state.CompletedCount, r.state.SucceededCount
}

func (r *Runner) notify(onProgress ProgressFunc, completed, target, succeeded int) (ok bool) {
	if onProgress == nil {
		return true
	}
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("progress callback panicked", zap.Any("panic", p))
			ok = false
		}
	}()
	onProgress(completed, target, succeeded)
	return true
}

// pause waits for delay unless a stop request or context cancellation
// arrives first
func (r *Runner) pause(ctx context.Context, delay time.Duration, stop <-chan struct{}) {
	t := time.NewTimer(delay)
	defer t.Stop()

	select {
	case <-t.C:
	case <-stop:
	case <-ctx.Done():
	}
}

func (r *Runner) finish(phase domain.Phase) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.state.Phase = phase
	r.state.FinishedAt = &now

	r.logger.Info("batch run finished",
		zap.String("phase", string(phase)),
		zap.Int("completed", r.state.CompletedCount),
		zap.Int("succeeded", r.state.SucceededCount),
		zap.Int("failed", r.state.FailedCount))
}

func itemLabel(index int) string {
	return fmt.Sprintf("item %d", index+1)
}
