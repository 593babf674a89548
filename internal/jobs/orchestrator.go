// Package jobs builds the provisioning and join jobs on top of the batch
// runner and admits one job at a time.
package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/hochfrequenz/batch-orchestrator/internal/allocator"
	"github.com/hochfrequenz/batch-orchestrator/internal/batch"
	"github.com/hochfrequenz/batch-orchestrator/internal/domain"
	"github.com/hochfrequenz/batch-orchestrator/internal/entitystore"
	"github.com/hochfrequenz/batch-orchestrator/internal/notify"
	"github.com/hochfrequenz/batch-orchestrator/internal/provider"
)

var (
	ErrNoTargets  = errors.Mark(errors.New("no join targets given"), batch.ErrInvalidArgument)
	ErrNoEntities = errors.Mark(errors.New("no entities available to join with"), batch.ErrInvalidArgument)
)

// Options wires the orchestrator's collaborators. Store is required.
type Options struct {
	Store       *entitystore.Store
	Provisioner provider.Provisioner
	Joiner      provider.Joiner
	Notifier    notify.Notifier
	Logger      *zap.Logger
}

// Orchestrator starts jobs against a shared entity store
type Orchestrator struct {
	store       *entitystore.Store
	provisioner provider.Provisioner
	joiner      provider.Joiner
	notifier    notify.Notifier
	logger      *zap.Logger
	now         func() time.Time

	mu      sync.Mutex
	current *Handle
	// launched is notified with every new handle; used by the API hubs
	launched []func(*Handle)
}

// New creates an orchestrator
func New(opts Options) *Orchestrator {
	o := &Orchestrator{
		store:       opts.Store,
		provisioner: opts.Provisioner,
		joiner:      opts.Joiner,
		notifier:    opts.Notifier,
		logger:      opts.Logger,
		now:         time.Now,
	}
	if o.notifier == nil {
		o.notifier = notify.NoopNotifier{}
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	return o
}

// Store returns the shared entity store
func (o *Orchestrator) Store() *entitystore.Store {
	return o.store
}

// Current returns the most recent handle, or nil before the first job
func (o *Orchestrator) Current() *Handle {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

// Busy reports whether a job or its post-run persistence is in progress
func (o *Orchestrator) Busy() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.busyLocked()
}

func (o *Orchestrator) busyLocked() bool {
	return o.current != nil && !o.current.Finished()
}

// OnLaunch registers fn to be called with every handle started afterwards.
// fn runs under the orchestrator lock and must not call back into it.
func (o *Orchestrator) OnLaunch(fn func(*Handle)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.launched = append(o.launched, fn)
}

// Stop stops the current job
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	h := o.current
	o.mu.Unlock()
	if h == nil {
		return errors.WithStack(batch.ErrNotRunning)
	}
	return h.Stop()
}

// ReloadStore re-reads the persisted entities unless a job is running. The
// busy check and the swap hold the lock that admits jobs, so no job can
// start in between. A failed reload keeps the current collection.
func (o *Orchestrator) ReloadStore(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.busyLocked() {
		return errors.WithStack(batch.ErrAlreadyRunning)
	}
	return o.store.Reload(ctx)
}

// StartProvisioning creates count accounts through the provisioner
func (o *Orchestrator) StartProvisioning(ctx context.Context, count int, cfg domain.ProvisionConfig, delay time.Duration) (*Handle, error) {
	if cfg.RegisterURL == "" {
		return nil, errors.WithHint(errors.Wrap(batch.ErrInvalidArgument, "register URL is required"),
			"set provisioning.register_url or pass --url")
	}
	if cfg.Credential == "" {
		return nil, errors.WithHint(errors.Wrap(batch.ErrInvalidArgument, "credential is required"),
			"set provisioning.default_password or pass --password")
	}
	if o.provisioner == nil {
		return nil, errors.New("no provisioner configured")
	}

	channel := domain.ChannelName(cfg.Channel)
	step := func(ctx context.Context, i int) (batch.Outcome, error) {
		res, err := o.provisioner.Provision(ctx, cfg)
		if err != nil {
			return batch.Failure("", err.Error()), nil
		}

		e := domain.NewEntity(res.Identifier, res.Credential, cfg.Channel, o.now())
		e.RegisterURL = cfg.RegisterURL
		e.CountryCode = cfg.CountryCode
		if err := o.store.Append(e); err != nil {
			return batch.Failure(res.Identifier, err.Error()), nil
		}
		return batch.Success(res.Identifier, "registered via "+channel), nil
	}

	return o.launch(ctx, domain.JobProvision, count, step, delay, nil)
}

// StartJoining assigns the active pool round-robin to targets
func (o *Orchestrator) StartJoining(ctx context.Context, targets []string, delay time.Duration) (*Handle, error) {
	if len(targets) == 0 {
		return nil, errors.WithStack(ErrNoTargets)
	}
	if o.joiner == nil {
		return nil, errors.New("no joiner configured")
	}

	o.mu.Lock()
	busy := o.busyLocked()
	o.mu.Unlock()
	if busy {
		return nil, errors.WithStack(batch.ErrAlreadyRunning)
	}

	rr, err := allocator.New(o.store.Pool())
	if err != nil {
		return nil, errors.WithHint(errors.WithStack(ErrNoEntities), "provision accounts first")
	}

	targets = append([]string(nil), targets...)
	step := func(ctx context.Context, i int) (batch.Outcome, error) {
		target := targets[i]
		e := rr.Assign(i)

		if !o.joiner.Join(ctx, *e, target) {
			return batch.Failure(target, provider.ErrJoinRejected.Error()), nil
		}
		if err := o.store.MarkUsed(e.ID, o.now()); err != nil {
			o.logger.Warn("joined entity vanished from store", zap.String("id", e.ID), zap.Error(err))
		}
		return batch.Success(target, e.Identifier), nil
	}

	return o.launch(ctx, domain.JobJoin, len(targets), step, delay, plan(rr, len(targets)))
}

// plan lists how many of m targets each pool member will serve, skipping
// members that get none
func plan(rr *allocator.RoundRobin[*domain.Entity], m int) []Allocation {
	dist := rr.Distribution(m)
	out := make([]Allocation, 0, rr.Size())
	for slot, n := range dist {
		if n == 0 {
			continue
		}
		e := rr.Assign(slot)
		out = append(out, Allocation{EntityID: e.ID, Identifier: e.Identifier, Targets: n})
	}
	return out
}

func (o *Orchestrator) launch(ctx context.Context, kind domain.JobKind, count int, step batch.StepFunc, delay time.Duration, alloc []Allocation) (*Handle, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.busyLocked() {
		return nil, errors.WithStack(batch.ErrAlreadyRunning)
	}

	// hooks see the handle before its first progress event, so arguments
	// are checked up front
	if count < 1 {
		return nil, errors.Wrapf(batch.ErrInvalidArgument, "count must be at least 1, got %d", count)
	}
	if delay < 0 {
		return nil, errors.Wrapf(batch.ErrInvalidArgument, "delay must not be negative, got %s", delay)
	}

	runner := batch.NewRunner(o.logger.With(zap.String("job", string(kind))))
	h := newHandle(kind, runner, alloc)
	for _, fn := range o.launched {
		fn(h)
	}
	if err := runner.Start(ctx, count, step, delay, h.progress); err != nil {
		return nil, err
	}
	o.current = h

	go o.finalize(ctx, h)
	return h, nil
}

// finalize persists the store once the run is terminal, then records
// history and sends the summary notification
func (o *Orchestrator) finalize(ctx context.Context, h *Handle) {
	<-h.runner.Done()
	state := h.runner.Snapshot()

	// a cancelled start context must not prevent the final save
	saveCtx := context.WithoutCancel(ctx)

	var saveErr error
	if err := o.store.SaveAll(saveCtx); err != nil {
		saveErr = err
		o.logger.Error("saving entities after run failed", zap.Error(err))
	}

	if rec, ok := o.store.History(); ok {
		if err := rec.RecordRun(saveCtx, domain.NewRunRecord(h.kind, state)); err != nil {
			o.logger.Warn("recording run history failed", zap.Error(err))
		}
	}

	if err := o.notifier.Send(notify.RunFinished(h.kind, state)); err != nil {
		o.logger.Warn("sending notification failed", zap.Error(err))
	}

	o.logger.Info("job finished", zap.String("kind", string(h.kind)), zap.String("summary", state.Summary()))
	h.settle(o.store.Stats(o.now()), saveErr)
}
