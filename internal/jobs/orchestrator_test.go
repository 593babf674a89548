package jobs

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/batch-orchestrator/internal/batch"
	"github.com/hochfrequenz/batch-orchestrator/internal/domain"
	"github.com/hochfrequenz/batch-orchestrator/internal/entitystore"
	"github.com/hochfrequenz/batch-orchestrator/internal/notify"
	"github.com/hochfrequenz/batch-orchestrator/internal/provider"
)

var validConfig = domain.ProvisionConfig{
	Channel:     "tempmail",
	RegisterURL: "https://example.test/register",
	Credential:  "pw",
	CountryCode: "+86",
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (r *recordingNotifier) Send(n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

// sequenceProvisioner fails every index listed in fail
type sequenceProvisioner struct {
	calls atomic.Int32
	fail  map[int]bool
}

func (p *sequenceProvisioner) Provision(ctx context.Context, cfg domain.ProvisionConfig) (provider.Result, error) {
	n := int(p.calls.Add(1)) - 1
	if p.fail[n] {
		return provider.Result{}, errors.Wrap(provider.ErrProvision, "sms timeout")
	}
	return provider.Result{Identifier: fmt.Sprintf("user%d@tempmail.com", n), Credential: cfg.Credential}, nil
}

type fixture struct {
	backend  *entitystore.MemoryBackend
	store    *entitystore.Store
	notifier *recordingNotifier
	orch     *Orchestrator
}

func newFixture(t *testing.T, p provider.Provisioner, j provider.Joiner, seed ...*domain.Entity) *fixture {
	t.Helper()
	backend := entitystore.NewMemoryBackend(seed...)
	store := entitystore.New(backend, nil)
	require.NoError(t, store.Load(context.Background()))

	n := &recordingNotifier{}
	return &fixture{
		backend:  backend,
		store:    store,
		notifier: n,
		orch:     New(Options{Store: store, Provisioner: p, Joiner: j, Notifier: n}),
	}
}

func wait(t *testing.T, h *Handle) domain.RunState {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	state, err := h.Wait(ctx)
	require.NoError(t, err)
	return state
}

func TestProvisioning_AppendsSuccessfulEntities(t *testing.T) {
	prov := &sequenceProvisioner{fail: map[int]bool{1: true}}
	f := newFixture(t, prov, nil)

	h, err := f.orch.StartProvisioning(context.Background(), 3, validConfig, 0)
	require.NoError(t, err)
	assert.Equal(t, domain.JobProvision, h.Kind())

	state := wait(t, h)
	assert.Equal(t, domain.PhaseCompleted, state.Phase)
	assert.Equal(t, 2, state.SucceededCount)
	assert.Equal(t, 1, state.FailedCount)

	require.Len(t, state.Log, 3)
	assert.Equal(t, "user0@tempmail.com", state.Log[0].Subject)
	assert.Equal(t, "registered via Temp-Mail", state.Log[0].Detail)
	assert.Equal(t, "item 2", state.Log[1].Subject)
	assert.Contains(t, state.Log[1].Detail, "sms timeout")

	all := f.store.All()
	require.Len(t, all, 2)
	for _, e := range all {
		assert.Equal(t, domain.StatusActive, e.Status)
		assert.Nil(t, e.LastUsedAt)
		assert.Equal(t, "tempmail", e.SourceLabel)
		assert.Equal(t, "+86", e.CountryCode)
	}

	assert.Equal(t, 1, f.backend.Saves(), "store is saved once after the run")
	persisted, _ := f.backend.LoadAll(context.Background())
	assert.Len(t, persisted, 2)
	assert.Equal(t, 2, h.Stats().Total)
	assert.NoError(t, h.Err())

	require.Len(t, f.notifier.sent, 1)
	assert.Equal(t, notify.NotifyWarning, f.notifier.sent[0].Type)

	runs, err := f.backend.ListRuns(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, domain.PhaseCompleted, runs[0].Phase)
}

func TestProvisioning_Preconditions(t *testing.T) {
	f := newFixture(t, &sequenceProvisioner{}, nil)

	cfg := validConfig
	cfg.RegisterURL = ""
	_, err := f.orch.StartProvisioning(context.Background(), 1, cfg, 0)
	assert.True(t, errors.Is(err, batch.ErrInvalidArgument))

	cfg = validConfig
	cfg.Credential = ""
	_, err = f.orch.StartProvisioning(context.Background(), 1, cfg, 0)
	assert.True(t, errors.Is(err, batch.ErrInvalidArgument))
	assert.NotEmpty(t, errors.GetAllHints(err))

	_, err = f.orch.StartProvisioning(context.Background(), 0, validConfig, 0)
	assert.True(t, errors.Is(err, batch.ErrInvalidArgument))
	assert.Nil(t, f.orch.Current())
}

func TestProvisioning_StopMidRun(t *testing.T) {
	f := newFixture(t, &sequenceProvisioner{}, nil)

	h, err := f.orch.StartProvisioning(context.Background(), 10, validConfig, time.Hour)
	require.NoError(t, err)

	// stop lands during the first inter-item delay
	h.OnProgress(func(completed, target, succeeded int) {})
	require.Eventually(t, func() bool { return h.CurrentState().CompletedCount == 1 }, 2*time.Second, time.Millisecond)
	require.NoError(t, h.Stop())

	state := wait(t, h)
	assert.Equal(t, domain.PhaseStopped, state.Phase)
	assert.Equal(t, 1, state.CompletedCount)
	assert.Equal(t, 1, f.store.Len())
	assert.Equal(t, 1, f.backend.Saves())
	assert.Contains(t, h.Summary(), "stopped")
}

func TestOrchestrator_OneJobAtATime(t *testing.T) {
	release := make(chan struct{})
	prov := provider.ProvisionerFunc(func(ctx context.Context, cfg domain.ProvisionConfig) (provider.Result, error) {
		<-release
		return provider.Result{Identifier: "x@y"}, nil
	})
	seed := domain.NewEntity("a", "pw", "tempmail", time.Now())
	f := newFixture(t, prov, provider.JoinerFunc(func(context.Context, domain.Entity, string) bool { return true }), seed)

	h, err := f.orch.StartProvisioning(context.Background(), 1, validConfig, 0)
	require.NoError(t, err)
	assert.True(t, f.orch.Busy())

	_, err = f.orch.StartProvisioning(context.Background(), 1, validConfig, 0)
	assert.True(t, errors.Is(err, batch.ErrAlreadyRunning))
	_, err = f.orch.StartJoining(context.Background(), []string{"g"}, 0)
	assert.True(t, errors.Is(err, batch.ErrAlreadyRunning))

	close(release)
	wait(t, h)
	assert.False(t, f.orch.Busy())

	h2, err := f.orch.StartJoining(context.Background(), []string{"g"}, 0)
	require.NoError(t, err)
	wait(t, h2)
	assert.Same(t, h2, f.orch.Current())
}

func TestJoin_NoEntities(t *testing.T) {
	var calls atomic.Int32
	joiner := provider.JoinerFunc(func(context.Context, domain.Entity, string) bool {
		calls.Add(1)
		return true
	})
	banned := domain.NewEntity("b", "pw", "tempmail", time.Now())
	banned.Status = domain.StatusBanned
	f := newFixture(t, nil, joiner, banned)

	h, err := f.orch.StartJoining(context.Background(), []string{"g1", "g2"}, 0)
	assert.Nil(t, h)
	assert.True(t, errors.Is(err, ErrNoEntities))
	assert.True(t, errors.Is(err, batch.ErrInvalidArgument))
	assert.Zero(t, calls.Load())
	assert.Nil(t, f.orch.Current())
	assert.Zero(t, f.backend.Saves())
}

func TestJoin_NoTargets(t *testing.T) {
	f := newFixture(t, nil, provider.JoinerFunc(func(context.Context, domain.Entity, string) bool { return true }))

	_, err := f.orch.StartJoining(context.Background(), nil, 0)
	assert.True(t, errors.Is(err, ErrNoTargets))
	assert.True(t, errors.Is(err, batch.ErrInvalidArgument))
}

func TestJoin_RoundRobinAndMarkUsed(t *testing.T) {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	pool := []*domain.Entity{
		domain.NewEntity("e0", "pw", "tempmail", created),
		domain.NewEntity("e1", "pw", "tempmail", created),
		domain.NewEntity("e2", "pw", "tempmail", created),
	}

	var mu sync.Mutex
	var assigned []string
	joiner := provider.JoinerFunc(func(_ context.Context, e domain.Entity, target string) bool {
		mu.Lock()
		defer mu.Unlock()
		assigned = append(assigned, e.Identifier)
		return target != "g3"
	})
	f := newFixture(t, nil, joiner, pool...)
	used := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	f.orch.now = func() time.Time { return used }

	targets := []string{"g0", "g1", "g2", "g3", "g4", "g5", "g6"}
	h, err := f.orch.StartJoining(context.Background(), targets, 0)
	require.NoError(t, err)

	state := wait(t, h)
	assert.Equal(t, domain.PhaseCompleted, state.Phase)
	assert.Equal(t, []string{"e0", "e1", "e2", "e0", "e1", "e2", "e0"}, assigned)
	assert.Equal(t, 6, state.SucceededCount)
	assert.Equal(t, 1, state.FailedCount)

	assert.Equal(t, "g0", state.Log[0].Subject)
	assert.Equal(t, "e0", state.Log[0].Detail)
	assert.Equal(t, "g3", state.Log[3].Subject)
	assert.Equal(t, "join rejected", state.Log[3].Detail)

	for _, e := range f.store.All() {
		require.NotNil(t, e.LastUsedAt, e.Identifier)
		assert.True(t, e.LastUsedAt.Equal(used))
	}
	assert.Equal(t, 1, f.backend.Saves())
}

func TestJoin_AllocationPlan(t *testing.T) {
	pool := []*domain.Entity{
		domain.NewEntity("e0", "pw", "tempmail", time.Now()),
		domain.NewEntity("e1", "pw", "tempmail", time.Now()),
		domain.NewEntity("e2", "pw", "tempmail", time.Now()),
		domain.NewEntity("e3", "pw", "tempmail", time.Now()),
	}
	f := newFixture(t, &sequenceProvisioner{}, provider.JoinerFunc(func(context.Context, domain.Entity, string) bool { return true }), pool...)

	var planned []Allocation
	f.orch.OnLaunch(func(h *Handle) { planned = h.Allocation() })

	h, err := f.orch.StartJoining(context.Background(), []string{"g0", "g1", "g2"}, 0)
	require.NoError(t, err)
	wait(t, h)

	// members beyond the target count get nothing and are left out
	require.Len(t, planned, 3)
	assert.Equal(t, planned, h.Allocation())
	for i, a := range planned {
		assert.Equal(t, pool[i].ID, a.EntityID)
		assert.Equal(t, fmt.Sprintf("e%d", i), a.Identifier)
		assert.Equal(t, 1, a.Targets)
	}

	h, err = f.orch.StartJoining(context.Background(), []string{"a", "b", "c", "d", "e", "f", "g"}, 0)
	require.NoError(t, err)
	wait(t, h)
	var counts []int
	for _, a := range h.Allocation() {
		counts = append(counts, a.Targets)
	}
	assert.Equal(t, []int{2, 2, 2, 1}, counts)

	h, err = f.orch.StartProvisioning(context.Background(), 1, validConfig, 0)
	require.NoError(t, err)
	wait(t, h)
	assert.Nil(t, h.Allocation())
}

func TestOrchestrator_ReloadStore(t *testing.T) {
	release := make(chan struct{})
	prov := provider.ProvisionerFunc(func(ctx context.Context, cfg domain.ProvisionConfig) (provider.Result, error) {
		<-release
		return provider.Result{Identifier: "new@tempmail.com"}, nil
	})
	f := newFixture(t, prov, nil, domain.NewEntity("a", "pw", "tempmail", time.Now()))

	edited := domain.NewEntity("edited", "pw", "tempmail", time.Now())
	require.NoError(t, f.backend.SaveAll(context.Background(), []*domain.Entity{edited}))

	h, err := f.orch.StartProvisioning(context.Background(), 1, validConfig, 0)
	require.NoError(t, err)

	err = f.orch.ReloadStore(context.Background())
	assert.True(t, errors.Is(err, batch.ErrAlreadyRunning))
	_, ok := f.store.Get(edited.ID)
	assert.False(t, ok, "a running job keeps the in-memory collection")

	close(release)
	wait(t, h)

	// the job wrote its collection back, so reloading now sees that
	require.NoError(t, f.orch.ReloadStore(context.Background()))
	assert.Equal(t, 2, f.store.Len())

	require.NoError(t, f.backend.SaveAll(context.Background(), []*domain.Entity{edited}))
	require.NoError(t, f.orch.ReloadStore(context.Background()))
	_, ok = f.store.Get(edited.ID)
	assert.True(t, ok)
	assert.Equal(t, 1, f.store.Len())
}

func TestJoin_PoolIsFrozenForTheRun(t *testing.T) {
	seed := domain.NewEntity("first", "pw", "tempmail", time.Now())

	var mu sync.Mutex
	var assigned []string
	f := &fixture{}
	joiner := provider.JoinerFunc(func(_ context.Context, e domain.Entity, target string) bool {
		mu.Lock()
		assigned = append(assigned, e.Identifier)
		mu.Unlock()
		// a newly provisioned entity must not join this run
		_ = f.store.Append(domain.NewEntity("late", "pw", "tempmail", time.Now()))
		return true
	})
	*f = *newFixture(t, nil, joiner, seed)

	h, err := f.orch.StartJoining(context.Background(), []string{"a", "b", "c"}, 0)
	require.NoError(t, err)
	wait(t, h)

	assert.Equal(t, []string{"first", "first", "first"}, assigned)
}

func TestHandle_ProgressFanOut(t *testing.T) {
	f := newFixture(t, &sequenceProvisioner{}, nil)

	var launched []*Handle
	f.orch.OnLaunch(func(h *Handle) { launched = append(launched, h) })

	var a, b []int
	f.orch.OnLaunch(func(h *Handle) {
		h.OnProgress(func(completed, target, succeeded int) { a = append(a, completed) })
		h.OnProgress(func(completed, target, succeeded int) { b = append(b, succeeded) })
	})

	h, err := f.orch.StartProvisioning(context.Background(), 3, validConfig, 0)
	require.NoError(t, err)
	wait(t, h)

	require.Len(t, launched, 1)
	assert.Same(t, h, launched[0])
	assert.Equal(t, []int{1, 2, 3}, a)
	assert.Equal(t, []int{1, 2, 3}, b)
}

func TestOrchestrator_Stop(t *testing.T) {
	f := newFixture(t, &sequenceProvisioner{}, nil)
	assert.True(t, errors.Is(f.orch.Stop(), batch.ErrNotRunning))

	h, err := f.orch.StartProvisioning(context.Background(), 5, validConfig, time.Hour)
	require.NoError(t, err)
	require.NoError(t, f.orch.Stop())
	state := wait(t, h)
	assert.Equal(t, domain.PhaseStopped, state.Phase)
}
