package batch

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/batch-orchestrator/internal/domain"
)

func TestParseCron(t *testing.T) {
	tests := []struct {
		expr    string
		wantErr bool
	}{
		{"0 22 * * *", false},
		{"0 12 * * 1-5", false},
		{"*/5 * * * *", false},
		{"invalid", true},
		{"0 0 0 * * *", true}, // seconds field not accepted
	}

	for _, tt := range tests {
		_, err := ParseCron(tt.expr)
		assert.Equal(t, tt.wantErr, err != nil, "ParseCron(%q)", tt.expr)
	}
}

func TestSchedule_Validate(t *testing.T) {
	tests := []struct {
		name    string
		s       Schedule
		wantErr bool
	}{
		{"provision", Schedule{Name: "nightly", Cron: "0 22 * * *", Kind: domain.JobProvision, Count: 5}, false},
		{"provision default count", Schedule{Name: "nightly", Cron: "0 22 * * *", Kind: domain.JobProvision}, false},
		{"join", Schedule{Name: "j", Cron: "0 * * * *", Kind: domain.JobJoin, TargetsFile: "groups.yaml"}, false},
		{"join without targets", Schedule{Name: "j", Cron: "0 * * * *", Kind: domain.JobJoin}, true},
		{"no name", Schedule{Cron: "0 22 * * *", Kind: domain.JobProvision}, true},
		{"bad cron", Schedule{Name: "x", Cron: "nope", Kind: domain.JobProvision}, true},
		{"bad kind", Schedule{Name: "x", Cron: "0 22 * * *", Kind: "sweep"}, true},
		{"negative count", Schedule{Name: "x", Cron: "0 22 * * *", Kind: domain.JobProvision, Count: -1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.s.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidArgument))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewScheduler_RejectsDuplicates(t *testing.T) {
	sc := Schedule{Name: "a", Cron: "* * * * *", Kind: domain.JobProvision}
	_, err := NewScheduler([]Schedule{sc, sc}, nil)
	assert.True(t, errors.Is(err, ErrInvalidArgument))
}

func TestScheduler_NextRun(t *testing.T) {
	s, err := NewScheduler([]Schedule{{Name: "nightly", Cron: "0 22 * * *", Kind: domain.JobProvision}}, nil)
	require.NoError(t, err)

	next := s.NextRun("nightly")
	assert.False(t, next.IsZero())
	assert.True(t, next.After(time.Now()))
	assert.Equal(t, 22, next.Hour())

	assert.True(t, s.NextRun("missing").IsZero())
}

func TestScheduler_TickRunsDueEntriesOnce(t *testing.T) {
	s, err := NewScheduler([]Schedule{
		{Name: "every-minute", Cron: "* * * * *", Kind: domain.JobProvision, Count: 2},
		{Name: "yearly", Cron: "0 0 1 1 *", Kind: domain.JobProvision},
	}, nil)
	require.NoError(t, err)

	at := time.Now().Add(2 * time.Minute)
	s.now = func() time.Time { return at }

	var ran []string
	run := func(_ context.Context, sc Schedule) error {
		ran = append(ran, sc.Name)
		return nil
	}

	s.Tick(context.Background(), run)
	assert.Equal(t, []string{"every-minute"}, ran)

	s.Tick(context.Background(), run)
	assert.Equal(t, []string{"every-minute"}, ran, "same instant should not fire twice")

	at = at.Add(time.Minute)
	s.Tick(context.Background(), run)
	assert.Equal(t, []string{"every-minute", "every-minute"}, ran)
}

func TestScheduler_AlreadyRunningStaysDue(t *testing.T) {
	s, err := NewScheduler([]Schedule{{Name: "busy", Cron: "* * * * *", Kind: domain.JobProvision}}, nil)
	require.NoError(t, err)

	at := time.Now().Add(2 * time.Minute)
	s.now = func() time.Time { return at }

	calls := 0
	s.Tick(context.Background(), func(context.Context, Schedule) error {
		calls++
		return errors.WithStack(ErrAlreadyRunning)
	})

	assert.Equal(t, 1, calls)
	assert.True(t, s.Due("busy", at))
}

func TestScheduler_RunStopsOnCancel(t *testing.T) {
	s, err := NewScheduler(nil, nil)
	require.NoError(t, err)
	s.interval = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, func(context.Context, Schedule) error { return nil }) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
