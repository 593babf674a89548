package batch

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// RunFunc starts the job for a due schedule. Returning ErrAlreadyRunning
// leaves the entry due so it is retried on the next tick.
type RunFunc func(ctx context.Context, s Schedule) error

// Scheduler triggers configured jobs on their cron schedule
type Scheduler struct {
	logger   *zap.Logger
	now      func() time.Time
	interval time.Duration

	mu        sync.RWMutex
	schedules map[string]Schedule
	parsed    map[string]cron.Schedule
	lastRun   map[string]time.Time
	running   map[string]bool
}

// NewScheduler validates all entries and returns a scheduler. Entry names
// must be unique.
func NewScheduler(schedules []Schedule, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		logger:    logger,
		now:       time.Now,
		interval:  time.Minute,
		schedules: make(map[string]Schedule),
		parsed:    make(map[string]cron.Schedule),
		lastRun:   make(map[string]time.Time),
		running:   make(map[string]bool),
	}

	started := s.now()
	for _, sc := range schedules {
		if err := sc.Validate(); err != nil {
			return nil, err
		}
		if _, dup := s.schedules[sc.Name]; dup {
			return nil, errors.Wrapf(ErrInvalidArgument, "duplicate schedule name %q", sc.Name)
		}
		parsed, _ := ParseCron(sc.Cron)
		s.schedules[sc.Name] = sc
		s.parsed[sc.Name] = parsed
		s.lastRun[sc.Name] = started
	}
	return s, nil
}

// NextRun returns the next time the named entry becomes due
func (s *Scheduler) NextRun(name string) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sched, ok := s.parsed[name]
	if !ok {
		return time.Time{}
	}
	return sched.Next(s.lastRun[name])
}

// Due reports whether the entry should run at the given time
func (s *Scheduler) Due(name string, at time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sched, ok := s.parsed[name]
	if !ok || s.running[name] {
		return false
	}
	return !at.Before(sched.Next(s.lastRun[name]))
}

// Names returns the configured entry names in sorted order
func (s *Scheduler) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.schedules))
	for name := range s.schedules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get returns the named entry
func (s *Scheduler) Get(name string) (Schedule, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.schedules[name]
	return sc, ok
}

// Tick runs every due entry once. It is called by Run on every interval.
func (s *Scheduler) Tick(ctx context.Context, run RunFunc) {
	at := s.now()
	for _, name := range s.Names() {
		if !s.Due(name, at) {
			continue
		}
		sc, _ := s.Get(name)

		s.setRunning(name, true)
		err := run(ctx, sc)
		s.setRunning(name, false)

		switch {
		case errors.Is(err, ErrAlreadyRunning):
			s.logger.Info("schedule skipped, a run is in progress", zap.String("schedule", name))
			continue
		case err != nil:
			s.logger.Error("scheduled run failed", zap.String("schedule", name), zap.Error(err))
		default:
			s.logger.Info("scheduled run started", zap.String("schedule", name), zap.String("kind", string(sc.Kind)))
		}

		s.mu.Lock()
		s.lastRun[name] = at
		s.mu.Unlock()
	}
}

// Run ticks until ctx is cancelled
func (s *Scheduler) Run(ctx context.Context, run RunFunc) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("scheduler started", zap.Strings("schedules", s.Names()))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			s.Tick(ctx, run)
		}
	}
}

func (s *Scheduler) setRunning(name string, v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[name] = v
}
