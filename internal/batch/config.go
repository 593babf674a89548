package batch

import (
	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"

	"github.com/hochfrequenz/batch-orchestrator/internal/domain"
)

// Schedule is a cron-triggered job entry
type Schedule struct {
	Name        string         `toml:"name"`
	Cron        string         `toml:"cron"`
	Kind        domain.JobKind `toml:"kind"`
	Count       int            `toml:"count,omitempty"`
	TargetsFile string         `toml:"targets_file,omitempty"`
}

// Validate checks the entry and fills in defaults
func (s *Schedule) Validate() error {
	if s.Name == "" {
		return errors.Wrap(ErrInvalidArgument, "schedule name is required")
	}
	if s.Cron == "" {
		return errors.Wrapf(ErrInvalidArgument, "schedule %q: cron expression is required", s.Name)
	}
	if _, err := ParseCron(s.Cron); err != nil {
		return errors.Mark(errors.Wrapf(err, "schedule %q: invalid cron expression", s.Name), ErrInvalidArgument)
	}
	switch s.Kind {
	case domain.JobProvision:
		if s.Count < 0 {
			return errors.Wrapf(ErrInvalidArgument, "schedule %q: count must not be negative", s.Name)
		}
	case domain.JobJoin:
		if s.TargetsFile == "" {
			return errors.Wrapf(ErrInvalidArgument, "schedule %q: join schedules need a targets_file", s.Name)
		}
	default:
		return errors.Wrapf(ErrInvalidArgument, "schedule %q: unknown kind %q", s.Name, s.Kind)
	}
	return nil
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseCron parses a five-field cron expression
func ParseCron(expr string) (cron.Schedule, error) {
	return cronParser.Parse(expr)
}
