package provider

import (
	"context"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/hochfrequenz/batch-orchestrator/internal/domain"
)

const handleAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// Simulated provisions fake temporary-mail accounts and joins groups with
// a configurable success rate. It performs no network I/O.
type Simulated struct {
	Latency     time.Duration
	FailureRate float64 // provisioning failures, 0..1
	SuccessRate float64 // join acceptances, 0..1

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimulated returns a simulator with the default latency of one second,
// no provisioning failures and an 80% join success rate
func NewSimulated() *Simulated {
	return &Simulated{
		Latency:     time.Second,
		SuccessRate: 0.8,
		rng:         rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15)),
	}
}

// NewSeededSimulated returns a deterministic simulator
func NewSeededSimulated(seed uint64, latency time.Duration) *Simulated {
	return &Simulated{
		Latency:     latency,
		SuccessRate: 0.8,
		rng:         rand.New(rand.NewPCG(seed, seed)),
	}
}

func (s *Simulated) Provision(ctx context.Context, cfg domain.ProvisionConfig) (Result, error) {
	if err := s.wait(ctx); err != nil {
		return Result{}, errors.Mark(errors.Wrap(err, "provisioning interrupted"), ErrProvision)
	}
	if s.roll() < s.FailureRate {
		return Result{}, errors.Wrap(ErrProvision, "verification code not received")
	}
	return Result{
		Identifier: "potato_" + s.handle(8) + "@" + MailDomain(cfg.Channel),
		Credential: cfg.Credential,
	}, nil
}

func (s *Simulated) Join(ctx context.Context, e domain.Entity, target string) bool {
	if err := s.wait(ctx); err != nil {
		return false
	}
	return s.roll() < s.SuccessRate
}

func (s *Simulated) wait(ctx context.Context) error {
	if s.Latency <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(s.Latency)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Simulated) roll() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64()
}

func (s *Simulated) handle(n int) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var b strings.Builder
	b.Grow(n)
	for i := 0; i < n; i++ {
		b.WriteByte(handleAlphabet[s.rng.IntN(len(handleAlphabet))])
	}
	return b.String()
}
