package entitystore

import (
	"context"
	"sync"

	"github.com/hochfrequenz/batch-orchestrator/internal/domain"
)

// MemoryBackend keeps the saved collection and run history in process
type MemoryBackend struct {
	mu       sync.Mutex
	entities []*domain.Entity
	runs     []domain.RunRecord
	saves    int
}

func NewMemoryBackend(seed ...*domain.Entity) *MemoryBackend {
	return &MemoryBackend{entities: cloneAll(seed)}
}

func (b *MemoryBackend) LoadAll(ctx context.Context) ([]*domain.Entity, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return cloneAll(b.entities), nil
}

func (b *MemoryBackend) SaveAll(ctx context.Context, entities []*domain.Entity) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entities = cloneAll(entities)
	b.saves++
	return nil
}

// Saves returns how many times SaveAll was called
func (b *MemoryBackend) Saves() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.saves
}

func (b *MemoryBackend) RecordRun(ctx context.Context, rec domain.RunRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.runs = append(b.runs, rec)
	return nil
}

// ListRuns returns the most recent runs first
func (b *MemoryBackend) ListRuns(ctx context.Context, limit int) ([]domain.RunRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []domain.RunRecord
	for i := len(b.runs) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, b.runs[i])
	}
	return out, nil
}

func cloneAll(entities []*domain.Entity) []*domain.Entity {
	if entities == nil {
		return nil
	}
	out := make([]*domain.Entity, len(entities))
	for i, e := range entities {
		out[i] = e.Clone()
	}
	return out
}
