// Package entitystore keeps provisioned entities in memory over a pluggable
// persistence backend.
package entitystore

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/hochfrequenz/batch-orchestrator/internal/domain"
)

var (
	// ErrCorruptData is returned when persisted entities cannot be decoded.
	// The store continues with an empty collection.
	ErrCorruptData = errors.New("persisted entity data is corrupt")
	ErrDuplicateID = errors.New("entity id already exists")
	ErrNotFound    = errors.New("entity not found")
)

// Persistence loads and saves the whole entity collection
type Persistence interface {
	LoadAll(ctx context.Context) ([]*domain.Entity, error)
	SaveAll(ctx context.Context, entities []*domain.Entity) error
}

// RunRecorder is implemented by backends that keep run history
type RunRecorder interface {
	RecordRun(ctx context.Context, rec domain.RunRecord) error
	ListRuns(ctx context.Context, limit int) ([]domain.RunRecord, error)
}

// checkEntity rejects persisted records that break the entity invariants
func checkEntity(e *domain.Entity) error {
	if !e.Status.Valid() {
		return errors.Newf("entity %s: unknown status %q", e.ID, e.Status)
	}
	if e.LastUsedAt != nil && e.LastUsedAt.Before(e.CreatedAt) {
		return errors.Newf("entity %s: last used before it was created", e.ID)
	}
	return nil
}

// Backend kinds accepted by Open
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// Open creates the named backend at path. The returned close func is
// never nil.
func Open(kind, path string) (Persistence, func() error, error) {
	noop := func() error { return nil }
	switch kind {
	case BackendFile, "":
		return NewFileBackend(path), noop, nil
	case BackendSQLite:
		b, err := NewSQLiteBackend(path)
		if err != nil {
			return nil, noop, err
		}
		return b, b.Close, nil
	case BackendMemory:
		return NewMemoryBackend(), noop, nil
	default:
		return nil, noop, errors.Newf("unknown store backend %q", kind)
	}
}
