package entitystore

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/hochfrequenz/batch-orchestrator/internal/domain"
)

// Stats summarizes the collection
type Stats struct {
	Total    int `json:"total"`
	Active   int `json:"active"`
	Inactive int `json:"inactive"`
	Banned   int `json:"banned"`
	Today    int `json:"today"`
}

// Store is the in-memory entity collection. Mutations are in memory only;
// callers persist with SaveAll after a batch of changes. All accessors
// return copies.
type Store struct {
	backend Persistence
	logger  *zap.Logger

	mu       sync.RWMutex
	entities []*domain.Entity
	index    map[string]int
}

// New creates an empty store over backend
func New(backend Persistence, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		backend: backend,
		logger:  logger,
		index:   make(map[string]int),
	}
}

// Load replaces the in-memory collection with the persisted one. On corrupt
// data the collection is left empty and an error matching ErrCorruptData
// is returned.
func (s *Store) Load(ctx context.Context) error {
	entities, err := s.backend.LoadAll(ctx)
	if err != nil {
		s.replace(nil)
		if errors.Is(err, ErrCorruptData) {
			s.logger.Warn("entity data is corrupt, starting empty", zap.Error(err))
		}
		return err
	}
	s.replace(entities)
	s.logger.Debug("entities loaded", zap.Int("count", len(entities)))
	return nil
}

// Reload re-reads the persisted collection and swaps it in only when it
// loads cleanly. On any error the current collection is kept.
func (s *Store) Reload(ctx context.Context) error {
	entities, err := s.backend.LoadAll(ctx)
	if err != nil {
		s.logger.Warn("reload failed, keeping current entities", zap.Int("count", s.Len()), zap.Error(err))
		return err
	}
	s.replace(entities)
	s.logger.Debug("entities reloaded", zap.Int("count", len(entities)))
	return nil
}

func (s *Store) replace(entities []*domain.Entity) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entities = s.entities[:0]
	s.index = make(map[string]int, len(entities))
	for _, e := range entities {
		if _, dup := s.index[e.ID]; dup {
			s.logger.Warn("dropping duplicate entity id on load", zap.String("id", e.ID))
			continue
		}
		s.index[e.ID] = len(s.entities)
		s.entities = append(s.entities, e.Clone())
	}
}

// SaveAll persists the current collection
func (s *Store) SaveAll(ctx context.Context) error {
	snapshot := s.All()
	if err := s.backend.SaveAll(ctx, snapshot); err != nil {
		return errors.Wrap(err, "save entities")
	}
	return nil
}

// Append adds an entity. The id must not exist yet.
func (s *Store) Append(e *domain.Entity) error {
	if e == nil || e.ID == "" {
		return errors.New("entity id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.index[e.ID]; ok {
		return errors.Wrapf(ErrDuplicateID, "%s", e.ID)
	}
	s.index[e.ID] = len(s.entities)
	s.entities = append(s.entities, e.Clone())
	return nil
}

// Remove deletes the given ids and returns how many existed
func (s *Store) Remove(ids ...string) int {
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.entities[:0]
	removed := 0
	for _, e := range s.entities {
		if drop[e.ID] {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(s.entities); i++ {
		s.entities[i] = nil
	}
	s.entities = kept
	s.reindex()
	return removed
}

func (s *Store) reindex() {
	s.index = make(map[string]int, len(s.entities))
	for i, e := range s.entities {
		s.index[e.ID] = i
	}
}

// Get returns a copy of the entity with id
func (s *Store) Get(id string) (*domain.Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.index[id]
	if !ok {
		return nil, false
	}
	return s.entities[i].Clone(), true
}

// All returns copies of every entity in insertion order
func (s *Store) All() []*domain.Entity {
	return s.Filter(nil)
}

// Filter returns copies of the entities matching pred. A nil pred matches all.
func (s *Store) Filter(pred func(*domain.Entity) bool) []*domain.Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.Entity, 0, len(s.entities))
	for _, e := range s.entities {
		if pred == nil || pred(e) {
			out = append(out, e.Clone())
		}
	}
	return out
}

// Pool returns the entities eligible for join runs: active ones only
func (s *Store) Pool() []*domain.Entity {
	return s.Filter(func(e *domain.Entity) bool {
		return e.Status == domain.StatusActive
	})
}

// ByStatus is a Filter predicate matching one status
func ByStatus(status domain.EntityStatus) func(*domain.Entity) bool {
	return func(e *domain.Entity) bool { return e.Status == status }
}

// MarkUsed records a successful assignment of the entity at t
func (s *Store) MarkUsed(id string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.index[id]
	if !ok {
		return errors.Wrapf(ErrNotFound, "%s", id)
	}
	s.entities[i].MarkUsed(t)
	return nil
}

// SetStatus changes the status of an entity. The batch jobs never call it.
func (s *Store) SetStatus(id string, status domain.EntityStatus) error {
	if !status.Valid() {
		return errors.Newf("invalid status %q", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.index[id]
	if !ok {
		return errors.Wrapf(ErrNotFound, "%s", id)
	}
	s.entities[i].Status = status
	return nil
}

// Len returns the number of entities
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entities)
}

// Stats counts entities by status and those created on the day of now
func (s *Store) Stats(now time.Time) Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{Total: len(s.entities)}
	for _, e := range s.entities {
		switch e.Status {
		case domain.StatusActive:
			st.Active++
		case domain.StatusInactive:
			st.Inactive++
		case domain.StatusBanned:
			st.Banned++
		}
		if e.CreatedOn(now) {
			st.Today++
		}
	}
	return st
}

// ExportText renders one line per entity:
// identifier | credential | status | created_at
func ExportText(entities []*domain.Entity) string {
	var b strings.Builder
	for _, e := range entities {
		fmt.Fprintf(&b, "%s | %s | %s | %s\n",
			e.Identifier, e.Credential, e.Status, e.CreatedAt.Format(time.RFC3339))
	}
	return b.String()
}

// History returns the backend's run recorder when it keeps run history
func (s *Store) History() (RunRecorder, bool) {
	rec, ok := s.backend.(RunRecorder)
	return rec, ok
}
