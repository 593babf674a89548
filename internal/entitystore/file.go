package entitystore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/hochfrequenz/batch-orchestrator/internal/domain"
)

// FileBackend stores entities as a JSON array in a single file
type FileBackend struct {
	path string
}

// NewFileBackend creates a backend for path. The file is created on the
// first save.
func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: path}
}

// Path returns the backing file
func (b *FileBackend) Path() string {
	return b.path
}

// LoadAll reads the file. A missing or empty file is an empty collection.
func (b *FileBackend) LoadAll(ctx context.Context) ([]*domain.Entity, error) {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "read %s", b.path)
	}
	if strings.TrimSpace(string(data)) == "" {
		return nil, nil
	}

	var entities []*domain.Entity
	if err := json.Unmarshal(data, &entities); err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "decode %s", b.path), ErrCorruptData)
	}
	for i, e := range entities {
		if e == nil || e.ID == "" {
			return nil, errors.Wrapf(ErrCorruptData, "%s: entry %d has no id", b.path, i)
		}
		if err := checkEntity(e); err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "%s", b.path), ErrCorruptData)
		}
	}
	return entities, nil
}

// SaveAll writes the collection through a temp file and rename so readers
// never see a partial document
func (b *FileBackend) SaveAll(ctx context.Context, entities []*domain.Entity) error {
	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrap(err, "create store dir")
	}

	if entities == nil {
		entities = []*domain.Entity{}
	}
	data, err := json.MarshalIndent(entities, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal entities")
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(dir, filepath.Base(b.path)+".tmp.*")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "write temp store file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close temp store file")
	}
	if err := os.Rename(tmpName, b.path); err != nil {
		return errors.Wrap(err, "rename store file")
	}
	return nil
}
