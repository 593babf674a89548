package entitystore

import (
	"context"
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"

	"github.com/hochfrequenz/batch-orchestrator/internal/domain"
)

// SQLiteBackend persists entities and run history in a SQLite database
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend opens the database at path and runs migrations.
// Use ":memory:" for a throwaway database.
func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// a single connection keeps ":memory:" databases shared
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "running migrations")
	}

	return &SQLiteBackend{db: db}, nil
}

// Close closes the database connection
func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

// LoadAll returns all accounts in insertion order
func (b *SQLiteBackend) LoadAll(ctx context.Context) ([]*domain.Entity, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, identifier, credential, status, source_label, register_url, country_code, created_at, last_used_at
		FROM accounts ORDER BY position
	`)
	if err != nil {
		return nil, errors.Wrap(err, "query accounts")
	}
	defer rows.Close()

	var entities []*domain.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, errors.Mark(err, ErrCorruptData)
		}
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

// SaveAll replaces the accounts table in one transaction
func (b *SQLiteBackend) SaveAll(ctx context.Context, entities []*domain.Entity) (err error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM accounts`); err != nil {
		return errors.Wrap(err, "clear accounts")
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO accounts (id, identifier, credential, status, source_label, register_url, country_code, position, created_at, last_used_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, e := range entities {
		var lastUsed sql.NullString
		if e.LastUsedAt != nil {
			lastUsed = sql.NullString{String: formatTime(*e.LastUsedAt), Valid: true}
		}
		if _, err = stmt.ExecContext(ctx,
			e.ID,
			e.Identifier,
			e.Credential,
			string(e.Status),
			e.SourceLabel,
			e.RegisterURL,
			e.CountryCode,
			i,
			formatTime(e.CreatedAt),
			lastUsed,
		); err != nil {
			return errors.Wrapf(err, "insert account %s", e.ID)
		}
	}

	return tx.Commit()
}

// RecordRun stores a finished run
func (b *SQLiteBackend) RecordRun(ctx context.Context, rec domain.RunRecord) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO runs (id, kind, phase, started_at, finished_at, target_count, completed_count, succeeded_count, failed_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID,
		string(rec.Kind),
		string(rec.Phase),
		formatTime(rec.StartedAt),
		formatTime(rec.FinishedAt),
		rec.Target,
		rec.Completed,
		rec.Succeeded,
		rec.Failed,
	)
	return err
}

// ListRuns returns the most recent runs first. limit <= 0 means all.
func (b *SQLiteBackend) ListRuns(ctx context.Context, limit int) ([]domain.RunRecord, error) {
	query := `SELECT id, kind, phase, started_at, finished_at, target_count, completed_count, succeeded_count, failed_count
		FROM runs ORDER BY finished_at DESC, rowid DESC`
	var args []interface{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []domain.RunRecord
	for rows.Next() {
		var rec domain.RunRecord
		var kind, phase string
		var started, finished sql.NullString
		if err := rows.Scan(&rec.ID, &kind, &phase, &started, &finished,
			&rec.Target, &rec.Completed, &rec.Succeeded, &rec.Failed); err != nil {
			return nil, err
		}
		rec.Kind = domain.JobKind(kind)
		rec.Phase = domain.Phase(phase)
		rec.StartedAt, _ = parseTime(started.String)
		rec.FinishedAt, _ = parseTime(finished.String)
		runs = append(runs, rec)
	}
	return runs, rows.Err()
}

func scanEntity(rows *sql.Rows) (*domain.Entity, error) {
	var e domain.Entity
	var status, created string
	var source, registerURL, country, lastUsed sql.NullString

	if err := rows.Scan(&e.ID, &e.Identifier, &e.Credential, &status, &source, &registerURL, &country, &created, &lastUsed); err != nil {
		return nil, err
	}

	e.Status = domain.EntityStatus(status)
	e.SourceLabel = source.String
	e.RegisterURL = registerURL.String
	e.CountryCode = country.String

	t, err := parseTime(created)
	if err != nil {
		return nil, errors.Wrapf(err, "account %s: created_at", e.ID)
	}
	e.CreatedAt = t

	if lastUsed.Valid && lastUsed.String != "" {
		t, err := parseTime(lastUsed.String)
		if err != nil {
			return nil, errors.Wrapf(err, "account %s: last_used_at", e.ID)
		}
		e.LastUsedAt = &t
	}
	if err := checkEntity(&e); err != nil {
		return nil, err
	}
	return &e, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
