// Package store persists experiments, trials and labels in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/audiolibrelab/labcapture/internal/experiment"
)

// ErrNotFound is returned when an experiment does not exist.
var ErrNotFound = errors.New("experiment not found")

// Store is a SQLite-backed experiment store. It is safe for concurrent use.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Summary is a listing entry for one experiment.
type Summary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Archived  bool      `json:"archived"`
	CreatedAt time.Time `json:"created_at"`
	Trials    int       `json:"trials"`
}

// Open opens (creating if needed) the database at path and applies
// migrations.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // sqlite
	db.SetConnMaxLifetime(0)

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// withTx runs fn in a transaction.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// CreateExperiment inserts a new experiment with its trials and labels.
func (s *Store) CreateExperiment(ctx context.Context, exp *experiment.Experiment) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now().UnixMilli()
		if _, err := tx.ExecContext(ctx, `
		INSERT INTO experiments(id, title, archived, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
			exp.ID, exp.Title, exp.Archived, exp.CreatedAt.UnixMilli(), now); err != nil {
			return fmt.Errorf("insert experiment %s: %w", exp.ID, err)
		}
		return insertChildren(ctx, tx, exp)
	})
}

// UpdateExperiment writes exp, replacing its stored trials and labels.
func (s *Store) UpdateExperiment(ctx context.Context, exp *experiment.Experiment) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now().UnixMilli()
		if _, err := tx.ExecContext(ctx, `
		INSERT INTO experiments(id, title, archived, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		 title=excluded.title,
		 archived=excluded.archived,
		 updated_at=excluded.updated_at;
		`, exp.ID, exp.Title, exp.Archived, exp.CreatedAt.UnixMilli(), now); err != nil {
			return fmt.Errorf("upsert experiment %s: %w", exp.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM labels WHERE experiment_id = ?`, exp.ID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM trials WHERE experiment_id = ?`, exp.ID); err != nil {
			return err
		}
		return insertChildren(ctx, tx, exp)
	})
}

func insertChildren(ctx context.Context, tx *sql.Tx, exp *experiment.Experiment) error {
	for i, t := range exp.Trials {
		start, err := encodeLayouts(t.LayoutsAtStart)
		if err != nil {
			return fmt.Errorf("encode layouts of trial %s: %w", t.ID, err)
		}
		stop, err := encodeLayouts(t.LayoutsAtStop)
		if err != nil {
			return fmt.Errorf("encode layouts of trial %s: %w", t.ID, err)
		}
		var end sql.NullInt64
		if t.Ended() {
			end = sql.NullInt64{Int64: t.EndTime.UnixMilli(), Valid: true}
		}
		if _, err := tx.ExecContext(ctx, `
		INSERT INTO trials(id, experiment_id, position, title, created_at, end_time, layouts_at_start, layouts_at_stop)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, exp.ID, i, t.Title, t.CreatedAt.UnixMilli(), end, start, stop); err != nil {
			return fmt.Errorf("insert trial %s: %w", t.ID, err)
		}
		for j, l := range t.Labels {
			if err := insertLabel(ctx, tx, exp.ID, t.ID, j, l); err != nil {
				return err
			}
		}
	}
	for j, l := range exp.Labels {
		if err := insertLabel(ctx, tx, exp.ID, "", j, l); err != nil {
			return err
		}
	}
	return nil
}

func insertLabel(ctx context.Context, tx *sql.Tx, experimentID, trialID string, position int, l experiment.Label) error {
	payload, err := encodeLabel(l)
	if err != nil {
		return fmt.Errorf("encode label %s: %w", l.ID, err)
	}
	trial := sql.NullString{String: trialID, Valid: trialID != ""}
	if _, err := tx.ExecContext(ctx, `
	INSERT INTO labels(id, experiment_id, trial_id, position, timestamp, kind, payload)
	VALUES (?, ?, ?, ?, ?, ?, ?)`,
		l.ID, experimentID, trial, position, l.Timestamp, string(l.Kind), payload); err != nil {
		return fmt.Errorf("insert label %s: %w", l.ID, err)
	}
	return nil
}

// GetExperiment loads an experiment with its trials and labels.
func (s *Store) GetExperiment(ctx context.Context, id string) (*experiment.Experiment, error) {
	exp := &experiment.Experiment{ID: id}
	var created int64
	err := s.db.QueryRowContext(ctx, `SELECT title, archived, created_at FROM experiments WHERE id = ?`, id).
		Scan(&exp.Title, &exp.Archived, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	exp.CreatedAt = fromMillis(created)

	if err := s.loadTrials(ctx, exp); err != nil {
		return nil, err
	}
	if err := s.loadLabels(ctx, exp); err != nil {
		return nil, err
	}
	return exp, nil
}

func (s *Store) loadTrials(ctx context.Context, exp *experiment.Experiment) error {
	rows, err := s.db.QueryContext(ctx, `
	SELECT id, title, created_at, end_time, layouts_at_start, layouts_at_stop
	FROM trials WHERE experiment_id = ? ORDER BY position`, exp.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		t := &experiment.Trial{}
		var created int64
		var end sql.NullInt64
		var start, stop []byte
		if err := rows.Scan(&t.ID, &t.Title, &created, &end, &start, &stop); err != nil {
			return err
		}
		t.CreatedAt = fromMillis(created)
		if end.Valid {
			t.EndTime = fromMillis(end.Int64)
		}
		if t.LayoutsAtStart, err = decodeLayouts(start); err != nil {
			return fmt.Errorf("decode layouts of trial %s: %w", t.ID, err)
		}
		if t.LayoutsAtStop, err = decodeLayouts(stop); err != nil {
			return fmt.Errorf("decode layouts of trial %s: %w", t.ID, err)
		}
		exp.Trials = append(exp.Trials, t)
	}
	return rows.Err()
}

func (s *Store) loadLabels(ctx context.Context, exp *experiment.Experiment) error {
	rows, err := s.db.QueryContext(ctx, `
	SELECT id, trial_id, timestamp, kind, payload
	FROM labels WHERE experiment_id = ? ORDER BY position`, exp.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var l experiment.Label
		var trialID sql.NullString
		var kind string
		var payload []byte
		if err := rows.Scan(&l.ID, &trialID, &l.Timestamp, &kind, &payload); err != nil {
			return err
		}
		l.Kind = experiment.LabelKind(kind)
		if err := decodeLabel(payload, &l); err != nil {
			return fmt.Errorf("decode label %s: %w", l.ID, err)
		}
		if !trialID.Valid {
			exp.Labels = append(exp.Labels, l)
			continue
		}
		if t := exp.Trial(trialID.String); t != nil {
			t.Labels = append(t.Labels, l)
		}
	}
	return rows.Err()
}

// ListExperiments lists experiments, newest first.
func (s *Store) ListExperiments(ctx context.Context, includeArchived bool) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT e.id, e.title, e.archived, e.created_at, COUNT(t.id)
	FROM experiments e LEFT JOIN trials t ON t.experiment_id = e.id
	WHERE ? OR e.archived = 0
	GROUP BY e.id
	ORDER BY e.created_at DESC, e.id`, includeArchived)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Summary
	for rows.Next() {
		var sum Summary
		var created int64
		if err := rows.Scan(&sum.ID, &sum.Title, &sum.Archived, &created, &sum.Trials); err != nil {
			return nil, err
		}
		sum.CreatedAt = fromMillis(created)
		out = append(out, sum)
	}
	return out, rows.Err()
}

// SaveImmediately flushes the write-ahead log into the database file.
func (s *Store) SaveImmediately(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`)
	return err
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
