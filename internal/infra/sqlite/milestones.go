package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bizcoin/bizcoin/internal/domain"
)

// ─── Milestone Schema ───────────────────────────────────────────────────────

// MilestoneMigrations returns the milestone definition and notified-state schema.
func MilestoneMigrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS milestones (
			id           TEXT PRIMARY KEY,
			classroom_id TEXT NOT NULL,
			student_id   TEXT NOT NULL DEFAULT '',
			metric       TEXT NOT NULL,
			threshold    INTEGER NOT NULL CHECK(threshold > 0),
			title        TEXT NOT NULL,
			bonus        INTEGER NOT NULL DEFAULT 0 CHECK(bonus >= 0),
			created_at   TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_milestone_classroom ON milestones(classroom_id)`,

		// One row per (student, milestone) ever notified.
		`CREATE TABLE IF NOT EXISTS milestone_notifications (
			student_id   TEXT NOT NULL,
			classroom_id TEXT NOT NULL,
			milestone_id TEXT NOT NULL,
			notified_at  TEXT NOT NULL,
			PRIMARY KEY (student_id, classroom_id, milestone_id)
		)`,
	}
}

// ─── Milestone Operations ───────────────────────────────────────────────────

// CreateMilestone inserts a milestone definition.
func (db *DB) CreateMilestone(ctx context.Context, m domain.Milestone) error {
	if err := m.Validate(); err != nil {
		return err
	}
	_, err := db.db.ExecContext(ctx, `
		INSERT INTO milestones (id, classroom_id, student_id, metric, threshold, title, bonus, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.ClassroomID, m.StudentID, string(m.Metric), m.Threshold, m.Title, m.Bonus, formatTime(m.CreatedAt))
	if err != nil {
		return domain.NewStorageError("create milestone", err)
	}
	return nil
}

// GetMilestone returns a milestone by ID.
func (db *DB) GetMilestone(ctx context.Context, id string) (*domain.Milestone, error) {
	row := db.db.QueryRowContext(ctx, `
		SELECT id, classroom_id, student_id, metric, threshold, title, bonus, created_at
		FROM milestones WHERE id = ?
	`, id)
	m, err := scanMilestone(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("milestone %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, domain.NewStorageError("get milestone", err)
	}
	return &m, nil
}

// ListMilestones returns the classroom's milestones ordered by threshold.
func (db *DB) ListMilestones(ctx context.Context, classroomID string) ([]domain.Milestone, error) {
	rows, err := db.db.QueryContext(ctx, `
		SELECT id, classroom_id, student_id, metric, threshold, title, bonus, created_at
		FROM milestones WHERE classroom_id = ?
		ORDER BY threshold, id
	`, classroomID)
	if err != nil {
		return nil, domain.NewStorageError("list milestones", err)
	}
	defer rows.Close()

	var out []domain.Milestone
	for rows.Next() {
		m, err := scanMilestone(rows)
		if err != nil {
			return nil, domain.NewStorageError("scan milestone", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewStorageError("list milestones", err)
	}
	return out, nil
}

// DeleteMilestone removes a milestone definition. Notified state is kept
// so a re-created milestone with the same ID does not fire twice.
func (db *DB) DeleteMilestone(ctx context.Context, id string) error {
	res, err := db.db.ExecContext(ctx, `DELETE FROM milestones WHERE id = ?`, id)
	if err != nil {
		return domain.NewStorageError("delete milestone", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("milestone %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// MarkNotified records the notification; true only for the first call.
func (db *DB) MarkNotified(ctx context.Context, key domain.WalletKey, milestoneID string) (bool, error) {
	return markNotified(ctx, db.db, key, milestoneID, db.now())
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func markNotified(ctx context.Context, e execer, key domain.WalletKey, milestoneID string, at time.Time) (bool, error) {
	res, err := e.ExecContext(ctx, `
		INSERT OR IGNORE INTO milestone_notifications (student_id, classroom_id, milestone_id, notified_at)
		VALUES (?, ?, ?, ?)
	`, key.StudentID, key.ClassroomID, milestoneID, formatTime(at))
	if err != nil {
		return false, domain.NewStorageError("mark notified", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, domain.NewStorageError("mark notified", err)
	}
	return n == 1, nil
}

func scanMilestone(s scanner) (domain.Milestone, error) {
	var (
		m       domain.Milestone
		metric  string
		created string
	)
	if err := s.Scan(&m.ID, &m.ClassroomID, &m.StudentID, &metric, &m.Threshold, &m.Title, &m.Bonus, &created); err != nil {
		return m, err
	}
	m.Metric = domain.MilestoneMetric(metric)
	m.CreatedAt = parseTime(created)
	return m, nil
}
