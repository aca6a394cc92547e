package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/bizcoin/bizcoin/internal/domain"
)

const milestoneColumns = `id, classroom_id, student_id, metric, threshold, title, bonus, created_at`

// CreateMilestone inserts a milestone definition.
func (db *DB) CreateMilestone(ctx context.Context, m domain.Milestone) error {
	if err := m.Validate(); err != nil {
		return err
	}
	_, err := db.pool.Exec(ctx, `
		INSERT INTO milestones (`+milestoneColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, m.ID, m.ClassroomID, m.StudentID, string(m.Metric), m.Threshold, m.Title, m.Bonus, m.CreatedAt)
	if err != nil {
		return domain.NewStorageError("create milestone", err)
	}
	return nil
}

// GetMilestone returns a milestone by ID.
func (db *DB) GetMilestone(ctx context.Context, id string) (*domain.Milestone, error) {
	m, err := scanMilestone(db.pool.QueryRow(ctx,
		`SELECT `+milestoneColumns+` FROM milestones WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("milestone %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, domain.NewStorageError("get milestone", err)
	}
	return &m, nil
}

// ListMilestones returns the classroom's milestones ordered by threshold.
func (db *DB) ListMilestones(ctx context.Context, classroomID string) ([]domain.Milestone, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT `+milestoneColumns+`
		FROM milestones WHERE classroom_id = $1
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

// DeleteMilestone removes a milestone definition; notified state is kept.
func (db *DB) DeleteMilestone(ctx context.Context, id string) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM milestones WHERE id = $1`, id)
	if err != nil {
		return domain.NewStorageError("delete milestone", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("milestone %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// MarkNotified records the notification; true only for the first call.
func (db *DB) MarkNotified(ctx context.Context, key domain.WalletKey, milestoneID string) (bool, error) {
	return markNotified(ctx, db.pool, key, milestoneID)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func markNotified(ctx context.Context, e execer, key domain.WalletKey, milestoneID string) (bool, error) {
	tag, err := e.Exec(ctx, `
		INSERT INTO milestone_notifications (student_id, classroom_id, milestone_id)
		VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING
	`, key.StudentID, key.ClassroomID, milestoneID)
	if err != nil {
		return false, domain.NewStorageError("mark notified", err)
	}
	return tag.RowsAffected() == 1, nil
}

func scanMilestone(row pgx.Row) (domain.Milestone, error) {
	var (
		m      domain.Milestone
		metric string
	)
	if err := row.Scan(&m.ID, &m.ClassroomID, &m.StudentID, &metric, &m.Threshold, &m.Title, &m.Bonus, &m.CreatedAt); err != nil {
		return m, err
	}
	m.Metric = domain.MilestoneMetric(metric)
	m.CreatedAt = m.CreatedAt.UTC()
	return m, nil
}
