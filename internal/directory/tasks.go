// Package directory exposes the task and user/department lookups the alerting
// core consumes. Both are read-mostly views over tables owned by the wider
// system; this core never mutates tasks and only touches push subscriptions.
package directory

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"taskboard/internal/storage"
)

// Urgency mirrors the task urgency scale of the owning system.
type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyMedium   Urgency = "medium"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// Task is the read-only task projection used by the deadline scan.
type Task struct {
	ID           string
	Title        string
	DueAt        time.Time // zero when the task has no due date
	Urgency      Urgency
	Completed    bool
	DepartmentID string
}

type Tasks struct {
	db *sql.DB
}

func NewTasks(db *sql.DB) *Tasks {
	return &Tasks{db: db}
}

// ListActionable returns open tasks that deserve an alert: critical ones and
// ones whose due date falls inside [from, until]. The lower bound keeps
// long-overdue tasks from re-triggering after their alert window has passed.
func (t *Tasks) ListActionable(ctx context.Context, from, until time.Time) ([]Task, error) {
	rows, err := t.db.QueryContext(ctx, `
		SELECT id, title, due_at, urgency, completed, department_id
		FROM tasks
		WHERE completed = 0
		  AND (urgency = 'critical'
		       OR (due_at IS NOT NULL AND due_at >= ? AND due_at <= ?))
		ORDER BY due_at`,
		from.UTC().Format(storage.TimeFormat), until.UTC().Format(storage.TimeFormat))
	if err != nil {
		return nil, fmt.Errorf("list actionable tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var (
			tk        Task
			dueAt     sql.NullString
			urgency   string
			completed int
		)
		if err := rows.Scan(&tk.ID, &tk.Title, &dueAt, &urgency, &completed, &tk.DepartmentID); err != nil {
			return nil, fmt.Errorf("list actionable tasks: %w", err)
		}
		tk.Urgency = Urgency(urgency)
		tk.Completed = completed != 0
		if dueAt.Valid {
			tk.DueAt, _ = time.Parse(time.RFC3339Nano, dueAt.String)
		}
		out = append(out, tk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list actionable tasks: %w", err)
	}
	return out, nil
}
