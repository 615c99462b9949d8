package notification

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"taskboard/internal/storage"
)

// Store persists notifications in SQLite.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func validateForCreate(n *Notification) error {
	if strings.TrimSpace(n.Message) == "" {
		return errors.New("message is required")
	}
	if (n.UserID == "") == (n.DepartmentID == "") {
		return errors.New("exactly one of user or department addressing is required")
	}
	if (n.SourceTaskID == "") != (n.AlertClass == "") {
		return errors.New("source task and alert class must be set together")
	}
	if n.AlertClass != "" && !n.AlertClass.Valid() {
		return fmt.Errorf("invalid alert class %q", n.AlertClass)
	}
	if n.Kind != "" && !n.Kind.Valid() {
		return fmt.Errorf("invalid kind %q", n.Kind)
	}
	return nil
}

// Create inserts a new record and fills in ID/CreatedAt.
//
// For alert-keyed records (SourceTaskID+AlertClass set) the insert races
// against concurrent creates on the unique alert-key index; the loser gets
// ErrDuplicateAlert instead of a row. Everything else is a storage error.
func (s *Store) Create(ctx context.Context, n *Notification) error {
	if err := validateForCreate(n); err != nil {
		return err
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Kind == "" {
		n.Kind = KindInfo
	}
	if n.CreatedBy == "" {
		n.CreatedBy = "system"
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}

	q := `INSERT INTO notifications
	        (id, kind, message, created_by, user_id, department_id, source_task_id, alert_class, created_at)
	      VALUES (?,?,?,?,?,?,?,?,?)`
	if n.SourceTaskID != "" {
		// DO NOTHING instead of failing lets us detect the duplicate via
		// the affected-row count without parsing driver error codes.
		q += ` ON CONFLICT(source_task_id, alert_class)
		       WHERE source_task_id IS NOT NULL AND alert_class IS NOT NULL
		       DO NOTHING`
	}

	res, err := s.db.ExecContext(ctx, q,
		n.ID, string(n.Kind), n.Message, n.CreatedBy,
		nullStr(n.UserID), nullStr(n.DepartmentID),
		nullStr(n.SourceTaskID), nullStr(string(n.AlertClass)),
		n.CreatedAt.Format(storage.TimeFormat),
	)
	if err != nil {
		return fmt.Errorf("create notification: %w", err)
	}
	if n.SourceTaskID != "" {
		aff, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("create notification: %w", err)
		}
		if aff == 0 {
			return ErrDuplicateAlert
		}
	}
	return nil
}

// GetByID returns one record with its full ReadBy set, or ErrNotFound.
func (s *Store) GetByID(ctx context.Context, id string) (*Notification, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, message, created_by, user_id, department_id,
		       source_task_id, alert_class, created_at
		FROM notifications WHERE id = ?`, id)
	n, err := scanNotification(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get notification: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM notification_reads WHERE notification_id = ? ORDER BY read_at`, id)
	if err != nil {
		return nil, fmt.Errorf("get notification reads: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			return nil, fmt.Errorf("get notification reads: %w", err)
		}
		n.ReadBy = append(n.ReadBy, uid)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get notification reads: %w", err)
	}
	return n, nil
}

// GetByAlertKey returns the live record for a (task, class) pair, or ErrNotFound.
func (s *Store) GetByAlertKey(ctx context.Context, taskID string, class AlertClass) (*Notification, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, message, created_by, user_id, department_id,
		       source_task_id, alert_class, created_at
		FROM notifications WHERE source_task_id = ? AND alert_class = ?`,
		taskID, string(class))
	n, err := scanNotification(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get by alert key: %w", err)
	}
	return n, nil
}

// ListForUser returns every record visible to the viewer, newest first:
// records addressed to the user plus shared records of the viewer's current
// department. Read reflects the viewer's own receipt.
func (s *Store) ListForUser(ctx context.Context, v Viewer) ([]Notification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT n.id, n.kind, n.message, n.created_by, n.user_id, n.department_id,
		       n.source_task_id, n.alert_class, n.created_at,
		       r.user_id IS NOT NULL
		FROM notifications n
		LEFT JOIN notification_reads r
		       ON r.notification_id = n.id AND r.user_id = ?
		WHERE n.user_id = ? OR n.department_id = ?
		ORDER BY n.created_at DESC, n.id DESC`,
		v.UserID, v.UserID, v.DepartmentID)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		var (
			n                             Notification
			kind, createdAt               string
			userID, deptID, taskID, class sql.NullString
			read                          bool
		)
		if err := rows.Scan(&n.ID, &kind, &n.Message, &n.CreatedBy,
			&userID, &deptID, &taskID, &class, &createdAt, &read); err != nil {
			return nil, fmt.Errorf("list notifications: %w", err)
		}
		n.Kind = Kind(kind)
		n.UserID = userID.String
		n.DepartmentID = deptID.String
		n.SourceTaskID = taskID.String
		n.AlertClass = AlertClass(class.String)
		n.Read = read
		n.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	return out, nil
}

// MarkRead adds the viewer to the record's read set. Idempotent: marking an
// already-read record is a no-op. Returns the updated record.
func (s *Store) MarkRead(ctx context.Context, id, userID string) (*Notification, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM notifications WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mark read: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO notification_reads (notification_id, user_id, read_at)
		VALUES (?,?,?)`,
		id, userID, time.Now().UTC().Format(storage.TimeFormat))
	if err != nil {
		return nil, fmt.Errorf("mark read: %w", err)
	}
	return s.GetByID(ctx, id)
}

// MarkAllRead marks every record currently visible to the viewer as read and
// returns how many records were newly marked. Each receipt insert is atomic;
// records created concurrently may or may not be included.
func (s *Store) MarkAllRead(ctx context.Context, v Viewer) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO notification_reads (notification_id, user_id, read_at)
		SELECT n.id, ?, ?
		FROM notifications n
		WHERE n.user_id = ? OR n.department_id = ?`,
		v.UserID, time.Now().UTC().Format(storage.TimeFormat),
		v.UserID, v.DepartmentID)
	if err != nil {
		return 0, fmt.Errorf("mark all read: %w", err)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mark all read: %w", err)
	}
	return aff, nil
}

// UnreadCount counts visible records the viewer has not acknowledged.
func (s *Store) UnreadCount(ctx context.Context, v Viewer) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM notifications n
		LEFT JOIN notification_reads r
		       ON r.notification_id = n.id AND r.user_id = ?
		WHERE (n.user_id = ? OR n.department_id = ?) AND r.user_id IS NULL`,
		v.UserID, v.UserID, v.DepartmentID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("unread count: %w", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNotification(row rowScanner) (*Notification, error) {
	var (
		n                             Notification
		kind, createdAt               string
		userID, deptID, taskID, class sql.NullString
	)
	if err := row.Scan(&n.ID, &kind, &n.Message, &n.CreatedBy,
		&userID, &deptID, &taskID, &class, &createdAt); err != nil {
		return nil, err
	}
	n.Kind = Kind(kind)
	n.UserID = userID.String
	n.DepartmentID = deptID.String
	n.SourceTaskID = taskID.String
	n.AlertClass = AlertClass(class.String)
	n.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &n, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
