package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"taskboard/internal/storage"
)

var ErrUserNotFound = errors.New("user not found")

// User is the directory projection of an account. Only approved users count
// as department members for alert fan-out.
type User struct {
	ID             string
	Name           string
	Email          string
	Role           string
	DepartmentID   string
	DepartmentName string
	Approved       bool
}

// Subscription is an opaque Web Push endpoint descriptor for one user's
// device. A user without one simply gets no out-of-band delivery.
type Subscription struct {
	Endpoint string `json:"endpoint"`
	P256dh   string `json:"p256dh"`
	Auth     string `json:"auth"`
}

// Member is a fan-out recipient: a department member plus their subscription,
// if any (and not flagged invalid).
type Member struct {
	ID           string
	Name         string
	Subscription *Subscription
}

type Users struct {
	db *sql.DB
}

func NewUsers(db *sql.DB) *Users {
	return &Users{db: db}
}

func (u *Users) Get(ctx context.Context, id string) (*User, error) {
	var (
		usr      User
		approved int
	)
	err := u.db.QueryRowContext(ctx, `
		SELECT id, name, email, role, department_id, department_name, approved
		FROM users WHERE id = ?`, id).
		Scan(&usr.ID, &usr.Name, &usr.Email, &usr.Role, &usr.DepartmentID, &usr.DepartmentName, &approved)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	usr.Approved = approved != 0
	return &usr, nil
}

// DepartmentOf resolves the user's current department.
func (u *Users) DepartmentOf(ctx context.Context, userID string) (string, error) {
	usr, err := u.Get(ctx, userID)
	if err != nil {
		return "", err
	}
	return usr.DepartmentID, nil
}

// MembersOf lists the approved members of a department together with their
// usable push subscriptions.
func (u *Users) MembersOf(ctx context.Context, departmentID string) ([]Member, error) {
	rows, err := u.db.QueryContext(ctx, `
		SELECT u.id, u.name, s.endpoint, s.p256dh, s.auth
		FROM users u
		LEFT JOIN push_subscriptions s ON s.user_id = u.id AND s.invalid = 0
		WHERE u.department_id = ? AND u.approved = 1
		ORDER BY u.id`, departmentID)
	if err != nil {
		return nil, fmt.Errorf("members of %s: %w", departmentID, err)
	}
	defer rows.Close()

	var out []Member
	for rows.Next() {
		var (
			m                      Member
			endpoint, p256dh, auth sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.Name, &endpoint, &p256dh, &auth); err != nil {
			return nil, fmt.Errorf("members of %s: %w", departmentID, err)
		}
		if endpoint.Valid {
			m.Subscription = &Subscription{
				Endpoint: endpoint.String,
				P256dh:   p256dh.String,
				Auth:     auth.String,
			}
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("members of %s: %w", departmentID, err)
	}
	return out, nil
}

// SubscriptionOf returns the user's usable push subscription, or nil when
// the user has none (or it was flagged invalid).
func (u *Users) SubscriptionOf(ctx context.Context, userID string) (*Subscription, error) {
	var sub Subscription
	err := u.db.QueryRowContext(ctx, `
		SELECT endpoint, p256dh, auth
		FROM push_subscriptions
		WHERE user_id = ? AND invalid = 0`, userID).
		Scan(&sub.Endpoint, &sub.P256dh, &sub.Auth)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("subscription of %s: %w", userID, err)
	}
	return &sub, nil
}

// SavePushSubscription stores (or replaces) the user's device subscription.
// A re-registered subscription clears any previous invalid flag.
func (u *Users) SavePushSubscription(ctx context.Context, userID string, sub Subscription) error {
	if sub.Endpoint == "" {
		return errors.New("subscription endpoint is required")
	}
	_, err := u.db.ExecContext(ctx, `
		INSERT INTO push_subscriptions (user_id, endpoint, p256dh, auth, invalid, created_at)
		VALUES (?,?,?,?,0,?)
		ON CONFLICT(user_id) DO UPDATE SET
			endpoint = excluded.endpoint,
			p256dh   = excluded.p256dh,
			auth     = excluded.auth,
			invalid  = 0`,
		userID, sub.Endpoint, sub.P256dh, sub.Auth,
		time.Now().UTC().Format(storage.TimeFormat))
	if err != nil {
		return fmt.Errorf("save push subscription: %w", err)
	}
	return nil
}

// MarkSubscriptionInvalid flags a dead endpoint so fan-out stops using it.
// The record is kept; removal is the account system's call, not ours.
func (u *Users) MarkSubscriptionInvalid(ctx context.Context, userID string) error {
	_, err := u.db.ExecContext(ctx,
		`UPDATE push_subscriptions SET invalid = 1 WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("mark subscription invalid: %w", err)
	}
	return nil
}
