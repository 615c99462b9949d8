package directory

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"taskboard/internal/storage"
	logx "taskboard/pkg/logx"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := storage.Open(storage.Config{Path: ":memory:"}, logx.Nop())
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db.Handle()
}

func seedUser(t *testing.T, db *sql.DB, id, dept string, approved bool) {
	t.Helper()
	app := 0
	if approved {
		app = 1
	}
	_, err := db.Exec(`
		INSERT INTO users (id, name, email, role, department_id, department_name, approved, created_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		id, "user "+id, id+"@example.com", "staff", dept, "Dept "+dept, app,
		time.Now().UTC().Format(storage.TimeFormat))
	if err != nil {
		t.Fatalf("seed user %s: %v", id, err)
	}
}

func seedTask(t *testing.T, db *sql.DB, id, dept string, urgency Urgency, dueAt time.Time, completed bool) {
	t.Helper()
	comp := 0
	if completed {
		comp = 1
	}
	var due any
	if !dueAt.IsZero() {
		due = dueAt.UTC().Format(storage.TimeFormat)
	}
	_, err := db.Exec(`
		INSERT INTO tasks (id, title, description, department_id, urgency, due_at, completed, created_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		id, "task "+id, "", dept, string(urgency), due, comp,
		time.Now().UTC().Format(storage.TimeFormat))
	if err != nil {
		t.Fatalf("seed task %s: %v", id, err)
	}
}

func TestListActionable(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	tasks := NewTasks(db)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	until := now.Add(24 * time.Hour)

	seedTask(t, db, "due-soon", "dept-1", UrgencyMedium, now.Add(2*time.Hour), false)
	seedTask(t, db, "at-boundary", "dept-1", UrgencyLow, until, false)
	seedTask(t, db, "critical-no-due", "dept-1", UrgencyCritical, time.Time{}, false)
	seedTask(t, db, "too-late", "dept-1", UrgencyHigh, now.Add(48*time.Hour), false)
	seedTask(t, db, "overdue", "dept-1", UrgencyHigh, now.Add(-2*time.Hour), false)
	seedTask(t, db, "done", "dept-1", UrgencyCritical, now.Add(time.Hour), true)

	got, err := tasks.ListActionable(context.Background(), now, until)
	if err != nil {
		t.Fatalf("ListActionable: %v", err)
	}

	want := map[string]bool{"due-soon": true, "at-boundary": true, "critical-no-due": true}
	if len(got) != len(want) {
		ids := make([]string, 0, len(got))
		for _, tk := range got {
			ids = append(ids, tk.ID)
		}
		t.Fatalf("got tasks %v, want %v", ids, want)
	}
	for _, tk := range got {
		if !want[tk.ID] {
			t.Fatalf("unexpected task %s in scan window", tk.ID)
		}
	}
}

func TestListActionableSubSecondWindow(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	tasks := NewTasks(db)

	// A whole-second due date must stay inside a window whose bounds carry a
	// fractional component, which is the normal case for time.Now().
	now := time.Date(2026, 3, 1, 12, 0, 0, 500_000_000, time.UTC)
	until := now.Add(24 * time.Hour)

	seedTask(t, db, "edge", "dept-1", UrgencyMedium, until.Truncate(time.Second), false)

	got, err := tasks.ListActionable(context.Background(), now, until)
	if err != nil {
		t.Fatalf("ListActionable: %v", err)
	}
	if len(got) != 1 || got[0].ID != "edge" {
		t.Fatalf("got %d tasks, want the window-edge task", len(got))
	}
}

func TestMembersOf(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	users := NewUsers(db)
	ctx := context.Background()

	seedUser(t, db, "alice", "dept-1", true)
	seedUser(t, db, "bob", "dept-1", true)
	seedUser(t, db, "pending", "dept-1", false)
	seedUser(t, db, "carol", "dept-2", true)

	if err := users.SavePushSubscription(ctx, "alice", Subscription{Endpoint: "https://push/a", P256dh: "k", Auth: "a"}); err != nil {
		t.Fatalf("SavePushSubscription: %v", err)
	}
	if err := users.SavePushSubscription(ctx, "bob", Subscription{Endpoint: "https://push/b", P256dh: "k", Auth: "a"}); err != nil {
		t.Fatalf("SavePushSubscription: %v", err)
	}
	if err := users.MarkSubscriptionInvalid(ctx, "bob"); err != nil {
		t.Fatalf("MarkSubscriptionInvalid: %v", err)
	}

	members, err := users.MembersOf(ctx, "dept-1")
	if err != nil {
		t.Fatalf("MembersOf: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("MembersOf returned %d members, want 2 (approved only)", len(members))
	}
	byID := map[string]Member{}
	for _, m := range members {
		byID[m.ID] = m
	}
	if byID["alice"].Subscription == nil {
		t.Fatal("alice should have a usable subscription")
	}
	if byID["bob"].Subscription != nil {
		t.Fatal("bob's invalid subscription should be excluded")
	}

	// Re-registering clears the invalid flag.
	if err := users.SavePushSubscription(ctx, "bob", Subscription{Endpoint: "https://push/b2", P256dh: "k", Auth: "a"}); err != nil {
		t.Fatalf("re-register: %v", err)
	}
	members, err = users.MembersOf(ctx, "dept-1")
	if err != nil {
		t.Fatalf("MembersOf: %v", err)
	}
	for _, m := range members {
		if m.ID == "bob" && (m.Subscription == nil || m.Subscription.Endpoint != "https://push/b2") {
			t.Fatalf("bob subscription after re-register = %+v", m.Subscription)
		}
	}
}

func TestDepartmentOf(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	users := NewUsers(db)
	ctx := context.Background()

	seedUser(t, db, "alice", "dept-1", true)

	dept, err := users.DepartmentOf(ctx, "alice")
	if err != nil {
		t.Fatalf("DepartmentOf: %v", err)
	}
	if dept != "dept-1" {
		t.Fatalf("DepartmentOf = %q, want dept-1", dept)
	}

	if _, err := users.DepartmentOf(ctx, "ghost"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("err = %v, want ErrUserNotFound", err)
	}
}

func TestSubscriptionOf(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	users := NewUsers(db)
	ctx := context.Background()

	seedUser(t, db, "alice", "dept-1", true)

	sub, err := users.SubscriptionOf(ctx, "alice")
	if err != nil {
		t.Fatalf("SubscriptionOf: %v", err)
	}
	if sub != nil {
		t.Fatalf("expected nil before registration, got %+v", sub)
	}

	if err := users.SavePushSubscription(ctx, "alice", Subscription{Endpoint: "https://push/a", P256dh: "k", Auth: "a"}); err != nil {
		t.Fatalf("SavePushSubscription: %v", err)
	}
	sub, err = users.SubscriptionOf(ctx, "alice")
	if err != nil {
		t.Fatalf("SubscriptionOf: %v", err)
	}
	if sub == nil || sub.Endpoint != "https://push/a" {
		t.Fatalf("subscription = %+v", sub)
	}

	if err := users.MarkSubscriptionInvalid(ctx, "alice"); err != nil {
		t.Fatalf("MarkSubscriptionInvalid: %v", err)
	}
	sub, err = users.SubscriptionOf(ctx, "alice")
	if err != nil {
		t.Fatalf("SubscriptionOf: %v", err)
	}
	if sub != nil {
		t.Fatalf("flagged subscription should be excluded, got %+v", sub)
	}
}
