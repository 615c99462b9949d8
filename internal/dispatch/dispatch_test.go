package dispatch

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"taskboard/internal/directory"
	"taskboard/internal/notification"
	"taskboard/internal/push"
	"taskboard/internal/storage"
	logx "taskboard/pkg/logx"
)

type fakeDeliverer struct {
	mu         sync.Mutex
	enabled    bool
	deliveries []push.Delivery
}

func (f *fakeDeliverer) Enabled() bool { return f.enabled }

func (f *fakeDeliverer) Enqueue(d push.Delivery) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deliveries = append(f.deliveries, d)
	return true
}

func (f *fakeDeliverer) all() []push.Delivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]push.Delivery(nil), f.deliveries...)
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *sql.DB, *fakeDeliverer) {
	t.Helper()
	db, err := storage.Open(storage.Config{Path: ":memory:"}, logx.Nop())
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	h := db.Handle()
	fd := &fakeDeliverer{enabled: true}
	d := New(notification.NewStore(h), directory.NewUsers(h), fd, logx.Nop())
	return d, h, fd
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

func seedSubscription(t *testing.T, db *sql.DB, userID string) {
	t.Helper()
	_, err := db.Exec(`
		INSERT INTO push_subscriptions (user_id, endpoint, p256dh, auth, invalid, created_at)
		VALUES (?,?,?,?,0,?)`,
		userID, "https://push.example/"+userID, "p256dh-"+userID, "auth-"+userID,
		time.Now().UTC().Format(storage.TimeFormat))
	if err != nil {
		t.Fatalf("seed subscription %s: %v", userID, err)
	}
}

func TestDispatchDepartmentFanOut(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d, db, fd := newTestDispatcher(t)

	seedUser(t, db, "alice", "sales", true)
	seedUser(t, db, "bob", "sales", true)
	seedUser(t, db, "carol", "sales", false) // pending approval
	seedUser(t, db, "dave", "hr", true)
	seedSubscription(t, db, "alice")
	seedSubscription(t, db, "bob")
	seedSubscription(t, db, "carol")
	seedSubscription(t, db, "dave")

	n, err := d.Dispatch(ctx, Alert{
		Kind:         notification.KindError,
		Message:      `Critical Task: "Audit" requires immediate attention!`,
		CreatedBy:    "system",
		DepartmentID: "sales",
		SourceTaskID: "task-1",
		AlertClass:   notification.ClassCritical,
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if n.ID == "" || n.DepartmentID != "sales" {
		t.Fatalf("unexpected record: %+v", n)
	}

	got := fd.all()
	if len(got) != 1 {
		t.Fatalf("deliveries = %d, want 1", len(got))
	}
	dl := got[0]
	if dl.NotificationID != n.ID {
		t.Fatalf("delivery for %q, want %q", dl.NotificationID, n.ID)
	}
	if dl.Payload.Title != "Critical Task Alert" || dl.Payload.TaskID != "task-1" {
		t.Fatalf("unexpected payload: %+v", dl.Payload)
	}
	ids := make([]string, 0, len(dl.Recipients))
	for _, r := range dl.Recipients {
		ids = append(ids, r.UserID)
	}
	if len(ids) != 2 || ids[0] != "alice" || ids[1] != "bob" {
		t.Fatalf("recipients = %v, want [alice bob]", ids)
	}
}

func TestDispatchDuplicateAlertIsBenign(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d, db, fd := newTestDispatcher(t)

	seedUser(t, db, "alice", "sales", true)
	seedSubscription(t, db, "alice")

	a := Alert{
		Kind:         notification.KindWarning,
		Message:      `Task "Audit" is due soon: tomorrow`,
		DepartmentID: "sales",
		SourceTaskID: "task-1",
		AlertClass:   notification.ClassDueSoon,
	}
	first, err := d.Dispatch(ctx, a)
	if err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	second, err := d.Dispatch(ctx, a)
	if err != nil {
		t.Fatalf("second dispatch: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("duplicate resolved to %q, want original %q", second.ID, first.ID)
	}
	if got := len(fd.all()); got != 1 {
		t.Fatalf("deliveries = %d, want 1 (no re-push on duplicate)", got)
	}
}

func TestDispatchUserScoped(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d, db, fd := newTestDispatcher(t)

	seedUser(t, db, "alice", "sales", true)
	seedSubscription(t, db, "alice")

	n, err := d.Dispatch(ctx, Alert{
		Kind:    notification.KindSuccess,
		Message: "Your account was approved",
		UserID:  "alice",
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !n.UserScoped() {
		t.Fatalf("expected user-scoped record: %+v", n)
	}

	got := fd.all()
	if len(got) != 1 || len(got[0].Recipients) != 1 || got[0].Recipients[0].UserID != "alice" {
		t.Fatalf("unexpected deliveries: %+v", got)
	}
	if got[0].Payload.Title != "Taskboard" || got[0].Payload.TaskID != "" {
		t.Fatalf("unexpected payload: %+v", got[0].Payload)
	}
}

func TestDispatchWithoutSubscriptionStillStores(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d, db, fd := newTestDispatcher(t)

	seedUser(t, db, "alice", "sales", true) // no subscription

	n, err := d.Dispatch(ctx, Alert{Message: "hello", UserID: "alice"})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if n.ID == "" {
		t.Fatal("record not stored")
	}
	if got := len(fd.all()); got != 0 {
		t.Fatalf("deliveries = %d, want 0", got)
	}
}

func TestDispatchInvalidAddressing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d, _, _ := newTestDispatcher(t)

	if _, err := d.Dispatch(ctx, Alert{Message: "x"}); err == nil {
		t.Fatal("expected error for missing target")
	}
	if _, err := d.Dispatch(ctx, Alert{Message: "x", UserID: "a", DepartmentID: "sales"}); err == nil {
		t.Fatal("expected error for double target")
	}
}

func TestDispatchDelivererDisabled(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d, db, fd := newTestDispatcher(t)
	fd.enabled = false

	seedUser(t, db, "alice", "sales", true)
	seedSubscription(t, db, "alice")

	if _, err := d.Dispatch(ctx, Alert{Message: "x", UserID: "alice"}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if got := len(fd.all()); got != 0 {
		t.Fatalf("deliveries = %d, want 0 when pipeline disabled", got)
	}
}
