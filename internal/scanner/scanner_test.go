package scanner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"taskboard/internal/directory"
	"taskboard/internal/dispatch"
	"taskboard/internal/notification"
	"taskboard/internal/storage"
	logx "taskboard/pkg/logx"
)

type fakeTasks struct {
	tasks []directory.Task
	err   error

	mu     sync.Mutex
	from   time.Time
	till   time.Time
	ctxErr error
}

func (f *fakeTasks) ListActionable(ctx context.Context, from, until time.Time) ([]directory.Task, error) {
	f.mu.Lock()
	f.from, f.till = from, until
	f.ctxErr = ctx.Err()
	f.mu.Unlock()
	return f.tasks, f.err
}

type fakeAlerter struct {
	mu     sync.Mutex
	alerts []dispatch.Alert
	failOn string // SourceTaskID that errors
}

func (f *fakeAlerter) Dispatch(_ context.Context, a dispatch.Alert) (*notification.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a.SourceTaskID == f.failOn {
		return nil, errors.New("boom")
	}
	f.alerts = append(f.alerts, a)
	return &notification.Notification{ID: "n-" + a.SourceTaskID}, nil
}

func (f *fakeAlerter) all() []dispatch.Alert {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]dispatch.Alert(nil), f.alerts...)
}

func TestScanAlertShape(t *testing.T) {
	t.Parallel()

	due := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	ft := &fakeTasks{tasks: []directory.Task{
		{ID: "t-1", Title: "File report", DueAt: due, Urgency: directory.UrgencyMedium, DepartmentID: "sales"},
		// critical with a due date inside the window: critical must win
		{ID: "t-2", Title: "Audit", DueAt: due, Urgency: directory.UrgencyCritical, DepartmentID: "hr"},
	}}
	fa := &fakeAlerter{}
	s := New(Config{Enabled: true, Window: 24 * time.Hour, Timezone: "UTC"}, ft, fa, logx.Nop())
	s.loc = time.UTC

	now := time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)
	if err := s.Scan(context.Background(), now); err != nil {
		t.Fatalf("scan: %v", err)
	}

	ft.mu.Lock()
	from, till := ft.from, ft.till
	ft.mu.Unlock()
	if !from.Equal(now) || !till.Equal(now.Add(24*time.Hour)) {
		t.Fatalf("window = [%v, %v]", from, till)
	}

	alerts := fa.all()
	if len(alerts) != 2 {
		t.Fatalf("alerts = %d, want 2", len(alerts))
	}

	soon := alerts[0]
	if soon.AlertClass != notification.ClassDueSoon || soon.Kind != notification.KindWarning {
		t.Fatalf("unexpected due-soon alert: %+v", soon)
	}
	if soon.DepartmentID != "sales" || soon.UserID != "" || soon.CreatedBy != "system" {
		t.Fatalf("unexpected addressing: %+v", soon)
	}
	if want := `Task "File report" is due soon: Mar 14, 2026 09:30`; soon.Message != want {
		t.Fatalf("message = %q, want %q", soon.Message, want)
	}

	crit := alerts[1]
	if crit.AlertClass != notification.ClassCritical || crit.Kind != notification.KindError {
		t.Fatalf("critical task got %+v", crit)
	}
	if want := `Critical Task: "Audit" requires immediate attention!`; crit.Message != want {
		t.Fatalf("message = %q, want %q", crit.Message, want)
	}
	if crit.SourceTaskID != "t-2" {
		t.Fatalf("source task = %q, want t-2", crit.SourceTaskID)
	}
}

func TestScanIsolatesTaskFailures(t *testing.T) {
	t.Parallel()

	ft := &fakeTasks{tasks: []directory.Task{
		{ID: "t-1", Title: "a", Urgency: directory.UrgencyCritical, DepartmentID: "sales"},
		{ID: "t-2", Title: "b", Urgency: directory.UrgencyCritical, DepartmentID: "sales"},
		{ID: "t-3", Title: "c", Urgency: directory.UrgencyCritical, DepartmentID: "sales"},
	}}
	fa := &fakeAlerter{failOn: "t-2"}
	s := New(Config{Enabled: true}, ft, fa, logx.Nop())

	if err := s.Scan(context.Background(), time.Now()); err != nil {
		t.Fatalf("scan: %v", err)
	}
	alerts := fa.all()
	if len(alerts) != 2 || alerts[0].SourceTaskID != "t-1" || alerts[1].SourceTaskID != "t-3" {
		t.Fatalf("alerts = %+v, want t-1 and t-3", alerts)
	}
}

func TestApplyRestartKeepsStartContext(t *testing.T) {
	t.Parallel()

	ft := &fakeTasks{}
	s := New(Config{Enabled: true, Spec: "0 * * * *", Timezone: "UTC"}, ft, &fakeAlerter{}, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	t.Cleanup(func() { s.Stop(context.Background()) })

	// Reschedule forces a cron rebuild; later ticks must still inherit the
	// context Start was given, not a fresh one.
	s.Apply(Config{Enabled: true, Spec: "30 * * * *", Timezone: "UTC"})
	cancel()

	s.mu.Lock()
	entries := s.c.Entries()
	s.mu.Unlock()
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	entries[0].Job.Run()

	ft.mu.Lock()
	gotErr := ft.ctxErr
	ft.mu.Unlock()
	if !errors.Is(gotErr, context.Canceled) {
		t.Fatalf("tick ctx err = %v, want context.Canceled", gotErr)
	}
}

func TestScanSecondSweepIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	db, err := storage.Open(storage.Config{Path: ":memory:"}, logx.Nop())
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	h := db.Handle()

	// critical AND due inside the window: one critical alert, never due_soon
	_, err = h.Exec(`
		INSERT INTO tasks (id, title, description, department_id, urgency, due_at, completed, created_at)
		VALUES ('t-1', 'Ship report', '', 'dept-1', 'critical', ?, 0, ?)`,
		time.Now().UTC().Add(2*time.Hour).Format(storage.TimeFormat),
		time.Now().UTC().Format(storage.TimeFormat))
	if err != nil {
		t.Fatalf("seed task: %v", err)
	}

	store := notification.NewStore(h)
	disp := dispatch.New(store, directory.NewUsers(h), nil, logx.Nop())
	s := New(Config{Enabled: true, Window: 24 * time.Hour}, directory.NewTasks(h), disp, logx.Nop())

	if err := s.Scan(ctx, time.Now()); err != nil {
		t.Fatalf("first scan: %v", err)
	}
	if err := s.Scan(ctx, time.Now()); err != nil {
		t.Fatalf("second scan: %v", err)
	}

	var count int
	if err := h.QueryRow(`SELECT COUNT(*) FROM notifications`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("notifications = %d, want 1 after repeated sweeps", count)
	}

	n, err := store.GetByAlertKey(ctx, "t-1", notification.ClassCritical)
	if err != nil {
		t.Fatalf("get by alert key: %v", err)
	}
	if n.DepartmentID != "dept-1" || n.UserID != "" || n.CreatedBy != "system" {
		t.Fatalf("unexpected record: %+v", n)
	}
	if _, err := store.GetByAlertKey(ctx, "t-1", notification.ClassDueSoon); !errors.Is(err, notification.ErrNotFound) {
		t.Fatalf("due_soon record should not exist, got err=%v", err)
	}
}
