// Package scanner is the deadline scan: a cron-driven sweep over open tasks
// that raises department alerts for critical tasks and tasks coming due.
//
// The scan itself is stateless. Running it twice over the same tasks is
// safe because every alert carries a dedup key and the dispatcher treats
// a duplicate as a no-op.
package scanner

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"taskboard/internal/directory"
	"taskboard/internal/dispatch"
	"taskboard/internal/notification"
	logx "taskboard/pkg/logx"
)

type Config struct {
	Enabled     bool
	Spec        string // cron spec, default hourly at minute 0
	Window      time.Duration
	TickTimeout time.Duration
	Timezone    string
}

// Alerter is what a scan tick needs from the dispatcher.
type Alerter interface {
	Dispatch(ctx context.Context, a dispatch.Alert) (*notification.Notification, error)
}

// TaskSource lists the tasks a scan tick considers.
type TaskSource interface {
	ListActionable(ctx context.Context, from, until time.Time) ([]directory.Task, error)
}

type Service struct {
	mu  sync.Mutex
	cfg Config

	tasks   TaskSource
	alerter Alerter
	log     logx.Logger

	c      *cron.Cron
	loc    *time.Location
	runCtx context.Context // context Start was given; ticks inherit it across restarts
}

func New(cfg Config, tasks TaskSource, alerter Alerter, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, tasks: tasks, alerter: alerter, log: log}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldSpec := strings.TrimSpace(s.cfg.Spec)
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg

	if s.c == nil {
		return
	}
	if oldSpec != strings.TrimSpace(cfg.Spec) || oldTZ != strings.TrimSpace(cfg.Timezone) {
		s.restartLocked()
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.runCtx = ctx
	s.startLocked()
}

func (s *Service) startLocked() {
	ctx := s.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	loc := s.loadLocationLocked()
	s.loc = loc

	spec := strings.TrimSpace(s.cfg.Spec)
	if spec == "" {
		spec = "0 * * * *"
	}

	c := cron.New(cron.WithLocation(loc))
	_, err := c.AddFunc(spec, func() { s.runTick(ctx) })
	if err != nil {
		s.log.Error("invalid scan spec, scanner idle", logx.String("spec", spec), logx.Err(err))
		return
	}
	s.c = c
	c.Start()
	s.log.Info("deadline scanner started", logx.String("spec", spec), logx.String("tz", loc.String()))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		// best-effort
	}
	s.log.Info("deadline scanner stopped")
}

func (s *Service) restartLocked() {
	if s.c != nil {
		s.c.Stop()
		s.c = nil
	}
	s.startLocked()
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (s *Service) runTick(ctx context.Context) {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	if !cfg.Enabled {
		return
	}

	timeout := cfg.TickTimeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	tickCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := s.Scan(tickCtx, time.Now()); err != nil {
		s.log.Error("deadline scan failed", logx.Err(err))
	}
}

// Scan performs one sweep anchored at now. Exported so a tick can be forced
// outside the cron cadence (startup catch-up, admin trigger, tests).
func (s *Service) Scan(ctx context.Context, now time.Time) error {
	s.mu.Lock()
	window := s.cfg.Window
	loc := s.loc
	s.mu.Unlock()
	if window <= 0 {
		window = 24 * time.Hour
	}
	if loc == nil {
		loc = time.Local
	}

	start := time.Now()
	tasks, err := s.tasks.ListActionable(ctx, now, now.Add(window))
	if err != nil {
		return fmt.Errorf("deadline scan: %w", err)
	}

	var raised, failed int
	for _, t := range tasks {
		if err := s.alertFor(ctx, t, loc); err != nil {
			// one bad task never aborts the sweep
			failed++
			s.log.Warn("task alert failed",
				logx.String("task", t.ID), logx.Err(err))
			continue
		}
		raised++
	}

	s.log.Info("deadline scan finished",
		logx.Int("tasks", len(tasks)),
		logx.Int("raised", raised),
		logx.Int("failed", failed),
		logx.Duration("took", time.Since(start)))
	return nil
}

// alertFor raises exactly one alert per task per sweep. A critical task gets
// the critical alert even when its due date also falls inside the window.
func (s *Service) alertFor(ctx context.Context, t directory.Task, loc *time.Location) error {
	a := dispatch.Alert{
		CreatedBy:    "system",
		DepartmentID: t.DepartmentID,
		SourceTaskID: t.ID,
	}
	if t.Urgency == directory.UrgencyCritical {
		a.Kind = notification.KindError
		a.AlertClass = notification.ClassCritical
		a.Message = fmt.Sprintf("Critical Task: %q requires immediate attention!", t.Title)
	} else {
		a.Kind = notification.KindWarning
		a.AlertClass = notification.ClassDueSoon
		a.Message = fmt.Sprintf("Task %q is due soon: %s", t.Title,
			t.DueAt.In(loc).Format("Jan 2, 2006 15:04"))
	}

	_, err := s.alerter.Dispatch(ctx, a)
	return err
}
