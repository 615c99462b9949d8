// Package push is the best-effort out-of-band delivery pipeline.
//
// Deliveries are queued and worked off by a small pool; creation of the
// underlying notification never waits on this pipeline. There is no retry
// here: for scheduler alerts the next scan cycle is the retry, and direct
// dispatches get exactly one attempt per recipient.
package push

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	logx "taskboard/pkg/logx"
)

type Config struct {
	Enabled     bool
	Workers     int
	QueueSize   int
	RatePerSec  int
	SendTimeout time.Duration
}

// InvalidReporter is told about permanently dead subscriptions. It flags
// them; it must not delete them (the account system owns the records).
type InvalidReporter interface {
	MarkSubscriptionInvalid(ctx context.Context, userID string) error
}

type Service struct {
	mu sync.Mutex

	cfg       Config
	transport Transport
	invalid   InvalidReporter
	log       logx.Logger

	limiter *rate.Limiter
	queue   chan Delivery
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func New(cfg Config, transport Transport, invalid InvalidReporter, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:       cfg,
		transport: transport,
		invalid:   invalid,
		log:       log,
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply updates tunables at runtime. Pool size changes take effect on the
// next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 10
	}
	s.limiter = rate.NewLimiter(rate.Limit(rps), rps)
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}
	workers := s.cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	queueSize := s.cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 64
	}
	rps := s.cfg.RatePerSec
	if rps <= 0 {
		rps = 10
	}
	s.limiter = rate.NewLimiter(rate.Limit(rps), rps)

	s.queue = make(chan Delivery, queueSize)
	s.stopCh = make(chan struct{})

	// Local captures prevent races if fields are swapped during Stop().
	stopCh := s.stopCh
	queue := s.queue

	s.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer s.wg.Done()
			s.worker(ctx, stopCh, queue)
		}()
	}
	s.log.Info("push pipeline started", logx.Int("workers", workers), logx.Int("rps", rps))
}

// Stop shuts the pool down. A delivery a worker has already picked up runs
// to completion; deliveries still queued are discarded.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	stopCh := s.stopCh
	s.stopCh = nil
	s.queue = nil
	s.mu.Unlock()

	close(stopCh)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		// workers drain in background
	}
	s.log.Info("push pipeline stopped")
}

// Enqueue hands a delivery to the pool without blocking the caller. It
// reports false when the pipeline is stopped or the queue is full; either
// way the caller's notification is already durable, so dropping here only
// skips the out-of-band nudge.
func (s *Service) Enqueue(d Delivery) bool {
	if len(d.Recipients) == 0 {
		return true
	}
	s.mu.Lock()
	queue := s.queue
	s.mu.Unlock()
	if queue == nil {
		return false
	}
	select {
	case queue <- d:
		return true
	default:
		s.log.Warn("push queue full, dropping delivery",
			logx.String("notification", d.NotificationID),
			logx.Int("recipients", len(d.Recipients)))
		return false
	}
}

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan Delivery) {
	for {
		// fast-exit so stop wins over queued work
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case d := <-queue:
			s.execDelivery(ctx, d)
		}
	}
}

func (s *Service) execDelivery(ctx context.Context, d Delivery) {
	start := time.Now()
	var failed int
	for _, r := range d.Recipients {
		if err := s.sendOne(ctx, d, r); err != nil {
			failed++
		}
	}

	fields := []logx.Field{
		logx.String("notification", d.NotificationID),
		logx.Int("total", len(d.Recipients)),
		logx.Int("failed", failed),
		logx.Duration("dur", time.Since(start)),
	}
	if failed > 0 {
		s.log.Warn("push delivery finished with failures", fields...)
	} else {
		s.log.Debug("push delivery finished", fields...)
	}
}

func (s *Service) sendOne(ctx context.Context, d Delivery, r Recipient) error {
	// Snapshot mutable dependencies to avoid races with Apply().
	s.mu.Lock()
	lim := s.limiter
	timeout := s.cfg.SendTimeout
	s.mu.Unlock()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
	}

	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	err := s.transport.Send(sendCtx, r.Subscription, d.Payload.encode())
	cancel()
	if err == nil {
		return nil
	}

	if errors.Is(err, ErrSubscriptionGone) {
		s.log.Info("push subscription gone, flagging",
			logx.String("user", r.UserID),
			logx.String("notification", d.NotificationID))
		if s.invalid != nil {
			if ferr := s.invalid.MarkSubscriptionInvalid(ctx, r.UserID); ferr != nil {
				s.log.Warn("failed to flag dead subscription", logx.String("user", r.UserID), logx.Err(ferr))
			}
		}
		return err
	}

	s.log.Warn("push send failed",
		logx.String("user", r.UserID),
		logx.String("notification", d.NotificationID),
		logx.Err(err))
	return err
}
