package arbiter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/nextlevelbuilder/replyguard/internal/store"
)

const (
	defaultSweepCron  = "* * * * *"
	defaultSweepBatch = 100
	defaultWorkers    = 8
)

// Resolver is the part of Engine the scheduler drives.
type Resolver interface {
	Resolve(ctx context.Context, id uuid.UUID) (*Result, error)
}

// DueLister finds pending rows that are due and unclaimed.
type DueLister interface {
	ListDue(ctx context.Context, now time.Time, limit int) ([]store.PendingResponse, error)
}

// SchedulerConfig wires a Scheduler.
type SchedulerConfig struct {
	SweepCron     string // gronx expression; default every minute
	SweepBatch    int
	MaxConcurrent int
	Now           func() time.Time
	Logger        *slog.Logger
}

// Scheduler fires resolves at scheduled_for using in-process timers, and
// runs a cron sweep over the durable table to recover rows whose timer was
// lost (restart, crash, another process scheduled them).
type Scheduler struct {
	resolver Resolver
	due      DueLister
	cfg      SchedulerConfig
	logger   *slog.Logger
	sem      chan struct{}

	mu       sync.Mutex
	timers   map[uuid.UUID]*time.Timer
	inflight map[uuid.UUID]bool
	ctx      context.Context
	cancel   context.CancelFunc
	started  bool
	stopped  bool
	wg       sync.WaitGroup
}

func NewScheduler(resolver Resolver, due DueLister, cfg SchedulerConfig) *Scheduler {
	if cfg.SweepCron == "" {
		cfg.SweepCron = defaultSweepCron
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = defaultSweepBatch
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultWorkers
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Scheduler{
		resolver: resolver,
		due:      due,
		cfg:      cfg,
		logger:   cfg.Logger,
		sem:      make(chan struct{}, cfg.MaxConcurrent),
		timers:   make(map[uuid.UUID]*time.Timer),
		inflight: make(map[uuid.UUID]bool),
	}
}

// Start runs an initial sweep and then the cron sweep loop. A timer that
// fires before Start is dropped; the initial sweep picks its row up.
func (s *Scheduler) Start(ctx context.Context) error {
	gron := gronx.New()
	if !gron.IsValid(s.cfg.SweepCron) {
		return fmt.Errorf("invalid sweep cron %q", s.cfg.SweepCron)
	}

	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	s.mu.Unlock()

	go s.sweepLoop()
	return nil
}

// Stop cancels timers and in-flight resolves and waits for every goroutine
// to exit. Rows left pending are picked up by the next process's sweep.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	s.wg.Wait()
}

// Arm schedules a resolve of id at at, replacing any earlier timer for id.
func (s *Scheduler) Arm(id uuid.UUID, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if t, ok := s.timers[id]; ok {
		t.Stop()
	}
	delay := at.Sub(s.cfg.Now())
	if delay < 0 {
		delay = 0
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.timers[id] == t {
			delete(s.timers, id)
		}
		s.mu.Unlock()
		s.dispatch(id)
	})
	s.timers[id] = t
}

// Armed reports how many timers are pending.
func (s *Scheduler) Armed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// dispatch resolves id on a worker unless it is already being resolved here.
func (s *Scheduler) dispatch(id uuid.UUID) {
	s.mu.Lock()
	if s.stopped || !s.started || s.inflight[id] {
		s.mu.Unlock()
		return
	}
	s.inflight[id] = true
	s.wg.Add(1)
	ctx := s.ctx
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.inflight, id)
			s.mu.Unlock()
		}()

		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		defer func() { <-s.sem }()

		res, err := s.resolver.Resolve(ctx, id)
		if err != nil {
			// Left pending; the sweep retries once the claim expires.
			return
		}
		if res.Outcome == OutcomeNotDue {
			s.Arm(id, res.ScheduledFor)
		}
	}()
}

func (s *Scheduler) sweepLoop() {
	defer s.wg.Done()

	s.sweep()
	for {
		next, err := gronx.NextTickAfter(s.cfg.SweepCron, s.cfg.Now(), false)
		if err != nil {
			s.logger.Error("sweep schedule", "cron", s.cfg.SweepCron, "error", err)
			return
		}
		wait := next.Sub(s.cfg.Now())
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		s.sweep()
	}
}

// sweep resolves every due, unclaimed row in one batch.
func (s *Scheduler) sweep() {
	rows, err := s.due.ListDue(s.ctx, s.cfg.Now(), s.cfg.SweepBatch)
	if err != nil {
		if s.ctx.Err() == nil {
			s.logger.Error("sweep list due", "error", err)
		}
		return
	}
	if len(rows) > 0 {
		s.logger.Info("sweep found due replies", "count", len(rows))
	}
	for _, pr := range rows {
		s.dispatch(pr.ID)
	}
}
