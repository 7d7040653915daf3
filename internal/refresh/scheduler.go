// Package refresh triggers full re-queries of the live feeds on a schedule.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "sitesync/pkg/logx"
)

const DefaultTimeout = time.Minute

// ErrBusy is returned by Trigger while a refresh is already running.
var ErrBusy = errors.New("refresh already running")

// Target is refreshed on every tick.
type Target interface {
	Refresh(ctx context.Context) error
}

type Config struct {
	// Schedule is parsed with ParseSchedule. Empty disables the scheduler.
	Schedule string
	Timezone string
	// Timeout bounds one refresh run.
	Timeout time.Duration
}

type Status struct {
	Schedule  string    `json:"schedule,omitempty"`
	Running   bool      `json:"running"`
	Next      time.Time `json:"next,omitempty"`
	Runs      uint64    `json:"runs"`
	Failures  uint64    `json:"failures"`
	Skipped   uint64    `json:"skipped"`
	LastRun   time.Time `json:"last_run,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// Scheduler runs Target.Refresh from a cron entry. Runs never overlap: a tick
// that fires while the previous run is still going is skipped.
type Scheduler struct {
	target Target
	log    logx.Logger
	parser cron.Parser

	mu      sync.Mutex
	cfg     Config
	sched   Schedule
	ctx     context.Context
	c       *cron.Cron
	entry   cron.EntryID
	lastRun time.Time
	lastErr string

	running  atomic.Bool
	runs     atomic.Uint64
	failures atomic.Uint64
	skipped  atomic.Uint64
}

func New(target Target, cfg Config, log logx.Logger) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		target: target,
		cfg:    cfg,
		log:    log.With(logx.String("comp", "refresh")),
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Validate reports whether cfg would be accepted by Start or Apply.
func (s *Scheduler) Validate(cfg Config) error {
	if strings.TrimSpace(cfg.Schedule) == "" {
		return nil
	}
	sch, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return err
	}
	if _, err := s.parser.Parse(sch.Spec()); err != nil {
		return fmt.Errorf("refresh schedule %q: %w", cfg.Schedule, err)
	}
	return nil
}

// Start begins triggering. ctx is the parent of every run. Idempotent.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	s.ctx = ctx
	return s.startLocked()
}

func (s *Scheduler) startLocked() error {
	cur := s.cfg
	if strings.TrimSpace(cur.Schedule) == "" {
		s.log.Debug("refresh schedule empty; scheduler idle")
		return nil
	}
	sch, err := ParseSchedule(cur.Schedule)
	if err != nil {
		return err
	}

	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(s.location(cur.Timezone)))
	id, err := c.AddFunc(sch.Spec(), s.tick)
	if err != nil {
		return fmt.Errorf("refresh schedule %q: %w", cur.Schedule, err)
	}
	c.Start()
	s.c, s.entry, s.sched = c, id, sch
	s.log.Info("refresh scheduled", logx.String("spec", sch.Spec()), logx.String("source", sch.Source),
		logx.Time("next", c.Entry(id).Next))
	return nil
}

func (s *Scheduler) location(tz string) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// Apply swaps the schedule. A running scheduler re-registers immediately;
// an invalid schedule is rejected and the old one stays.
func (s *Scheduler) Apply(cfg Config) error {
	if err := s.Validate(cfg); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.cfg
	s.cfg = cfg
	if s.ctx == nil || (old.Schedule == cfg.Schedule && old.Timezone == cfg.Timezone) {
		return nil
	}
	if s.c != nil {
		s.c.Stop()
		s.c = nil
		s.sched = Schedule{}
	}
	return s.startLocked()
}

// Stop ends triggering and waits for a running refresh (bounded by ctx).
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.ctx = nil
	s.sched = Schedule{}
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		return
	}
	if err := s.Trigger(ctx); errors.Is(err, ErrBusy) {
		s.log.Debug("refresh still running; tick skipped")
	}
}

// Trigger runs one refresh now unless one is already running.
func (s *Scheduler) Trigger(ctx context.Context) (err error) {
	if !s.running.CompareAndSwap(false, true) {
		s.skipped.Add(1)
		return ErrBusy
	}
	defer s.running.Store(false)

	s.mu.Lock()
	timeout := s.cfg.Timeout
	s.mu.Unlock()
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("refresh panicked: %v", r)
		}
		s.runs.Add(1)
		msg := ""
		if err != nil {
			s.failures.Add(1)
			msg = err.Error()
			s.log.Warn("scheduled refresh failed", logx.Duration("took", time.Since(start)), logx.Err(err))
		} else {
			s.log.Debug("scheduled refresh done", logx.Duration("took", time.Since(start)))
		}
		s.mu.Lock()
		s.lastRun, s.lastErr = start, msg
		s.mu.Unlock()
	}()
	return s.target.Refresh(rctx)
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Running:   s.running.Load(),
		Runs:      s.runs.Load(),
		Failures:  s.failures.Load(),
		Skipped:   s.skipped.Load(),
		LastRun:   s.lastRun,
		LastError: s.lastErr,
	}
	if s.c != nil {
		st.Schedule = s.sched.Spec()
		st.Next = s.c.Entry(s.entry).Next
	}
	return st
}
