// Package reminder runs the daily sweep that re-engages contacts with an appointment today.
//
// A cron job ticks every minute; when the wall-clock time in the target timezone equals
// the configured fire time and no sweep ran today, every slot of today is reminded by
// moving its contact to the configured step and emitting it.
package reminder

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Hugoapk93/agendabot/internal/booking"
	"github.com/Hugoapk93/agendabot/internal/flow"
	"github.com/Hugoapk93/agendabot/internal/metrics"
	"github.com/Hugoapk93/agendabot/internal/models"
	"github.com/Hugoapk93/agendabot/internal/store"
	"github.com/robfig/cron/v3"
)

// DefaultPacing is the pause between two reminder sends.
const DefaultPacing = 5 * time.Second

// TickSpec is the cron schedule of the fire-time check.
const TickSpec = "@every 60s"

// Reactivator moves a contact to a step and emits it (the flow engine).
type Reactivator interface {
	Reactivate(ctx context.Context, contactID, address, stepID string, vars map[string]string) error
}

// Scheduler owns the daily reminder sweep.
type Scheduler struct {
	schedule store.ScheduleRepo
	slots    store.AppointmentRepo
	target   Reactivator
	metrics  *metrics.Metrics

	loc    *time.Location
	now    func() time.Time
	pacing time.Duration

	mu   sync.Mutex // one sweep at a time, ticks and RunNow included
	cron *cron.Cron
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLocation sets the target timezone.
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) { s.loc = loc }
}

// WithClock injects the time source used by cron ticks and RunNow.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithPacing overrides DefaultPacing.
func WithPacing(d time.Duration) Option {
	return func(s *Scheduler) { s.pacing = d }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// New creates a Scheduler. Call Start to begin ticking.
func New(schedule store.ScheduleRepo, slots store.AppointmentRepo, target Reactivator, opts ...Option) *Scheduler {
	s := &Scheduler{
		schedule: schedule,
		slots:    slots,
		target:   target,
		loc:      booking.LoadLocation(booking.DefaultTimezone),
		now:      time.Now,
		pacing:   DefaultPacing,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start registers the minute tick with cron. Overlapping ticks are skipped and panics recovered.
func (s *Scheduler) Start(ctx context.Context) error {
	logger := cron.VerbosePrintfLogger(slog.NewLogLogger(slog.Default().Handler(), slog.LevelDebug))
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLocation(s.loc),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := c.AddFunc(TickSpec, func() {
		if _, err := s.Tick(ctx, s.now()); err != nil {
			slog.Error("Scheduler tick failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("register reminder tick: %w", err)
	}
	s.cron = c
	c.Start()
	slog.Info("Scheduler started", "spec", TickSpec, "zone", s.loc.String())
	return nil
}

// Stop stops ticking and waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	slog.Info("Scheduler stopped")
}

// Tick runs the sweep when now matches the fire time and no sweep ran today.
// It reports whether a sweep ran.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, err := s.schedule.GetSchedule(ctx)
	if err != nil {
		return false, fmt.Errorf("load schedule: %w", err)
	}
	local := now.In(s.loc)
	today := local.Format(models.DateLayout)
	rc := cfg.Reminder
	if !rc.Active || local.Format(models.TimeLayout) != rc.FireTime || rc.LastRunDate == today {
		return false, nil
	}
	if _, err := s.sweep(ctx, rc.TargetStep, today); err != nil {
		return false, err
	}
	return true, s.markRun(ctx, today)
}

// RunNow forces a sweep for today regardless of fire time and active flag, and records
// it so the scheduled run does not repeat it. It returns the number of reminders sent.
func (s *Scheduler) RunNow(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, err := s.schedule.GetSchedule(ctx)
	if err != nil {
		return 0, fmt.Errorf("load schedule: %w", err)
	}
	today := s.now().In(s.loc).Format(models.DateLayout)
	sent, err := s.sweep(ctx, cfg.Reminder.TargetStep, today)
	if err != nil {
		return sent, err
	}
	return sent, s.markRun(ctx, today)
}

// sweep reminds every slot of today that was not booked today. Per-slot failures are
// logged and skipped.
func (s *Scheduler) sweep(ctx context.Context, targetStep, today string) (int, error) {
	slots, err := s.slots.GetDay(ctx, today)
	if err != nil {
		return 0, fmt.Errorf("load slots for %s: %w", today, err)
	}
	slog.Info("Scheduler.sweep: starting", "date", today, "slots", len(slots), "step", targetStep)

	sent := 0
	attempted := 0
	for _, slot := range slots {
		if !slot.CreatedAt.IsZero() && slot.CreatedAt.In(s.loc).Format(models.DateLayout) == today {
			slog.Debug("Scheduler.sweep: slot booked today, skipping", "contact", slot.ContactID, "time", slot.Time)
			continue
		}
		if attempted > 0 && !s.pause(ctx) {
			return sent, ctx.Err()
		}
		attempted++
		vars := map[string]string{
			flow.VarReminderDate: booking.HumanDate(slot.Date),
			flow.VarReminderTime: slot.Time,
		}
		if err := s.target.Reactivate(ctx, slot.ContactID, "", targetStep, vars); err != nil {
			slog.Error("Scheduler.sweep: reminder failed", "contact", slot.ContactID, "time", slot.Time, "error", err)
			s.metrics.ObserveReminder(false)
			continue
		}
		s.metrics.ObserveReminder(true)
		sent++
	}
	s.metrics.ObserveSweep()
	slog.Info("Scheduler.sweep: finished", "date", today, "sent", sent)
	return sent, nil
}

func (s *Scheduler) pause(ctx context.Context) bool {
	if s.pacing <= 0 {
		return true
	}
	t := time.NewTimer(s.pacing)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// markRun stores today's date as the last sweep, re-reading the config so concurrent
// edits made during the sweep are kept.
func (s *Scheduler) markRun(ctx context.Context, today string) error {
	cfg, err := s.schedule.GetSchedule(ctx)
	if err != nil {
		return fmt.Errorf("reload schedule: %w", err)
	}
	cfg.Reminder.LastRunDate = today
	if err := s.schedule.PutSchedule(ctx, cfg); err != nil {
		return fmt.Errorf("save last run date: %w", err)
	}
	return nil
}
