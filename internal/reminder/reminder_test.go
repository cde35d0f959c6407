package reminder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Hugoapk93/agendabot/internal/flow"
	"github.com/Hugoapk93/agendabot/internal/models"
	"github.com/Hugoapk93/agendabot/internal/store"
)

type reactivation struct {
	contact string
	step    string
	vars    map[string]string
}

type fakeReactivator struct {
	mu    sync.Mutex
	calls []reactivation
	fail  map[string]bool
}

func (f *fakeReactivator) Reactivate(_ context.Context, contactID, _, stepID string, vars map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[contactID] {
		return errors.New("send failed")
	}
	f.calls = append(f.calls, reactivation{contact: contactID, step: stepID, vars: vars})
	return nil
}

func (f *fakeReactivator) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

var mx = mustLoad("America/Mexico_City")

func mustLoad(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

func setup(t *testing.T, active bool) (*store.InMemoryStore, *fakeReactivator, *Scheduler) {
	t.Helper()
	ctx := context.Background()
	st := store.NewInMemoryStore()
	cfg := models.DefaultScheduleConfig()
	cfg.Reminder = models.ReminderConfig{Active: active, FireTime: "08:00", TargetStep: "RECORDATORIO"}
	if err := st.PutSchedule(ctx, cfg); err != nil {
		t.Fatalf("PutSchedule: %v", err)
	}
	yesterday := time.Date(2026, 10, 13, 12, 0, 0, 0, mx)
	slots := []models.AppointmentSlot{
		{ID: "1", Date: "2026-10-14", Time: "10:00", ContactID: "5215511111111", CreatedAt: yesterday},
		{ID: "2", Date: "2026-10-14", Time: "11:30", ContactID: "5215522222222", CreatedAt: yesterday},
		{ID: "3", Date: "2026-10-14", Time: "16:00", ContactID: "5215533333333", CreatedAt: time.Date(2026, 10, 14, 7, 0, 0, 0, mx)},
		{ID: "4", Date: "2026-10-15", Time: "10:00", ContactID: "5215544444444", CreatedAt: yesterday},
	}
	for _, s := range slots {
		if err := st.PutSlot(ctx, s); err != nil {
			t.Fatalf("PutSlot: %v", err)
		}
	}
	r := &fakeReactivator{fail: map[string]bool{}}
	now := func() time.Time { return time.Date(2026, 10, 14, 8, 0, 0, 0, mx) }
	s := New(st, st, r, WithLocation(mx), WithClock(now), WithPacing(0))
	return st, r, s
}

func TestTickRunsOncePerDay(t *testing.T) {
	ctx := context.Background()
	st, r, s := setup(t, true)
	at := time.Date(2026, 10, 14, 8, 0, 30, 0, mx)

	ran, err := s.Tick(ctx, at)
	if err != nil || !ran {
		t.Fatalf("first tick: ran=%v err=%v", ran, err)
	}
	if r.count() != 2 {
		t.Fatalf("expected 2 reminders, got %d", r.count())
	}
	first := r.calls[0]
	if first.contact != "5215511111111" || first.step != "RECORDATORIO" {
		t.Errorf("unexpected reactivation %+v", first)
	}
	if first.vars[flow.VarReminderTime] != "10:00" || first.vars[flow.VarReminderDate] != "miércoles 14 de octubre" {
		t.Errorf("unexpected vars %+v", first.vars)
	}

	cfg, _ := st.GetSchedule(ctx)
	if cfg.Reminder.LastRunDate != "2026-10-14" {
		t.Errorf("LastRunDate = %q", cfg.Reminder.LastRunDate)
	}

	ran, err = s.Tick(ctx, at.Add(10*time.Second))
	if err != nil || ran {
		t.Errorf("second tick in the same minute must not run: ran=%v err=%v", ran, err)
	}
	if r.count() != 2 {
		t.Errorf("expected no further reminders, got %d", r.count())
	}
}

func TestTickSkipsOutsideFireTime(t *testing.T) {
	ctx := context.Background()
	_, r, s := setup(t, true)
	for _, at := range []time.Time{
		time.Date(2026, 10, 14, 7, 59, 0, 0, mx),
		time.Date(2026, 10, 14, 8, 1, 0, 0, mx),
		time.Date(2026, 10, 14, 8, 0, 0, 0, time.UTC),
	} {
		if ran, err := s.Tick(ctx, at); err != nil || ran {
			t.Errorf("Tick(%v): ran=%v err=%v", at, ran, err)
		}
	}
	if r.count() != 0 {
		t.Errorf("expected no reminders, got %d", r.count())
	}
}

func TestTickInactive(t *testing.T) {
	_, r, s := setup(t, false)
	if ran, _ := s.Tick(context.Background(), time.Date(2026, 10, 14, 8, 0, 0, 0, mx)); ran {
		t.Error("inactive reminder must not run")
	}
	if r.count() != 0 {
		t.Errorf("expected no reminders, got %d", r.count())
	}
}

func TestSweepContinuesAfterFailure(t *testing.T) {
	_, r, s := setup(t, true)
	r.fail["5215511111111"] = true

	sent, err := s.RunNow(context.Background())
	if err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if sent != 1 || r.count() != 1 || r.calls[0].contact != "5215522222222" {
		t.Errorf("sent=%d calls=%+v", sent, r.calls)
	}
}

func TestRunNowMarksDay(t *testing.T) {
	ctx := context.Background()
	st, r, s := setup(t, false)
	if _, err := s.RunNow(ctx); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if r.count() != 2 {
		t.Fatalf("expected 2 reminders, got %d", r.count())
	}

	cfg, _ := st.GetSchedule(ctx)
	cfg.Reminder.Active = true
	if err := st.PutSchedule(ctx, cfg); err != nil {
		t.Fatalf("PutSchedule: %v", err)
	}
	if ran, _ := s.Tick(ctx, time.Date(2026, 10, 14, 8, 0, 0, 0, mx)); ran {
		t.Error("tick after RunNow on the same day must not run")
	}
}

func TestPacingHonoursCancel(t *testing.T) {
	_, r, s := setup(t, true)
	s.pacing = time.Hour
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	sent, err := s.RunNow(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if sent != 1 || r.count() != 1 {
		t.Errorf("expected exactly one reminder before cancel, sent=%d", sent)
	}
}

func TestStartStop(t *testing.T) {
	_, _, s := setup(t, true)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.Stop()
	New(nil, nil, nil).Stop()
}
