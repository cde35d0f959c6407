// Package booking implements the Appointment Book: free-text booking against
// business hours with conflict-free half-hour slots.
package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Hugoapk93/agendabot/internal/datetime"
	"github.com/Hugoapk93/agendabot/internal/models"
	"github.com/Hugoapk93/agendabot/internal/store"
)

// History variables written by the book.
const (
	VarDate = "fecha"
	VarTime = "hora"
)

// DefaultTimezone is the reference zone for "now" and business hours.
const DefaultTimezone = "America/Mexico_City"

// SlotMinutes is the booking granularity.
const SlotMinutes = 30

// maxAlternatives bounds the free slots suggested after a conflict.
const maxAlternatives = 4

// OutcomeKind classifies a booking attempt.
type OutcomeKind string

const (
	AskDate         OutcomeKind = "ask_date"
	AskTime         OutcomeKind = "ask_time"
	PastDate        OutcomeKind = "past_date"
	InvalidInterval OutcomeKind = "invalid_interval"
	OutOfHours      OutcomeKind = "out_of_hours"
	ClosedDay       OutcomeKind = "closed_day"
	Occupied        OutcomeKind = "occupied"
	Booked          OutcomeKind = "booked"
)

// AttemptRequest is one inbound message on an appointment step.
type AttemptRequest struct {
	ContactID   string
	DisplayName string
	Text        string
	History     map[string]string
	Now         time.Time // zero means the book's clock
}

// Outcome is the result of an attempt. History is always safe to persist.
type Outcome struct {
	Kind         OutcomeKind
	History      map[string]string
	Slot         *models.AppointmentSlot
	Hours        models.BusinessHours
	Alternatives []string
}

// Book owns booking rules over an appointment repository.
type Book struct {
	slots     store.AppointmentRepo
	schedule  store.ScheduleRepo
	extractor datetime.Extractor
	loc       *time.Location
	now       func() time.Time
}

// Option configures a Book.
type Option func(*Book)

// WithLocation sets the reference timezone.
func WithLocation(loc *time.Location) Option {
	return func(b *Book) { b.loc = loc }
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Book) { b.now = now }
}

// NewBook creates a Book. The extractor defaults to the Spanish rule extractor.
func NewBook(slots store.AppointmentRepo, schedule store.ScheduleRepo, extractor datetime.Extractor, opts ...Option) *Book {
	if extractor == nil {
		extractor = datetime.NewRuleExtractor()
	}
	b := &Book{
		slots:     slots,
		schedule:  schedule,
		extractor: extractor,
		loc:       LoadLocation(DefaultTimezone),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Location returns the reference timezone.
func (b *Book) Location() *time.Location { return b.loc }

// LoadLocation resolves an IANA zone, falling back to UTC-6 when tzdata is unavailable.
func LoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		slog.Warn("booking.LoadLocation: zone unavailable, using fixed offset", "zone", name, "error", err)
		return time.FixedZone("CST", -6*3600)
	}
	return loc
}

// Attempt runs the booking algorithm for one message.
func (b *Book) Attempt(ctx context.Context, req AttemptRequest) (Outcome, error) {
	now := req.Now
	if now.IsZero() {
		now = b.now()
	}
	now = now.In(b.loc)

	cfg, err := b.schedule.GetSchedule(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("load schedule: %w", err)
	}
	hours := cfg.BusinessHours

	h := make(map[string]string, len(req.History)+2)
	for k, v := range req.History {
		h[k] = v
	}
	out := Outcome{History: h, Hours: hours}

	found, err := b.extractor.Parse(ctx, req.Text, now)
	if err != nil {
		slog.Warn("Book.Attempt: extraction failed", "contact", req.ContactID, "error", err)
		found = datetime.Result{}
	}
	if found.Date != "" {
		h[VarDate] = found.Date
		if found.Time == "" {
			delete(h, VarTime)
		}
	}
	if found.Time != "" {
		h[VarTime] = found.Time
	}

	date, hhmm := h[VarDate], h[VarTime]
	if date == "" {
		// A date-only reply replaces the time, so a dateless time is never kept.
		delete(h, VarTime)
		out.Kind = AskDate
		if hhmm != "" {
			out.Kind = checkTime(models.MinuteOfDay(hhmm), hours, AskDate)
		}
		return out, nil
	}
	if hhmm == "" {
		out.Kind = AskTime
		return out, nil
	}

	today := now.Format(models.DateLayout)
	minute := models.MinuteOfDay(hhmm)
	if date < today {
		delete(h, VarDate)
		delete(h, VarTime)
		out.Kind = PastDate
		return out, nil
	}
	if date == today && minute < now.Hour()*60+now.Minute() {
		delete(h, VarTime)
		out.Kind = PastDate
		return out, nil
	}

	if kind := checkTime(minute, hours, ""); kind != "" {
		delete(h, VarTime)
		out.Kind = kind
		return out, nil
	}
	day, err := time.ParseInLocation(models.DateLayout, date, b.loc)
	if err != nil {
		delete(h, VarDate)
		out.Kind = AskDate
		return out, nil
	}
	if !hours.IsActiveDay(day.Weekday()) {
		delete(h, VarDate)
		delete(h, VarTime)
		out.Kind = ClosedDay
		return out, nil
	}

	taken, err := b.slots.GetDay(ctx, date)
	if err != nil {
		return Outcome{}, fmt.Errorf("load day %s: %w", date, err)
	}
	for _, s := range taken {
		if s.Time == hhmm {
			return b.occupied(ctx, out, date, now), nil
		}
	}

	slot := models.AppointmentSlot{
		ID:          uuid.NewString(),
		Date:        date,
		Time:        hhmm,
		ContactID:   req.ContactID,
		DisplayName: req.DisplayName,
		CreatedAt:   now,
	}
	if err := b.slots.PutSlot(ctx, slot); err != nil {
		if errors.Is(err, store.ErrSlotTaken) {
			return b.occupied(ctx, out, date, now), nil
		}
		return Outcome{}, fmt.Errorf("put slot: %w", err)
	}
	slog.Info("Book.Attempt: slot booked", "contact", req.ContactID, "date", date, "time", hhmm)
	out.Kind = Booked
	out.Slot = &slot
	return out, nil
}

// checkTime returns the rejection for a minute of day that is off the slot
// grid or outside business hours, or ok when it passes both.
func checkTime(minute int, hours models.BusinessHours, ok OutcomeKind) OutcomeKind {
	if minute%SlotMinutes != 0 {
		return InvalidInterval
	}
	if minute < models.MinuteOfDay(hours.Start) || minute >= models.MinuteOfDay(hours.End) {
		return OutOfHours
	}
	return ok
}

func (b *Book) occupied(ctx context.Context, out Outcome, date string, now time.Time) Outcome {
	delete(out.History, VarTime)
	out.Kind = Occupied
	free, err := b.available(ctx, date, out.Hours, now)
	if err != nil {
		slog.Warn("Book.Attempt: alternatives unavailable", "date", date, "error", err)
	}
	if len(free) > maxAlternatives {
		free = free[:maxAlternatives]
	}
	out.Alternatives = free
	return out
}

// Available lists the free half-hour slots of a date, excluding past times today.
func (b *Book) Available(ctx context.Context, date string) ([]string, error) {
	if !models.ValidDate(date) {
		return nil, models.ErrInvalidDate
	}
	cfg, err := b.schedule.GetSchedule(ctx)
	if err != nil {
		return nil, fmt.Errorf("load schedule: %w", err)
	}
	return b.available(ctx, date, cfg.BusinessHours, b.now().In(b.loc))
}

func (b *Book) available(ctx context.Context, date string, hours models.BusinessHours, now time.Time) ([]string, error) {
	day, err := time.ParseInLocation(models.DateLayout, date, b.loc)
	if err != nil {
		return nil, models.ErrInvalidDate
	}
	if !hours.IsActiveDay(day.Weekday()) {
		return nil, nil
	}
	taken, err := b.slots.GetDay(ctx, date)
	if err != nil {
		return nil, err
	}
	busy := make(map[string]bool, len(taken))
	for _, s := range taken {
		busy[s.Time] = true
	}

	today := now.Format(models.DateLayout)
	nowMinute := now.Hour()*60 + now.Minute()
	start, end := models.MinuteOfDay(hours.Start), models.MinuteOfDay(hours.End)
	if start < 0 || end < 0 {
		return nil, nil
	}
	// round the opening time up to the slot grid
	if r := start % SlotMinutes; r != 0 {
		start += SlotMinutes - r
	}

	var free []string
	for m := start; m < end; m += SlotMinutes {
		if date < today || date == today && m < nowMinute {
			continue
		}
		t := fmt.Sprintf("%02d:%02d", m/60, m%60)
		if !busy[t] {
			free = append(free, t)
		}
	}
	return free, nil
}
