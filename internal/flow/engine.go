// Package flow runs scripted conversations: it dispatches inbound messages against the
// contact's current FlowStep, persists the session, and emits the next step.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"runtime/debug"
	"strings"
	"time"

	"github.com/Hugoapk93/agendabot/internal/booking"
	"github.com/Hugoapk93/agendabot/internal/flowconfig"
	"github.com/Hugoapk93/agendabot/internal/fuzzy"
	"github.com/Hugoapk93/agendabot/internal/metrics"
	"github.com/Hugoapk93/agendabot/internal/models"
	"github.com/Hugoapk93/agendabot/internal/notify"
	"github.com/Hugoapk93/agendabot/internal/session"
	"github.com/Hugoapk93/agendabot/internal/store"
)

// InactivityTimeout resets a conversation to the initial step.
const InactivityTimeout = 2880 * time.Minute

// History variables read or written by the engine.
const (
	VarName            = "nombre"
	VarAppointment     = "cita"
	VarAppointmentDate = "cita_fecha"
	VarAppointmentTime = "cita_hora"
	VarReminderDate    = "reminder_fecha"
	VarReminderTime    = "reminder_hora"
)

// Typing simulation defaults.
const (
	DefaultTypingPerChar = 30 * time.Millisecond
	DefaultTypingMax     = 3 * time.Second
)

// autoAdvanceTimeout bounds the work done when a delayed transition fires.
const autoAdvanceTimeout = 30 * time.Second

var (
	// ErrLoopGuard is returned when one emission chain repeats a step too often.
	ErrLoopGuard = errors.New("emission loop guard tripped")
	// ErrNoBook is returned when an appointment step runs without an appointment book.
	ErrNoBook = errors.New("no appointment book configured")
	// ErrPanic wraps a recovered panic from dispatch.
	ErrPanic = errors.New("panic during dispatch")
)

// Sender is the outbound transport used for emission.
type Sender interface {
	SendText(ctx context.Context, to, body string) error
	SendImage(ctx context.Context, to, ref, caption string) error
	SendPresence(ctx context.Context, to string, composing bool) error
}

// StepSource serves flow steps.
type StepSource interface {
	Get(id string) (models.FlowStep, bool)
	All() *flowconfig.Flow
}

// Booker books appointments from free text.
type Booker interface {
	Attempt(ctx context.Context, req booking.AttemptRequest) (booking.Outcome, error)
}

// Engine is the conversation state machine.
type Engine struct {
	sessions *session.Manager
	steps    StepSource
	sender   Sender
	book     Booker
	schedule store.ScheduleRepo
	contacts store.ContactRepo
	notifier *notify.Async
	tasks    *DelayedTasks
	metrics  *metrics.Metrics

	now           func() time.Time
	loc           *time.Location
	inactivity    time.Duration
	typingPerChar time.Duration
	typingMax     time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithBook sets the appointment book used by appointment steps.
func WithBook(b Booker) Option {
	return func(e *Engine) { e.book = b }
}

// WithSchedule sets the repository holding business hours for filter steps.
func WithSchedule(r store.ScheduleRepo) Option {
	return func(e *Engine) { e.schedule = r }
}

// WithContacts sets the contact directory updated by end steps.
func WithContacts(r store.ContactRepo) Option {
	return func(e *Engine) { e.contacts = r }
}

// WithNotifier sets the operator notifier. Deliveries always run in the background.
func WithNotifier(n notify.Notifier) Option {
	return func(e *Engine) {
		if n != nil {
			e.notifier = notify.NewAsync(n, 0)
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithTasks shares a DelayedTasks set.
func WithTasks(t *DelayedTasks) Option {
	return func(e *Engine) { e.tasks = t }
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLocation sets the timezone business hours are evaluated in.
func WithLocation(loc *time.Location) Option {
	return func(e *Engine) { e.loc = loc }
}

// WithInactivity overrides InactivityTimeout.
func WithInactivity(d time.Duration) Option {
	return func(e *Engine) { e.inactivity = d }
}

// WithTyping sets the per-character typing delay and its cap. A zero cap disables typing simulation.
func WithTyping(perChar, max time.Duration) Option {
	return func(e *Engine) {
		e.typingPerChar = perChar
		e.typingMax = max
	}
}

// NewEngine creates an Engine over the required collaborators.
func NewEngine(sessions *session.Manager, steps StepSource, sender Sender, opts ...Option) *Engine {
	e := &Engine{
		sessions:      sessions,
		steps:         steps,
		sender:        sender,
		now:           time.Now,
		loc:           time.Local,
		inactivity:    InactivityTimeout,
		typingPerChar: DefaultTypingPerChar,
		typingMax:     DefaultTypingMax,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.tasks == nil {
		e.tasks = NewDelayedTasks()
	}
	if e.notifier == nil {
		e.notifier = notify.NewAsync(notify.LogNotifier{}, 0)
	}
	return e
}

// Close stops pending delayed transitions and waits for queued notifications.
func (e *Engine) Close() {
	e.tasks.Stop()
	e.notifier.Wait()
}

// Tasks exposes the delayed transition set.
func (e *Engine) Tasks() *DelayedTasks { return e.tasks }

// DefaultAddress derives a WhatsApp address from a digits-only contact id.
func DefaultAddress(contactID string) string {
	return contactID + "@s.whatsapp.net"
}

func addressOf(s *models.Session) string {
	if s.TransportAddress != "" {
		return s.TransportAddress
	}
	return DefaultAddress(s.ID)
}

// turn collects what a dispatch decided; side effects run after the session is saved.
type turn struct {
	kind       models.StepKind
	outcome    string
	drop       bool
	paused     bool
	transition bool
	emit       string // step to emit
	reply      string // direct reply without transition
	resend     bool   // re-send the current step's content without side effects
	rearm      bool   // reschedule the current message step's transition
	booking    *booking.Outcome
}

func (t *turn) goTo(s *models.Session, stepID, outcome string) {
	s.CurrentStep = stepID
	t.emit = stepID
	t.transition = true
	t.outcome = outcome
}

// HandleInbound processes one inbound message for its contact.
func (e *Engine) HandleInbound(ctx context.Context, msg models.Response) (err error) {
	start := time.Now()
	var t turn
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Engine.HandleInbound: panic recovered", "contact", msg.From, "panic", r, "stack", string(debug.Stack()))
			e.metrics.ObserveInbound("panic")
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	if msg.From == "" {
		return models.ErrEmptyContactID
	}
	text := strings.TrimSpace(msg.Body)

	var cached *booking.Outcome
	sess, err := e.sessions.Update(ctx, msg.From, func(s *models.Session) error {
		t = turn{}
		return e.dispatch(ctx, s, msg, text, &t, &cached)
	})
	if err != nil {
		e.metrics.ObserveInbound("error")
		slog.Error("Engine.HandleInbound: dispatch failed", "contact", msg.From, "error", err)
		return fmt.Errorf("handle inbound from %s: %w", msg.From, err)
	}
	if t.drop {
		slog.Debug("Engine.HandleInbound: blocked contact, dropped", "contact", msg.From)
		e.metrics.ObserveInbound("blocked")
		return nil
	}

	e.notifier.Notify(ctx, "Nuevo mensaje", fmt.Sprintf("%s: %s", msg.From, text), "/chats/"+msg.From)
	if t.paused {
		e.metrics.ObserveInbound("paused")
		return nil
	}
	if t.booking != nil {
		e.metrics.ObserveBooking(string(t.booking.Kind))
	}
	if t.transition {
		e.tasks.CancelContact(sess.ID)
	}

	addr := addressOf(sess)
	switch {
	case t.reply != "":
		err = e.sendContent(ctx, addr, t.reply, nil)
	case t.resend:
		if step, ok := e.steps.Get(sess.CurrentStep); ok {
			err = e.sendContent(ctx, addr, e.render(step, sess.History), step.Media)
		}
	case t.rearm:
		if step, ok := e.steps.Get(sess.CurrentStep); ok {
			if v, ok := step.Variant.(models.MessageStep); ok {
				e.scheduleAdvance(sess.ID, addr, step.ID, v, newChain())
			}
		}
	}
	if err == nil && t.emit != "" {
		err = e.emit(ctx, sess, addr, t.emit, newChain())
	}

	e.metrics.ObserveInbound(t.outcome)
	e.metrics.ObserveHandle(string(t.kind), time.Since(start).Seconds())
	if err != nil {
		slog.Error("Engine.HandleInbound: emission failed", "contact", msg.From, "step", sess.CurrentStep, "error", err)
		return err
	}
	slog.Debug("Engine.HandleInbound: handled", "contact", msg.From, "step", sess.CurrentStep, "outcome", t.outcome)
	return nil
}

// dispatch mutates the session for one message and records follow-up actions in t.
func (e *Engine) dispatch(ctx context.Context, s *models.Session, msg models.Response, text string, t *turn, cached **booking.Outcome) error {
	if s.Blocked {
		t.drop = true
		return session.ErrSkipSave
	}
	now := e.now()
	prev := s.LastActiveAt
	fresh := s.Version == 0
	s.LastActiveAt = now
	if msg.Address != "" {
		s.TransportAddress = msg.Address
	}
	if s.BotDisabled {
		t.paused = true
		return nil
	}
	if fresh {
		if target, ok := e.matchKeyword(text); ok {
			t.goTo(s, target, "keyword")
			return nil
		}
		t.goTo(s, models.InitialStep, "new")
		return nil
	}
	if !prev.IsZero() && now.Sub(prev) > e.inactivity {
		onInitial := s.CurrentStep == models.InitialStep
		slog.Info("Engine.dispatch: inactivity reset", "contact", s.ID, "idle", now.Sub(prev).Round(time.Minute), "step", s.CurrentStep)
		s.Reset()
		// Already on the initial menu: the reply answers it.
		if !onInitial {
			t.goTo(s, models.InitialStep, "reset")
			return nil
		}
	}

	step, ok := e.steps.Get(s.CurrentStep)
	if !ok {
		slog.Warn("Engine.dispatch: unknown current step, resetting", "contact", s.ID, "step", s.CurrentStep)
		t.goTo(s, models.InitialStep, "unknown_step")
		return nil
	}
	t.kind = step.Kind()

	if step.Kind() != models.StepFilter {
		if target, ok := e.matchKeyword(text); ok {
			t.goTo(s, target, "keyword")
			return nil
		}
	}

	switch v := step.Variant.(type) {
	case models.MenuStep:
		idx, res := resolveOption(v.Options, text)
		switch res {
		case matchOK:
			t.goTo(s, v.Options[idx].NextStep, "menu")
		case matchAmbiguous:
			t.reply, t.outcome = ambiguousReply, "ambiguous"
		default:
			t.reply, t.outcome = invalidOptionReply(v.Options), "invalid_option"
		}

	case models.InputStep:
		if text == "" {
			t.reply, t.outcome = "Por favor escribe tu respuesta.", "invalid_input"
			return nil
		}
		check, ok := validators[v.Validator]
		if !ok {
			check = acceptAll
		}
		if reply, ok := check(text, now.In(e.loc)); !ok {
			t.reply, t.outcome = reply, "invalid_input"
			return nil
		}
		if v.SaveVar != "" {
			s.SetVar(v.SaveVar, text)
		}
		t.goTo(s, v.NextStep, "input")

	case models.AppointmentStep:
		if e.book == nil {
			return ErrNoBook
		}
		if *cached == nil {
			out, err := e.book.Attempt(ctx, booking.AttemptRequest{
				ContactID:   s.ID,
				DisplayName: s.Var(VarName),
				Text:        text,
				History:     s.History,
				Now:         now,
			})
			if err != nil {
				return fmt.Errorf("booking attempt: %w", err)
			}
			*cached = &out
		}
		out := **cached
		t.booking = &out
		s.History = maps.Clone(out.History)
		if s.History == nil {
			s.History = make(map[string]string)
		}
		t.outcome = "booking_" + string(out.Kind)
		if out.Kind != booking.Booked {
			t.reply = out.Reply()
			return nil
		}
		recordBooking(s, out.Slot)
		if v.NextStep == "" {
			t.reply = out.Reply()
			return nil
		}
		t.goTo(s, v.NextStep, "booked")

	case models.FilterStep, models.EndStep:
		t.resend, t.outcome = true, "resend"

	case models.MessageStep:
		t.rearm, t.outcome = true, "pending"

	default:
		slog.Warn("Engine.dispatch: step without variant, resetting", "contact", s.ID, "step", step.ID)
		t.goTo(s, models.InitialStep, "unknown_step")
	}
	return nil
}

// recordBooking keeps the booked slot for templates and clears the working date/time so a
// later visit to an appointment step starts a fresh booking.
func recordBooking(s *models.Session, slot *models.AppointmentSlot) {
	if slot == nil {
		return
	}
	s.SetVar(VarAppointmentDate, slot.Date)
	s.SetVar(VarAppointmentTime, slot.Time)
	s.SetVar(VarAppointment, booking.HumanDate(slot.Date)+" a las "+slot.Time)
	delete(s.History, booking.VarDate)
	delete(s.History, booking.VarTime)
}

// matchKeyword finds the step whose global keyword matches text. Exact matches win over
// fuzzy ones; ties are broken by step id order.
func (e *Engine) matchKeyword(text string) (string, bool) {
	if text == "" {
		return "", false
	}
	flow := e.steps.All()
	if flow == nil {
		return "", false
	}
	norm := fuzzy.Normalize(text)
	for _, id := range flow.IDs {
		for _, kw := range flow.Steps[id].Keywords {
			if fuzzy.Normalize(kw) == norm {
				return id, true
			}
		}
	}
	for _, id := range flow.IDs {
		if _, ok := fuzzy.MatchAny(text, flow.Steps[id].Keywords); ok {
			return id, true
		}
	}
	return "", false
}

// EmitStep sends a step to a contact and runs its entry side effects. An empty
// address uses the session's cached address.
func (e *Engine) EmitStep(ctx context.Context, contactID, address, stepID string) error {
	sess, err := e.sessions.Load(ctx, contactID)
	if err != nil {
		return err
	}
	if address == "" {
		address = addressOf(sess)
	}
	return e.emit(ctx, sess, address, stepID, newChain())
}

// Advance moves a contact to stepID (operator approval of a filter step) and emits it.
func (e *Engine) Advance(ctx context.Context, contactID, stepID string) error {
	if _, ok := e.steps.Get(stepID); !ok {
		return fmt.Errorf("%w: %s", flowconfig.ErrUnknownStep, stepID)
	}
	sess, err := e.sessions.Update(ctx, contactID, func(s *models.Session) error {
		s.CurrentStep = stepID
		return nil
	})
	if err != nil {
		return err
	}
	e.tasks.CancelContact(contactID)
	slog.Info("Engine.Advance: operator moved contact", "contact", contactID, "step", stepID)
	return e.emit(ctx, sess, addressOf(sess), stepID, newChain())
}

// Reactivate moves a contact to stepID, clears the blocked and paused flags, stores vars,
// and emits the step. It is the entry point of the reminder sweep.
func (e *Engine) Reactivate(ctx context.Context, contactID, address, stepID string, vars map[string]string) error {
	if _, ok := e.steps.Get(stepID); !ok {
		return fmt.Errorf("%w: %s", flowconfig.ErrUnknownStep, stepID)
	}
	sess, err := e.sessions.Update(ctx, contactID, func(s *models.Session) error {
		s.CurrentStep = stepID
		s.Blocked = false
		s.BotDisabled = false
		// A reply to the reactivation must not trip the inactivity reset.
		s.LastActiveAt = e.now()
		for k, v := range vars {
			s.SetVar(k, v)
		}
		if s.TransportAddress == "" && address != "" {
			s.TransportAddress = address
		}
		return nil
	})
	if err != nil {
		return err
	}
	e.tasks.CancelContact(contactID)
	if address == "" {
		address = addressOf(sess)
	}
	return e.emit(ctx, sess, address, stepID, newChain())
}

// SetBlocked blocks or unblocks a contact. Blocked contacts are ignored until unblocked.
func (e *Engine) SetBlocked(ctx context.Context, contactID string, blocked bool) error {
	_, err := e.sessions.Update(ctx, contactID, func(s *models.Session) error {
		s.Blocked = blocked
		return nil
	})
	if err == nil && blocked {
		e.tasks.CancelContact(contactID)
	}
	return err
}

// SetBotDisabled pauses or resumes the bot for a contact while an operator chats manually.
func (e *Engine) SetBotDisabled(ctx context.Context, contactID string, disabled bool) error {
	_, err := e.sessions.Update(ctx, contactID, func(s *models.Session) error {
		s.BotDisabled = disabled
		return nil
	})
	if err == nil && disabled {
		e.tasks.CancelContact(contactID)
	}
	return err
}

// Rearm schedules the delayed transition of a session resting on a message step.
// It reports whether a transition was scheduled.
func (e *Engine) Rearm(s *models.Session) bool {
	if s == nil || s.Blocked || s.BotDisabled {
		return false
	}
	step, ok := e.steps.Get(s.CurrentStep)
	if !ok {
		return false
	}
	v, ok := step.Variant.(models.MessageStep)
	if !ok {
		return false
	}
	return e.scheduleAdvance(s.ID, addressOf(s), step.ID, v, newChain())
}
