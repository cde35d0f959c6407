package flow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Hugoapk93/agendabot/internal/booking"
	"github.com/Hugoapk93/agendabot/internal/flowconfig"
	"github.com/Hugoapk93/agendabot/internal/models"
	"github.com/Hugoapk93/agendabot/internal/session"
	"github.com/Hugoapk93/agendabot/internal/store"
	"github.com/Hugoapk93/agendabot/internal/whatsapp"
)

const testFlow = `
steps:
  INICIO:
    type: menu
    message: "Hola {{nombre_first}}, elige una opción"
    keywords: ["menu"]
    options:
      - label: "Cita de valoración"
        trigger: valoracion
        next_step: NOMBRE
      - label: "Cita de seguimiento"
        next_step: AVISO
      - label: "Hablar con asesor"
        next_step: ASESOR
  NOMBRE:
    type: input
    message: "¿Cuál es tu nombre?"
    save_var: nombre
    validator: name
    next_step: AGENDA
  AGENDA:
    type: appointment
    message: "¿Qué día y hora?"
    next_step: FIN
  AVISO:
    type: message
    message: "Aviso importante"
    delay: 30ms
    next_step: INICIO
  ASESOR:
    type: filter
    message: "Un asesor te atenderá"
    keywords: ["asesor"]
  ESPERA:
    type: filter
    message: "Espera por favor"
    closed_hours: defer
  FIN:
    type: end
    message: "Cita: {{cita}}"
  RECORDATORIO:
    type: menu
    message: "Recuerda tu cita {{reminder_fecha}} {{reminder_hora}}"
    options:
      - label: Confirmo
        next_step: FIN
`

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type noteRecorder struct {
	mu    sync.Mutex
	notes []string
}

func (n *noteRecorder) Notify(_ context.Context, title, body, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, title+"|"+body)
	return nil
}

func (n *noteRecorder) count(prefix string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, s := range n.notes {
		if strings.HasPrefix(s, prefix) {
			c++
		}
	}
	return c
}

type harness struct {
	t      *testing.T
	st     *store.InMemoryStore
	sender *whatsapp.MockClient
	clock  *fakeClock
	notes  *noteRecorder
	engine *Engine
}

func newHarness(t *testing.T, flowYAML string, opts ...Option) *harness {
	t.Helper()
	flow, err := flowconfig.Parse([]byte(flowYAML), "yaml")
	if err != nil {
		t.Fatalf("parse flow: %v", err)
	}
	loc := booking.LoadLocation(booking.DefaultTimezone)
	// 2026-10-14 is a Wednesday, inside default business hours
	clock := &fakeClock{t: time.Date(2026, 10, 14, 10, 0, 0, 0, loc)}
	st := store.NewInMemoryStore()
	sender := whatsapp.NewMockClient()
	notes := &noteRecorder{}
	book := booking.NewBook(st, st, nil, booking.WithLocation(loc), booking.WithClock(clock.Now))
	base := []Option{
		WithBook(book), WithSchedule(st), WithContacts(st), WithNotifier(notes),
		WithClock(clock.Now), WithLocation(loc), WithTyping(0, 0),
	}
	e := NewEngine(session.NewManager(st, session.WithClock(clock.Now)), flowconfig.NewStaticRepo(flow), sender, append(base, opts...)...)
	t.Cleanup(e.Close)
	return &harness{t: t, st: st, sender: sender, clock: clock, notes: notes, engine: e}
}

func (h *harness) send(from, body string) {
	h.t.Helper()
	msg := models.Response{From: from, Address: from + "@s.whatsapp.net", Body: body}
	if err := h.engine.HandleInbound(context.Background(), msg); err != nil {
		h.t.Fatalf("HandleInbound(%q): %v", body, err)
	}
}

// texts returns the text bodies (and image captions) sent to a contact.
func (h *harness) texts(contact string) []string {
	var out []string
	for _, m := range h.sender.Messages() {
		if !strings.HasPrefix(m.To, contact) {
			continue
		}
		switch m.Kind {
		case "text":
			out = append(out, m.Body)
		case "image":
			out = append(out, m.Caption)
		}
	}
	return out
}

func (h *harness) last(contact string) string {
	texts := h.texts(contact)
	if len(texts) == 0 {
		return ""
	}
	return texts[len(texts)-1]
}

func (h *harness) countPrefix(contact, prefix string) int {
	n := 0
	for _, s := range h.texts(contact) {
		if strings.HasPrefix(s, prefix) {
			n++
		}
	}
	return n
}

func (h *harness) session(contact string) *models.Session {
	h.t.Helper()
	s, err := h.st.GetSession(context.Background(), contact)
	if err != nil {
		h.t.Fatalf("GetSession(%s): %v", contact, err)
	}
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestFirstContactReceivesInitialMenu(t *testing.T) {
	h := newHarness(t, testFlow)
	h.send("521", "hola")

	got := h.last("521")
	want := "Hola , elige una opción\n\n1. Cita de valoración\n2. Cita de seguimiento\n3. Hablar con asesor"
	if got != want {
		t.Errorf("menu text =\n%q\nwant\n%q", got, want)
	}
	if s := h.session("521"); s.CurrentStep != models.InitialStep || s.TransportAddress != "521@s.whatsapp.net" {
		t.Errorf("unexpected session %+v", s)
	}
}

func TestMenuNumericIndexSelectsThirdOption(t *testing.T) {
	h := newHarness(t, testFlow)
	h.send("521", "hola")
	h.send("521", "3")

	if s := h.session("521"); s.CurrentStep != "ASESOR" {
		t.Fatalf("expected ASESOR, got %s", s.CurrentStep)
	}
	if got := h.last("521"); got != "Un asesor te atenderá" {
		t.Errorf("unexpected filter text %q", got)
	}
	h.engine.notifier.Wait()
	if h.notes.count("Solicitud pendiente") != 1 {
		t.Errorf("expected one approval notification, got %v", h.notes.notes)
	}
	if h.notes.count("Nuevo mensaje") != 2 {
		t.Errorf("expected every inbound message to notify the operator, got %v", h.notes.notes)
	}
}

func TestMenuFuzzyTriggerAndSubstring(t *testing.T) {
	h := newHarness(t, testFlow)
	h.send("521", "hola")
	h.send("521", "valoracin")
	if s := h.session("521"); s.CurrentStep != "NOMBRE" {
		t.Errorf("expected fuzzy trigger to pick NOMBRE, got %s", s.CurrentStep)
	}

	h.send("522", "hola")
	h.send("522", "seguimiento")
	if s := h.session("522"); s.CurrentStep != "AVISO" {
		t.Errorf("expected unique substring to pick AVISO, got %s", s.CurrentStep)
	}
}

func TestMenuInvalidAndAmbiguousKeepStep(t *testing.T) {
	h := newHarness(t, testFlow)
	h.send("521", "hola")

	h.send("521", "7")
	if !strings.HasPrefix(h.last("521"), "No reconocí esa opción") {
		t.Errorf("expected invalid-option reply, got %q", h.last("521"))
	}
	h.send("521", "cita")
	if h.last("521") != ambiguousReply {
		t.Errorf("expected ambiguous reply, got %q", h.last("521"))
	}
	if s := h.session("521"); s.CurrentStep != models.InitialStep {
		t.Errorf("invalid replies must not transition, got %s", s.CurrentStep)
	}
}

func TestInputValidationAndCapture(t *testing.T) {
	h := newHarness(t, testFlow)
	h.send("521", "hola")
	h.send("521", "1")
	h.send("521", "1234")
	if s := h.session("521"); s.CurrentStep != "NOMBRE" || s.Var("nombre") != "" {
		t.Fatalf("invalid name must not be captured: %+v", s)
	}
	if !strings.Contains(h.last("521"), "solo letras") {
		t.Errorf("expected validator message, got %q", h.last("521"))
	}

	h.send("521", "Ana López")
	s := h.session("521")
	if s.CurrentStep != "AGENDA" || s.Var("nombre") != "Ana López" {
		t.Errorf("expected name captured and AGENDA, got %+v", s)
	}
	if h.last("521") != "¿Qué día y hora?" {
		t.Errorf("unexpected prompt %q", h.last("521"))
	}
}

func TestAppointmentBookingFlow(t *testing.T) {
	h := newHarness(t, testFlow)
	ctx := context.Background()
	for _, m := range []string{"hola", "1", "Ana López", "el 15 de octubre a las 4:30 pm"} {
		h.send("521", m)
	}

	s := h.session("521")
	if s.CurrentStep != "FIN" {
		t.Fatalf("expected FIN after booking, got %s (last reply %q)", s.CurrentStep, h.last("521"))
	}
	if got := h.last("521"); got != "Cita: jueves 15 de octubre a las 16:30" {
		t.Errorf("unexpected confirmation %q", got)
	}
	if s.Var(booking.VarDate) != "" || s.Var(VarAppointmentTime) != "16:30" {
		t.Errorf("expected working date cleared and booked time kept, history %v", s.History)
	}
	slots, err := h.st.GetDay(ctx, "2026-10-15")
	if err != nil || len(slots) != 1 || slots[0].ContactID != "521" || slots[0].DisplayName != "Ana López" {
		t.Fatalf("expected one slot for 521, got %+v (%v)", slots, err)
	}
	c, err := h.st.GetContact(ctx, "521")
	if err != nil || c.Name != "Ana López" || !c.Enabled {
		t.Errorf("expected contact upserted at end step, got %+v (%v)", c, err)
	}

	for _, m := range []string{"hola", "1", "Luis Pérez", "el 15 de octubre a las 4:30 pm"} {
		h.send("522", m)
	}
	if s := h.session("522"); s.CurrentStep != "AGENDA" {
		t.Errorf("occupied slot must keep the step, got %s", s.CurrentStep)
	}
	if !strings.Contains(h.last("522"), "ocupado") {
		t.Errorf("expected occupied reply, got %q", h.last("522"))
	}
	if slots, _ := h.st.GetDay(ctx, "2026-10-15"); len(slots) != 1 {
		t.Errorf("occupied attempt must not create a slot, got %d", len(slots))
	}
}

func TestInactivityReset(t *testing.T) {
	h := newHarness(t, testFlow)
	h.send("521", "hola")
	h.send("521", "1")

	h.clock.Advance(InactivityTimeout - time.Minute)
	h.send("521", "@@")
	if s := h.session("521"); s.CurrentStep != "NOMBRE" {
		t.Fatalf("expected no reset before the threshold, got %s", s.CurrentStep)
	}

	h.clock.Advance(InactivityTimeout + time.Minute)
	h.send("521", "Ana López")
	s := h.session("521")
	if s.CurrentStep != models.InitialStep || s.Var("nombre") != "" {
		t.Errorf("expected reset to INICIO without capture, got %+v", s)
	}
	if !strings.HasPrefix(h.last("521"), "Hola") {
		t.Errorf("expected initial step emitted after reset, got %q", h.last("521"))
	}
}

func TestIdleContactOnInitialMenuKeepsReply(t *testing.T) {
	h := newHarness(t, testFlow)
	h.send("521", "hola")

	h.clock.Advance(InactivityTimeout + time.Hour)
	h.send("521", "3")
	if s := h.session("521"); s.CurrentStep != "ASESOR" {
		t.Fatalf("expected the idle menu reply to select ASESOR, got %s", s.CurrentStep)
	}
	if got := h.last("521"); !strings.HasPrefix(got, "Un asesor te atenderá") {
		t.Errorf("unexpected reply %q", got)
	}
	h.engine.notifier.Wait()
}

func TestFirstMessageKeywordJumps(t *testing.T) {
	h := newHarness(t, testFlow)
	h.send("521", "asesor")
	if s := h.session("521"); s.CurrentStep != "ASESOR" {
		t.Fatalf("expected first-contact keyword to reach ASESOR, got %s", s.CurrentStep)
	}
	h.engine.notifier.Wait()
}

func TestKeywordJumpSuppressedInFilter(t *testing.T) {
	h := newHarness(t, testFlow)
	h.send("521", "hola")
	h.send("521", "3")
	h.send("521", "menu")
	if s := h.session("521"); s.CurrentStep != "ASESOR" {
		t.Errorf("keyword must not leave a filter step, got %s", s.CurrentStep)
	}
	if h.last("521") != "Un asesor te atenderá" {
		t.Errorf("expected filter message resent, got %q", h.last("521"))
	}

	h.send("522", "hola")
	h.send("522", "1")
	h.send("522", "menu")
	if s := h.session("522"); s.CurrentStep != models.InitialStep {
		t.Errorf("expected keyword jump to INICIO, got %s", s.CurrentStep)
	}
}

func TestFilterClosedHoursPolicies(t *testing.T) {
	h := newHarness(t, testFlow)
	h.clock.Set(time.Date(2026, 10, 14, 20, 0, 0, 0, h.engine.loc))
	offline := models.DefaultScheduleConfig().BusinessHours.OfflineMessage

	h.send("521", "hola")
	h.send("521", "3")
	if got := h.last("521"); got != "Un asesor te atenderá\n\n"+offline {
		t.Errorf("queue policy should append the offline message, got %q", got)
	}

	if err := h.engine.Advance(context.Background(), "521", "ESPERA"); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if got := h.last("521"); got != offline {
		t.Errorf("defer policy should send only the offline message, got %q", got)
	}
	h.engine.notifier.Wait()
	if n := h.notes.count("Solicitud pendiente"); n != 1 {
		t.Errorf("expected only the queue policy to notify, got %d", n)
	}
	if err := h.engine.Advance(context.Background(), "521", "NADA"); !errors.Is(err, flowconfig.ErrUnknownStep) {
		t.Errorf("expected ErrUnknownStep, got %v", err)
	}
}

func TestMessageStepAutoAdvance(t *testing.T) {
	h := newHarness(t, testFlow)
	h.send("521", "hola")
	h.send("521", "2")
	if h.last("521") != "Aviso importante" {
		t.Fatalf("expected message step content, got %q", h.last("521"))
	}
	waitFor(t, "auto-advance to INICIO", func() bool {
		return h.countPrefix("521", "Hola") == 2
	})
	if s := h.session("521"); s.CurrentStep != models.InitialStep {
		t.Errorf("expected INICIO after delay, got %s", s.CurrentStep)
	}
}

func TestTransitionCancelsPendingAdvance(t *testing.T) {
	h := newHarness(t, testFlow)
	h.send("521", "hola")
	h.send("521", "2")
	h.send("521", "menu")

	if n := len(h.engine.Tasks().Pending()); n != 0 {
		t.Errorf("expected pending task cancelled, %d left", n)
	}
	time.Sleep(80 * time.Millisecond)
	if n := h.countPrefix("521", "Hola"); n != 2 {
		t.Errorf("expected the cancelled advance not to emit, menu sent %d times", n)
	}
}

const loopFlow = `
steps:
  INICIO:
    type: menu
    message: "Inicio"
    options:
      - label: Bucle
        next_step: A
  A:
    type: message
    message: "Paso A"
    delay: 5ms
    next_step: B
  B:
    type: message
    message: "Paso B"
    delay: 5ms
    next_step: A
`

func TestLoopGuardStopsMessageCycle(t *testing.T) {
	h := newHarness(t, loopFlow)
	h.send("521", "hola")
	h.send("521", "1")

	waitFor(t, "cycle to stop", func() bool {
		return h.countPrefix("521", "Paso B") == maxStepRepeats && len(h.engine.Tasks().Pending()) == 0
	})
	time.Sleep(30 * time.Millisecond)
	if a, b := h.countPrefix("521", "Paso A"), h.countPrefix("521", "Paso B"); a != maxStepRepeats || b != maxStepRepeats {
		t.Errorf("expected %d emissions of each step, got A=%d B=%d", maxStepRepeats, a, b)
	}
}

func TestBlockedAndPausedContacts(t *testing.T) {
	h := newHarness(t, testFlow)
	ctx := context.Background()
	if err := h.engine.SetBlocked(ctx, "540", true); err != nil {
		t.Fatal(err)
	}
	h.send("540", "hola")
	if len(h.texts("540")) != 0 {
		t.Errorf("blocked contact got replies %v", h.texts("540"))
	}

	if err := h.engine.SetBotDisabled(ctx, "541", true); err != nil {
		t.Fatal(err)
	}
	h.send("541", "hola")
	if len(h.texts("541")) != 0 {
		t.Errorf("paused contact got replies %v", h.texts("541"))
	}
	h.engine.notifier.Wait()
	if h.notes.count("Nuevo mensaje|541") != 1 {
		t.Errorf("paused contact should still notify the operator, got %v", h.notes.notes)
	}
	if h.notes.count("Nuevo mensaje|540") != 0 {
		t.Errorf("blocked contact must not notify, got %v", h.notes.notes)
	}
}

func TestReactivateClearsFlagsAndRendersVars(t *testing.T) {
	h := newHarness(t, testFlow)
	ctx := context.Background()
	if err := h.engine.SetBlocked(ctx, "550", true); err != nil {
		t.Fatal(err)
	}
	vars := map[string]string{VarReminderDate: "2026-10-14", VarReminderTime: "16:30"}
	if err := h.engine.Reactivate(ctx, "550", "", "RECORDATORIO", vars); err != nil {
		t.Fatalf("Reactivate: %v", err)
	}
	s := h.session("550")
	if s.Blocked || s.CurrentStep != "RECORDATORIO" {
		t.Errorf("expected unblocked session at RECORDATORIO, got %+v", s)
	}
	msgs := h.sender.Messages()
	if len(msgs) != 1 || msgs[0].To != "550@s.whatsapp.net" {
		t.Fatalf("expected one message to the derived address, got %+v", msgs)
	}
	if !strings.HasPrefix(msgs[0].Body, "Recuerda tu cita 2026-10-14 16:30\n\n1. Confirmo") {
		t.Errorf("unexpected reminder text %q", msgs[0].Body)
	}
}

func TestReplyAfterReactivateSkipsInactivityReset(t *testing.T) {
	h := newHarness(t, testFlow)
	ctx := context.Background()
	stale := &models.Session{ID: "551", CurrentStep: "FIN", History: map[string]string{}, LastActiveAt: h.clock.Now().Add(-5 * 24 * time.Hour)}
	if err := h.st.UpsertSession(ctx, stale); err != nil {
		t.Fatal(err)
	}
	if err := h.engine.Reactivate(ctx, "551", "", "RECORDATORIO", nil); err != nil {
		t.Fatalf("Reactivate: %v", err)
	}
	h.send("551", "1")
	if s := h.session("551"); s.CurrentStep != "FIN" {
		t.Errorf("expected the reminder menu to handle the reply, session at %s", s.CurrentStep)
	}
}

func TestUnknownCurrentStepResets(t *testing.T) {
	h := newHarness(t, testFlow)
	ctx := context.Background()
	stale := &models.Session{ID: "530", CurrentStep: "GONE", History: map[string]string{}, LastActiveAt: h.clock.Now()}
	if err := h.st.UpsertSession(ctx, stale); err != nil {
		t.Fatal(err)
	}
	h.send("530", "hola")
	if s := h.session("530"); s.CurrentStep != models.InitialStep {
		t.Errorf("expected reset to INICIO, got %s", s.CurrentStep)
	}
	if !strings.HasPrefix(h.last("530"), "Hola") {
		t.Errorf("expected initial step emitted, got %q", h.last("530"))
	}
}

type panicBook struct{}

func (panicBook) Attempt(context.Context, booking.AttemptRequest) (booking.Outcome, error) {
	panic("extractor exploded")
}

func TestPanicInDispatchIsRecovered(t *testing.T) {
	h := newHarness(t, testFlow, WithBook(panicBook{}))
	for _, m := range []string{"hola", "1", "Ana López"} {
		h.send("521", m)
	}
	err := h.engine.HandleInbound(context.Background(), models.Response{From: "521", Body: "mañana"})
	if !errors.Is(err, ErrPanic) {
		t.Fatalf("expected ErrPanic, got %v", err)
	}
	if s := h.session("521"); s.CurrentStep != "AGENDA" {
		t.Errorf("panicking turn must not persist, got %s", s.CurrentStep)
	}
	// the contact lock was released
	h.send("521", "menu")
	if s := h.session("521"); s.CurrentStep != models.InitialStep {
		t.Errorf("expected later messages to work, got %s", s.CurrentStep)
	}
}

const mediaFlow = `
steps:
  INICIO:
    type: end
    message: "Promo"
    media: ["a.png", "b.png"]
`

func TestMediaCaptionOnFirstImageAndTyping(t *testing.T) {
	h := newHarness(t, mediaFlow, WithTyping(time.Microsecond, time.Millisecond))
	h.send("521", "hola")

	msgs := h.sender.Messages()
	if len(msgs) != 4 {
		t.Fatalf("expected presence, presence, image, image; got %+v", msgs)
	}
	if msgs[0].Kind != "presence" || msgs[0].Body != "composing" || msgs[1].Body != "paused" {
		t.Errorf("expected typing simulation before content, got %+v", msgs[:2])
	}
	if msgs[2].Body != "a.png" || msgs[2].Caption != "Promo" || msgs[3].Caption != "" {
		t.Errorf("expected caption only on the first image, got %+v", msgs[2:])
	}
}

func TestRenderTemplate(t *testing.T) {
	vars := map[string]string{"nombre": "Ana María López", "hora": "16:30"}
	cases := map[string]string{
		"Hola {{nombre}}":          "Hola Ana María López",
		"Hola {{ nombre_first }}!": "Hola Ana!",
		"{{hora}} {{desconocido}}": "16:30 ",
		"sin variables":            "sin variables",
	}
	for in, want := range cases {
		if got := renderTemplate(in, vars); got != want {
			t.Errorf("renderTemplate(%q) = %q, want %q", in, got, want)
		}
	}
}
