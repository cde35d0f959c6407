package flow

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Hugoapk93/agendabot/internal/flowconfig"
	"github.com/Hugoapk93/agendabot/internal/models"
	"github.com/Hugoapk93/agendabot/internal/session"
)

// maxStepRepeats is how often one emission chain may send the same step.
const maxStepRepeats = 3

var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_]+)\s*\}\}`)

// chain counts emissions per step across one run of automatic transitions.
type chain struct {
	counts map[string]int
}

func newChain() *chain {
	return &chain{counts: make(map[string]int)}
}

func (c *chain) visit(stepID string) int {
	c.counts[stepID]++
	return c.counts[stepID]
}

// renderTemplate substitutes {{var}} with the history value and {{var_first}} with its
// first word. Unknown variables render empty.
func renderTemplate(tpl string, vars map[string]string) string {
	return placeholderRe.ReplaceAllStringFunc(tpl, func(m string) string {
		name := placeholderRe.FindStringSubmatch(m)[1]
		if v, ok := vars[name]; ok {
			return v
		}
		if base, ok := strings.CutSuffix(name, "_first"); ok {
			if fields := strings.Fields(vars[base]); len(fields) > 0 {
				return fields[0]
			}
		}
		return ""
	})
}

// render produces the text of a step, with menu options appended as numbered lines.
func (e *Engine) render(step models.FlowStep, vars map[string]string) string {
	text := strings.TrimSpace(renderTemplate(step.Template, vars))
	if m, ok := step.Variant.(models.MenuStep); ok && len(m.Options) > 0 {
		text = joinParagraphs(text, menuLines(m.Options))
	}
	return text
}

func joinParagraphs(parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "\n\n")
}

// emit sends a step and runs its entry side effects.
func (e *Engine) emit(ctx context.Context, sess *models.Session, addr, stepID string, ch *chain) error {
	if n := ch.visit(stepID); n > maxStepRepeats {
		slog.Error("Engine.emit: loop guard tripped", "contact", sess.ID, "step", stepID, "count", n)
		return fmt.Errorf("%w: step %s emitted %d times", ErrLoopGuard, stepID, n)
	}
	step, ok := e.steps.Get(stepID)
	if !ok {
		return fmt.Errorf("%w: %s", flowconfig.ErrUnknownStep, stepID)
	}

	text := e.render(step, sess.History)
	approval := false
	if f, ok := step.Variant.(models.FilterStep); ok {
		hours := e.businessHours(ctx)
		switch {
		case hours.IsOpen(e.now().In(e.loc)):
			approval = true
		case f.ClosedHours == models.ClosedHoursDefer:
			if hours.OfflineMessage != "" {
				text = hours.OfflineMessage
			}
		default:
			text = joinParagraphs(text, hours.OfflineMessage)
			approval = true
		}
	}

	if err := e.sendContent(ctx, addr, text, step.Media); err != nil {
		return fmt.Errorf("emit %s to %s: %w", stepID, sess.ID, err)
	}
	e.metrics.ObserveEmit(string(step.Kind()))
	slog.Debug("Engine.emit: step sent", "contact", sess.ID, "step", stepID, "kind", step.Kind())

	switch v := step.Variant.(type) {
	case models.FilterStep:
		if approval {
			name := sess.Var(VarName)
			if name == "" {
				name = sess.ID
			}
			e.notifier.Notify(ctx, "Solicitud pendiente", fmt.Sprintf("%s espera aprobación en %s", name, stepID), "/chats/"+sess.ID)
		}
	case models.MessageStep:
		e.scheduleAdvance(sess.ID, addr, stepID, v, ch)
	case models.EndStep:
		e.saveContact(ctx, sess)
	}
	return nil
}

// sendContent delivers text, or the media list with text as the first image's caption.
func (e *Engine) sendContent(ctx context.Context, addr, text string, media []string) error {
	if text == "" && len(media) == 0 {
		return nil
	}
	e.simulateTyping(ctx, addr, text)
	if len(media) == 0 {
		return e.sender.SendText(ctx, addr, text)
	}
	for i, ref := range media {
		caption := ""
		if i == 0 {
			caption = text
		}
		if err := e.sender.SendImage(ctx, addr, ref, caption); err != nil {
			return fmt.Errorf("send media %s: %w", ref, err)
		}
	}
	return nil
}

// simulateTyping shows "composing" for a delay proportional to the text, capped at typingMax.
func (e *Engine) simulateTyping(ctx context.Context, addr, text string) {
	if e.typingMax <= 0 {
		return
	}
	if err := e.sender.SendPresence(ctx, addr, true); err != nil {
		slog.Debug("Engine.simulateTyping: presence failed", "to", addr, "error", err)
		return
	}
	delay := time.Duration(utf8.RuneCountInString(text)) * e.typingPerChar
	if delay > e.typingMax {
		delay = e.typingMax
	}
	timer := time.NewTimer(delay)
	select {
	case <-timer.C:
	case <-ctx.Done():
		timer.Stop()
	}
	if err := e.sender.SendPresence(ctx, addr, false); err != nil {
		slog.Debug("Engine.simulateTyping: presence failed", "to", addr, "error", err)
	}
}

// scheduleAdvance arms the delayed transition of a message step.
func (e *Engine) scheduleAdvance(contactID, addr, from string, v models.MessageStep, ch *chain) bool {
	if v.NextStep == "" || v.NextStep == from {
		slog.Error("Engine.scheduleAdvance: message step has no usable next step", "contact", contactID, "step", from, "next", v.NextStep)
		return false
	}
	delay := v.Delay
	if delay <= 0 {
		delay = flowconfig.DefaultMessageDelay
	}
	e.tasks.Schedule(contactID, from, delay, func() {
		e.autoAdvance(contactID, addr, from, v.NextStep, ch)
	})
	return true
}

// autoAdvance fires a delayed transition if the contact is still on the originating step.
func (e *Engine) autoAdvance(contactID, addr, from, to string, ch *chain) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Engine.autoAdvance: panic recovered", "contact", contactID, "panic", r)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), autoAdvanceTimeout)
	defer cancel()

	moved := false
	sess, err := e.sessions.Update(ctx, contactID, func(s *models.Session) error {
		moved = false
		if s.CurrentStep != from || s.Blocked || s.BotDisabled {
			return session.ErrSkipSave
		}
		s.CurrentStep = to
		moved = true
		return nil
	})
	if err != nil {
		slog.Error("Engine.autoAdvance: session update failed", "contact", contactID, "from", from, "error", err)
		return
	}
	if !moved {
		slog.Debug("Engine.autoAdvance: contact moved on, skipping", "contact", contactID, "from", from, "current", sess.CurrentStep)
		return
	}
	if sess.TransportAddress != "" {
		addr = sess.TransportAddress
	}
	if err := e.emit(ctx, sess, addr, to, ch); err != nil {
		slog.Error("Engine.autoAdvance: emission failed", "contact", contactID, "step", to, "error", err)
	}
}

func (e *Engine) businessHours(ctx context.Context) models.BusinessHours {
	if e.schedule == nil {
		return models.DefaultScheduleConfig().BusinessHours
	}
	cfg, err := e.schedule.GetSchedule(ctx)
	if err != nil {
		slog.Warn("Engine.businessHours: schedule unavailable, using defaults", "error", err)
		return models.DefaultScheduleConfig().BusinessHours
	}
	return cfg.BusinessHours
}

// saveContact records the contact in the directory when a conversation ends.
func (e *Engine) saveContact(ctx context.Context, sess *models.Session) {
	if e.contacts == nil {
		return
	}
	c := models.Contact{
		Phone:     sess.ID,
		Name:      sess.Var(VarName),
		Enabled:   true,
		UpdatedAt: e.now(),
	}
	if err := e.contacts.UpsertContact(ctx, c); err != nil {
		slog.Error("Engine.saveContact: upsert failed", "contact", sess.ID, "error", err)
	}
}
