// Package models defines flow step types to avoid circular imports.
package models

import "time"

// StepKind identifies how a FlowStep is dispatched.
type StepKind string

// Step kinds.
const (
	StepMenu        StepKind = "menu"
	StepInput       StepKind = "input"
	StepAppointment StepKind = "appointment"
	StepFilter      StepKind = "filter"
	StepMessage     StepKind = "message"
	StepEnd         StepKind = "end"
)

// IsValidStepKind checks if the given kind is supported.
func IsValidStepKind(k StepKind) bool {
	switch k {
	case StepMenu, StepInput, StepAppointment, StepFilter, StepMessage, StepEnd:
		return true
	default:
		return false
	}
}

// ClosedHoursPolicy decides what a filter step does when entered outside business hours.
type ClosedHoursPolicy string

const (
	// ClosedHoursQueue still reaches the approval queue; the offline message is appended.
	ClosedHoursQueue ClosedHoursPolicy = "queue"
	// ClosedHoursDefer only replies with the offline message; the operator is not notified.
	ClosedHoursDefer ClosedHoursPolicy = "defer"
)

// FlowStep is one node of the conversation graph.
// Fields common to every kind live here; kind-specific fields live in Variant.
type FlowStep struct {
	ID       string
	Template string   // may contain {{var}} and {{var_first}} placeholders
	Keywords []string // global-jump phrases
	Media    []string // ordered asset references
	Variant  StepVariant
}

// Kind returns the dispatch kind of the step.
func (s FlowStep) Kind() StepKind {
	if s.Variant == nil {
		return ""
	}
	return s.Variant.Kind()
}

// StepVariant is implemented by each kind-specific step payload.
type StepVariant interface {
	Kind() StepKind
	// Targets lists every step id this variant can transition to.
	Targets() []string
}

// Option is a selectable entry of a menu step.
type Option struct {
	Label    string
	Trigger  string
	NextStep string
}

// MenuStep resolves a reply against an ordered option list.
type MenuStep struct {
	Options []Option
}

func (MenuStep) Kind() StepKind { return StepMenu }

func (m MenuStep) Targets() []string {
	out := make([]string, 0, len(m.Options))
	for _, o := range m.Options {
		out = append(out, o.NextStep)
	}
	return out
}

// InputStep captures free text into a history variable.
type InputStep struct {
	SaveVar   string
	NextStep  string
	Validator string // name of a domain validator, empty for none
}

func (InputStep) Kind() StepKind { return StepInput }

func (i InputStep) Targets() []string { return nonEmpty(i.NextStep) }

// AppointmentStep books a slot from free text.
type AppointmentStep struct {
	NextStep string // optional; empty terminates with a confirmation
}

func (AppointmentStep) Kind() StepKind { return StepAppointment }

func (a AppointmentStep) Targets() []string { return nonEmpty(a.NextStep) }

// FilterStep is an approval gate moved forward by a human operator.
type FilterStep struct {
	ClosedHours ClosedHoursPolicy
}

func (FilterStep) Kind() StepKind { return StepFilter }

func (FilterStep) Targets() []string { return nil }

// MessageStep emits its content and advances to NextStep after Delay.
type MessageStep struct {
	NextStep string
	Delay    time.Duration
}

func (MessageStep) Kind() StepKind { return StepMessage }

func (m MessageStep) Targets() []string { return nonEmpty(m.NextStep) }

// EndStep finishes the conversation.
type EndStep struct{}

func (EndStep) Kind() StepKind { return StepEnd }

func (EndStep) Targets() []string { return nil }

func nonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return []string{s}
}
