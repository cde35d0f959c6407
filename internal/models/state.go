// Package models defines conversation session structures for AgendaBot flows.
package models

import "time"

// Session represents the conversational state of a single contact.
type Session struct {
	ID               string            `json:"id"`
	CurrentStep      string            `json:"current_step"`
	History          map[string]string `json:"history,omitempty"` // captured variables
	TransportAddress string            `json:"transport_address,omitempty"`
	LastActiveAt     time.Time         `json:"last_active_at"`
	Blocked          bool              `json:"blocked"`
	BotDisabled      bool              `json:"bot_disabled"` // operator paused the bot for this contact
	Version          int64             `json:"version"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// NewSession returns a session positioned at the initial step.
func NewSession(id string, now time.Time) *Session {
	return &Session{
		ID:          id,
		CurrentStep: InitialStep,
		History:     make(map[string]string),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Clone returns a deep copy so callers can mutate without aliasing the stored value.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.History = make(map[string]string, len(s.History))
	for k, v := range s.History {
		c.History[k] = v
	}
	return &c
}

// Reset moves the session back to the initial step and forgets captured variables.
func (s *Session) Reset() {
	s.CurrentStep = InitialStep
	s.History = make(map[string]string)
}

// Var returns a captured variable, or "" when absent.
func (s *Session) Var(key string) string {
	if s.History == nil {
		return ""
	}
	return s.History[key]
}

// SetVar stores a captured variable, allocating the history map as needed.
func (s *Session) SetVar(key, value string) {
	if s.History == nil {
		s.History = make(map[string]string)
	}
	s.History[key] = value
}
