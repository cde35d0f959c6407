// Package models defines the core data structures for AgendaBot.
//
// It includes the per-contact Session, the FlowStep configuration union, appointment
// slots, schedule configuration and inbound message events shared across modules.
package models

import (
	"errors"
	"time"
)

// InitialStep is the well-known entry step of every conversation.
const InitialStep = "INICIO"

// Date and time layouts used for appointment slots and schedule config.
const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04"
)

// Error variables for better error handling and testability
var (
	ErrEmptyContactID = errors.New("contact id cannot be empty")
	ErrEmptyStepID    = errors.New("step id cannot be empty")
	ErrInvalidDate    = errors.New("invalid date, expected YYYY-MM-DD")
	ErrInvalidTime    = errors.New("invalid time, expected HH:MM")
)

// Response represents an incoming message from a contact.
type Response struct {
	From      string `json:"from"`       // canonical contact id (digits only)
	Address   string `json:"address"`    // routable transport address (e.g. JID)
	Body      string `json:"body"`       // raw text
	MessageID string `json:"message_id"` // transport message id, used for deduplication
	Time      int64  `json:"time"`       // unix seconds
}

// Contact is a contact-directory record created when a conversation reaches an end step.
type Contact struct {
	Phone     string    `json:"phone"`
	Name      string    `json:"name"`
	Enabled   bool      `json:"enabled"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ValidDate reports whether s is a YYYY-MM-DD calendar date.
func ValidDate(s string) bool {
	_, err := time.Parse(DateLayout, s)
	return err == nil
}

// ValidTime reports whether s is an HH:MM wall-clock time.
func ValidTime(s string) bool {
	_, err := time.Parse(TimeLayout, s)
	return err == nil && len(s) == 5
}

// MinuteOfDay converts an HH:MM string into minutes since midnight.
// Invalid input returns -1.
func MinuteOfDay(s string) int {
	t, err := time.Parse(TimeLayout, s)
	if err != nil || len(s) != 5 {
		return -1
	}
	return t.Hour()*60 + t.Minute()
}
