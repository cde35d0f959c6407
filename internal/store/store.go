// Package store provides storage backends for AgendaBot.
//
// It includes an in-memory store, an SQLite store and a PostgreSQL store for
// sessions, appointment slots, schedule configuration, contacts and inbound dedup.
package store

import (
	"context"
	"errors"
	"strings"

	"github.com/Hugoapk93/agendabot/internal/models"
)

// Error variables for better error handling and testability
var (
	ErrNotFound        = errors.New("not found")
	ErrSlotTaken       = errors.New("appointment slot already taken")
	ErrVersionConflict = errors.New("session was modified concurrently")
	ErrDSNNotSet       = errors.New("database DSN not set")
)

// SessionRepo persists per-contact sessions.
//
// UpsertSession is an optimistic write: s.Version must equal the stored version
// (0 for a new session). On success s.Version is incremented.
type SessionRepo interface {
	GetSession(ctx context.Context, id string) (*models.Session, error)
	UpsertSession(ctx context.Context, s *models.Session) error
	ListSessions(ctx context.Context) ([]*models.Session, error)
}

// AppointmentRepo persists booked slots keyed by calendar date.
type AppointmentRepo interface {
	// GetDay returns the slots of a date ordered by time.
	GetDay(ctx context.Context, date string) ([]models.AppointmentSlot, error)
	// PutSlot inserts a slot; an existing (date, time) returns ErrSlotTaken.
	PutSlot(ctx context.Context, slot models.AppointmentSlot) error
}

// ScheduleRepo persists the process-wide schedule configuration.
type ScheduleRepo interface {
	// GetSchedule returns the stored config, or defaults when missing or unreadable.
	GetSchedule(ctx context.Context) (models.ScheduleConfig, error)
	PutSchedule(ctx context.Context, cfg models.ScheduleConfig) error
}

// ContactRepo is the contact directory.
type ContactRepo interface {
	UpsertContact(ctx context.Context, c models.Contact) error
	GetContact(ctx context.Context, phone string) (*models.Contact, error)
}

// Store is the full set of repositories implemented by every backend.
type Store interface {
	SessionRepo
	AppointmentRepo
	ScheduleRepo
	ContactRepo
	DedupRepo
	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithDSN sets the connection string of either backend.
func WithDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option { return WithDSN(dsn) }

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option { return WithDSN(dsn) }

// DetectDSNType returns "postgres" for PostgreSQL connection strings and "sqlite" otherwise.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") {
		return "postgres"
	}
	return "sqlite"
}

// Open selects a backend from the DSN. An empty DSN yields an in-memory store.
func Open(dsn string) (Store, error) {
	if dsn == "" {
		return NewInMemoryStore(), nil
	}
	if DetectDSNType(dsn) == "postgres" {
		return NewPostgresStore(WithPostgresDSN(dsn))
	}
	return NewSQLiteStore(WithSQLiteDSN(dsn))
}
