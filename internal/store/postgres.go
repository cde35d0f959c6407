// Package store provides storage backends for AgendaBot.
//
// This file implements a PostgreSQL-backed store.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Hugoapk93/agendabot/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

// PostgresStore implements Store on PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	if cfg.DSN == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, ErrDSNNotSet
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(postgresSchema); err != nil {
		slog.Error("Failed to apply Postgres schema", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	slog.Debug("Postgres schema applied")
	return &PostgresStore{db: db}, nil
}

// Close closes the Postgres connection pool.
func (s *PostgresStore) Close() error {
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close Postgres database", "error", err)
	}
	return err
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	query := `SELECT id, current_step, history, transport_address, last_active_at, blocked, bot_disabled, version, created_at, updated_at
			  FROM sessions WHERE id = $1`
	sess, err := scanSession(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		slog.Error("PostgresStore GetSession failed", "error", err, "id", id)
		return nil, err
	}
	return sess, nil
}

func (s *PostgresStore) UpsertSession(ctx context.Context, sess *models.Session) error {
	if sess.ID == "" {
		return models.ErrEmptyContactID
	}
	history, err := encodeHistory(sess.History)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	now := time.Now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}

	var res sql.Result
	if sess.Version == 0 {
		res, err = s.db.ExecContext(ctx,
			`INSERT INTO sessions (id, current_step, history, transport_address, last_active_at, blocked, bot_disabled, version, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, 1, $8, $9) ON CONFLICT (id) DO NOTHING`,
			sess.ID, sess.CurrentStep, history, nilIfEmpty(sess.TransportAddress), sess.LastActiveAt,
			sess.Blocked, sess.BotDisabled, sess.CreatedAt, now)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE sessions SET current_step = $1, history = $2, transport_address = $3, last_active_at = $4,
			 blocked = $5, bot_disabled = $6, version = version + 1, updated_at = $7
			 WHERE id = $8 AND version = $9`,
			sess.CurrentStep, history, nilIfEmpty(sess.TransportAddress), sess.LastActiveAt,
			sess.Blocked, sess.BotDisabled, now, sess.ID, sess.Version)
	}
	if err != nil {
		slog.Error("PostgresStore UpsertSession failed", "error", err, "id", sess.ID)
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("session rows affected check failed: %w", err)
	}
	if n == 0 {
		return ErrVersionConflict
	}
	sess.Version++
	sess.UpdatedAt = now
	slog.Debug("PostgresStore UpsertSession succeeded", "id", sess.ID, "step", sess.CurrentStep, "version", sess.Version)
	return nil
}

func (s *PostgresStore) ListSessions(ctx context.Context) ([]*models.Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, current_step, history, transport_address, last_active_at, blocked, bot_disabled, version, created_at, updated_at FROM sessions`)
	if err != nil {
		slog.Error("PostgresStore ListSessions query failed", "error", err)
		return nil, err
	}
	defer rows.Close()
	var out []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetDay(ctx context.Context, date string) ([]models.AppointmentSlot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, date, time, contact_id, display_name, created_at FROM appointment_slots WHERE date = $1 ORDER BY time`, date)
	if err != nil {
		slog.Error("PostgresStore GetDay query failed", "error", err, "date", date)
		return nil, err
	}
	defer rows.Close()
	return scanSlots(rows)
}

func (s *PostgresStore) PutSlot(ctx context.Context, slot models.AppointmentSlot) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO appointment_slots (id, date, time, contact_id, display_name, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (date, time) DO NOTHING`,
		slot.ID, slot.Date, slot.Time, slot.ContactID, nilIfEmpty(slot.DisplayName), slot.CreatedAt)
	if err != nil {
		slog.Error("PostgresStore PutSlot failed", "error", err, "date", slot.Date, "time", slot.Time)
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("slot rows affected check failed: %w", err)
	}
	if n == 0 {
		return ErrSlotTaken
	}
	return nil
}

func (s *PostgresStore) GetSchedule(ctx context.Context) (models.ScheduleConfig, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM schedule_config WHERE id = 1`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return models.DefaultScheduleConfig(), nil
	}
	if err != nil {
		slog.Error("PostgresStore GetSchedule failed", "error", err)
		return models.DefaultScheduleConfig(), err
	}
	return decodeSchedule(raw), nil
}

func (s *PostgresStore) PutSchedule(ctx context.Context, cfg models.ScheduleConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO schedule_config (id, data, updated_at) VALUES (1, $1, $2)
		 ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`,
		string(data), time.Now())
	if err != nil {
		slog.Error("PostgresStore PutSchedule failed", "error", err)
	}
	return err
}

func (s *PostgresStore) UpsertContact(ctx context.Context, c models.Contact) error {
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO contacts (phone, name, enabled, updated_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (phone) DO UPDATE SET name = EXCLUDED.name, enabled = EXCLUDED.enabled, updated_at = EXCLUDED.updated_at`,
		c.Phone, nilIfEmpty(c.Name), c.Enabled, c.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore UpsertContact failed", "error", err, "phone", c.Phone)
	}
	return err
}

func (s *PostgresStore) GetContact(ctx context.Context, phone string) (*models.Contact, error) {
	var c models.Contact
	var name sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT phone, name, enabled, updated_at FROM contacts WHERE phone = $1`, phone).
		Scan(&c.Phone, &name, &c.Enabled, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.Name = name.String
	return &c, nil
}
