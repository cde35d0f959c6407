// Package store provides storage backends for AgendaBot.
//
// This file implements an SQLite-backed store.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/Hugoapk93/agendabot/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

// SQLiteStore implements Store on a single SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, ErrDSNNotSet
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// single writer avoids SQLITE_BUSY under concurrent contacts
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		slog.Error("Failed to apply SQLite schema", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	slog.Debug("SQLite schema applied", "path", dsn)

	return &SQLiteStore{db: db}, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	query := `SELECT id, current_step, history, transport_address, last_active_at, blocked, bot_disabled, version, created_at, updated_at
			  FROM sessions WHERE id = ?`
	sess, err := scanSession(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		slog.Error("SQLiteStore GetSession failed", "error", err, "id", id)
		return nil, err
	}
	return sess, nil
}

func (s *SQLiteStore) UpsertSession(ctx context.Context, sess *models.Session) error {
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
			`INSERT OR IGNORE INTO sessions (id, current_step, history, transport_address, last_active_at, blocked, bot_disabled, version, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
			sess.ID, sess.CurrentStep, history, nilIfEmpty(sess.TransportAddress), sess.LastActiveAt,
			sess.Blocked, sess.BotDisabled, sess.CreatedAt, now)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE sessions SET current_step = ?, history = ?, transport_address = ?, last_active_at = ?,
			 blocked = ?, bot_disabled = ?, version = version + 1, updated_at = ?
			 WHERE id = ? AND version = ?`,
			sess.CurrentStep, history, nilIfEmpty(sess.TransportAddress), sess.LastActiveAt,
			sess.Blocked, sess.BotDisabled, now, sess.ID, sess.Version)
	}
	if err != nil {
		slog.Error("SQLiteStore UpsertSession failed", "error", err, "id", sess.ID)
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrVersionConflict
	}
	sess.Version++
	sess.UpdatedAt = now
	slog.Debug("SQLiteStore UpsertSession succeeded", "id", sess.ID, "step", sess.CurrentStep, "version", sess.Version)
	return nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context) ([]*models.Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, current_step, history, transport_address, last_active_at, blocked, bot_disabled, version, created_at, updated_at FROM sessions`)
	if err != nil {
		slog.Error("SQLiteStore ListSessions query failed", "error", err)
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

func (s *SQLiteStore) GetDay(ctx context.Context, date string) ([]models.AppointmentSlot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, date, time, contact_id, display_name, created_at FROM appointment_slots WHERE date = ? ORDER BY time`, date)
	if err != nil {
		slog.Error("SQLiteStore GetDay query failed", "error", err, "date", date)
		return nil, err
	}
	defer rows.Close()
	return scanSlots(rows)
}

func (s *SQLiteStore) PutSlot(ctx context.Context, slot models.AppointmentSlot) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO appointment_slots (id, date, time, contact_id, display_name, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		slot.ID, slot.Date, slot.Time, slot.ContactID, nilIfEmpty(slot.DisplayName), slot.CreatedAt)
	if err != nil {
		slog.Error("SQLiteStore PutSlot failed", "error", err, "date", slot.Date, "time", slot.Time)
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSlotTaken
	}
	return nil
}

func (s *SQLiteStore) GetSchedule(ctx context.Context) (models.ScheduleConfig, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM schedule_config WHERE id = 1`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return models.DefaultScheduleConfig(), nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetSchedule failed", "error", err)
		return models.DefaultScheduleConfig(), err
	}
	return decodeSchedule(raw), nil
}

func (s *SQLiteStore) PutSchedule(ctx context.Context, cfg models.ScheduleConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO schedule_config (id, data, updated_at) VALUES (1, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		string(data), time.Now())
	if err != nil {
		slog.Error("SQLiteStore PutSchedule failed", "error", err)
	}
	return err
}

func (s *SQLiteStore) UpsertContact(ctx context.Context, c models.Contact) error {
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO contacts (phone, name, enabled, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (phone) DO UPDATE SET name = excluded.name, enabled = excluded.enabled, updated_at = excluded.updated_at`,
		c.Phone, nilIfEmpty(c.Name), c.Enabled, c.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore UpsertContact failed", "error", err, "phone", c.Phone)
	}
	return err
}

func (s *SQLiteStore) GetContact(ctx context.Context, phone string) (*models.Contact, error) {
	var c models.Contact
	var name sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT phone, name, enabled, updated_at FROM contacts WHERE phone = ?`, phone).
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

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	var sess models.Session
	var history []byte
	var address sql.NullString
	var lastActive sql.NullTime
	err := row.Scan(&sess.ID, &sess.CurrentStep, &history, &address, &lastActive,
		&sess.Blocked, &sess.BotDisabled, &sess.Version, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sess.History = decodeHistory(sess.ID, history)
	sess.TransportAddress = address.String
	if lastActive.Valid {
		sess.LastActiveAt = lastActive.Time
	}
	return &sess, nil
}

func scanSlots(rows *sql.Rows) ([]models.AppointmentSlot, error) {
	var out []models.AppointmentSlot
	for rows.Next() {
		var slot models.AppointmentSlot
		var name sql.NullString
		if err := rows.Scan(&slot.ID, &slot.Date, &slot.Time, &slot.ContactID, &name, &slot.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan slot row: %w", err)
		}
		slot.DisplayName = name.String
		out = append(out, slot)
	}
	return out, rows.Err()
}
