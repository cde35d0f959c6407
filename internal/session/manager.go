// Package session serializes read-modify-write access to per-contact sessions.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Hugoapk93/agendabot/internal/models"
	"github.com/Hugoapk93/agendabot/internal/store"
)

// ErrSkipSave may be returned by an update function to leave the stored session untouched.
var ErrSkipSave = errors.New("session: skip save")

// maxConflictRetries bounds reloads after an optimistic version conflict.
const maxConflictRetries = 3

// DefaultLockTTL is the distributed lock lifetime for one update.
const DefaultLockTTL = 30 * time.Second

// UnlockFunc releases a distributed lock.
type UnlockFunc func(ctx context.Context) error

// Locker provides a cross-process lock keyed by contact id.
type Locker interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (UnlockFunc, error)
}

// lockEntry holds the mutex and the reference count.
type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// Manager orchestrates session access. Updates for one contact never interleave.
type Manager struct {
	repo store.SessionRepo
	now  func() time.Time

	mu    sync.Mutex
	locks map[string]*lockEntry

	locker  Locker
	lockTTL time.Duration
}

// Option configures the Manager.
type Option func(*Manager)

// WithLocker enables distributed locking.
func WithLocker(l Locker) Option {
	return func(m *Manager) { m.locker = l }
}

// WithLockTTL overrides DefaultLockTTL.
func WithLockTTL(d time.Duration) Option {
	return func(m *Manager) { m.lockTTL = d }
}

// WithClock injects the time source used for new sessions.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a new session Manager over the given repository.
func NewManager(repo store.SessionRepo, opts ...Option) *Manager {
	m := &Manager{
		repo:    repo,
		now:     time.Now,
		locks:   make(map[string]*lockEntry),
		lockTTL: DefaultLockTTL,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) acquire(id string) *lockEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.locks[id]
	if !ok {
		entry = &lockEntry{}
		m.locks[id] = entry
	}
	entry.refs++
	return entry
}

func (m *Manager) release(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.locks[id]
	if !ok {
		return
	}
	entry.refs--
	if entry.refs <= 0 {
		delete(m.locks, id)
	}
}

// WithLock runs fn while holding the contact's lock.
func (m *Manager) WithLock(ctx context.Context, id string, fn func(ctx context.Context) error) error {
	entry := m.acquire(id)
	entry.mu.Lock()
	defer func() {
		entry.mu.Unlock()
		m.release(id)
	}()

	if m.locker != nil {
		unlock, err := m.locker.Lock(ctx, id, m.lockTTL)
		if err != nil {
			return fmt.Errorf("failed to acquire distributed lock: %w", err)
		}
		defer func() {
			if err := unlock(context.WithoutCancel(ctx)); err != nil {
				slog.Warn("Manager.WithLock: failed to release distributed lock (will expire via TTL)", "id", id, "error", err)
			}
		}()
	}
	return fn(ctx)
}

// Load returns a copy of the stored session, or a fresh one positioned at the
// initial step when the contact is unknown. The fresh session is not persisted.
func (m *Manager) Load(ctx context.Context, id string) (*models.Session, error) {
	if id == "" {
		return nil, models.ErrEmptyContactID
	}
	sess, err := m.repo.GetSession(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return models.NewSession(id, m.now()), nil
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// Update loads the session, applies fn and persists the result under the contact's lock.
// It returns the session as persisted (or as loaded when fn returned ErrSkipSave).
func (m *Manager) Update(ctx context.Context, id string, fn func(s *models.Session) error) (*models.Session, error) {
	if id == "" {
		return nil, models.ErrEmptyContactID
	}
	var out *models.Session
	err := m.WithLock(ctx, id, func(ctx context.Context) error {
		for attempt := 0; ; attempt++ {
			sess, err := m.Load(ctx, id)
			if err != nil {
				return fmt.Errorf("load session %s: %w", id, err)
			}
			working := sess.Clone()
			if err := fn(working); err != nil {
				if errors.Is(err, ErrSkipSave) {
					out = sess
					return nil
				}
				return err
			}
			working.UpdatedAt = m.now()
			err = m.repo.UpsertSession(ctx, working)
			if errors.Is(err, store.ErrVersionConflict) && attempt < maxConflictRetries {
				slog.Warn("Manager.Update: version conflict, retrying", "id", id, "attempt", attempt+1)
				continue
			}
			if err != nil {
				return fmt.Errorf("save session %s: %w", id, err)
			}
			out = working
			return nil
		}
	})
	if err != nil {
		return nil, err
	}
	return out.Clone(), nil
}
