package store

import (
	"context"
	"sync"
	"time"

	"github.com/Hugoapk93/agendabot/internal/models"
)

// InMemoryStore keeps everything in process memory. It is the default when no DSN is set.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
	days     map[string][]models.AppointmentSlot
	schedule *models.ScheduleConfig
	contacts map[string]models.Contact
	inbound  map[string]time.Time
}

var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]*models.Session),
		days:     make(map[string][]models.AppointmentSlot),
		contacts: make(map[string]models.Contact),
		inbound:  make(map[string]time.Time),
	}
}

func (s *InMemoryStore) GetSession(_ context.Context, id string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return sess.Clone(), nil
}

func (s *InMemoryStore) UpsertSession(_ context.Context, sess *models.Session) error {
	if sess.ID == "" {
		return models.ErrEmptyContactID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var stored int64
	if cur, ok := s.sessions[sess.ID]; ok {
		stored = cur.Version
	}
	if stored != sess.Version {
		return ErrVersionConflict
	}
	sess.Version++
	s.sessions[sess.ID] = sess.Clone()
	return nil
}

func (s *InMemoryStore) ListSessions(_ context.Context) ([]*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Clone())
	}
	return out, nil
}

func (s *InMemoryStore) GetDay(_ context.Context, date string) ([]models.AppointmentSlot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.AppointmentSlot, len(s.days[date]))
	copy(out, s.days[date])
	return out, nil
}

func (s *InMemoryStore) PutSlot(_ context.Context, slot models.AppointmentSlot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.days[slot.Date] {
		if existing.Time == slot.Time {
			return ErrSlotTaken
		}
	}
	day := append(s.days[slot.Date], slot)
	models.SortSlots(day)
	s.days[slot.Date] = day
	return nil
}

func (s *InMemoryStore) GetSchedule(_ context.Context) (models.ScheduleConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.schedule == nil {
		return models.DefaultScheduleConfig(), nil
	}
	cfg := *s.schedule
	cfg.BusinessHours.ActiveDays = append([]int(nil), s.schedule.BusinessHours.ActiveDays...)
	return cfg, nil
}

func (s *InMemoryStore) PutSchedule(_ context.Context, cfg models.ScheduleConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg.BusinessHours.ActiveDays = append([]int(nil), cfg.BusinessHours.ActiveDays...)
	s.schedule = &cfg
	return nil
}

func (s *InMemoryStore) UpsertContact(_ context.Context, c models.Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now()
	}
	s.contacts[c.Phone] = c
	return nil
}

func (s *InMemoryStore) GetContact(_ context.Context, phone string) (*models.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contacts[phone]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (s *InMemoryStore) RecordInbound(_ context.Context, messageID, _ string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.inbound[messageID]; seen {
		return false, nil
	}
	s.inbound[messageID] = time.Now()
	return true, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }
