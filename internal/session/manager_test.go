package session

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/Hugoapk93/agendabot/internal/models"
	"github.com/Hugoapk93/agendabot/internal/store"
)

func TestUpdateCreatesSessionAtInitialStep(t *testing.T) {
	m := NewManager(store.NewInMemoryStore())
	sess, err := m.Update(context.Background(), "5215550001", func(s *models.Session) error {
		if s.CurrentStep != models.InitialStep {
			t.Errorf("expected new session at %s, got %s", models.InitialStep, s.CurrentStep)
		}
		s.SetVar("nombre", "Ana")
		return nil
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if sess.Version != 1 || sess.Var("nombre") != "Ana" {
		t.Errorf("unexpected session %+v", sess)
	}
}

func TestUpdateSerializesPerContact(t *testing.T) {
	m := NewManager(store.NewInMemoryStore())
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Update(ctx, "c1", func(s *models.Session) error {
				n, _ := strconv.Atoi(s.Var("n"))
				s.SetVar("n", strconv.Itoa(n+1))
				return nil
			})
			if err != nil {
				t.Errorf("Update failed: %v", err)
			}
		}()
	}
	wg.Wait()

	sess, _ := m.Load(ctx, "c1")
	if sess.Var("n") != "50" {
		t.Errorf("lost updates: n=%s", sess.Var("n"))
	}
	if len(m.locks) != 0 {
		t.Errorf("expected lock entries to be released, have %d", len(m.locks))
	}
}

func TestUpdateSkipSaveLeavesStore(t *testing.T) {
	repo := store.NewInMemoryStore()
	m := NewManager(repo)
	ctx := context.Background()
	if _, err := m.Update(ctx, "c1", func(s *models.Session) error { return ErrSkipSave }); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if _, err := repo.GetSession(ctx, "c1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected nothing persisted, got %v", err)
	}
}

func TestUpdatePropagatesError(t *testing.T) {
	m := NewManager(store.NewInMemoryStore())
	boom := errors.New("boom")
	if _, err := m.Update(context.Background(), "c1", func(s *models.Session) error { return boom }); !errors.Is(err, boom) {
		t.Errorf("expected boom, got %v", err)
	}
}

// conflictingRepo reports a version conflict for the first n writes.
type conflictingRepo struct {
	*store.InMemoryStore
	remaining int
}

func (r *conflictingRepo) UpsertSession(ctx context.Context, s *models.Session) error {
	if r.remaining > 0 {
		r.remaining--
		return store.ErrVersionConflict
	}
	return r.InMemoryStore.UpsertSession(ctx, s)
}

func TestUpdateRetriesOnVersionConflict(t *testing.T) {
	repo := &conflictingRepo{InMemoryStore: store.NewInMemoryStore(), remaining: 2}
	calls := 0
	m := NewManager(repo)
	_, err := m.Update(context.Background(), "c1", func(s *models.Session) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected fn to run 3 times, ran %d", calls)
	}

	repo.remaining = 10
	if _, err := m.Update(context.Background(), "c2", func(s *models.Session) error { return nil }); !errors.Is(err, store.ErrVersionConflict) {
		t.Errorf("expected conflict after retries, got %v", err)
	}
}

func TestLoadUnknownIsFresh(t *testing.T) {
	now := time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)
	m := NewManager(store.NewInMemoryStore(), WithClock(func() time.Time { return now }))
	sess, err := m.Load(context.Background(), "nuevo")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if sess.Version != 0 || !sess.CreatedAt.Equal(now) {
		t.Errorf("unexpected fresh session %+v", sess)
	}
	if _, err := m.Load(context.Background(), ""); !errors.Is(err, models.ErrEmptyContactID) {
		t.Errorf("expected ErrEmptyContactID, got %v", err)
	}
}
