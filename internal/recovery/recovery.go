// Package recovery restores in-process state after a restart. Sessions are durable but
// the in-memory timers driving them are not, so components register here to rebuild
// what they lost from the stored sessions.
package recovery

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Hugoapk93/agendabot/internal/models"
	"github.com/Hugoapk93/agendabot/internal/store"
)

// Recoverable defines the interface for components that can recover their state
type Recoverable interface {
	// RecoverState is called during application startup to restore component state
	RecoverState(ctx context.Context, registry *Registry) error
}

// Registry provides services that components can use during recovery
type Registry struct {
	sessions store.SessionRepo

	loaded []*models.Session
}

// NewRegistry creates a new recovery registry
func NewRegistry(sessions store.SessionRepo) *Registry {
	return &Registry{sessions: sessions}
}

// Sessions returns every stored session. The list is loaded once and shared by all
// recoverables of a run.
func (r *Registry) Sessions(ctx context.Context) ([]*models.Session, error) {
	if r.loaded != nil {
		return r.loaded, nil
	}
	list, err := r.sessions.ListSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	if list == nil {
		list = []*models.Session{}
	}
	r.loaded = list
	return list, nil
}

// Manager orchestrates recovery of all registered components
type Manager struct {
	registry     *Registry
	recoverables []Recoverable
}

// NewManager creates a new recovery manager
func NewManager(sessions store.SessionRepo) *Manager {
	return &Manager{registry: NewRegistry(sessions)}
}

// Register adds a component that can be recovered
func (m *Manager) Register(r Recoverable) {
	m.recoverables = append(m.recoverables, r)
}

// RecoverAll performs recovery of all registered components. A failing component does
// not stop the others.
func (m *Manager) RecoverAll(ctx context.Context) error {
	slog.Info("Starting application recovery", "components", len(m.recoverables))

	recovered := 0
	failed := 0
	for _, r := range m.recoverables {
		if err := r.RecoverState(ctx, m.registry); err != nil {
			slog.Error("Component recovery failed", "error", err, "component", fmt.Sprintf("%T", r))
			failed++
			continue
		}
		recovered++
	}

	slog.Info("Application recovery completed", "recovered", recovered, "errors", failed)
	if failed > 0 {
		return fmt.Errorf("recovery completed with %d errors out of %d components", failed, len(m.recoverables))
	}
	return nil
}

// Registry provides access to the recovery registry
func (m *Manager) Registry() *Registry {
	return m.registry
}
