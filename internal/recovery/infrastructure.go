package recovery

import (
	"context"
	"log/slog"

	"github.com/Hugoapk93/agendabot/internal/models"
)

// Rearmer re-arms the delayed transition of a session parked on a message step.
type Rearmer interface {
	Rearm(s *models.Session) bool
}

// AutoAdvance restores pending auto-advances lost with the previous process.
type AutoAdvance struct {
	rearmer Rearmer
}

// NewAutoAdvance returns the auto-advance recoverable backed by r (the flow engine).
func NewAutoAdvance(r Rearmer) *AutoAdvance {
	return &AutoAdvance{rearmer: r}
}

// RecoverState re-arms every eligible session. The delay restarts from now.
func (a *AutoAdvance) RecoverState(ctx context.Context, registry *Registry) error {
	sessions, err := registry.Sessions(ctx)
	if err != nil {
		return err
	}
	rearmed := 0
	for _, s := range sessions {
		if a.rearmer.Rearm(s) {
			rearmed++
			slog.Debug("Recovered auto-advance", "contact", s.ID, "step", s.CurrentStep)
		}
	}
	slog.Info("AutoAdvance.RecoverState: timers restored", "sessions", len(sessions), "rearmed", rearmed)
	return nil
}

// Func adapts a plain function to Recoverable.
type Func func(ctx context.Context, registry *Registry) error

// RecoverState calls f.
func (f Func) RecoverState(ctx context.Context, registry *Registry) error {
	return f(ctx, registry)
}
