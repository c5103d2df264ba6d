package engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/kalambet/remindd/internal/event"
	"github.com/kalambet/remindd/internal/guard"
)

// Pipeline is the full inbound path every event takes regardless of source:
// authorization, then reconciliation. The normalizer runs before it, at the
// transport edge where raw payloads live.
type Pipeline struct {
	guard  *guard.Guard
	engine *Engine
	logger *slog.Logger
}

func NewPipeline(g *guard.Guard, e *Engine) *Pipeline {
	return &Pipeline{guard: g, engine: e, logger: slog.Default()}
}

// Process authorizes and applies one event. Denials are logged with the actor
// and absorbed: the returned outcome is a no-op and the error is nil, because
// a denial is terminal for the event, not a fault of the caller's transport.
// Other errors (not-found for user events, conflict exhaustion, store
// failures) pass through.
func (p *Pipeline) Process(ctx context.Context, ev event.Event) (Outcome, error) {
	if err := p.guard.Authorize(ctx, ev); err != nil {
		var deniedErr *guard.DeniedError
		if errors.As(err, &deniedErr) {
			p.logger.Warn("event denied",
				"kind", ev.Kind, "actor", deniedErr.Actor, "reason", deniedErr.Reason, "source", ev.Source)
			return Outcome{}, nil
		}
		return Outcome{}, err
	}
	return p.engine.Apply(ctx, ev)
}
