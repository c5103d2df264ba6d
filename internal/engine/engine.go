// Package engine is the reminder reconciliation core: it applies normalized
// events to reminder state, resolves races between sources through optimistic
// concurrency, and emits at most one side effect per successful transition.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/remindd/internal/event"
	"github.com/kalambet/remindd/internal/storage"
)

// ErrConflictExhausted is returned when the optimistic retry budget runs out.
// The upstream trigger (webhook retry, due-scan) will redeliver the event.
var ErrConflictExhausted = errors.New("version conflict retries exhausted")

const defaultMaxRetries = 5

// Store is the reminder persistence contract the engine depends on.
type Store interface {
	Get(ctx context.Context, id string) (storage.Reminder, error)
	FindByRef(ctx context.Context, ref string) (storage.Reminder, error)
	// Upsert must reject with storage.ErrVersionConflict when the stored
	// version no longer equals expectedVersion, and must persist eff in the
	// same transaction when non-nil.
	Upsert(ctx context.Context, r storage.Reminder, expectedVersion int64, eff *storage.Effect) (int64, error)
}

// Config tunes the engine.
type Config struct {
	// MaxRetries bounds the reload-and-reapply loop on version conflicts.
	MaxRetries int
	// DefaultOwner and DefaultChatID are assigned to reminders created by
	// non-chat sources (email, sheet), which carry no chat identity.
	DefaultOwner  string
	DefaultChatID int64
}

// Engine applies events to reminders. Safe for concurrent use; per-reminder
// serialization comes from the store's version contract, not from locks.
type Engine struct {
	store         Store
	maxRetries    int
	defaultOwner  string
	defaultChatID int64
	now           func() time.Time
	logger        *slog.Logger
}

func New(store Store, cfg Config) *Engine {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	return &Engine{
		store:         store,
		maxRetries:    maxRetries,
		defaultOwner:  cfg.DefaultOwner,
		defaultChatID: cfg.DefaultChatID,
		now:           time.Now,
		logger:        slog.Default(),
	}
}

// Outcome reports what applying an event did.
type Outcome struct {
	// Reminder is the state after the event (current state for no-ops).
	Reminder storage.Reminder
	// Effect is the side effect enqueued by the transition, nil if none.
	Effect *storage.Effect
	// Applied is false when the event was absorbed as a no-op (replay,
	// unlisted transition, terminal state, missing target of a system event).
	Applied bool
}

// Apply runs one event through the reconciliation algorithm: dedup check,
// transition table, conditional write with bounded retry on version conflict.
func (e *Engine) Apply(ctx context.Context, ev event.Event) (Outcome, error) {
	if ev.DedupKey == "" {
		return Outcome{}, fmt.Errorf("event %s has no dedup key", ev.Kind)
	}

	if ev.Kind == event.KindCreate {
		// A replayed create has no reminder id to look up; resolve it
		// through the dedup key instead.
		existing, err := e.store.FindByRef(ctx, ev.DedupKey)
		if err == nil {
			return Outcome{Reminder: existing}, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return Outcome{}, fmt.Errorf("resolving create replay: %w", err)
		}
		if ev.ReminderID == "" {
			ev.ReminderID = uuid.New().String()
		}
		// Non-chat sources have no chat identity of their own.
		if ev.Source == event.SourceGmail || ev.Source == event.SourceSheet {
			ev.Actor = e.defaultOwner
		}
		if ev.Payload.ChatID == 0 {
			ev.Payload.ChatID = e.defaultChatID
		}
	}

	for attempt := 0; attempt < e.maxRetries; attempt++ {
		current, err := e.store.Get(ctx, ev.ReminderID)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			if ev.Kind == event.KindCreate {
				current = storage.Reminder{} // Version 0 means "does not exist yet".
			} else if ev.Kind.System() {
				// A fire_due or email_linked for a vanished reminder is
				// absorbed, not an error.
				e.logger.Debug("system event for missing reminder", "kind", ev.Kind, "reminder_id", ev.ReminderID)
				return Outcome{}, nil
			} else {
				return Outcome{}, fmt.Errorf("reminder %s: %w", ev.ReminderID, err)
			}
		case err != nil:
			return Outcome{}, fmt.Errorf("loading reminder %s: %w", ev.ReminderID, err)
		}

		// Idempotent replay: this exact upstream notification was already
		// consumed into the reminder.
		if current.HasRef(ev.DedupKey) {
			return Outcome{Reminder: current}, nil
		}

		next, eff, changed, err := transition(current, ev, e.now())
		if err != nil {
			return Outcome{}, err
		}
		if !changed {
			return Outcome{Reminder: current}, nil
		}

		newVersion, err := e.store.Upsert(ctx, next, current.Version, eff)
		if errors.Is(err, storage.ErrVersionConflict) {
			// Another writer won; reload and reapply the table against
			// whatever it produced.
			e.logger.Debug("version conflict, retrying", "reminder_id", ev.ReminderID, "kind", ev.Kind, "attempt", attempt+1)
			continue
		}
		if err != nil {
			return Outcome{}, fmt.Errorf("persisting reminder %s: %w", next.ID, err)
		}

		next.Version = newVersion
		e.logger.Info("event applied",
			"kind", ev.Kind, "reminder_id", next.ID, "status", next.Status, "version", newVersion)
		return Outcome{Reminder: next, Effect: eff, Applied: true}, nil
	}

	return Outcome{}, fmt.Errorf("applying %s to reminder %s: %w", ev.Kind, ev.ReminderID, ErrConflictExhausted)
}
