// Package scanner periodically sweeps the store for due reminders and feeds
// fire_due events into the reconciliation pipeline. It holds no state of its
// own: a reminder that stays due (because a fire failed) is simply observed
// again on the next sweep.
package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/remindd/internal/engine"
	"github.com/kalambet/remindd/internal/event"
	"github.com/kalambet/remindd/internal/storage"
)

// DueLister is the read-side of the store the scanner needs.
type DueLister interface {
	ListDue(ctx context.Context, before time.Time) ([]storage.Reminder, error)
}

// Applier runs an event through guard and engine.
type Applier interface {
	Process(ctx context.Context, ev event.Event) (engine.Outcome, error)
}

type Scanner struct {
	store    DueLister
	pipeline Applier
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// New creates a Scanner. If interval is <= 0, it defaults to 30s.
func New(store DueLister, pipeline Applier, interval time.Duration) *Scanner {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Scanner{
		store:    store,
		pipeline: pipeline,
		interval: interval,
		now:      time.Now,
		logger:   slog.Default(),
	}
}

// Run sweeps on a fixed interval until ctx is cancelled.
func (s *Scanner) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if fired, err := s.RunOnce(ctx); err != nil {
				s.logger.Error("due scan failed", "error", err)
			} else if fired > 0 {
				s.logger.Info("due scan fired reminders", "count", fired)
			}
		}
	}
}

// RunOnce performs a single sweep and returns how many reminders transitioned.
// Individual apply failures don't abort the sweep; the reminder stays due and
// the next sweep retries it.
func (s *Scanner) RunOnce(ctx context.Context) (int, error) {
	due, err := s.store.ListDue(ctx, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("listing due reminders: %w", err)
	}

	fired := 0
	for _, r := range due {
		outcome, err := s.pipeline.Process(ctx, event.FireDue(r.ID, r.TriggerAt))
		if err != nil {
			s.logger.Warn("firing reminder failed", "reminder_id", r.ID, "error", err)
			continue
		}
		if outcome.Applied {
			fired++
		}
	}
	return fired, nil
}
