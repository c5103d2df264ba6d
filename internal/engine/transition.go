package engine

import (
	"fmt"
	"time"

	"github.com/kalambet/remindd/internal/dispatch"
	"github.com/kalambet/remindd/internal/event"
	"github.com/kalambet/remindd/internal/storage"
)

// transition applies the state table to one reminder and one event.
//
//	(none)     create       -> scheduled            (no effect)
//	scheduled  snooze       -> scheduled, new time  (no effect)
//	scheduled  fire_due     -> fired                (send_message), only if now >= trigger_at
//	scheduled  cancel       -> cancelled            (no effect)
//	fired      acknowledge  -> acknowledged         (no effect)
//	fired      email_linked -> fired, refs updated  (no effect)
//	fired      snooze       -> scheduled, new time  (cancel_trigger)
//	anything else                                      no-op
//
// It is pure: no I/O, no clock (now is a parameter), no mutation of r. The
// third return is false for no-ops; callers must not persist in that case.
// Every applied transition records the event's dedup key as a source ref.
func transition(r storage.Reminder, ev event.Event, now time.Time) (storage.Reminder, *storage.Effect, bool, error) {
	if r.Version == 0 {
		if ev.Kind != event.KindCreate {
			return r, nil, false, nil
		}
		next := storage.Reminder{
			ID:         ev.ReminderID,
			Owner:      ev.Actor,
			ChatID:     ev.Payload.ChatID,
			Text:       ev.Payload.Text,
			TriggerAt:  ev.Payload.TriggerAt.UTC(),
			Status:     storage.StatusScheduled,
			SourceRefs: []string{ev.DedupKey},
		}
		return next, nil, true, nil
	}

	// Terminal states absorb everything.
	if r.Status == storage.StatusCancelled || r.Status == storage.StatusAcknowledged {
		return r, nil, false, nil
	}

	next := r
	next.SourceRefs = append(append([]string{}, r.SourceRefs...), ev.DedupKey)

	switch r.Status {
	case storage.StatusScheduled:
		switch ev.Kind {
		case event.KindSnooze:
			next.TriggerAt = ev.Payload.TriggerAt.UTC()
			return next, nil, true, nil
		case event.KindFireDue:
			if now.Before(r.TriggerAt) {
				// Early or stale fire: the scan observed an old trigger time.
				return r, nil, false, nil
			}
			next.Status = storage.StatusFired
			eff, err := dispatch.NewSendMessage(r.ID, r.ChatID, r.Text)
			if err != nil {
				return r, nil, false, fmt.Errorf("building send effect: %w", err)
			}
			return next, &eff, true, nil
		case event.KindCancel:
			next.Status = storage.StatusCancelled
			return next, nil, true, nil
		}

	case storage.StatusFired:
		switch ev.Kind {
		case event.KindAcknowledge:
			next.Status = storage.StatusAcknowledged
			return next, nil, true, nil
		case event.KindEmailLinked:
			// Status unchanged; only the source ref set grows.
			return next, nil, true, nil
		case event.KindSnooze:
			next.Status = storage.StatusScheduled
			next.TriggerAt = ev.Payload.TriggerAt.UTC()
			eff, err := dispatch.NewCancelTrigger(r.ID)
			if err != nil {
				return r, nil, false, fmt.Errorf("building cancel effect: %w", err)
			}
			return next, &eff, true, nil
		}
	}

	return r, nil, false, nil
}
