// Package guard authorizes normalized events against a static allow-list
// before they are allowed to mutate any reminder state.
package guard

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kalambet/remindd/internal/event"
	"github.com/kalambet/remindd/internal/storage"
)

// DeniedError is a terminal authorization failure: the event is logged and
// dropped, no mutation and no side effect happen.
type DeniedError struct {
	Actor  string
	Reason string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("denied for actor %q: %s", e.Actor, e.Reason)
}

func denied(actor, format string, args ...any) error {
	return &DeniedError{Actor: actor, Reason: fmt.Sprintf(format, args...)}
}

// Allowlist is the immutable authorization configuration, built once at
// process start and passed into the guard.
type Allowlist struct {
	// Owner is the chat user id of the single authorized reminder owner.
	Owner string
	// Admins may act on any reminder. Sheet editors belong here.
	Admins []string
	// Senders are email addresses allowed to create reminders by mail.
	Senders []string
}

func (a Allowlist) isAdmin(actor string) bool {
	for _, admin := range a.Admins {
		if admin == actor {
			return true
		}
	}
	return false
}

func (a Allowlist) isAllowedSender(actor string) bool {
	for _, s := range a.Senders {
		if s == actor {
			return true
		}
	}
	return false
}

// ParseList splits a comma- or newline-separated allow-list string into a
// normalized, de-duplicated slice.
func ParseList(raw string) []string {
	raw = strings.ReplaceAll(raw, "\r\n", "\n")
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == '\n'
	})

	var out []string
	seen := make(map[string]bool)
	for _, f := range fields {
		entry := strings.ToLower(strings.TrimSpace(f))
		if entry == "" || seen[entry] {
			continue
		}
		out = append(out, entry)
		seen[entry] = true
	}
	return out
}

// ReminderLookup is the read-side of the store the guard needs for owner checks.
type ReminderLookup interface {
	Get(ctx context.Context, id string) (storage.Reminder, error)
}

// Guard authorizes events. It never mutates state.
type Guard struct {
	list  Allowlist
	store ReminderLookup
}

func New(list Allowlist, store ReminderLookup) *Guard {
	return &Guard{list: list, store: store}
}

// Authorize returns nil if the event may proceed, a *DeniedError if the actor
// is not allowed, or a wrapped storage.ErrNotFound when a user-originated
// event references an absent reminder.
func (g *Guard) Authorize(ctx context.Context, ev event.Event) error {
	if ev.Kind.System() {
		return g.authorizeSystem(ctx, ev)
	}

	if ev.Kind == event.KindCreate {
		if ev.Source == event.SourceGmail {
			if !g.list.isAllowedSender(ev.Actor) {
				return denied(ev.Actor, "sender not in allow-list")
			}
			return nil
		}
		if ev.Actor != g.list.Owner && !g.list.isAdmin(ev.Actor) {
			return denied(ev.Actor, "not authorized to create reminders")
		}
		return nil
	}

	// snooze / cancel / acknowledge: the actor must own the referenced
	// reminder or be an admin.
	if ev.ReminderID == "" {
		return denied(ev.Actor, "%s event without a reminder id", ev.Kind)
	}
	r, err := g.store.Get(ctx, ev.ReminderID)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("reminder %s: %w", ev.ReminderID, err)
	}
	if err != nil {
		return fmt.Errorf("looking up reminder %s: %w", ev.ReminderID, err)
	}
	if ev.Actor != r.Owner && ev.Actor != g.list.Owner && !g.list.isAdmin(ev.Actor) {
		return denied(ev.Actor, "not the owner of reminder %s", ev.ReminderID)
	}
	return nil
}

// authorizeSystem handles fire_due and email_linked: no actor check, but the
// referenced reminder must exist and not be cancelled.
func (g *Guard) authorizeSystem(ctx context.Context, ev event.Event) error {
	if ev.ReminderID == "" {
		return denied(ev.Actor, "%s event without a reminder id", ev.Kind)
	}
	r, err := g.store.Get(ctx, ev.ReminderID)
	if errors.Is(err, storage.ErrNotFound) {
		return denied(ev.Actor, "reminder %s does not exist", ev.ReminderID)
	}
	if err != nil {
		return fmt.Errorf("looking up reminder %s: %w", ev.ReminderID, err)
	}
	if r.Status == storage.StatusCancelled {
		return denied(ev.Actor, "reminder %s is cancelled", ev.ReminderID)
	}
	return nil
}
