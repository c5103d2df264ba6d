// Package event defines the normalized reminder event model and the
// normalizer that turns raw source payloads into it.
package event

import (
	"fmt"
	"time"
)

// Kind identifies what an event wants to do to a reminder.
type Kind string

const (
	KindCreate      Kind = "create"
	KindSnooze      Kind = "snooze"
	KindCancel      Kind = "cancel"
	KindFireDue     Kind = "fire_due"
	KindAcknowledge Kind = "acknowledge"
	KindEmailLinked Kind = "email_linked"
)

// System reports whether the kind is system-originated: no actor check, but
// the referenced reminder must exist.
func (k Kind) System() bool {
	return k == KindFireDue || k == KindEmailLinked
}

// Source identifies the channel an event arrived on.
type Source string

const (
	SourceTelegram Source = "telegram"
	SourceGmail    Source = "gmail"
	SourceSheet    Source = "sheet"
	SourceScanner  Source = "scanner"
	SourceAPI      Source = "api"
)

// Event is a normalized, source-agnostic description of a reminder mutation.
// Events are transient; only their dedup keys are persisted (as source refs).
type Event struct {
	Kind       Kind
	ReminderID string // empty for create events without a caller-chosen id
	Actor      string
	Source     Source
	DedupKey   string
	Payload    Payload
}

// Payload carries the kind-specific fields. Unused fields stay zero.
type Payload struct {
	Text      string
	TriggerAt time.Time
	ChatID    int64
	MessageID string // upstream email message id (gmail source)
	Subject   string
	Sender    string
}

// NormalizationError reports a malformed or unsupported raw payload. Such
// events are dropped and logged; they never reach the engine.
type NormalizationError struct {
	Reason string
}

func (e *NormalizationError) Error() string {
	return "normalization failed: " + e.Reason
}

func badPayload(format string, args ...any) error {
	return &NormalizationError{Reason: fmt.Sprintf(format, args...)}
}

// FireDue builds the event the due-scan emits for a scheduled reminder whose
// trigger time has passed. The dedup key binds the event to the trigger time
// it observed, so a fire for a since-snoozed reminder replays as a no-op.
func FireDue(reminderID string, triggerAt time.Time) Event {
	return Event{
		Kind:       KindFireDue,
		ReminderID: reminderID,
		Actor:      "scanner",
		Source:     SourceScanner,
		DedupKey:   fmt.Sprintf("fire:%s:%s", reminderID, triggerAt.UTC().Format(time.RFC3339)),
		Payload:    Payload{TriggerAt: triggerAt},
	}
}
