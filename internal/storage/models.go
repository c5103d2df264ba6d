package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrVersionConflict is returned by Upsert when the stored version no longer
// matches the expected version, meaning a concurrent writer got there first.
var ErrVersionConflict = errors.New("version conflict")

// Reminder statuses. Transitions between them are owned by the engine package;
// the store persists whatever status it is handed.
const (
	StatusScheduled    = "scheduled"
	StatusFired        = "fired"
	StatusAcknowledged = "acknowledged"
	StatusCancelled    = "cancelled"
)

type Reminder struct {
	ID        string
	Owner     string
	ChatID    int64
	Text      string
	TriggerAt time.Time
	Status    string
	Version   int64
	// SourceRefs holds the dedup keys of every event already consumed into
	// this reminder. Append-only; rows live in the source_refs table.
	SourceRefs []string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// HasRef reports whether ref has already been consumed into the reminder.
func (r Reminder) HasRef(ref string) bool {
	for _, existing := range r.SourceRefs {
		if existing == ref {
			return true
		}
	}
	return false
}

// Effect kinds understood by the dispatcher.
const (
	EffectSendMessage   = "send_message"
	EffectCancelTrigger = "cancel_trigger"
	EffectAckEmail      = "ack_email"
)

// Effect is a queued outbound action. Rows live in the effects table and are
// claimed, completed, or failed by the dispatcher.
type Effect struct {
	ID          string
	Kind        string
	ReminderID  string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed", "cancelled"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
