// Package dispatch executes queued effects against the outside world. The
// state transition that produced an effect is already durable; execution here
// is best-effort with bounded retry, and never feeds back into reminder state.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/remindd/internal/storage"
)

// Queue abstracts the effect queue operations the dispatcher needs.
type Queue interface {
	ClaimNextEffect(ctx context.Context, kinds []string) (*storage.Effect, error)
	CompleteEffect(ctx context.Context, id string) error
	FailEffect(ctx context.Context, id string, errMsg string) error
	CancelPendingSends(ctx context.Context, reminderID string) (int64, error)
}

// Messenger sends reminder notifications to the owner's chat.
type Messenger interface {
	SendReminder(ctx context.Context, chatID int64, reminderID, text string) error
}

// MailFeed acknowledges consumed email notifications upstream.
type MailFeed interface {
	MarkProcessed(ctx context.Context, messageID string) error
}

var claimKinds = []string{
	storage.EffectSendMessage,
	storage.EffectCancelTrigger,
	storage.EffectAckEmail,
}

// Dispatcher polls the effect queue and executes claimed effects.
type Dispatcher struct {
	queue     Queue
	messenger Messenger
	mail      MailFeed
	poll      time.Duration
	timeout   time.Duration
	logger    *slog.Logger
}

// New creates a Dispatcher with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func New(queue Queue, messenger Messenger, mail MailFeed, pollInterval time.Duration) *Dispatcher {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Dispatcher{
		queue:     queue,
		messenger: messenger,
		mail:      mail,
		poll:      pollInterval,
		timeout:   10 * time.Second,
		logger:    slog.Default(),
	}
}

// Run polls for effects until ctx is cancelled. Multiple Run loops may share
// one Dispatcher; claiming is atomic in the queue.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := d.RunOnce(ctx)
		if err != nil {
			d.logger.Error("dispatcher iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(d.poll):
		}
	}
}

// RunOnce claims and executes a single effect.
// Returns true if an effect was processed (regardless of success/failure).
func (d *Dispatcher) RunOnce(ctx context.Context) (bool, error) {
	eff, err := d.queue.ClaimNextEffect(ctx, claimKinds)
	if err != nil {
		return false, fmt.Errorf("claiming effect: %w", err)
	}
	if eff == nil {
		return false, nil
	}

	execCtx, cancel := context.WithTimeout(ctx, d.timeout)
	err = d.execute(execCtx, eff)
	cancel()
	if err != nil {
		d.logger.Warn("effect failed", "effect_id", eff.ID, "kind", eff.Kind, "error", err)
		if failErr := d.queue.FailEffect(ctx, eff.ID, err.Error()); failErr != nil {
			d.logger.Error("failed to mark effect as failed", "effect_id", eff.ID, "error", failErr)
		}
		return true, nil
	}

	if err := d.queue.CompleteEffect(ctx, eff.ID); err != nil {
		return true, fmt.Errorf("completing effect %s: %w", eff.ID, err)
	}
	return true, nil
}

func (d *Dispatcher) execute(ctx context.Context, eff *storage.Effect) error {
	switch eff.Kind {
	case storage.EffectSendMessage:
		var p SendMessagePayload
		if err := json.Unmarshal([]byte(eff.PayloadJSON), &p); err != nil {
			return fmt.Errorf("parsing send_message payload: %w", err)
		}
		if err := d.messenger.SendReminder(ctx, p.ChatID, p.ReminderID, p.Text); err != nil {
			return fmt.Errorf("sending reminder message: %w", err)
		}
		return nil

	case storage.EffectCancelTrigger:
		var p CancelTriggerPayload
		if err := json.Unmarshal([]byte(eff.PayloadJSON), &p); err != nil {
			return fmt.Errorf("parsing cancel_trigger payload: %w", err)
		}
		n, err := d.queue.CancelPendingSends(ctx, p.ReminderID)
		if err != nil {
			return fmt.Errorf("cancelling pending sends: %w", err)
		}
		if n > 0 {
			d.logger.Info("cancelled pending sends", "reminder_id", p.ReminderID, "count", n)
		}
		return nil

	case storage.EffectAckEmail:
		var p AckEmailPayload
		if err := json.Unmarshal([]byte(eff.PayloadJSON), &p); err != nil {
			return fmt.Errorf("parsing ack_email payload: %w", err)
		}
		if d.mail == nil {
			d.logger.Warn("no mail feed configured, dropping ack", "message_id", p.MessageID)
			return nil
		}
		if err := d.mail.MarkProcessed(ctx, p.MessageID); err != nil {
			return fmt.Errorf("acknowledging email notification: %w", err)
		}
		return nil

	default:
		return fmt.Errorf("unknown effect kind %q", eff.Kind)
	}
}
