package dispatch

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/kalambet/remindd/internal/storage"
)

// SendMessagePayload is the payload of a send_message effect.
type SendMessagePayload struct {
	ReminderID string `json:"reminder_id"`
	ChatID     int64  `json:"chat_id"`
	Text       string `json:"text"`
}

// CancelTriggerPayload is the payload of a cancel_trigger effect.
type CancelTriggerPayload struct {
	ReminderID string `json:"reminder_id"`
}

// AckEmailPayload is the payload of an ack_email effect.
type AckEmailPayload struct {
	MessageID string `json:"message_id"`
}

// NewSendMessage builds a send_message effect for a fired reminder.
func NewSendMessage(reminderID string, chatID int64, text string) (storage.Effect, error) {
	return newEffect(storage.EffectSendMessage, reminderID, SendMessagePayload{
		ReminderID: reminderID,
		ChatID:     chatID,
		Text:       text,
	})
}

// NewCancelTrigger builds a cancel_trigger effect for a snoozed-after-fire reminder.
func NewCancelTrigger(reminderID string) (storage.Effect, error) {
	return newEffect(storage.EffectCancelTrigger, reminderID, CancelTriggerPayload{
		ReminderID: reminderID,
	})
}

// NewAckEmail builds an ack_email effect for a consumed email notification.
func NewAckEmail(reminderID, messageID string) (storage.Effect, error) {
	return newEffect(storage.EffectAckEmail, reminderID, AckEmailPayload{
		MessageID: messageID,
	})
}

func newEffect(kind, reminderID string, payload any) (storage.Effect, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return storage.Effect{}, fmt.Errorf("marshalling %s payload: %w", kind, err)
	}
	return storage.Effect{
		ID:          uuid.New().String(),
		Kind:        kind,
		ReminderID:  reminderID,
		PayloadJSON: string(data),
	}, nil
}
