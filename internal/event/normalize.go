package event

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Normalizer converts raw inbound payloads into Events. It performs no I/O;
// the only ambient input is the clock, injected so tests stay deterministic.
type Normalizer struct {
	now func() time.Time
}

// NewNormalizer returns a Normalizer using the real clock.
func NewNormalizer() *Normalizer {
	return &Normalizer{now: time.Now}
}

// NewNormalizerAt returns a Normalizer with a fixed clock (tests).
func NewNormalizerAt(now func() time.Time) *Normalizer {
	return &Normalizer{now: now}
}

// Normalize validates and converts a raw source payload into an Event.
// Malformed payloads return a *NormalizationError and no event.
func (n *Normalizer) Normalize(raw []byte, source Source) (Event, error) {
	switch source {
	case SourceTelegram:
		return n.normalizeTelegram(raw)
	case SourceGmail:
		return n.normalizeGmail(raw)
	case SourceSheet:
		return n.normalizeSheet(raw)
	default:
		return Event{}, badPayload("unsupported source %q", source)
	}
}

// --- Telegram ---

type tgUpdate struct {
	UpdateID int64       `json:"update_id"`
	Message  *tgMessage  `json:"message"`
	Callback *tgCallback `json:"callback_query"`
}

type tgMessage struct {
	MessageID int64   `json:"message_id"`
	From      *tgUser `json:"from"`
	Chat      *tgChat `json:"chat"`
	Text      string  `json:"text"`
}

type tgUser struct {
	ID int64 `json:"id"`
}

type tgChat struct {
	ID int64 `json:"id"`
}

type tgCallback struct {
	ID   string  `json:"id"`
	From *tgUser `json:"from"`
	Data string  `json:"data"`
}

func (n *Normalizer) normalizeTelegram(raw []byte) (Event, error) {
	var update tgUpdate
	if err := json.Unmarshal(raw, &update); err != nil {
		return Event{}, badPayload("invalid telegram update: %v", err)
	}

	switch {
	case update.Message != nil:
		return n.telegramMessage(update.Message)
	case update.Callback != nil:
		return n.telegramCallback(update.Callback)
	default:
		return Event{}, badPayload("telegram update carries neither message nor callback_query")
	}
}

// telegramMessage parses bot text commands:
//
//	/remind <when> <text...>
//	/snooze <id> <when>
//	/cancel <id>
//	/done <id>
//
// <when> is either RFC3339 or a relative duration like 45m or 2h.
func (n *Normalizer) telegramMessage(msg *tgMessage) (Event, error) {
	if msg.From == nil || msg.Chat == nil {
		return Event{}, badPayload("telegram message missing from/chat")
	}
	fields := strings.Fields(msg.Text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return Event{}, badPayload("telegram message is not a command: %q", msg.Text)
	}

	actor := strconv.FormatInt(msg.From.ID, 10)
	dedup := fmt.Sprintf("tg:msg:%d:%d", msg.Chat.ID, msg.MessageID)

	// Commands in group chats arrive as /cmd@botname.
	cmd := fields[0]
	if i := strings.Index(cmd, "@"); i >= 0 {
		cmd = cmd[:i]
	}

	switch cmd {
	case "/remind":
		if len(fields) < 3 {
			return Event{}, badPayload("/remind needs a time and a message")
		}
		triggerAt, err := n.ParseWhen(fields[1])
		if err != nil {
			return Event{}, err
		}
		return Event{
			Kind:     KindCreate,
			Actor:    actor,
			Source:   SourceTelegram,
			DedupKey: dedup,
			Payload: Payload{
				Text:      strings.Join(fields[2:], " "),
				TriggerAt: triggerAt,
				ChatID:    msg.Chat.ID,
			},
		}, nil

	case "/snooze":
		if len(fields) < 3 {
			return Event{}, badPayload("/snooze needs a reminder id and a time")
		}
		triggerAt, err := n.ParseWhen(fields[2])
		if err != nil {
			return Event{}, err
		}
		return Event{
			Kind:       KindSnooze,
			ReminderID: fields[1],
			Actor:      actor,
			Source:     SourceTelegram,
			DedupKey:   dedup,
			Payload:    Payload{TriggerAt: triggerAt},
		}, nil

	case "/cancel":
		if len(fields) < 2 {
			return Event{}, badPayload("/cancel needs a reminder id")
		}
		return Event{
			Kind:       KindCancel,
			ReminderID: fields[1],
			Actor:      actor,
			Source:     SourceTelegram,
			DedupKey:   dedup,
		}, nil

	case "/done":
		if len(fields) < 2 {
			return Event{}, badPayload("/done needs a reminder id")
		}
		return Event{
			Kind:       KindAcknowledge,
			ReminderID: fields[1],
			Actor:      actor,
			Source:     SourceTelegram,
			DedupKey:   dedup,
		}, nil

	default:
		return Event{}, badPayload("unknown command %q", fields[0])
	}
}

// telegramCallback parses inline keyboard presses. Data format is
// "ack:<id>", "cancel:<id>", or "snooze:<id>:<duration>".
func (n *Normalizer) telegramCallback(cb *tgCallback) (Event, error) {
	if cb.From == nil || cb.ID == "" {
		return Event{}, badPayload("telegram callback missing from/id")
	}
	parts := strings.Split(cb.Data, ":")
	if len(parts) < 2 || parts[1] == "" {
		return Event{}, badPayload("malformed callback data %q", cb.Data)
	}

	actor := strconv.FormatInt(cb.From.ID, 10)
	ev := Event{
		ReminderID: parts[1],
		Actor:      actor,
		Source:     SourceTelegram,
		DedupKey:   "tg:cb:" + cb.ID,
	}

	switch parts[0] {
	case "ack":
		ev.Kind = KindAcknowledge
	case "cancel":
		ev.Kind = KindCancel
	case "snooze":
		if len(parts) < 3 {
			return Event{}, badPayload("snooze callback missing duration: %q", cb.Data)
		}
		dur, err := time.ParseDuration(parts[2])
		if err != nil || dur <= 0 {
			return Event{}, badPayload("invalid snooze duration %q", parts[2])
		}
		ev.Kind = KindSnooze
		ev.Payload.TriggerAt = n.now().UTC().Add(dur)
	default:
		return Event{}, badPayload("unknown callback action %q", parts[0])
	}
	return ev, nil
}

// ParseWhen parses the user-facing time syntax: RFC3339 or a positive
// relative duration such as 45m or 2h.
func (n *Normalizer) ParseWhen(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	if dur, err := time.ParseDuration(s); err == nil && dur > 0 {
		return n.now().UTC().Add(dur), nil
	}
	return time.Time{}, badPayload("cannot parse time %q (want RFC3339 or a duration like 45m)", s)
}

// --- Gmail push ---

// gmailPush is the Pub/Sub push envelope delivered to the webhook.
type gmailPush struct {
	Message struct {
		Data      string `json:"data"` // base64-encoded gmailNotification
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// gmailNotification is the decoded notification body. The watch relay
// resolves the Gmail history entry into message metadata before pushing.
type gmailNotification struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    uint64 `json:"historyId"`
	MessageID    string `json:"messageId"`
	Subject      string `json:"subject"`
	From         string `json:"from"`
	DueAt        string `json:"dueAt,omitempty"` // optional RFC3339
}

// reminderTag extracts a reminder id from a subject of the form
// "... [reminder:<id>] ...". Empty string when absent.
func reminderTag(subject string) string {
	const marker = "[reminder:"
	start := strings.Index(subject, marker)
	if start < 0 {
		return ""
	}
	rest := subject[start+len(marker):]
	end := strings.Index(rest, "]")
	if end <= 0 {
		return ""
	}
	return rest[:end]
}

// senderAddress lowers and strips a "Name <addr>" style From header down to
// the bare address.
func senderAddress(from string) string {
	addr := from
	if start := strings.Index(from, "<"); start >= 0 {
		if end := strings.Index(from[start:], ">"); end > 0 {
			addr = from[start+1 : start+end]
		}
	}
	return strings.ToLower(strings.TrimSpace(addr))
}

func (n *Normalizer) normalizeGmail(raw []byte) (Event, error) {
	var push gmailPush
	if err := json.Unmarshal(raw, &push); err != nil {
		return Event{}, badPayload("invalid gmail push envelope: %v", err)
	}
	if push.Message.Data == "" {
		return Event{}, badPayload("gmail push has no message data")
	}

	decoded, err := base64.StdEncoding.DecodeString(push.Message.Data)
	if err != nil {
		return Event{}, badPayload("invalid base64 in gmail push: %v", err)
	}
	var note gmailNotification
	if err := json.Unmarshal(decoded, &note); err != nil {
		return Event{}, badPayload("invalid gmail notification body: %v", err)
	}
	if note.HistoryID == 0 || note.MessageID == "" {
		return Event{}, badPayload("gmail notification missing historyId/messageId")
	}

	// Same upstream notification redelivered yields the same key.
	dedup := fmt.Sprintf("gmail:%d:%s", note.HistoryID, note.MessageID)
	sender := senderAddress(note.From)

	if id := reminderTag(note.Subject); id != "" {
		return Event{
			Kind:       KindEmailLinked,
			ReminderID: id,
			Actor:      sender,
			Source:     SourceGmail,
			DedupKey:   dedup,
			Payload: Payload{
				MessageID: note.MessageID,
				Subject:   note.Subject,
				Sender:    sender,
			},
		}, nil
	}

	if sender == "" {
		return Event{}, badPayload("gmail notification missing sender")
	}

	triggerAt := n.now().UTC().Add(time.Hour)
	if note.DueAt != "" {
		t, err := time.Parse(time.RFC3339, note.DueAt)
		if err != nil {
			return Event{}, badPayload("invalid dueAt %q: %v", note.DueAt, err)
		}
		triggerAt = t.UTC()
	}

	return Event{
		Kind:     KindCreate,
		Actor:    sender,
		Source:   SourceGmail,
		DedupKey: dedup,
		Payload: Payload{
			Text:      note.Subject,
			TriggerAt: triggerAt,
			MessageID: note.MessageID,
			Subject:   note.Subject,
			Sender:    sender,
		},
	}, nil
}

// --- Sheet change hook ---

// sheetChange is the row-change payload posted by the spreadsheet's change
// hook when someone edits the reminder table directly.
type sheetChange struct {
	ReminderID string `json:"reminderId"`
	Revision   int64  `json:"revision"`
	Editor     string `json:"editor"`
	Column     string `json:"column"`
	Value      string `json:"value"`
}

func (n *Normalizer) normalizeSheet(raw []byte) (Event, error) {
	var change sheetChange
	if err := json.Unmarshal(raw, &change); err != nil {
		return Event{}, badPayload("invalid sheet change payload: %v", err)
	}
	if change.ReminderID == "" || change.Revision == 0 {
		return Event{}, badPayload("sheet change missing reminderId/revision")
	}
	if change.Editor == "" {
		return Event{}, badPayload("sheet change missing editor")
	}

	ev := Event{
		ReminderID: change.ReminderID,
		Actor:      strings.ToLower(strings.TrimSpace(change.Editor)),
		Source:     SourceSheet,
		DedupKey:   fmt.Sprintf("sheet:%s:%d", change.ReminderID, change.Revision),
	}

	switch change.Column {
	case "due_at":
		t, err := time.Parse(time.RFC3339, change.Value)
		if err != nil {
			return Event{}, badPayload("invalid due_at value %q: %v", change.Value, err)
		}
		ev.Kind = KindSnooze
		ev.Payload.TriggerAt = t.UTC()
	case "status":
		switch change.Value {
		case "cancelled":
			ev.Kind = KindCancel
		case "acknowledged":
			ev.Kind = KindAcknowledge
		default:
			return Event{}, badPayload("unsupported status edit %q", change.Value)
		}
	default:
		return Event{}, badPayload("unsupported column edit %q", change.Column)
	}
	return ev, nil
}
