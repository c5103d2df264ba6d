package event

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"
)

var testNow = time.Date(2026, 8, 27, 10, 0, 0, 0, time.UTC)

func testNormalizer() *Normalizer {
	return NewNormalizerAt(func() time.Time { return testNow })
}

func mustNormalize(t *testing.T, raw string, source Source) Event {
	t.Helper()
	ev, err := testNormalizer().Normalize([]byte(raw), source)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	return ev
}

func wantNormalizationError(t *testing.T, raw string, source Source) {
	t.Helper()
	_, err := testNormalizer().Normalize([]byte(raw), source)
	var normErr *NormalizationError
	if !errors.As(err, &normErr) {
		t.Fatalf("err = %v, want *NormalizationError", err)
	}
}

// --- Telegram ---

func tgCommand(chatID, msgID, userID int64, text string) string {
	return fmt.Sprintf(`{"update_id":1,"message":{"message_id":%d,"from":{"id":%d},"chat":{"id":%d},"text":%q}}`,
		msgID, userID, chatID, text)
}

func TestTelegramRemindCommand(t *testing.T) {
	ev := mustNormalize(t, tgCommand(42, 100, 7, "/remind 45m water the plants"), SourceTelegram)

	if ev.Kind != KindCreate {
		t.Errorf("Kind = %q, want create", ev.Kind)
	}
	if ev.Actor != "7" {
		t.Errorf("Actor = %q, want 7", ev.Actor)
	}
	if ev.DedupKey != "tg:msg:42:100" {
		t.Errorf("DedupKey = %q", ev.DedupKey)
	}
	if ev.Payload.Text != "water the plants" {
		t.Errorf("Text = %q", ev.Payload.Text)
	}
	if ev.Payload.ChatID != 42 {
		t.Errorf("ChatID = %d, want 42", ev.Payload.ChatID)
	}
	want := testNow.Add(45 * time.Minute)
	if !ev.Payload.TriggerAt.Equal(want) {
		t.Errorf("TriggerAt = %v, want %v", ev.Payload.TriggerAt, want)
	}
}

func TestTelegramRemindCommand_AbsoluteTime(t *testing.T) {
	ev := mustNormalize(t, tgCommand(42, 100, 7, "/remind 2026-09-01T09:00:00Z renew passport"), SourceTelegram)

	want := time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC)
	if !ev.Payload.TriggerAt.Equal(want) {
		t.Errorf("TriggerAt = %v, want %v", ev.Payload.TriggerAt, want)
	}
}

func TestTelegramBotSuffixStripped(t *testing.T) {
	ev := mustNormalize(t, tgCommand(42, 100, 7, "/cancel@remindd_bot rem-001"), SourceTelegram)

	if ev.Kind != KindCancel {
		t.Errorf("Kind = %q, want cancel", ev.Kind)
	}
	if ev.ReminderID != "rem-001" {
		t.Errorf("ReminderID = %q", ev.ReminderID)
	}
}

func TestTelegramSnoozeCommand(t *testing.T) {
	ev := mustNormalize(t, tgCommand(42, 101, 7, "/snooze rem-001 2h"), SourceTelegram)

	if ev.Kind != KindSnooze {
		t.Errorf("Kind = %q, want snooze", ev.Kind)
	}
	if ev.ReminderID != "rem-001" {
		t.Errorf("ReminderID = %q", ev.ReminderID)
	}
	want := testNow.Add(2 * time.Hour)
	if !ev.Payload.TriggerAt.Equal(want) {
		t.Errorf("TriggerAt = %v, want %v", ev.Payload.TriggerAt, want)
	}
}

func TestTelegramDoneCommand(t *testing.T) {
	ev := mustNormalize(t, tgCommand(42, 102, 7, "/done rem-001"), SourceTelegram)

	if ev.Kind != KindAcknowledge {
		t.Errorf("Kind = %q, want acknowledge", ev.Kind)
	}
}

func TestTelegramCallback(t *testing.T) {
	raw := `{"update_id":2,"callback_query":{"id":"cb-99","from":{"id":7},"data":"ack:rem-001"}}`
	ev := mustNormalize(t, raw, SourceTelegram)

	if ev.Kind != KindAcknowledge {
		t.Errorf("Kind = %q, want acknowledge", ev.Kind)
	}
	if ev.ReminderID != "rem-001" {
		t.Errorf("ReminderID = %q", ev.ReminderID)
	}
	if ev.DedupKey != "tg:cb:cb-99" {
		t.Errorf("DedupKey = %q", ev.DedupKey)
	}
}

func TestTelegramCallbackSnooze(t *testing.T) {
	raw := `{"update_id":2,"callback_query":{"id":"cb-99","from":{"id":7},"data":"snooze:rem-001:1h"}}`
	ev := mustNormalize(t, raw, SourceTelegram)

	if ev.Kind != KindSnooze {
		t.Errorf("Kind = %q, want snooze", ev.Kind)
	}
	want := testNow.Add(time.Hour)
	if !ev.Payload.TriggerAt.Equal(want) {
		t.Errorf("TriggerAt = %v, want %v", ev.Payload.TriggerAt, want)
	}
}

func TestTelegramMalformed(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not json", `{{{`},
		{"no message or callback", `{"update_id":1}`},
		{"missing from", `{"message":{"message_id":1,"chat":{"id":1},"text":"/cancel x"}}`},
		{"not a command", tgCommand(1, 1, 1, "hello there")},
		{"unknown command", tgCommand(1, 1, 1, "/frobnicate now")},
		{"remind without text", tgCommand(1, 1, 1, "/remind 45m")},
		{"remind with bad time", tgCommand(1, 1, 1, "/remind yesterday do it")},
		{"negative duration", tgCommand(1, 1, 1, "/remind -45m do it")},
		{"bad callback data", `{"callback_query":{"id":"x","from":{"id":1},"data":"ack:"}}`},
		{"bad snooze duration", `{"callback_query":{"id":"x","from":{"id":1},"data":"snooze:r1:soon"}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			wantNormalizationError(t, tc.raw, SourceTelegram)
		})
	}
}

// --- Gmail ---

func gmailPushBody(t *testing.T, note gmailNotification) string {
	t.Helper()
	data, err := json.Marshal(note)
	if err != nil {
		t.Fatal(err)
	}
	encoded := base64.StdEncoding.EncodeToString(data)
	return fmt.Sprintf(`{"message":{"data":%q,"messageId":"pubsub-1"},"subscription":"sub"}`, encoded)
}

func TestGmailCreate(t *testing.T) {
	raw := gmailPushBody(t, gmailNotification{
		EmailAddress: "inbox@example.com",
		HistoryID:    555,
		MessageID:    "msg-1",
		Subject:      "pick up package",
		From:         "Alice Smith <Alice@Example.com>",
	})
	ev := mustNormalize(t, raw, SourceGmail)

	if ev.Kind != KindCreate {
		t.Errorf("Kind = %q, want create", ev.Kind)
	}
	if ev.Actor != "alice@example.com" {
		t.Errorf("Actor = %q, want lowered bare address", ev.Actor)
	}
	if ev.DedupKey != "gmail:555:msg-1" {
		t.Errorf("DedupKey = %q", ev.DedupKey)
	}
	if ev.Payload.MessageID != "msg-1" {
		t.Errorf("MessageID = %q", ev.Payload.MessageID)
	}
	// No dueAt: default is one hour out.
	want := testNow.Add(time.Hour)
	if !ev.Payload.TriggerAt.Equal(want) {
		t.Errorf("TriggerAt = %v, want %v", ev.Payload.TriggerAt, want)
	}
}

func TestGmailCreateWithDueAt(t *testing.T) {
	raw := gmailPushBody(t, gmailNotification{
		HistoryID: 556,
		MessageID: "msg-2",
		Subject:   "dentist",
		From:      "bob@example.com",
		DueAt:     "2026-09-02T08:00:00Z",
	})
	ev := mustNormalize(t, raw, SourceGmail)

	want := time.Date(2026, 9, 2, 8, 0, 0, 0, time.UTC)
	if !ev.Payload.TriggerAt.Equal(want) {
		t.Errorf("TriggerAt = %v, want %v", ev.Payload.TriggerAt, want)
	}
}

func TestGmailEmailLinked(t *testing.T) {
	raw := gmailPushBody(t, gmailNotification{
		HistoryID: 557,
		MessageID: "msg-3",
		Subject:   "Re: follow up [reminder:rem-001]",
		From:      "carol@example.com",
	})
	ev := mustNormalize(t, raw, SourceGmail)

	if ev.Kind != KindEmailLinked {
		t.Errorf("Kind = %q, want email_linked", ev.Kind)
	}
	if ev.ReminderID != "rem-001" {
		t.Errorf("ReminderID = %q", ev.ReminderID)
	}
	if ev.DedupKey != "gmail:557:msg-3" {
		t.Errorf("DedupKey = %q", ev.DedupKey)
	}
}

func TestGmailMalformed(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not json", `no`},
		{"no data", `{"message":{"messageId":"x"}}`},
		{"bad base64", `{"message":{"data":"!!!"}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			wantNormalizationError(t, tc.raw, SourceGmail)
		})
	}

	t.Run("missing history id", func(t *testing.T) {
		raw := gmailPushBody(t, gmailNotification{MessageID: "m", From: "a@b.c"})
		wantNormalizationError(t, raw, SourceGmail)
	})
	t.Run("missing sender on create", func(t *testing.T) {
		raw := gmailPushBody(t, gmailNotification{HistoryID: 1, MessageID: "m", Subject: "s"})
		wantNormalizationError(t, raw, SourceGmail)
	})
}

// --- Sheet ---

func TestSheetDueAtEdit(t *testing.T) {
	raw := `{"reminderId":"rem-001","revision":12,"editor":"Alice@Example.com","column":"due_at","value":"2026-09-01T09:00:00Z"}`
	ev := mustNormalize(t, raw, SourceSheet)

	if ev.Kind != KindSnooze {
		t.Errorf("Kind = %q, want snooze", ev.Kind)
	}
	if ev.Actor != "alice@example.com" {
		t.Errorf("Actor = %q, want lowered editor", ev.Actor)
	}
	if ev.DedupKey != "sheet:rem-001:12" {
		t.Errorf("DedupKey = %q", ev.DedupKey)
	}
	want := time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC)
	if !ev.Payload.TriggerAt.Equal(want) {
		t.Errorf("TriggerAt = %v, want %v", ev.Payload.TriggerAt, want)
	}
}

func TestSheetStatusEdits(t *testing.T) {
	cancel := mustNormalize(t,
		`{"reminderId":"r","revision":1,"editor":"e@x.y","column":"status","value":"cancelled"}`, SourceSheet)
	if cancel.Kind != KindCancel {
		t.Errorf("Kind = %q, want cancel", cancel.Kind)
	}

	ack := mustNormalize(t,
		`{"reminderId":"r","revision":2,"editor":"e@x.y","column":"status","value":"acknowledged"}`, SourceSheet)
	if ack.Kind != KindAcknowledge {
		t.Errorf("Kind = %q, want acknowledge", ack.Kind)
	}
}

func TestSheetMalformed(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"missing revision", `{"reminderId":"r","editor":"e","column":"status","value":"cancelled"}`},
		{"missing editor", `{"reminderId":"r","revision":1,"column":"status","value":"cancelled"}`},
		{"unknown column", `{"reminderId":"r","revision":1,"editor":"e","column":"notes","value":"x"}`},
		{"unknown status", `{"reminderId":"r","revision":1,"editor":"e","column":"status","value":"paused"}`},
		{"bad due_at", `{"reminderId":"r","revision":1,"editor":"e","column":"due_at","value":"tomorrow"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			wantNormalizationError(t, tc.raw, SourceSheet)
		})
	}
}

// --- Shared ---

func TestUnsupportedSource(t *testing.T) {
	wantNormalizationError(t, `{}`, Source("carrier-pigeon"))
}

func TestFireDueDedupBindsTriggerTime(t *testing.T) {
	at := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	ev := FireDue("rem-001", at)

	if ev.Kind != KindFireDue {
		t.Errorf("Kind = %q, want fire_due", ev.Kind)
	}
	if ev.DedupKey != "fire:rem-001:2026-09-01T12:00:00Z" {
		t.Errorf("DedupKey = %q", ev.DedupKey)
	}

	// A different trigger time yields a different key, so a stale fire
	// cannot be mistaken for a replay of the new one.
	later := FireDue("rem-001", at.Add(time.Hour))
	if later.DedupKey == ev.DedupKey {
		t.Error("dedup keys for different trigger times must differ")
	}
}

func TestKindSystem(t *testing.T) {
	for _, k := range []Kind{KindFireDue, KindEmailLinked} {
		if !k.System() {
			t.Errorf("%s.System() = false, want true", k)
		}
	}
	for _, k := range []Kind{KindCreate, KindSnooze, KindCancel, KindAcknowledge} {
		if k.System() {
			t.Errorf("%s.System() = true, want false", k)
		}
	}
}
