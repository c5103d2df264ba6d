package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kalambet/remindd/internal/engine"
	"github.com/kalambet/remindd/internal/event"
	"github.com/kalambet/remindd/internal/guard"
	"github.com/kalambet/remindd/internal/storage"
)

const (
	testToken    = "test-token"
	testSecret   = "tg-secret"
	testOwner    = "7001" // telegram user id of the owner
	allowedEmail = "boss@example.com"
)

func newTestAPI(t *testing.T) (http.Handler, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	g := guard.New(guard.Allowlist{
		Owner:   testOwner,
		Admins:  []string{"editor@example.com"},
		Senders: []string{allowedEmail},
	}, store)
	e := engine.New(store, engine.Config{DefaultOwner: testOwner, DefaultChatID: 42})
	p := engine.NewPipeline(g, e)

	h := NewHandler(Deps{
		Store:          store,
		Pipeline:       p,
		Normalizer:     event.NewNormalizer(),
		Token:          testToken,
		TelegramSecret: testSecret,
		Owner:          testOwner,
		Scan:           func(ctx context.Context) (int, error) { return 3, nil },
	})
	return h, store
}

func doRequest(h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func authed(method, path, body string) func(http.Handler) *httptest.ResponseRecorder {
	return func(h http.Handler) *httptest.ResponseRecorder {
		return doRequest(h, method, path, body, map[string]string{"Authorization": "Bearer " + testToken})
	}
}

func decodeView(t *testing.T, rec *httptest.ResponseRecorder) reminderView {
	t.Helper()
	var v reminderView
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decoding response %q: %v", rec.Body.String(), err)
	}
	return v
}

func createReminder(t *testing.T, h http.Handler, requestID string) reminderView {
	t.Helper()
	body := fmt.Sprintf(`{"text":"water the plants","at":"2027-01-02T15:04:05Z","request_id":%q}`, requestID)
	rec := authed(http.MethodPost, "/reminders", body)(h)
	if rec.Code != http.StatusOK {
		t.Fatalf("create returned %d: %s", rec.Code, rec.Body.String())
	}
	return decodeView(t, rec)
}

func TestHealthIsPublic(t *testing.T) {
	h, _ := newTestAPI(t)
	rec := doRequest(h, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health returned %d", rec.Code)
	}
}

func TestManagementRequiresToken(t *testing.T) {
	h, _ := newTestAPI(t)
	for _, headers := range []map[string]string{
		nil,
		{"Authorization": "Bearer wrong"},
		{"Authorization": "Basic dXNlcg=="},
	} {
		rec := doRequest(h, http.MethodGet, "/reminders", "", headers)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("headers %v: code = %d, want 401", headers, rec.Code)
		}
	}
}

func TestTelegramWebhookRequiresSecret(t *testing.T) {
	h, _ := newTestAPI(t)
	rec := doRequest(h, http.MethodPost, "/webhook/telegram", "{}", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("code = %d, want 401", rec.Code)
	}
}

func TestCreateAndGetReminder(t *testing.T) {
	h, _ := newTestAPI(t)
	created := createReminder(t, h, "req-1")
	if created.ID == "" || created.Status != storage.StatusScheduled {
		t.Fatalf("created = %+v", created)
	}
	if created.Owner != testOwner {
		t.Errorf("Owner = %q", created.Owner)
	}

	rec := authed(http.MethodGet, "/reminders/"+created.ID, "")(h)
	if rec.Code != http.StatusOK {
		t.Fatalf("get returned %d", rec.Code)
	}
	got := decodeView(t, rec)
	if got.ID != created.ID || got.Text != "water the plants" {
		t.Errorf("got = %+v", got)
	}
}

func TestCreateIsIdempotentPerRequestID(t *testing.T) {
	h, _ := newTestAPI(t)
	first := createReminder(t, h, "req-1")
	second := createReminder(t, h, "req-1")
	if second.ID != first.ID {
		t.Errorf("replayed create made %q, want %q", second.ID, first.ID)
	}

	rec := authed(http.MethodGet, "/reminders?status=scheduled", "")(h)
	var views []reminderView
	if err := json.Unmarshal(rec.Body.Bytes(), &views); err != nil {
		t.Fatalf("decoding list: %v", err)
	}
	if len(views) != 1 {
		t.Errorf("scheduled reminders = %d, want 1", len(views))
	}
}

func TestCreateValidation(t *testing.T) {
	h, _ := newTestAPI(t)
	for _, body := range []string{
		`{"at":"2027-01-02T15:04:05Z"}`,
		`{"text":"x"}`,
		`{"text":"x","at":"next tuesday"}`,
		`not json`,
	} {
		rec := authed(http.MethodPost, "/reminders", body)(h)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %q: code = %d, want 400", body, rec.Code)
		}
	}
}

func TestViewHidesInternals(t *testing.T) {
	h, _ := newTestAPI(t)
	body := `{"text":"x","at":"2027-01-02T15:04:05Z"}`
	rec := authed(http.MethodPost, "/reminders", body)(h)
	raw := rec.Body.String()
	if strings.Contains(raw, "version") || strings.Contains(raw, "source_refs") {
		t.Errorf("response leaks internals: %s", raw)
	}
}

func TestSnoozeReminder(t *testing.T) {
	h, _ := newTestAPI(t)
	created := createReminder(t, h, "req-1")

	rec := authed(http.MethodPost, "/reminders/"+created.ID+"/snooze", `{"until":"2027-02-01T09:00:00Z"}`)(h)
	if rec.Code != http.StatusOK {
		t.Fatalf("snooze returned %d: %s", rec.Code, rec.Body.String())
	}
	got := decodeView(t, rec)
	if got.TriggerAt.Format("2006-01-02") != "2027-02-01" {
		t.Errorf("TriggerAt = %v", got.TriggerAt)
	}
	if got.Status != storage.StatusScheduled {
		t.Errorf("Status = %q", got.Status)
	}
}

func TestCancelReminder(t *testing.T) {
	h, _ := newTestAPI(t)
	created := createReminder(t, h, "req-1")

	rec := authed(http.MethodPost, "/reminders/"+created.ID+"/cancel", "")(h)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel returned %d: %s", rec.Code, rec.Body.String())
	}
	if got := decodeView(t, rec); got.Status != storage.StatusCancelled {
		t.Errorf("Status = %q", got.Status)
	}

	// Acknowledging a cancelled reminder is absorbed, not an error.
	rec = authed(http.MethodPost, "/reminders/"+created.ID+"/ack", "")(h)
	if rec.Code != http.StatusOK {
		t.Fatalf("ack returned %d", rec.Code)
	}
	if got := decodeView(t, rec); got.Status != storage.StatusCancelled {
		t.Errorf("Status after ack = %q", got.Status)
	}
}

func TestActionOnMissingReminder(t *testing.T) {
	h, _ := newTestAPI(t)
	for _, path := range []string{
		"/reminders/rem-gone",
		"/reminders/rem-gone/cancel",
		"/reminders/rem-gone/ack",
	} {
		method := http.MethodPost
		if path == "/reminders/rem-gone" {
			method = http.MethodGet
		}
		rec := authed(method, path, "")(h)
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s %s: code = %d, want 404", method, path, rec.Code)
		}
	}
}

func TestScanEndpoint(t *testing.T) {
	h, _ := newTestAPI(t)
	rec := authed(http.MethodPost, "/scan", "")(h)
	if rec.Code != http.StatusOK {
		t.Fatalf("scan returned %d", rec.Code)
	}
	var out map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if out["fired"] != 3 {
		t.Errorf("fired = %d", out["fired"])
	}
}

func telegramHeaders() map[string]string {
	return map[string]string{"X-Telegram-Bot-Api-Secret-Token": testSecret}
}

func TestTelegramWebhookCreate(t *testing.T) {
	h, store := newTestAPI(t)
	update := `{"update_id":1,"message":{"message_id":100,"from":{"id":7001},"chat":{"id":42},"text":"/remind 45m water the plants"}}`

	rec := doRequest(h, http.MethodPost, "/webhook/telegram", update, telegramHeaders())
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d: %s", rec.Code, rec.Body.String())
	}

	reminders, err := store.List(context.Background(), storage.StatusScheduled, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(reminders) != 1 || reminders[0].Text != "water the plants" {
		t.Fatalf("reminders = %+v", reminders)
	}
	if reminders[0].ChatID != 42 {
		t.Errorf("ChatID = %d", reminders[0].ChatID)
	}
}

func TestTelegramWebhookMalformedAnswers200(t *testing.T) {
	h, store := newTestAPI(t)
	// Redelivering garbage will never help, so the webhook acks it.
	rec := doRequest(h, http.MethodPost, "/webhook/telegram", `{"update_id":1}`, telegramHeaders())
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200", rec.Code)
	}
	reminders, _ := store.List(context.Background(), "", 10)
	if len(reminders) != 0 {
		t.Errorf("reminders = %+v", reminders)
	}
}

func TestTelegramWebhookUnknownReminderAnswers200(t *testing.T) {
	h, _ := newTestAPI(t)
	update := `{"update_id":2,"message":{"message_id":101,"from":{"id":7001},"chat":{"id":42},"text":"/cancel rem-gone"}}`
	rec := doRequest(h, http.MethodPost, "/webhook/telegram", update, telegramHeaders())
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200", rec.Code)
	}
}

func TestTelegramWebhookDeniedAnswers200(t *testing.T) {
	h, store := newTestAPI(t)
	update := `{"update_id":3,"message":{"message_id":102,"from":{"id":9999},"chat":{"id":42},"text":"/remind 45m hijack"}}`
	rec := doRequest(h, http.MethodPost, "/webhook/telegram", update, telegramHeaders())
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200", rec.Code)
	}
	reminders, _ := store.List(context.Background(), "", 10)
	if len(reminders) != 0 {
		t.Errorf("denied create left reminders: %+v", reminders)
	}
}

func gmailPushBody(t *testing.T, note map[string]any) string {
	t.Helper()
	inner, err := json.Marshal(note)
	if err != nil {
		t.Fatalf("marshal notification: %v", err)
	}
	envelope := map[string]any{
		"message": map[string]any{
			"data":      base64.StdEncoding.EncodeToString(inner),
			"messageId": "pubsub-1",
		},
		"subscription": "projects/x/subscriptions/y",
	}
	raw, err := json.Marshal(envelope)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return string(raw)
}

func TestGmailWebhookCreatesAndEnqueuesAck(t *testing.T) {
	h, store := newTestAPI(t)
	body := gmailPushBody(t, map[string]any{
		"emailAddress": "me@example.com",
		"historyId":    7,
		"messageId":    "m1",
		"subject":      "quarterly report",
		"from":         "Boss <Boss@Example.com>",
	})

	rec := authed(http.MethodPost, "/webhook/gmail", body)(h)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d: %s", rec.Code, rec.Body.String())
	}

	reminders, err := store.List(context.Background(), storage.StatusScheduled, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(reminders) != 1 {
		t.Fatalf("reminders = %+v", reminders)
	}
	if reminders[0].Owner != testOwner {
		t.Errorf("Owner = %q, want the configured owner", reminders[0].Owner)
	}

	pending, err := store.CountEffects(context.Background(), "pending")
	if err != nil {
		t.Fatalf("count effects: %v", err)
	}
	if pending != 1 {
		t.Errorf("pending effects = %d, want the email ack", pending)
	}
}

func TestGmailWebhookReplaySkipsSecondAck(t *testing.T) {
	h, store := newTestAPI(t)
	body := gmailPushBody(t, map[string]any{
		"historyId": 7,
		"messageId": "m1",
		"subject":   "quarterly report",
		"from":      "boss@example.com",
	})

	authed(http.MethodPost, "/webhook/gmail", body)(h)
	rec := authed(http.MethodPost, "/webhook/gmail", body)(h)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}

	pending, _ := store.CountEffects(context.Background(), "pending")
	if pending != 1 {
		t.Errorf("pending effects = %d, replay must not enqueue another ack", pending)
	}
}

func TestSheetWebhookCancels(t *testing.T) {
	h, store := newTestAPI(t)
	created := createReminder(t, h, "req-1")

	body := fmt.Sprintf(`{"reminderId":%q,"revision":12,"editor":"editor@example.com","column":"status","value":"cancelled"}`, created.ID)
	rec := authed(http.MethodPost, "/webhook/sheet", body)(h)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d: %s", rec.Code, rec.Body.String())
	}

	rem, err := store.Get(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rem.Status != storage.StatusCancelled {
		t.Errorf("Status = %q, want cancelled", rem.Status)
	}
}
