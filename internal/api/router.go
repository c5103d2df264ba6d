// Package api is the HTTP edge: webhook endpoints for the three inbound
// sources, the management API used by the CLI and MCP tools, and auth. It
// does no reminder logic of its own: every mutation goes through the
// normalize → guard → engine pipeline.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kalambet/remindd/internal/dispatch"
	"github.com/kalambet/remindd/internal/engine"
	"github.com/kalambet/remindd/internal/event"
	"github.com/kalambet/remindd/internal/storage"
)

const maxWebhookBodySize = 1 << 20 // 1MB

// Deps holds everything the HTTP layer needs.
type Deps struct {
	Store      *storage.Store
	Pipeline   *engine.Pipeline
	Normalizer *event.Normalizer
	// Token protects the management API and the gmail/sheet webhooks.
	Token string
	// TelegramSecret is echoed back by Telegram with each webhook delivery.
	TelegramSecret string
	// Owner is the actor attributed to management-API events.
	Owner string
	// Scan runs one due-reminder sweep (POST /scan).
	Scan func(ctx context.Context) (int, error)
}

func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"})
	})

	r.Route("/webhook", func(r chi.Router) {
		r.With(TelegramSecret(deps.TelegramSecret)).Post("/telegram", handleTelegramWebhook(deps))
		r.Group(func(r chi.Router) {
			r.Use(BearerAuth(deps.Token))
			r.Post("/gmail", handleGmailWebhook(deps))
			r.Post("/sheet", handleSheetWebhook(deps))
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))
		r.Post("/reminders", handleCreateReminder(deps))
		r.Get("/reminders", handleListReminders(deps))
		r.Get("/reminders/{id}", handleGetReminder(deps))
		r.Post("/reminders/{id}/snooze", handleSnoozeReminder(deps))
		r.Post("/reminders/{id}/cancel", handleReminderAction(deps, event.KindCancel))
		r.Post("/reminders/{id}/ack", handleReminderAction(deps, event.KindAcknowledge))
		r.Post("/scan", handleScan(deps))
	})

	return r
}

// --- Webhooks ---

// handleTelegramWebhook ingests bot updates. Telegram redelivers on non-2xx,
// so malformed or denied updates answer 200 (they will never become valid)
// while transient processing failures answer 500 to get the retry.
func handleTelegramWebhook(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ev, ok := normalizeWebhook(w, r, deps, event.SourceTelegram)
		if !ok {
			return
		}

		if _, err := deps.Pipeline.Process(r.Context(), ev); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				// User referenced an unknown reminder; retrying won't help.
				slog.Warn("telegram event for unknown reminder", "reminder_id", ev.ReminderID, "actor", ev.Actor)
				writeJSON(w, map[string]bool{"ok": true})
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "processing update: %v", err)
			return
		}
		writeJSON(w, map[string]bool{"ok": true})
	}
}

// handleGmailWebhook ingests Pub/Sub push notifications. Answering 2xx acks
// the push; on top of that a successful state change enqueues an ack_email
// effect so the message itself is marked processed upstream.
func handleGmailWebhook(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ev, ok := normalizeWebhook(w, r, deps, event.SourceGmail)
		if !ok {
			return
		}

		outcome, err := deps.Pipeline.Process(r.Context(), ev)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "processing notification: %v", err)
			return
		}

		if outcome.Applied && ev.Payload.MessageID != "" {
			ack, err := dispatch.NewAckEmail(outcome.Reminder.ID, ev.Payload.MessageID)
			if err == nil {
				err = deps.Store.EnqueueEffect(r.Context(), ack)
			}
			if err != nil {
				// The transition is committed; losing the ack only means
				// one more redelivery, which replays as a no-op.
				slog.Error("enqueueing email ack failed", "message_id", ev.Payload.MessageID, "error", err)
			}
		}
		writeJSON(w, map[string]bool{"ok": true})
	}
}

// handleSheetWebhook ingests row-change payloads from the spreadsheet hook.
func handleSheetWebhook(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ev, ok := normalizeWebhook(w, r, deps, event.SourceSheet)
		if !ok {
			return
		}

		if _, err := deps.Pipeline.Process(r.Context(), ev); err != nil {
			applyError(w, err)
			return
		}
		writeJSON(w, map[string]bool{"ok": true})
	}
}

// normalizeWebhook reads and normalizes a webhook body. On failure it writes
// the response itself: 200 for payloads that can never become valid (logged
// and dropped, per the normalizer contract), 4xx/5xx for transport problems.
func normalizeWebhook(w http.ResponseWriter, r *http.Request, deps Deps, source event.Source) (event.Event, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	defer r.Body.Close()

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "reading body: %v", err)
		return event.Event{}, false
	}

	ev, err := deps.Normalizer.Normalize(raw, source)
	if err != nil {
		var normErr *event.NormalizationError
		if errors.As(err, &normErr) {
			slog.Warn("dropping malformed payload", "source", source, "reason", normErr.Reason)
			writeJSON(w, map[string]bool{"ok": true})
			return event.Event{}, false
		}
		httpError(w, http.StatusInternalServerError, "api_error", "normalizing payload: %v", err)
		return event.Event{}, false
	}
	return ev, true
}

// --- Management API ---

// reminderView is the external shape of a reminder. version and source refs
// are implementation-internal and stay hidden.
type reminderView struct {
	ID        string    `json:"id"`
	Owner     string    `json:"owner"`
	Text      string    `json:"text"`
	TriggerAt time.Time `json:"trigger_at"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func viewOf(r storage.Reminder) reminderView {
	return reminderView{
		ID:        r.ID,
		Owner:     r.Owner,
		Text:      r.Text,
		TriggerAt: r.TriggerAt,
		Status:    r.Status,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

type createReminderRequest struct {
	Text string `json:"text"`
	At   string `json:"at"` // RFC3339 or relative duration
	// RequestID lets clients retry safely: the same id yields the same
	// reminder instead of a duplicate.
	RequestID string `json:"request_id,omitempty"`
}

func handleCreateReminder(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
		var req createReminderRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Text == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "text is required")
			return
		}
		if req.At == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "at is required")
			return
		}
		triggerAt, err := deps.Normalizer.ParseWhen(req.At)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid at: %v", err)
			return
		}

		ev := event.Event{
			Kind:     event.KindCreate,
			Actor:    deps.Owner,
			Source:   event.SourceAPI,
			DedupKey: apiDedupKey(req.RequestID),
			Payload: event.Payload{
				Text:      req.Text,
				TriggerAt: triggerAt,
			},
		}

		outcome, err := deps.Pipeline.Process(r.Context(), ev)
		if err != nil {
			applyError(w, err)
			return
		}
		writeJSON(w, viewOf(outcome.Reminder))
	}
}

func handleListReminders(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)
		status := r.URL.Query().Get("status")

		reminders, err := deps.Store.List(r.Context(), status, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing reminders: %v", err)
			return
		}

		views := make([]reminderView, 0, len(reminders))
		for _, rem := range reminders {
			views = append(views, viewOf(rem))
		}
		writeJSON(w, views)
	}
}

func handleGetReminder(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		rem, err := deps.Store.Get(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "reminder not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading reminder: %v", err)
			return
		}
		writeJSON(w, viewOf(rem))
	}
}

type snoozeRequest struct {
	Until     string `json:"until"` // RFC3339 or relative duration
	RequestID string `json:"request_id,omitempty"`
}

func handleSnoozeReminder(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
		var req snoozeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Until == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "until is required")
			return
		}
		triggerAt, err := deps.Normalizer.ParseWhen(req.Until)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid until: %v", err)
			return
		}

		ev := event.Event{
			Kind:       event.KindSnooze,
			ReminderID: chi.URLParam(r, "id"),
			Actor:      deps.Owner,
			Source:     event.SourceAPI,
			DedupKey:   apiDedupKey(req.RequestID),
			Payload:    event.Payload{TriggerAt: triggerAt},
		}

		outcome, err := deps.Pipeline.Process(r.Context(), ev)
		if err != nil {
			applyError(w, err)
			return
		}
		writeJSON(w, viewOf(outcome.Reminder))
	}
}

type actionRequest struct {
	RequestID string `json:"request_id,omitempty"`
}

func handleReminderAction(deps Deps, kind event.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req actionRequest
		// Body is optional for cancel/ack.
		if r.Body != nil {
			json.NewDecoder(io.LimitReader(r.Body, maxWebhookBodySize)).Decode(&req)
		}

		ev := event.Event{
			Kind:       kind,
			ReminderID: chi.URLParam(r, "id"),
			Actor:      deps.Owner,
			Source:     event.SourceAPI,
			DedupKey:   apiDedupKey(req.RequestID),
		}

		outcome, err := deps.Pipeline.Process(r.Context(), ev)
		if err != nil {
			applyError(w, err)
			return
		}
		writeJSON(w, viewOf(outcome.Reminder))
	}
}

func handleScan(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Scan == nil {
			httpError(w, http.StatusNotImplemented, "api_error", "due scan not available")
			return
		}
		fired, err := deps.Scan(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "scan failed: %v", err)
			return
		}
		writeJSON(w, map[string]int{"fired": fired})
	}
}

func apiDedupKey(requestID string) string {
	if requestID != "" {
		return "api:" + requestID
	}
	return "api:" + uuid.New().String()
}

func applyError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "reminder not found")
	case errors.Is(err, engine.ErrConflictExhausted):
		httpError(w, http.StatusConflict, "conflict", "too much contention, retry later")
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
	}
}
