package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/remindd/internal/engine"
	"github.com/kalambet/remindd/internal/event"
	"github.com/kalambet/remindd/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store      *storage.Store
	Pipeline   *engine.Pipeline
	Normalizer *event.Normalizer
	// Owner is the actor attributed to tool calls.
	Owner string
}

// NewMCPServer creates an MCP server with all remindd tools and resources
// registered. Tool calls go through the same guard + engine pipeline as the
// HTTP surface.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"remindd",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("remindd — personal reminder assistant: create, list, snooze, cancel and acknowledge reminders."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("create_reminder",
			mcp.WithDescription("Create a reminder that fires at the given time."),
			mcp.WithString("text", mcp.Description("What to be reminded about"), mcp.Required()),
			mcp.WithString("at", mcp.Description("When to fire: RFC3339 timestamp or relative duration like 45m or 2h"), mcp.Required()),
		),
		mcpCreateReminder(deps),
	)

	s.AddTool(
		mcp.NewTool("list_reminders",
			mcp.WithDescription("List reminders, optionally filtered by status."),
			mcp.WithString("status", mcp.Description("Filter: scheduled, fired, acknowledged or cancelled")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 20)")),
		),
		mcpListReminders(deps),
	)

	s.AddTool(
		mcp.NewTool("snooze_reminder",
			mcp.WithDescription("Move a reminder's trigger time. Works on scheduled and already-fired reminders."),
			mcp.WithString("id", mcp.Description("Reminder id"), mcp.Required()),
			mcp.WithString("until", mcp.Description("New trigger time: RFC3339 timestamp or relative duration"), mcp.Required()),
		),
		mcpReminderEvent(deps, event.KindSnooze),
	)

	s.AddTool(
		mcp.NewTool("cancel_reminder",
			mcp.WithDescription("Cancel a scheduled reminder so it never fires."),
			mcp.WithString("id", mcp.Description("Reminder id"), mcp.Required()),
		),
		mcpReminderEvent(deps, event.KindCancel),
	)

	s.AddTool(
		mcp.NewTool("acknowledge_reminder",
			mcp.WithDescription("Mark a fired reminder as handled."),
			mcp.WithString("id", mcp.Description("Reminder id"), mcp.Required()),
		),
		mcpReminderEvent(deps, event.KindAcknowledge),
	)

	s.AddResource(
		mcp.NewResource(
			"reminders://upcoming",
			"Upcoming Reminders",
			mcp.WithResourceDescription("Scheduled reminders ordered by trigger time"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceUpcoming(deps),
	)

	return s
}

func mcpCreateReminder(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := req.RequireString("text")
		if err != nil {
			return mcpError("text is required"), nil
		}
		at, err := req.RequireString("at")
		if err != nil {
			return mcpError("at is required"), nil
		}
		triggerAt, err := deps.Normalizer.ParseWhen(at)
		if err != nil {
			return mcpError(fmt.Sprintf("invalid at: %v", err)), nil
		}

		ev := event.Event{
			Kind:     event.KindCreate,
			Actor:    deps.Owner,
			Source:   event.SourceAPI,
			DedupKey: "api:" + uuid.New().String(),
			Payload: event.Payload{
				Text:      text,
				TriggerAt: triggerAt,
			},
		}

		outcome, err := deps.Pipeline.Process(ctx, ev)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to create reminder: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Created reminder %s firing at %s",
			outcome.Reminder.ID, outcome.Reminder.TriggerAt.Format(time.RFC3339))), nil
	}
}

func mcpListReminders(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		status := req.GetString("status", "")

		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}
		if limit > 100 {
			limit = 100
		}

		reminders, err := deps.Store.List(ctx, status, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list reminders: %v", err)), nil
		}
		if len(reminders) == 0 {
			return mcpText("[]"), nil
		}

		views := make([]reminderView, len(reminders))
		for i, r := range reminders {
			views[i] = viewOf(r)
		}

		b, err := json.Marshal(views)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal reminders: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpReminderEvent(deps MCPDeps, kind event.Kind) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}

		ev := event.Event{
			Kind:       kind,
			ReminderID: id,
			Actor:      deps.Owner,
			Source:     event.SourceAPI,
			DedupKey:   "api:" + uuid.New().String(),
		}
		if kind == event.KindSnooze {
			until, err := req.RequireString("until")
			if err != nil {
				return mcpError("until is required"), nil
			}
			ev.Payload.TriggerAt, err = deps.Normalizer.ParseWhen(until)
			if err != nil {
				return mcpError(fmt.Sprintf("invalid until: %v", err)), nil
			}
		}

		outcome, err := deps.Pipeline.Process(ctx, ev)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to apply %s: %v", kind, err)), nil
		}
		if !outcome.Applied {
			return mcpText(fmt.Sprintf("Reminder %s unchanged (status %s)", id, outcome.Reminder.Status)), nil
		}
		return mcpText(fmt.Sprintf("Reminder %s is now %s", id, outcome.Reminder.Status)), nil
	}
}

func mcpResourceUpcoming(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		reminders, err := deps.Store.List(ctx, storage.StatusScheduled, 50)
		if err != nil {
			return nil, fmt.Errorf("failed to list reminders: %w", err)
		}

		views := make([]reminderView, len(reminders))
		for i, r := range reminders {
			views[i] = viewOf(r)
		}

		b, err := json.Marshal(views)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal reminders: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
