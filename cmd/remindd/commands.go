package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/remindd/internal/config"
)

// reminderJSON mirrors the management API response shape.
type reminderJSON struct {
	ID        string    `json:"id"`
	Owner     string    `json:"owner"`
	Text      string    `json:"text"`
	TriggerAt time.Time `json:"trigger_at"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// --- add ---

var addCmd = &cobra.Command{
	Use:   "add <text>",
	Short: "Create a reminder",
	Long: `Create a reminder.

Examples:
  remindd add "stand-up notes" --at 45m
  remindd add "renew passport" --at 2026-09-01T09:00:00Z`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text := strings.Join(args, " ")
		at, _ := cmd.Flags().GetString("at")
		if at == "" {
			return fmt.Errorf("--at is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		req := map[string]any{"text": text, "at": at}
		resp, err := client.post(cmd.Context(), "/reminders", req)
		if err != nil {
			return err
		}

		var r reminderJSON
		if err := decodeJSON(resp, &r); err != nil {
			return err
		}

		printSuccess("Created reminder %s firing at %s", r.ID, r.TriggerAt.Local().Format(time.RFC3339))
		return nil
	},
}

func init() {
	addCmd.Flags().String("at", "", "when to fire: RFC3339 timestamp or duration like 45m")
}

// --- list ---

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List reminders",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/reminders?limit=%d", limit)
		if status != "" {
			path += "&status=" + status
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var reminders []reminderJSON
		if err := decodeJSON(resp, &reminders); err != nil {
			return err
		}

		if len(reminders) == 0 {
			fmt.Println("No reminders found.")
			return nil
		}

		for _, r := range reminders {
			text := r.Text
			if len(text) > 60 {
				text = text[:60] + "..."
			}
			fmt.Printf("%s  %-12s  %s  %s\n",
				colorize(colorCyan, r.ID[:8]),
				statusColor(r.Status),
				r.TriggerAt.Local().Format("2006-01-02 15:04"),
				text,
			)
		}
		return nil
	},
}

func statusColor(status string) string {
	switch status {
	case "scheduled":
		return colorize(colorYellow, status)
	case "fired":
		return colorize(colorBold, status)
	case "acknowledged":
		return colorize(colorGreen, status)
	default:
		return status
	}
}

func init() {
	listCmd.Flags().String("status", "", "filter by status (scheduled, fired, acknowledged, cancelled)")
	listCmd.Flags().Int("limit", 20, "maximum number of reminders to list")
}

// --- snooze ---

var snoozeCmd = &cobra.Command{
	Use:   "snooze <id>",
	Short: "Move a reminder's trigger time",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		until, _ := cmd.Flags().GetString("until")
		if until == "" {
			return fmt.Errorf("--until is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		req := map[string]any{"until": until}
		resp, err := client.post(cmd.Context(), "/reminders/"+args[0]+"/snooze", req)
		if err != nil {
			return err
		}

		var r reminderJSON
		if err := decodeJSON(resp, &r); err != nil {
			return err
		}

		printSuccess("Reminder %s now fires at %s", r.ID, r.TriggerAt.Local().Format(time.RFC3339))
		return nil
	},
}

func init() {
	snoozeCmd.Flags().String("until", "", "new trigger time: RFC3339 timestamp or duration like 1h")
}

// --- cancel / ack ---

var cancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a scheduled reminder",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return reminderAction(cmd, args[0], "cancel")
	},
}

var ackCmd = &cobra.Command{
	Use:   "ack <id>",
	Short: "Acknowledge a fired reminder",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return reminderAction(cmd, args[0], "ack")
	},
}

func reminderAction(cmd *cobra.Command, id, action string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}

	resp, err := client.post(cmd.Context(), "/reminders/"+id+"/"+action, map[string]any{})
	if err != nil {
		return err
	}

	var r reminderJSON
	if err := decodeJSON(resp, &r); err != nil {
		return err
	}

	printSuccess("Reminder %s is now %s", r.ID, r.Status)
	return nil
}

// --- scan ---

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run one due-reminder sweep now",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/scan", nil)
		if err != nil {
			return err
		}

		var result map[string]int
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Fired %d due reminder(s)", result["fired"])
		return nil
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
