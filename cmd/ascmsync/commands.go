package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/ascmsync/internal/config"
	"github.com/kalambet/ascmsync/internal/notify"
	"github.com/kalambet/ascmsync/internal/queue"
)

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// --- goals ---

var goalsCmd = &cobra.Command{
	Use:   "goals",
	Short: "Publish goal snapshots",
}

var goalsPublishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Queue a goal snapshot for publishing",
	Long: `Queue one month of goals. Values are given as metric.role=number.

Examples:
  ascmsync goals publish --month 2025-03 --value calls.ae=120 --value calls.sdr=300
  ascmsync goals publish --weeks 5 --value demos.ae=12 --user u-42`,
	RunE: func(cmd *cobra.Command, args []string) error {
		month, _ := cmd.Flags().GetString("month")
		weeks, _ := cmd.Flags().GetInt("weeks")
		rawValues, _ := cmd.Flags().GetStringArray("value")
		userID, _ := cmd.Flags().GetString("user")

		if month == "" {
			month = time.Now().Format("2006-01")
		}
		values, err := parseValues(rawValues)
		if err != nil {
			return err
		}

		body := map[string]any{
			"month":  month,
			"weeks":  weeks,
			"values": values,
		}
		if userID != "" {
			body["userId"] = userID
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmdContext(cmd), "/goals/snapshots", body)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Queued goal snapshot %s for %s", result["id"], month)
		return nil
	},
}

func init() {
	goalsPublishCmd.Flags().String("month", "", "month as YYYY-MM (default current month)")
	goalsPublishCmd.Flags().Int("weeks", 4, "weeks in the month (1-6)")
	goalsPublishCmd.Flags().StringArray("value", nil, "goal as metric.role=number (repeatable)")
	goalsPublishCmd.Flags().String("user", "", "owner user id (default session user)")
	goalsCmd.AddCommand(goalsPublishCmd)
}

// parseValues turns metric.role=number pairs into the nested values map.
func parseValues(pairs []string) (map[string]map[string]float64, error) {
	out := make(map[string]map[string]float64)
	for _, p := range pairs {
		key, raw, ok := strings.Cut(p, "=")
		if !ok {
			return nil, fmt.Errorf("invalid value %q: want metric.role=number", p)
		}
		metric, role, ok := strings.Cut(strings.TrimSpace(key), ".")
		if !ok || metric == "" || role == "" {
			return nil, fmt.Errorf("invalid value key %q: want metric.role", key)
		}
		n, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number in %q: %w", p, err)
		}
		if out[metric] == nil {
			out[metric] = make(map[string]float64)
		}
		out[metric][role] = n
	}
	return out, nil
}

// --- avatar ---

var avatarCmd = &cobra.Command{
	Use:   "avatar",
	Short: "Update user avatars",
}

var avatarSetCmd = &cobra.Command{
	Use:   "set <user-id>",
	Short: "Queue an avatar and LinkedIn link update",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		avatarURL, _ := cmd.Flags().GetString("avatar-url")
		linkedInURL, _ := cmd.Flags().GetString("linkedin-url")
		if avatarURL == "" && linkedInURL == "" {
			return fmt.Errorf("one of --avatar-url or --linkedin-url is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmdContext(cmd), "/avatars", map[string]string{
			"userId":       args[0],
			"avatar_url":   avatarURL,
			"linkedin_url": linkedInURL,
		})
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Queued avatar update %s for %s", result["id"], args[0])
		return nil
	},
}

func init() {
	avatarSetCmd.Flags().String("avatar-url", "", "profile image URL")
	avatarSetCmd.Flags().String("linkedin-url", "", "LinkedIn profile URL")
	avatarCmd.AddCommand(avatarSetCmd)
}

// --- queue ---

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage delivery queues",
}

var queueListCmd = &cobra.Command{
	Use:   "list <queue>",
	Short: "List items of a queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := "/queues/" + url.PathEscape(args[0])
		if status != "" {
			path += "?status=" + url.QueryEscape(status)
		}
		resp, err := client.get(cmdContext(cmd), path)
		if err != nil {
			return err
		}

		var items []queueItem
		if err := decodeJSON(resp, &items); err != nil {
			return err
		}
		if len(items) == 0 {
			fmt.Println("Queue is empty.")
			return nil
		}
		writeItems(os.Stdout, items, time.Now())
		return nil
	},
}

var queueSummaryCmd = &cobra.Command{
	Use:   "summary [queue]",
	Short: "Show per-status counts",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx := cmdContext(cmd)

		if len(args) == 1 {
			resp, err := client.get(ctx, "/queues/"+url.PathEscape(args[0])+"/summary")
			if err != nil {
				return err
			}
			var s queue.Summary
			if err := decodeJSON(resp, &s); err != nil {
				return err
			}
			fmt.Printf("%s  %s\n", colorize(colorBold, args[0]), formatSummary(s))
			return nil
		}

		summaries, err := fetchSummaries(ctx, client)
		if err != nil {
			return err
		}
		for _, name := range sortedNames(summaries) {
			fmt.Printf("%s  %s\n", colorize(colorBold, name), formatSummary(summaries[name]))
		}
		return nil
	},
}

var queueKickCmd = &cobra.Command{
	Use:   "kick <queue>",
	Short: "Attempt delivery now instead of waiting for the next tick",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmdContext(cmd), "/queues/"+url.PathEscape(args[0])+"/kick", nil)
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Kicked %s", args[0])
		return nil
	},
}

var queueRetryFailedCmd = &cobra.Command{
	Use:   "retry-failed <queue>",
	Short: "Reset failed items to queued with a fresh attempt budget",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmdContext(cmd), "/queues/"+url.PathEscape(args[0])+"/retry-failed", nil)
		if err != nil {
			return err
		}
		var result map[string]int
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Reset %d failed items in %s", result["reset"], args[0])
		return nil
	},
}

var queueClearFailedCmd = &cobra.Command{
	Use:   "clear-failed <queue>",
	Short: "Drop failed items (with --all, delivered items too)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := "/queues/" + url.PathEscape(args[0]) + "/failed"
		if all {
			path = "/queues/" + url.PathEscape(args[0]) + "/terminal"
		}
		resp, err := client.delete(cmdContext(cmd), path)
		if err != nil {
			return err
		}
		var result map[string]int
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Removed %d items from %s", result["removed"], args[0])
		return nil
	},
}

var queueRemoveCmd = &cobra.Command{
	Use:   "remove <queue> <id>",
	Short: "Remove one item",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmdContext(cmd), "/queues/"+url.PathEscape(args[0])+"/items/"+url.PathEscape(args[1]))
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Removed %s", args[1])
		return nil
	},
}

var queueWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream queue broadcasts until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmdContext(cmd), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return client.watch(ctx, func(msg notify.Message) {
			fmt.Println(formatMessage(msg))
		})
	},
}

// formatMessage renders one broadcast for the terminal.
func formatMessage(msg notify.Message) string {
	at := time.UnixMilli(msg.At).Format("15:04:05")
	if msg.Summary != nil {
		return fmt.Sprintf("%s  %s  %s", at, colorize(colorBold, msg.Type), formatSummary(*msg.Summary))
	}
	return fmt.Sprintf("%s  %s", at, colorize(colorCyan, msg.Type))
}

func init() {
	queueListCmd.Flags().String("status", "", "only items with this status (queued, retrying, success, failed)")
	queueClearFailedCmd.Flags().Bool("all", false, "also drop delivered items")

	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueSummaryCmd)
	queueCmd.AddCommand(queueKickCmd)
	queueCmd.AddCommand(queueRetryFailedCmd)
	queueCmd.AddCommand(queueClearFailedCmd)
	queueCmd.AddCommand(queueRemoveCmd)
	queueCmd.AddCommand(queueWatchCmd)
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

		for _, k := range config.ShowAll(cfg) {
			src := "(" + k.EnvVar + ")"
			if k.FromEnv {
				src = "(from " + k.EnvVar + ")"
			}
			fmt.Printf("  %s = %s  %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorCyan, src))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value. Valid keys: " + strings.Join(config.ValidKeys(), ", "),
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
