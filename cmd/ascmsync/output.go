package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/kalambet/ascmsync/internal/queue"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printSuccess(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorGreen, "✓ "+msg))
}

func printError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorRed, "✗ "+msg))
}

func printWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorYellow, "⚠ "+msg))
}

func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	l := colorize(colorBold, label+":")
	fmt.Fprintf(os.Stderr, "  %s %s\n", l, val)
}

func printStep(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorCyan, "→ "+msg))
}

func statusColor(s queue.Status) string {
	switch s {
	case queue.StatusSuccess:
		return colorGreen
	case queue.StatusFailed:
		return colorRed
	case queue.StatusRetrying:
		return colorYellow
	default:
		return colorCyan
	}
}

// formatSummary renders counts on one line, e.g. "2 queued, 1 retrying (next in 4s)".
func formatSummary(s queue.Summary) string {
	line := fmt.Sprintf("%d queued, %d retrying, %d success, %d failed", s.Queued, s.Retrying, s.Success, s.Failed)
	if s.Pending() > 0 {
		line += fmt.Sprintf(" (next in %ds)", s.NextInSec)
	}
	if s.LastError != "" {
		line += " last error: " + s.LastError
	}
	return line
}

// writeItems prints one line per item: short id, status, attempts, due time and error.
func writeItems(w io.Writer, items []queueItem, now time.Time) {
	for _, it := range items {
		id := it.ID
		if len(id) > 8 {
			id = id[:8]
		}
		due := "-"
		if it.Status.Pending() {
			d := time.UnixMilli(it.NextAttemptAt).Sub(now).Round(time.Second)
			if d <= 0 {
				due = "due"
			} else {
				due = "in " + d.String()
			}
		}
		fmt.Fprintf(w, "%s  %-8s  attempts=%d  %s", colorize(colorCyan, id), colorize(statusColor(it.Status), string(it.Status)), it.Attempts, due)
		if it.LastError != "" {
			fmt.Fprintf(w, "  %s", it.LastError)
		}
		fmt.Fprintln(w)
	}
}
