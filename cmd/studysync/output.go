package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/kalambet/studysync/internal/api"
	"github.com/kalambet/studysync/internal/storage"
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

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// statusLabel colors a sync status by how much attention it needs.
func statusLabel(status storage.ResourceStatus) string {
	switch status {
	case storage.StatusSuccess:
		return colorize(colorGreen, string(status))
	case storage.StatusRetry:
		return colorize(colorYellow, string(status))
	case storage.StatusFailed:
		return colorize(colorRed, string(status))
	default:
		return colorize(colorCyan, string(status))
	}
}

// writePending prints the unsent resources first, then the unsent adherence
// records of the study.
func writePending(w io.Writer, dirty api.DirtyResponse) {
	if len(dirty.Resources) == 0 && len(dirty.Adherence) == 0 {
		fmt.Fprintln(w, "Nothing pending.")
		return
	}
	for _, r := range dirty.Resources {
		id := r.Identifier
		if r.StudyID != "" {
			id = r.StudyID + "/" + id
		}
		fmt.Fprintf(w, "%-20s  %s  %s\n", r.Type, id, statusLabel(r.Status))
	}
	for _, a := range dirty.Adherence {
		state := "started"
		if a.Finished {
			state = "finished"
		}
		fmt.Fprintf(w, "%-20s  %s  %s  %s  %s\n", "adherence", a.InstanceGuid, a.StartedOn, state, statusLabel(a.Status))
	}
}
