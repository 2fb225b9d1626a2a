package notify

import (
	"fmt"
	"strings"
)

// formatTitle produces a human-readable notification title.
func formatTitle(k EventKind) string {
	readable := strings.ReplaceAll(string(k), "_", " ")
	words := strings.Fields(readable)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return "ICARUS: " + strings.Join(words, " ")
}

// formatMessage builds the plain-text notification body.
func formatMessage(e Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Agent: %s\n", e.Agent)
	fmt.Fprintf(&b, "Object: %s\n", e.Object)
	fmt.Fprintf(&b, "Risk: %d\n", e.Risk)
	fmt.Fprintf(&b, "Hops: %d\n", e.Hops)
	if e.AlertID != "" {
		fmt.Fprintf(&b, "Alert: %s\n", e.AlertID)
	}
	return b.String()
}

// formatMessageMarkdown builds the body for markdown-capable sinks.
func formatMessageMarkdown(e Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*Agent:* %s\n", e.Agent)
	fmt.Fprintf(&b, "*Object:* %s\n", e.Object)
	fmt.Fprintf(&b, "*Risk:* %d (%d hops)\n", e.Risk, e.Hops)
	if e.AlertID != "" {
		fmt.Fprintf(&b, "*Alert:* %s\n", e.AlertID)
	}
	return b.String()
}

// priority maps an event to a Gotify priority: 8 for high scores, 5 otherwise.
func priority(e Event) int {
	if e.Risk >= 80 {
		return 8
	}
	return 5
}
