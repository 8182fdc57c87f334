package command

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"shipchat/inbox"
	"shipchat/models"
	"shipchat/thread"
	"shipchat/timeline"
)

const previewLength = 48

func relative(at, now time.Time) string {
	return humanize.RelTime(at, now, "ago", "from now")
}

// formatConversation renders one list row for selfID.
func formatConversation(c models.Conversation, selfID string, now time.Time) string {
	status := "open"
	if !c.IsActive {
		status = "closed"
	}

	name := "(nobody)"
	presence := ""
	if other, ok := c.Other(selfID); ok {
		name = other.Name
		if name == "" {
			name = other.ID
		}
		if other.LastSeenAt != nil {
			presence = "seen " + relative(*other.LastSeenAt, now)
		}
	}

	unread := "  "
	if c.UnreadCount > 0 {
		unread = fmt.Sprintf("%d*", c.UnreadCount)
	}

	last, when := "", ""
	if c.LastMessage != nil {
		last = truncate(c.LastMessage.Content, previewLength)
		when = relative(c.LastMessage.CreatedAt, now)
	}

	line := fmt.Sprintf("%-3s %-12s %-6s %-20s %s", unread, c.RequestID, status, name, last)
	if when != "" {
		line += "  (" + when + ")"
	}
	if presence != "" {
		line += "  [" + presence + "]"
	}
	return strings.TrimRight(line, " ")
}

// formatCounts renders the filter tabs with their sizes.
func formatCounts(counts map[inbox.Filter]int) string {
	parts := make([]string, 0, len(inbox.Filters))
	for _, f := range inbox.Filters {
		parts = append(parts, fmt.Sprintf("%s (%s)", f, humanize.Comma(int64(counts[f]))))
	}
	return strings.Join(parts, "  ")
}

// formatMessage renders one thread line.
func formatMessage(msg models.Message, selfID string, loc *time.Location) string {
	sender := msg.SenderID
	if sender == selfID {
		sender = "you"
	}
	line := fmt.Sprintf("%s  %-10s %s  [%s]", msg.CreatedAt.In(loc).Format("15:04"), sender, msg.Content, msg.ID)
	if reactions := formatReactions(msg.Reactions); reactions != "" {
		line += "  " + reactions
	}
	return line
}

func formatReactions(agg models.ReactionAggregate) string {
	parts := make([]string, 0, len(agg))
	for _, r := range agg {
		parts = append(parts, fmt.Sprintf("%s %d", r.Emoji, len(r.Users)))
	}
	return strings.Join(parts, " ")
}

func formatMarker(label string) string {
	return "--- " + label + " ---"
}

// formatThread renders confirmed messages grouped by day, followed by any
// entries still waiting on the server.
func formatThread(entries []thread.Entry, selfID string, now time.Time, loc *time.Location) []string {
	confirmed := make([]models.Message, 0, len(entries))
	var provisional []thread.Entry
	for _, entry := range entries {
		if entry.Provisional() {
			provisional = append(provisional, entry)
			continue
		}
		confirmed = append(confirmed, entry.Message)
	}

	lines := make([]string, 0, len(entries)+4)
	groups := timeline.ByDay(confirmed, now, loc)
	if len(groups) > 0 {
		lines = append(lines, formatMarker(groups[0].Label))
	}
	for _, row := range timeline.Rows(groups) {
		switch row.Kind {
		case timeline.RowMarker:
			lines = append(lines, formatMarker(row.Label))
		case timeline.RowMessage:
			lines = append(lines, formatMessage(row.Message, selfID, loc))
		}
	}
	for _, entry := range provisional {
		lines = append(lines, formatProvisional(entry))
	}
	return lines
}

func formatProvisional(entry thread.Entry) string {
	if entry.State == thread.StateFailed {
		return fmt.Sprintf("!!     you        %s  (failed: %v)", entry.Message.Content, entry.Err)
	}
	return fmt.Sprintf("..     you        %s  (sending)", entry.Message.Content)
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-1]) + "…"
}
