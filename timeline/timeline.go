// Package timeline projects an ordered message log into day-labeled groups
// for display. It holds no state; callers recompute on every read.
package timeline

import (
	"time"

	"shipchat/models"
)

const (
	LabelToday     = "Today"
	LabelYesterday = "Yesterday"

	// DateLayout formats days older than a week.
	DateLayout = "Jan 2, 2006"
)

// Group is a run of consecutive messages sharing one day label.
type Group struct {
	Label    string
	Day      time.Time
	Messages []models.Message
}

// RowKind distinguishes separator rows from message rows.
type RowKind int

const (
	RowMarker RowKind = iota
	RowMessage
)

// Row is one line of a rendered thread.
type Row struct {
	Kind    RowKind
	Label   string
	Message models.Message
}

// ByDay splits messages into runs of the same calendar day in loc. Order
// inside and across groups follows the input. A nil loc means time.Local.
func ByDay(messages []models.Message, now time.Time, loc *time.Location) []Group {
	if len(messages) == 0 {
		return nil
	}
	if loc == nil {
		loc = time.Local
	}

	today := startOfDay(now.In(loc))
	groups := make([]Group, 0, 4)
	for _, msg := range messages {
		day := startOfDay(msg.CreatedAt.In(loc))
		label := Label(day, today)
		if n := len(groups); n > 0 && groups[n-1].Label == label {
			groups[n-1].Messages = append(groups[n-1].Messages, msg)
			continue
		}
		groups = append(groups, Group{Label: label, Day: day, Messages: []models.Message{msg}})
	}
	return groups
}

// Rows flattens groups with one date marker between adjacent groups. Every
// message row carries its group label.
func Rows(groups []Group) []Row {
	rows := make([]Row, 0)
	for i, group := range groups {
		if i > 0 {
			rows = append(rows, Row{Kind: RowMarker, Label: group.Label})
		}
		for _, msg := range group.Messages {
			rows = append(rows, Row{Kind: RowMessage, Label: group.Label, Message: msg})
		}
	}
	return rows
}

// Label names day relative to today. Both must be midnights in the same
// location.
func Label(day, today time.Time) string {
	switch diff := daysBetween(day, today); {
	case diff == 0:
		return LabelToday
	case diff == 1:
		return LabelYesterday
	case diff > 1 && diff < 7:
		return day.Weekday().String()
	default:
		return day.Format(DateLayout)
	}
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// daysBetween counts calendar days, so DST shifts do not skew the result.
func daysBetween(day, today time.Time) int {
	a := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	b := time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, time.UTC)
	return int(b.Sub(a).Hours() / 24)
}
