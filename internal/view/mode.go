package view

import (
	"strings"
	"time"

	"calhub/internal/model"
)

// Mode is a calendar view mode.
type Mode string

const (
	ModeAll      Mode = "all"
	ModeDay      Mode = "day"
	ModeWeek     Mode = "week"
	ModeWorkWeek Mode = "workweek"
	ModeMonth    Mode = "month"
	ModeAgenda   Mode = "agenda"
)

// ParseMode maps a query value to a Mode; unknown values are ModeAll.
func ParseMode(s string) Mode {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeDay, ModeWeek, ModeWorkWeek, ModeMonth, ModeAgenda:
		return m
	case "work_week", "work-week":
		return ModeWorkWeek
	default:
		return ModeAll
	}
}

// Window is a half-open [From, To) range. Zero bounds are open.
type Window struct {
	From time.Time
	To   time.Time
}

// Unbounded reports whether the window has no bounds at all.
func (w Window) Unbounded() bool {
	return w.From.IsZero() && w.To.IsZero()
}

// Window returns the range shown by m around anchor. Weeks start on Monday.
func (m Mode) Window(anchor time.Time) Window {
	if anchor.IsZero() {
		anchor = time.Now()
	}
	day := time.Date(anchor.Year(), anchor.Month(), anchor.Day(), 0, 0, 0, 0, anchor.Location())
	monday := day.AddDate(0, 0, -((int(day.Weekday()) + 6) % 7))

	switch m {
	case ModeDay:
		return Window{From: day, To: day.AddDate(0, 0, 1)}
	case ModeWeek:
		return Window{From: monday, To: monday.AddDate(0, 0, 7)}
	case ModeWorkWeek:
		return Window{From: monday, To: monday.AddDate(0, 0, 5)}
	case ModeMonth:
		first := time.Date(day.Year(), day.Month(), 1, 0, 0, 0, 0, day.Location())
		return Window{From: first, To: first.AddDate(0, 1, 0)}
	case ModeAgenda:
		return Window{From: day}
	default:
		return Window{}
	}
}

// Filter keeps events overlapping the window. Order is preserved.
func (w Window) Filter(events []model.Event) []model.Event {
	if w.Unbounded() {
		return events
	}
	out := make([]model.Event, 0, len(events))
	for _, ev := range events {
		if !w.To.IsZero() && !ev.Start.Before(w.To) {
			continue
		}
		// Zero-length events at From still count.
		if !w.From.IsZero() && !ev.End.After(w.From) && !ev.Start.Equal(w.From) {
			continue
		}
		out = append(out, ev)
	}
	return out
}
