// Package provider defines the remote calendar account contract: list the
// account's calendars, list one calendar's events.
package provider

import (
	"context"
	"fmt"
	"strings"
)

// Calendar is one entry of an account's calendar listing.
type Calendar struct {
	ID          string `json:"id"`
	DisplayName string `json:"name"`
}

// EventTime is a provider start or end. All-day values carry Date
// ("2006-01-02"); timed values carry DateTime (RFC 3339) and optionally the
// IANA TimeZone the DateTime should be read in.
type EventTime struct {
	Date     string `json:"date,omitempty"`
	DateTime string `json:"dateTime,omitempty"`
	TimeZone string `json:"timeZone,omitempty"`
}

// Event is a provider event as returned by the remote API.
type Event struct {
	ID          string     `json:"id"`
	Summary     string     `json:"summary,omitempty"`
	Description string     `json:"description,omitempty"`
	Location    string     `json:"location,omitempty"`
	Start       *EventTime `json:"start,omitempty"`
	End         *EventTime `json:"end,omitempty"`
}

// Provider is a remote calendar account.
type Provider interface {
	ListCalendars(ctx context.Context) ([]Calendar, error)
	ListEvents(ctx context.Context, calendarID string) ([]Event, error)
}

// ExcludeByName drops calendars whose display name contains any of the
// patterns, case-insensitively.
func ExcludeByName(cals []Calendar, patterns []string) []Calendar {
	out := make([]Calendar, 0, len(cals))
outer:
	for _, c := range cals {
		name := strings.ToLower(c.DisplayName)
		for _, p := range patterns {
			p = strings.ToLower(strings.TrimSpace(p))
			if p != "" && strings.Contains(name, p) {
				continue outer
			}
		}
		out = append(out, c)
	}
	return out
}

// Static is a fixed, in-memory Provider.
type Static struct {
	Calendars []Calendar
	Events    map[string][]Event
}

func (s *Static) ListCalendars(context.Context) ([]Calendar, error) {
	return append([]Calendar(nil), s.Calendars...), nil
}

func (s *Static) ListEvents(_ context.Context, calendarID string) ([]Event, error) {
	evs, ok := s.Events[calendarID]
	if !ok {
		for _, c := range s.Calendars {
			if c.ID == calendarID {
				return []Event{}, nil
			}
		}
		return nil, fmt.Errorf("calendar %q not found", calendarID)
	}
	return append([]Event(nil), evs...), nil
}
