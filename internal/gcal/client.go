// Package gcal implements provider.Provider on the Google Calendar v3 API.
package gcal

import (
	"context"
	"fmt"
	"time"

	calendar "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"calhub/internal/provider"
)

// DefaultMaxResults bounds how many upcoming events are listed per calendar.
const DefaultMaxResults = 50

// Client wraps the Google Calendar service.
type Client struct {
	svc        *calendar.Service
	maxResults int64
	now        func() time.Time
}

var _ provider.Provider = (*Client)(nil)

// New creates a Client. opts usually carry an OAuth2 HTTP client
// (option.WithHTTPClient); see NewFromTokenStore.
func New(ctx context.Context, maxResults int64, opts ...option.ClientOption) (*Client, error) {
	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Calendar service: %w", err)
	}
	if maxResults <= 0 {
		maxResults = DefaultMaxResults
	}
	return &Client{svc: svc, maxResults: maxResults, now: time.Now}, nil
}

// ListCalendars lists all calendars accessible to the user.
func (c *Client) ListCalendars(ctx context.Context) ([]provider.Calendar, error) {
	out := make([]provider.Calendar, 0)
	err := c.svc.CalendarList.List().Context(ctx).Pages(ctx, func(list *calendar.CalendarList) error {
		for _, entry := range list.Items {
			out = append(out, toCalendar(entry))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list calendars: %w", err)
	}
	return out, nil
}

// ListEvents lists upcoming single events of a calendar, expanded by the
// server and ordered by start time.
func (c *Client) ListEvents(ctx context.Context, calendarID string) ([]provider.Event, error) {
	events, err := c.svc.Events.List(calendarID).
		Context(ctx).
		TimeMin(c.now().Format(time.RFC3339)).
		MaxResults(c.maxResults).
		SingleEvents(true).
		OrderBy("startTime").
		Do()
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}

	out := make([]provider.Event, 0, len(events.Items))
	for _, ev := range events.Items {
		if ev.Status == "cancelled" {
			continue
		}
		out = append(out, toEvent(ev))
	}
	return out, nil
}

func toCalendar(entry *calendar.CalendarListEntry) provider.Calendar {
	name := entry.SummaryOverride
	if name == "" {
		name = entry.Summary
	}
	return provider.Calendar{ID: entry.Id, DisplayName: name}
}

func toEvent(ev *calendar.Event) provider.Event {
	return provider.Event{
		ID:          ev.Id,
		Summary:     ev.Summary,
		Description: ev.Description,
		Location:    ev.Location,
		Start:       toEventTime(ev.Start),
		End:         toEventTime(ev.End),
	}
}

func toEventTime(dt *calendar.EventDateTime) *provider.EventTime {
	if dt == nil {
		return nil
	}
	return &provider.EventTime{Date: dt.Date, DateTime: dt.DateTime, TimeZone: dt.TimeZone}
}
