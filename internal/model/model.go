package model

import "time"

// SourceKind tells how a calendar's data is obtained.
type SourceKind string

const (
	// KindFeed is a calendar fetched by retrieving and parsing an iCal document.
	KindFeed SourceKind = "feed"
	// KindRemoteProvider is a calendar read through an external account API
	// (Google Calendar). Such entries are references, not locally owned.
	KindRemoteProvider SourceKind = "remote-provider"
	// KindLocal marks events created through quick entry. They never belong
	// to a registered source.
	KindLocal SourceKind = "local"
)

// Valid reports whether k is a kind that can be registered.
func (k SourceKind) Valid() bool {
	return k == KindFeed || k == KindRemoteProvider
}

// CalendarSource is one connected calendar.
type CalendarSource struct {
	ID          string     `json:"id"`
	DisplayName string     `json:"name"`
	Kind        SourceKind `json:"type"`
	// URL is the feed location; empty for remote-provider sources, whose ID
	// is enough to query them again.
	URL string `json:"url,omitempty"`
}

// Event is the canonical event representation shared by every source.
//
// Invariants (established by the normalizer): Summary is non-empty and
// End is never before Start.
type Event struct {
	SourceID string `json:"sourceId,omitempty"`
	UID      string `json:"uid"`

	Summary     string `json:"summary"`
	Description string `json:"description,omitempty"`
	Location    string `json:"location,omitempty"`
	Group       string `json:"group,omitempty"`

	AllDay bool `json:"allDay,omitempty"`

	Start time.Time `json:"startDate"`
	End   time.Time `json:"endDate"`

	// Recurrence holds the normalized RRULE of the source event, if any.
	// Occurrences are not expanded.
	Recurrence string `json:"recurrence,omitempty"`
}

// Duration returns End - Start.
func (e Event) Duration() time.Duration {
	return e.End.Sub(e.Start)
}
