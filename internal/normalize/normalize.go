// Package normalize maps the source-specific event shapes onto model.Event.
// It is the only place that knows which shape an event came from.
package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"time"

	"calhub/internal/ics"
	"calhub/internal/model"
	"calhub/internal/provider"
)

const (
	// UntitledSummary replaces an empty summary.
	UntitledSummary = "untitled event"
	// DefaultDuration is applied when no usable end is known.
	DefaultDuration = time.Hour
)

// DefaultDelimiters separates a title prefix group from the rest of the title.
var DefaultDelimiters = regexp.MustCompile(`[:\-]`)

// Input is a raw event from one of the supported sources.
type Input interface {
	isInput()
}

// FromDocument wraps an event parsed from an iCalendar document.
type FromDocument struct {
	Event ics.ParsedEvent
}

// FromProvider wraps an event returned by a remote provider.
type FromProvider struct {
	Event provider.Event
}

func (FromDocument) isInput() {}
func (FromProvider) isInput() {}

// Normalizer turns Inputs into canonical events. The zero value is usable.
type Normalizer struct {
	// Location is used for all-day provider dates. Defaults to time.Local.
	Location *time.Location
	// Delimiters splits the title prefix used as a derived group.
	// Defaults to DefaultDelimiters.
	Delimiters *regexp.Regexp
}

// Normalize never fails; malformed input degrades to the defaults.
func (n Normalizer) Normalize(in Input) model.Event {
	var (
		ev       model.Event
		hasEnd   bool
		explicit string
	)

	switch raw := in.(type) {
	case FromDocument:
		p := raw.Event
		ev = model.Event{
			UID:         p.UID,
			Summary:     p.Summary,
			Description: p.Description,
			Location:    p.Location,
			AllDay:      p.AllDay,
			Start:       p.Start,
			End:         p.End,
			Recurrence:  p.RRule,
		}
		hasEnd = p.HasEnd
		explicit = p.Group

	case FromProvider:
		p := raw.Event
		ev = model.Event{
			UID:         p.ID,
			Summary:     p.Summary,
			Description: p.Description,
			Location:    p.Location,
		}
		// Without a usable start the event stays anchored at the zero instant.
		ev.Start, ev.AllDay, _ = n.providerTime(p.Start)
		ev.End, _, hasEnd = n.providerTime(p.End)
	}

	ev.Summary = strings.TrimSpace(ev.Summary)
	if ev.Summary == "" {
		ev.Summary = UntitledSummary
	}

	if !hasEnd || ev.End.Before(ev.Start) {
		ev.End = ev.Start.Add(DefaultDuration)
	}

	ev.Group = strings.TrimSpace(explicit)
	if ev.Group == "" {
		ev.Group = n.DeriveGroup(ev.Summary)
	}

	if ev.UID == "" {
		ev.UID = syntheticUID(ev)
	}
	return ev
}

// NormalizeAll normalizes a batch, tagging each event with sourceID.
func (n Normalizer) NormalizeAll(sourceID string, in []Input) []model.Event {
	out := make([]model.Event, 0, len(in))
	for _, i := range in {
		ev := n.Normalize(i)
		ev.SourceID = sourceID
		out = append(out, ev)
	}
	return out
}

// DeriveGroup returns the trimmed title prefix before the first delimiter,
// or "" when the title has none.
func (n Normalizer) DeriveGroup(title string) string {
	re := n.Delimiters
	if re == nil {
		re = DefaultDelimiters
	}
	loc := re.FindStringIndex(title)
	if loc == nil {
		return ""
	}
	return strings.TrimSpace(title[:loc[0]])
}

// providerTime resolves a provider start/end. DateTime wins over Date.
func (n Normalizer) providerTime(et *provider.EventTime) (time.Time, bool, bool) {
	if et == nil {
		return time.Time{}, false, false
	}

	if s := strings.TrimSpace(et.DateTime); s != "" {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t, false, true
		}
		// Some payloads omit the offset and rely on timeZone.
		loc := n.location()
		if et.TimeZone != "" {
			if l, err := time.LoadLocation(et.TimeZone); err == nil {
				loc = l
			}
		}
		if t, err := time.ParseInLocation("2006-01-02T15:04:05", s, loc); err == nil {
			return t, false, true
		}
	}

	if s := strings.TrimSpace(et.Date); s != "" {
		if t, err := time.ParseInLocation("2006-01-02", s, n.location()); err == nil {
			return t, true, true
		}
	}
	return time.Time{}, false, false
}

func (n Normalizer) location() *time.Location {
	if n.Location == nil {
		return time.Local
	}
	return n.Location
}

func syntheticUID(ev model.Event) string {
	h := sha256.New()
	h.Write([]byte(ev.Summary))
	h.Write([]byte{0})
	h.Write([]byte(ev.Start.UTC().Format(time.RFC3339)))
	h.Write([]byte{0})
	h.Write([]byte(ev.End.UTC().Format(time.RFC3339)))
	return "gen-" + hex.EncodeToString(h.Sum(nil)[:12])
}
