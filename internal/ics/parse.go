package ics

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/teambition/rrule-go"

	appLog "calhub/internal/log"
)

const (
	// SentinelParseFailed is the calendar name reported for a document that
	// could not be parsed. Callers detect parse failures by comparing against it.
	SentinelParseFailed = "parsing failed"
	// DefaultCalendarName is used when the document has no X-WR-CALNAME.
	DefaultCalendarName = "unnamed calendar"
)

// ParsedEvent is a VEVENT as found in the document. Times are resolved to
// instants but no defaults are applied: a missing end leaves HasEnd false.
type ParsedEvent struct {
	UID         string
	Summary     string
	Description string
	Location    string
	// Group is the first CATEGORIES value, if any.
	Group string

	Start  time.Time
	End    time.Time
	HasEnd bool
	AllDay bool
	// StartTZ is the TZID parameter of DTSTART, when present.
	StartTZ string

	// RRule is the normalized recurrence rule. It is never expanded.
	RRule string
}

// Result is the outcome of Parse.
type Result struct {
	CalendarName string
	Events       []ParsedEvent
}

// Failed reports whether r is the parse-failure sentinel.
func (r Result) Failed() bool {
	return r.CalendarName == SentinelParseFailed
}

// Parser turns iCalendar documents into ParsedEvents. Floating and
// date-only values are interpreted in Location.
type Parser struct {
	Location *time.Location
}

// Parse uses a parser in the local timezone.
func Parse(document string) Result {
	return Parser{Location: time.Local}.Parse(document)
}

// Parse never fails: structural problems yield the SentinelParseFailed result.
func (p Parser) Parse(document string) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			appLog.Error("ics parse panicked", fmt.Errorf("%v", r))
			res = failed()
		}
	}()

	out, err := p.parse(document)
	if err != nil {
		appLog.Error("ics parse failed", err)
		return failed()
	}
	appLog.Debug("ics parse completed", "calendar", out.CalendarName, "event_count", len(out.Events))
	return out
}

func failed() Result {
	return Result{CalendarName: SentinelParseFailed, Events: []ParsedEvent{}}
}

func (p Parser) parse(document string) (Result, error) {
	if !strings.Contains(strings.ToUpper(document), "BEGIN:VCALENDAR") {
		return Result{}, errors.New("not an iCalendar document")
	}

	cal, err := ical.ParseCalendar(strings.NewReader(document))
	if err != nil {
		return Result{}, err
	}

	res := Result{CalendarName: DefaultCalendarName, Events: make([]ParsedEvent, 0)}
	for _, prop := range cal.CalendarProperties {
		if strings.EqualFold(prop.IANAToken, string(ical.PropertyXWRCalName)) {
			if name := strings.TrimSpace(prop.Value); name != "" {
				res.CalendarName = name
			}
			break
		}
	}

	for i, ve := range cal.Events() {
		ev, err := p.parseVEvent(ve)
		if err != nil {
			return Result{}, fmt.Errorf("vevent %d: %w", i, err)
		}
		res.Events = append(res.Events, ev)
	}
	return res, nil
}

func (p Parser) parseVEvent(ve *ical.VEvent) (ParsedEvent, error) {
	var out ParsedEvent

	if prop := ve.GetProperty(ical.ComponentPropertyUniqueId); prop != nil {
		out.UID = strings.TrimSpace(prop.Value)
	}
	if prop := ve.GetProperty(ical.ComponentPropertySummary); prop != nil {
		out.Summary = prop.Value
	}
	if prop := ve.GetProperty(ical.ComponentPropertyDescription); prop != nil {
		out.Description = prop.Value
	}
	if prop := ve.GetProperty(ical.ComponentPropertyLocation); prop != nil {
		out.Location = prop.Value
	}
	if prop := ve.GetProperty(ical.ComponentPropertyCategories); prop != nil {
		first, _, _ := strings.Cut(prop.Value, ",")
		out.Group = strings.TrimSpace(first)
	}

	startProp := ve.GetProperty(ical.ComponentPropertyDtStart)
	if startProp == nil {
		return out, errors.New("missing DTSTART")
	}
	start, allDay, err := p.resolve(startProp.Value, startProp.ICalParameters)
	if err != nil {
		return out, fmt.Errorf("DTSTART: %w", err)
	}
	out.Start = start
	out.AllDay = allDay
	out.StartTZ = param(startProp.ICalParameters, "TZID")

	if endProp := ve.GetProperty(ical.ComponentPropertyDtEnd); endProp != nil {
		end, _, err := p.resolve(endProp.Value, endProp.ICalParameters)
		if err != nil {
			return out, fmt.Errorf("DTEND: %w", err)
		}
		out.End = end
		out.HasEnd = true
	} else if durProp := ve.GetProperty(ical.ComponentPropertyDuration); durProp != nil {
		d, err := parseDuration(durProp.Value)
		if err != nil {
			return out, fmt.Errorf("DURATION: %w", err)
		}
		out.End = out.Start.Add(d)
		out.HasEnd = true
	}

	if prop := ve.GetProperty(ical.ComponentPropertyRrule); prop != nil {
		opt, err := rrule.StrToROption(prop.Value)
		if err != nil {
			// A bad rule only loses the recurrence, not the event.
			appLog.Error("ics rrule ignored", err, "uid", out.UID)
		} else {
			out.RRule = opt.RRuleString()
		}
	}

	return out, nil
}

// resolve turns a DATE or DATE-TIME value into an instant. UTC values ("Z")
// stay UTC; TZID values use that zone when it is known; floating and
// date-only values use p.Location.
func (p Parser) resolve(value string, params map[string][]string) (time.Time, bool, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false, errors.New("empty value")
	}

	loc := p.location()
	if tzid := param(params, "TZID"); tzid != "" {
		if l, err := time.LoadLocation(strings.Trim(tzid, `"`)); err == nil {
			loc = l
		} else {
			appLog.Debug("ics unknown tzid, using default location", "tzid", tzid)
		}
	}

	dateOnly := strings.EqualFold(param(params, "VALUE"), "DATE") || !strings.Contains(value, "T")
	if dateOnly {
		t, err := time.ParseInLocation("20060102", value, p.location())
		return t, true, err
	}

	if strings.HasSuffix(value, "Z") {
		t, err := time.Parse("20060102T150405Z", value)
		return t, false, err
	}

	t, err := time.ParseInLocation("20060102T150405", value, loc)
	return t, false, err
}

func (p Parser) location() *time.Location {
	if p.Location == nil {
		return time.Local
	}
	return p.Location
}

func param(params map[string][]string, key string) string {
	for k, vs := range params {
		if strings.EqualFold(k, key) && len(vs) > 0 {
			return vs[0]
		}
	}
	return ""
}

// parseDuration reads an RFC 5545 duration such as "PT1H30M", "P1D" or "-P1W".
func parseDuration(s string) (time.Duration, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, errors.New("empty duration")
	}

	sign := time.Duration(1)
	switch s[0] {
	case '-':
		sign = -1
		s = s[1:]
	case '+':
		s = s[1:]
	}
	if !strings.HasPrefix(s, "P") || len(s) < 3 {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	s = s[1:]

	var (
		total  time.Duration
		num    strings.Builder
		inTime bool
	)
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			num.WriteRune(r)
		case r == 'T':
			inTime = true
		default:
			n, err := strconv.Atoi(num.String())
			if err != nil {
				return 0, fmt.Errorf("invalid duration component %q", string(r))
			}
			num.Reset()

			var unit time.Duration
			switch {
			case r == 'W' && !inTime:
				unit = 7 * 24 * time.Hour
			case r == 'D' && !inTime:
				unit = 24 * time.Hour
			case r == 'H' && inTime:
				unit = time.Hour
			case r == 'M' && inTime:
				unit = time.Minute
			case r == 'S' && inTime:
				unit = time.Second
			default:
				return 0, fmt.Errorf("invalid duration unit %q", string(r))
			}
			total += time.Duration(n) * unit
		}
	}
	if num.Len() > 0 {
		return 0, errors.New("trailing number in duration")
	}
	return sign * total, nil
}
