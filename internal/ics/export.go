package ics

import (
	"time"

	ical "github.com/arran4/golang-ical"

	"calhub/internal/model"
)

// Export serializes canonical events as a PUBLISH calendar named name.
func Export(name string, events []model.Event, now time.Time) string {
	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId("-//calhub//calhub//EN")
	if name != "" {
		cal.SetXWRCalName(name)
	}

	for _, e := range events {
		ve := cal.AddEvent(e.UID)
		ve.SetDtStampTime(now.UTC())
		ve.SetSummary(e.Summary)
		if e.Description != "" {
			ve.SetDescription(e.Description)
		}
		if e.Location != "" {
			ve.SetLocation(e.Location)
		}
		if e.Group != "" {
			ve.AddProperty(ical.ComponentPropertyCategories, e.Group)
		}
		if e.AllDay {
			ve.SetAllDayStartAt(e.Start)
			ve.SetAllDayEndAt(e.End)
		} else {
			ve.SetStartAt(e.Start)
			ve.SetEndAt(e.End)
		}
		if e.Recurrence != "" {
			ve.AddProperty(ical.ComponentPropertyRrule, e.Recurrence)
		}
	}

	return cal.Serialize()
}
