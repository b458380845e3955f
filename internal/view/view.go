// Package view implements the pure sort, filter and aggregate operations
// used to render any view of the merged event set.
package view

import (
	"sort"
	"strings"
	"time"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"calhub/internal/model"
)

// SortKey selects the ordering of a view.
type SortKey string

const (
	Chronological SortKey = "chronological"
	Lexicographic SortKey = "lexicographic"
)

// ParseSortKey accepts the canonical names plus the short forms "date" and
// "alpha". Anything else is chronological.
func ParseSortKey(s string) SortKey {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "lexicographic", "alpha", "alphabetical", "title", "summary":
		return Lexicographic
	default:
		return Chronological
	}
}

// Sort returns a sorted copy of events. Ties keep their input order.
// lang drives the collation used for Lexicographic.
func Sort(events []model.Event, key SortKey, lang language.Tag) []model.Event {
	out := append([]model.Event(nil), events...)

	switch key {
	case Lexicographic:
		col := collate.New(lang, collate.IgnoreCase)
		sort.SliceStable(out, func(i, j int) bool {
			return col.CompareString(out[i].Summary, out[j].Summary) < 0
		})
	default:
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].Start.Before(out[j].Start)
		})
	}
	return out
}

// Tokens splits a query on whitespace and lowercases it.
func Tokens(query string) []string {
	fields := strings.Fields(strings.ToLower(query))
	if len(fields) == 0 {
		return nil
	}
	return fields
}

// Filter keeps events whose lowercased summary contains every query token.
// With includeGroup the group is part of the searched text. An empty query
// keeps everything.
func Filter(events []model.Event, query string, includeGroup bool) []model.Event {
	tokens := Tokens(query)
	if len(tokens) == 0 {
		return append([]model.Event(nil), events...)
	}

	out := make([]model.Event, 0, len(events))
	for _, ev := range events {
		hay := strings.ToLower(ev.Summary)
		if includeGroup && ev.Group != "" {
			hay += "\n" + strings.ToLower(ev.Group)
		}
		if matchesAll(hay, tokens) {
			out = append(out, ev)
		}
	}
	return out
}

func matchesAll(hay string, tokens []string) bool {
	for _, t := range tokens {
		if !strings.Contains(hay, t) {
			return false
		}
	}
	return true
}

// Total is the summed duration of all events sharing one exact summary.
type Total struct {
	Summary string  `json:"summary"`
	Hours   float64 `json:"hours"`
	Count   int     `json:"count"`
}

// Totals is ordered by first appearance of each summary.
type Totals []Total

// Map returns summary -> hours.
func (t Totals) Map() map[string]float64 {
	m := make(map[string]float64, len(t))
	for _, tot := range t {
		m[tot.Summary] = tot.Hours
	}
	return m
}

// AggregateBySummary sums durations in hours per exact summary.
func AggregateBySummary(events []model.Event) Totals {
	index := make(map[string]int)
	out := make(Totals, 0)
	for _, ev := range events {
		i, ok := index[ev.Summary]
		if !ok {
			i = len(out)
			index[ev.Summary] = i
			out = append(out, Total{Summary: ev.Summary})
		}
		out[i].Hours += ev.Duration().Hours()
		out[i].Count++
	}
	return out
}

// GroupFilter keeps events whose group equals group, case-insensitively.
func GroupFilter(events []model.Event, group string) []model.Event {
	group = strings.TrimSpace(group)
	if group == "" {
		return events
	}
	out := make([]model.Event, 0, len(events))
	for _, ev := range events {
		if strings.EqualFold(ev.Group, group) {
			out = append(out, ev)
		}
	}
	return out
}

// SourceFilter keeps events of one source.
func SourceFilter(events []model.Event, sourceID string) []model.Event {
	if sourceID == "" {
		return events
	}
	out := make([]model.Event, 0, len(events))
	for _, ev := range events {
		if ev.SourceID == sourceID {
			out = append(out, ev)
		}
	}
	return out
}

// Groups lists the distinct non-empty groups in first-appearance order.
func Groups(events []model.Event) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, ev := range events {
		if ev.Group == "" {
			continue
		}
		if _, ok := seen[ev.Group]; ok {
			continue
		}
		seen[ev.Group] = struct{}{}
		out = append(out, ev.Group)
	}
	return out
}

// Query is the transient state of one view.
type Query struct {
	Sort         SortKey
	Search       string
	IncludeGroup bool
	Mode         Mode
	Anchor       time.Time
	Group        string
	SourceID     string
	Lang         language.Tag
}

// Result is a rendered view. Totals is only set for a non-empty search.
type Result struct {
	Events []model.Event `json:"events"`
	Totals Totals        `json:"totals,omitempty"`
	Groups []string      `json:"groups"`
	From   *time.Time    `json:"from,omitempty"`
	To     *time.Time    `json:"to,omitempty"`
}

// Apply sorts, then filters, then aggregates. Filters never reorder.
func Apply(events []model.Event, q Query) Result {
	sorted := Sort(events, q.Sort, q.Lang)

	win := q.Mode.Window(q.Anchor)
	filtered := win.Filter(sorted)
	filtered = SourceFilter(filtered, q.SourceID)
	groups := Groups(filtered)
	filtered = GroupFilter(filtered, q.Group)
	filtered = Filter(filtered, q.Search, q.IncludeGroup)

	res := Result{Events: filtered, Groups: groups}
	if !win.Unbounded() {
		from, to := win.From, win.To
		res.From, res.To = &from, &to
	}
	if len(Tokens(q.Search)) > 0 {
		res.Totals = AggregateBySummary(filtered)
	}
	return res
}
