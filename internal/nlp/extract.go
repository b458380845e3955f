// Package nlp derives a calendar event from a line of free text such as
// "Friday I work from 9 to 3".
package nlp

import (
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/olebedev/when"

	appLog "calhub/internal/log"
	"calhub/internal/model"
)

// DefaultDuration is the length of an event without an explicit range.
const DefaultDuration = time.Hour

var (
	tokenRe = regexp.MustCompile(`\S+`)
	yearRe  = regexp.MustCompile(`(?:^|\D)\d{4}(?:\D|$)`)

	// fragmentRef anchors the isolated-fragment parses used for titles; only
	// whether something matched matters.
	fragmentRef = time.Date(2000, time.January, 3, 12, 0, 0, 0, time.UTC)
)

// Extractor turns free text into an event for one locale. It is safe for
// concurrent use.
type Extractor struct {
	locale Locale
	parser *when.Parser
	stop   map[string]struct{}
	newID  func() string
}

// New builds an extractor for loc. extraStopwords extend the locale's list.
func New(loc Locale, extraStopwords ...string) *Extractor {
	p := when.New(nil)
	p.Add(loc.Rules...)

	stop := make(map[string]struct{}, len(loc.Stopwords)+len(extraStopwords))
	for _, w := range append(append([]string{}, loc.Stopwords...), extraStopwords...) {
		if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
			stop[w] = struct{}{}
		}
	}

	return &Extractor{locale: loc, parser: p, stop: stop, newID: uuid.NewString}
}

// Locale returns the extractor's locale.
func (x *Extractor) Locale() Locale { return x.locale }

// Extract returns nil when text holds no recognizable date or time.
func (x *Extractor) Extract(text string, ref time.Time) *model.Event {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	res, err := x.parser.Parse(text, ref)
	if err != nil {
		appLog.Debug("nlp parse error", "error", err.Error())
		return nil
	}
	if res == nil {
		return nil
	}

	start := x.forward(res.Time, ref, text)
	end := start.Add(DefaultDuration)

	rangeSpan := [2]int{-1, -1}
	if s, e, span, ok := x.timeRange(text, start); ok {
		start, end, rangeSpan = s, e, span
	}

	return &model.Event{
		UID:     x.newID(),
		Summary: x.title(text, rangeSpan),
		Start:   start,
		End:     end,
	}
}

// forward moves a past result into the future unless the text asks for
// the past, pins today, or names a year. Within a day the nearest future
// occurrence is tomorrow; beyond that it is next year.
func (x *Extractor) forward(t, ref time.Time, text string) time.Time {
	if !t.Before(ref) {
		return t
	}
	norm := " " + normalizedWords(text) + " "
	for _, m := range append(append([]string{}, x.locale.PastMarkers...), x.locale.TodayPins...) {
		if strings.Contains(norm, " "+strings.ToLower(m)+" ") {
			return t
		}
	}
	if yearRe.MatchString(text) {
		return t
	}
	if ref.Sub(t) <= 24*time.Hour {
		return t.Add(24 * time.Hour)
	}
	return t.AddDate(1, 0, 0)
}

// timeRange applies an explicit "9 to 3" range to the date of start.
func (x *Extractor) timeRange(text string, start time.Time) (time.Time, time.Time, [2]int, bool) {
	re := x.locale.Range
	if re == nil {
		return time.Time{}, time.Time{}, [2]int{}, false
	}
	idx := re.FindStringSubmatchIndex(text)
	if idx == nil {
		return time.Time{}, time.Time{}, [2]int{}, false
	}

	group := func(name string) string {
		i := re.SubexpIndex(name)
		if i < 0 || idx[2*i] < 0 {
			return ""
		}
		return text[idx[2*i]:idx[2*i+1]]
	}

	sh, sm, ok1 := clock(group("sh"), group("sm"), group("sa"))
	eh, em, ok2 := clock(group("eh"), group("em"), group("ea"))
	if !ok1 || !ok2 {
		return time.Time{}, time.Time{}, [2]int{}, false
	}

	switch {
	// "1 to 3pm" reads as 13:00-15:00.
	case group("sa") == "" && group("ea") != "" && sh < 12 && sh+12 < eh:
		sh += 12
	// "2 to 4" reads as 14:00-16:00 where the locale writes am/pm.
	case x.twelveHour() && group("sa") == "" && group("ea") == "" &&
		sh >= 1 && sh < 7 && eh < 12 && !strings.HasPrefix(group("sh"), "0"):
		sh += 12
		if eh*60+em > (sh-12)*60+sm {
			eh += 12
		}
	// "9 to 3" reads as 09:00-15:00.
	case eh*60+em <= sh*60+sm && eh < 12 && group("ea") == "":
		eh += 12
	}

	y, mo, d := start.Date()
	loc := start.Location()
	s := time.Date(y, mo, d, sh, sm, 0, 0, loc)
	e := time.Date(y, mo, d, eh, em, 0, 0, loc)
	if !e.After(s) {
		e = e.AddDate(0, 0, 1)
	}

	r := re.SubexpIndex("range")
	span := [2]int{idx[0], idx[1]}
	if r >= 0 && idx[2*r] >= 0 {
		span = [2]int{idx[2*r], idx[2*r+1]}
	}
	return s, e, span, true
}

// twelveHour reports whether the locale's range accepts am/pm markers.
func (x *Extractor) twelveHour() bool {
	return x.locale.Range != nil && x.locale.Range.SubexpIndex("sa") >= 0
}

func clock(hs, ms, meridiem string) (int, int, bool) {
	h, err := strconv.Atoi(hs)
	if err != nil {
		return 0, 0, false
	}
	m := 0
	if ms != "" {
		if m, err = strconv.Atoi(ms); err != nil || m > 59 {
			return 0, 0, false
		}
	}

	switch strings.ToLower(strings.ReplaceAll(meridiem, ".", "")) {
	case "am":
		if h < 1 || h > 12 {
			return 0, 0, false
		}
		if h == 12 {
			h = 0
		}
	case "pm":
		if h < 1 || h > 12 {
			return 0, 0, false
		}
		if h != 12 {
			h += 12
		}
	default:
		if h > 23 {
			return 0, 0, false
		}
	}
	return h, m, true
}

type token struct {
	text       string
	start, end int
}

// title removes temporal fragments, the time range and stopwords from text.
func (x *Extractor) title(text string, rangeSpan [2]int) string {
	locs := tokenRe.FindAllStringIndex(text, -1)
	toks := make([]token, len(locs))
	for i, l := range locs {
		toks[i] = token{text: text[l[0]:l[1]], start: l[0], end: l[1]}
	}

	drop := make([]bool, len(toks))
	for i, t := range toks {
		if rangeSpan[0] >= 0 && t.start < rangeSpan[1] && t.end > rangeSpan[0] {
			drop[i] = true
			continue
		}
		if x.isTemporal(t.text) {
			drop[i] = true
		}
	}

	// Multi-token phrases ("next friday", "5 mars") only count when the
	// parser consumes the whole window.
	for size := 3; size >= 2; size-- {
		for i := 0; i+size <= len(toks); i++ {
			window := text[toks[i].start:toks[i+size-1].end]
			if x.consumes(window) {
				for j := i; j < i+size; j++ {
					drop[j] = true
				}
			}
		}
	}

	kept := make([]string, 0, len(toks))
	for i, t := range toks {
		if drop[i] {
			continue
		}
		w := strings.TrimFunc(t.text, unicode.IsPunct)
		if w == "" {
			continue
		}
		if _, ok := x.stop[strings.ToLower(w)]; ok {
			continue
		}
		kept = append(kept, w)
	}

	title := strings.TrimSpace(strings.Join(kept, " "))
	if title == "" {
		return x.locale.Placeholder
	}
	return title
}

func (x *Extractor) isTemporal(s string) bool {
	res, err := x.parser.Parse(s, fragmentRef)
	return err == nil && res != nil
}

func (x *Extractor) consumes(window string) bool {
	res, err := x.parser.Parse(window, fragmentRef)
	if err != nil || res == nil {
		return false
	}
	got := strings.TrimFunc(res.Text, func(r rune) bool { return unicode.IsSpace(r) || unicode.IsPunct(r) })
	want := strings.TrimFunc(window, func(r rune) bool { return unicode.IsSpace(r) || unicode.IsPunct(r) })
	return strings.EqualFold(got, want)
}

func normalizedWords(text string) string {
	fields := strings.Fields(strings.ToLower(text))
	for i, f := range fields {
		fields[i] = strings.TrimFunc(f, unicode.IsPunct)
	}
	return strings.Join(fields, " ")
}
