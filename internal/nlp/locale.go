package nlp

import (
	"regexp"
	"strings"

	"github.com/olebedev/when/rules"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"golang.org/x/text/language"
)

// Locale bundles what the extractor needs for one language.
type Locale struct {
	Tag   language.Tag
	Rules []rules.Rule
	// Stopwords are dropped from titles, case-insensitively.
	Stopwords []string
	// Range matches an explicit "<h>[:mm] to <h>[:mm]" time range. Named
	// groups: range (the whole span), sh, sm, sa (start hour, minute,
	// am/pm) and eh, em, ea for the end. Minute and am/pm groups are optional.
	Range *regexp.Regexp
	// PastMarkers and TodayPins disable the forward bias.
	PastMarkers []string
	TodayPins   []string
	// Placeholder is the title used when nothing but dates and stopwords remain.
	Placeholder string
}

// English is the default locale.
var English = Locale{
	Tag:   language.English,
	Rules: append(append([]rules.Rule{}, en.All...), common.All...),
	Stopwords: []string{
		"a", "an", "the",
		"and", "or", "but", "nor",
		"at", "on", "in", "to", "from", "for", "with", "by", "of", "about",
		"until", "till", "between", "during", "into",
		"next", "this", "coming",
		"i", "we", "i'm", "i'll", "we're", "we'll", "am", "is", "are", "will",
	},
	Range: regexp.MustCompile(`(?i)(?:^|[^\d:/.\-])(?P<range>(?P<sh>\d{1,2})(?::(?P<sm>\d{2}))?\s*(?P<sa>[ap]\.?m\.?)?\s*(?:to|until|till|-|–)\s*(?P<eh>\d{1,2})(?::(?P<em>\d{2}))?\s*(?P<ea>[ap]\.?m\.?)?)(?:$|[^\d:/\-.]|\.(?:\s|$))`),
	PastMarkers: []string{"last", "ago", "yesterday", "past", "previous"},
	TodayPins:   []string{"today", "tonight", "now", "this morning", "this afternoon", "this evening"},
	Placeholder: "new event",
}

// French locale.
var French = Locale{
	Tag:   language.French,
	Rules: append(append([]rules.Rule{}, frRules...), common.All...),
	Stopwords: []string{
		"le", "la", "les", "un", "une", "des", "du", "de",
		"à", "a", "au", "aux", "en", "dans", "pour", "avec", "sur", "par", "chez", "vers", "jusqu'à",
		"et", "ou", "mais",
		"prochain", "prochaine", "ce", "cette",
		"je", "nous", "on",
	},
	Range:       regexp.MustCompile(`(?i)(?:^|[^\d])(?P<range>(?P<sh>\d{1,2})\s?h(?P<sm>\d{2})?\s*(?:à|a|-|–|jusqu'à)\s*(?P<eh>\d{1,2})\s?h(?P<em>\d{2})?)`),
	PastMarkers: []string{"dernier", "dernière", "derniere", "hier", "il y a", "passé", "passe"},
	TodayPins:   []string{"aujourd'hui", "aujourd’hui", "ce soir", "ce matin", "maintenant"},
	Placeholder: "nouvel événement",
}

var (
	locales = []Locale{English, French}
	matcher = language.NewMatcher([]language.Tag{English.Tag, French.Tag})
)

// MatchLocale picks the best supported locale for a BCP 47 tag or an
// Accept-Language header value. Unsupported or empty input yields English.
func MatchLocale(pref string) Locale {
	pref = strings.TrimSpace(pref)
	if pref == "" {
		return English
	}
	tags, _, err := language.ParseAcceptLanguage(pref)
	if err != nil || len(tags) == 0 {
		return English
	}
	_, idx, conf := matcher.Match(tags...)
	if conf == language.No {
		return English
	}
	return locales[idx]
}
