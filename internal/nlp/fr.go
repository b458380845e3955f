package nlp

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/olebedev/when/rules"
)

// French rules for the when parser. Each regexp needs at least one capture
// group: rules.F ignores matches without captures.

var frWeekdays = map[string]time.Weekday{
	"dimanche": time.Sunday,
	"lundi":    time.Monday,
	"mardi":    time.Tuesday,
	"mercredi": time.Wednesday,
	"jeudi":    time.Thursday,
	"vendredi": time.Friday,
	"samedi":   time.Saturday,
}

var frMonths = map[string]time.Month{
	"janvier": time.January, "février": time.February, "fevrier": time.February,
	"mars": time.March, "avril": time.April, "mai": time.May, "juin": time.June,
	"juillet": time.July, "août": time.August, "aout": time.August,
	"septembre": time.September, "octobre": time.October, "novembre": time.November,
	"décembre": time.December, "decembre": time.December,
}

func frWeekday() rules.Rule {
	return &rules.F{
		RegExp: regexp.MustCompile(`(?i)(?:\W|^)(lundi|mardi|mercredi|jeudi|vendredi|samedi|dimanche)(?:\s+(prochain|dernier))?(?:\W|$)`),
		Applier: func(m *rules.Match, c *rules.Context, _ *rules.Options, ref time.Time) (bool, error) {
			day, ok := frWeekdays[strings.ToLower(m.Captures[0])]
			if !ok {
				return false, nil
			}
			diff := int(day) - int(ref.Weekday())
			switch strings.ToLower(m.Captures[1]) {
			case "dernier":
				if diff >= 0 {
					diff -= 7
				}
			case "prochain":
				if diff <= 0 {
					diff += 7
				}
			default:
				if diff < 0 {
					diff += 7
				}
			}
			c.Duration += time.Duration(diff) * 24 * time.Hour
			return true, nil
		},
	}
}

func frCasualDate() rules.Rule {
	return &rules.F{
		RegExp: regexp.MustCompile(`(?i)(?:\W|^)(maintenant|aujourd'hui|aujourd’hui|après-demain|apres-demain|demain|hier|ce soir|ce matin)(?:\W|$)`),
		Applier: func(m *rules.Match, c *rules.Context, o *rules.Options, _ time.Time) (bool, error) {
			switch strings.ToLower(m.Captures[0]) {
			case "demain":
				c.Duration += 24 * time.Hour
			case "après-demain", "apres-demain":
				c.Duration += 48 * time.Hour
			case "hier":
				c.Duration -= 24 * time.Hour
			case "ce soir":
				setClock(c, orDefault(o.Evening, 18), 0)
			case "ce matin":
				setClock(c, orDefault(o.Morning, 8), 0)
			}
			return true, nil
		},
	}
}

func frHour() rules.Rule {
	return &rules.F{
		RegExp: regexp.MustCompile(`(?i)(?:\W|^)(\d{1,2})\s?h(\d{2})?(?:\W|$)`),
		Applier: func(m *rules.Match, c *rules.Context, _ *rules.Options, _ time.Time) (bool, error) {
			h, err := strconv.Atoi(m.Captures[0])
			if err != nil || h > 23 {
				return false, nil
			}
			minute := 0
			if m.Captures[1] != "" {
				minute, err = strconv.Atoi(m.Captures[1])
				if err != nil || minute > 59 {
					return false, nil
				}
			}
			setClock(c, h, minute)
			return true, nil
		},
	}
}

func frExactDate() rules.Rule {
	return &rules.F{
		RegExp: regexp.MustCompile(`(?i)(?:\W|^)(\d{1,2})(?:er)?\s+(janvier|février|fevrier|mars|avril|mai|juin|juillet|août|aout|septembre|octobre|novembre|décembre|decembre)(?:\s+(\d{4}))?(?:\W|$)`),
		Applier: func(m *rules.Match, c *rules.Context, _ *rules.Options, _ time.Time) (bool, error) {
			day, err := strconv.Atoi(m.Captures[0])
			if err != nil || day < 1 || day > 31 {
				return false, nil
			}
			month, ok := frMonths[strings.ToLower(m.Captures[1])]
			if !ok {
				return false, nil
			}
			mm := int(month)
			c.Day = &day
			c.Month = &mm
			if m.Captures[2] != "" {
				if y, err := strconv.Atoi(m.Captures[2]); err == nil {
					c.Year = &y
				}
			}
			return true, nil
		},
	}
}

func frDeadline() rules.Rule {
	return &rules.F{
		RegExp: regexp.MustCompile(`(?i)(?:\W|^)dans\s+(\d+)\s+(minutes?|heures?|jours?|semaines?)(?:\W|$)`),
		Applier: func(m *rules.Match, c *rules.Context, _ *rules.Options, _ time.Time) (bool, error) {
			n, err := strconv.Atoi(m.Captures[0])
			if err != nil {
				return false, nil
			}
			unit := strings.TrimSuffix(strings.ToLower(m.Captures[1]), "s")
			switch unit {
			case "minute":
				c.Duration += time.Duration(n) * time.Minute
			case "heure":
				c.Duration += time.Duration(n) * time.Hour
			case "jour":
				c.Duration += time.Duration(n) * 24 * time.Hour
			case "semaine":
				c.Duration += time.Duration(n) * 7 * 24 * time.Hour
			default:
				return false, nil
			}
			return true, nil
		},
	}
}

// orDefault returns the configured hour, or def when the parser options
// leave it unset.
func orDefault(h, def int) int {
	if h != 0 {
		return h
	}
	return def
}

func setClock(c *rules.Context, h, m int) {
	c.Hour = &h
	c.Minute = &m
}

var frRules = []rules.Rule{
	frWeekday(),
	frCasualDate(),
	frHour(),
	frExactDate(),
	frDeadline(),
}
