package datetime

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/Hugoapk93/agendabot/internal/fuzzy"
	"github.com/Hugoapk93/agendabot/internal/models"
)

// afternoonCutoff is the highest hour read as p.m. when no marker is given
// ("a las 4" means 16:00 for an appointment).
const afternoonCutoff = 7

var (
	timeRe      = regexp.MustCompile(`(a las?\s+)?\b(\d{1,2})\b(?::(\d{2})|\s+y\s+(media|cuarto))?\s*(a\.?\s?m\b\.?|p\.?\s?m\b\.?|hrs?\b|horas?\b|de la manana|de la tarde|de la noche)?`)
	isoRe       = regexp.MustCompile(`\b(\d{4})-(\d{1,2})-(\d{1,2})\b`)
	slashRe     = regexp.MustCompile(`\b(\d{1,2})/(\d{1,2})(?:/(\d{2,4}))?\b`)
	longRe      = regexp.MustCompile(`\b(\d{1,2})\s+de\s+(enero|febrero|marzo|abril|mayo|junio|julio|agosto|septiembre|setiembre|octubre|noviembre|diciembre)(?:\s+(?:de|del)\s+(\d{4}))?`)
	dayRe       = regexp.MustCompile(`\bel\s+(?:dia\s+)?(\d{1,2})(?:[^/\d]|$)`)
	partOfDayRe = regexp.MustCompile(`\b(?:de|por|en)\s+la\s+(?:manana|tarde|noche)\b`)
	wordRe      = regexp.MustCompile(`[a-z]+`)
)

var months = map[string]time.Month{
	"enero": time.January, "febrero": time.February, "marzo": time.March,
	"abril": time.April, "mayo": time.May, "junio": time.June, "julio": time.July,
	"agosto": time.August, "septiembre": time.September, "setiembre": time.September,
	"octubre": time.October, "noviembre": time.November, "diciembre": time.December,
}

var weekdays = map[string]time.Weekday{
	"domingo": time.Sunday, "lunes": time.Monday, "martes": time.Tuesday,
	"miercoles": time.Wednesday, "jueves": time.Thursday, "viernes": time.Friday,
	"sabado": time.Saturday,
}

// RuleExtractor recognizes common Spanish date and time expressions without network calls.
type RuleExtractor struct{}

// NewRuleExtractor returns the default rule-based extractor.
func NewRuleExtractor() *RuleExtractor { return &RuleExtractor{} }

// Parse implements Extractor.
func (RuleExtractor) Parse(_ context.Context, text string, now time.Time) (Result, error) {
	norm := fuzzy.Normalize(text)
	hhmm, rest := extractTime(norm)
	return Result{Date: extractDate(rest, now), Time: hhmm}, nil
}

// extractTime returns the first qualified time and the text with its span blanked out.
// A bare number only counts as a time when preceded by "a las" or followed by a marker.
func extractTime(s string) (string, string) {
	for _, m := range timeRe.FindAllStringSubmatchIndex(s, -1) {
		group := func(i int) string {
			if m[2*i] < 0 {
				return ""
			}
			return s[m[2*i]:m[2*i+1]]
		}
		prefix, hourS, minS, frac, marker := group(1), group(2), group(3), group(4), group(5)
		if prefix == "" && minS == "" && frac == "" && marker == "" {
			continue
		}
		hour, _ := strconv.Atoi(hourS)
		minute := 0
		switch {
		case minS != "":
			minute, _ = strconv.Atoi(minS)
		case frac == "media":
			minute = 30
		case frac == "cuarto":
			minute = 15
		}
		marker = strings.ReplaceAll(strings.ReplaceAll(marker, ".", ""), " ", "")
		switch marker {
		case "pm", "delatarde", "delanoche":
			if hour < 12 {
				hour += 12
			}
		case "am", "delamanana":
			if hour == 12 {
				hour = 0
			}
		case "":
			if hour >= 1 && hour <= afternoonCutoff {
				hour += 12
			}
		}
		if hour > 23 || minute > 59 {
			continue
		}
		rest := s[:m[0]] + strings.Repeat(" ", m[1]-m[0]) + s[m[1]:]
		return fmt.Sprintf("%02d:%02d", hour, minute), rest
	}
	if strings.Contains(s, "mediodia") {
		return "12:00", strings.ReplaceAll(s, "mediodia", " ")
	}
	return "", s
}

func extractDate(s string, now time.Time) string {
	loc := now.Location()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)

	if m := isoRe.FindStringSubmatch(s); m != nil {
		y, _ := strconv.Atoi(m[1])
		mo, _ := strconv.Atoi(m[2])
		d, _ := strconv.Atoi(m[3])
		if t, ok := makeDate(y, time.Month(mo), d, loc); ok {
			return t.Format(models.DateLayout)
		}
	}
	if m := slashRe.FindStringSubmatch(s); m != nil {
		d, _ := strconv.Atoi(m[1])
		mo, _ := strconv.Atoi(m[2])
		if t, ok := resolveDayMonth(d, time.Month(mo), m[3], today); ok {
			return t.Format(models.DateLayout)
		}
	}
	if m := longRe.FindStringSubmatch(s); m != nil {
		d, _ := strconv.Atoi(m[1])
		if t, ok := resolveDayMonth(d, months[m[2]], m[3], today); ok {
			return t.Format(models.DateLayout)
		}
	}

	words := wordRe.FindAllString(partOfDayRe.ReplaceAllString(s, " "), -1)
	for i, w := range words {
		switch {
		case w == "hoy":
			return today.Format(models.DateLayout)
		case w == "pasado" && i+1 < len(words) && words[i+1] == "manana":
			return today.AddDate(0, 0, 2).Format(models.DateLayout)
		case w == "manana":
			return today.AddDate(0, 0, 1).Format(models.DateLayout)
		}
		if wd, ok := weekdays[w]; ok {
			ahead := (int(wd) - int(today.Weekday()) + 7) % 7
			return today.AddDate(0, 0, ahead).Format(models.DateLayout)
		}
	}

	if m := dayRe.FindStringSubmatch(s); m != nil {
		d, _ := strconv.Atoi(m[1])
		t, ok := makeDate(today.Year(), today.Month(), d, loc)
		if ok && t.Before(today) {
			next := today.AddDate(0, 1, 0)
			t, ok = makeDate(next.Year(), next.Month(), d, loc)
		}
		if ok {
			return t.Format(models.DateLayout)
		}
	}
	return ""
}

// resolveDayMonth applies the year rule: an explicit year wins, otherwise the reference
// year, rolling to the next year when the day already passed.
func resolveDayMonth(d int, mo time.Month, yearS string, today time.Time) (time.Time, bool) {
	if yearS != "" {
		y, _ := strconv.Atoi(yearS)
		if y < 100 {
			y += 2000
		}
		return makeDate(y, mo, d, today.Location())
	}
	t, ok := makeDate(today.Year(), mo, d, today.Location())
	if ok && t.Before(today) {
		return makeDate(today.Year()+1, mo, d, today.Location())
	}
	return t, ok
}

// makeDate rejects dates that time.Date would normalize (e.g. 31 February).
func makeDate(y int, mo time.Month, d int, loc *time.Location) (time.Time, bool) {
	if mo < time.January || mo > time.December || d < 1 {
		return time.Time{}, false
	}
	t := time.Date(y, mo, d, 0, 0, 0, 0, loc)
	if t.Month() != mo || t.Day() != d {
		return time.Time{}, false
	}
	return t, true
}
