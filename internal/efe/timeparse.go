package efe

import (
	"log/slog"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

type timeKind int

const (
	kindMinutes timeKind = iota
	kindHours
	kindDays
	kindHourSingle
	kindHalfHour
	kindTomorrowTime
	kindTomorrow
	kindTodayTime
	kindAbsolute
	kindNoon
	kindMidnight
	kindTonight
	kindEvening
	kindAfternoon
	kindMorning
	kindNextWeek
	kindWeekday
)

// timeRules are tried in order; compound phrases ("tomorrow at 3pm") come
// before the generic ones they contain ("at 3pm").
var timeRules = []struct {
	re   *regexp.Regexp
	kind timeKind
}{
	{ci(`in (\d+) minutes?`), kindMinutes},
	{ci(`in (\d+) hours?`), kindHours},
	{ci(`in (\d+) days?`), kindDays},
	{ci(`in an? hour`), kindHourSingle},
	{ci(`in half an hour`), kindHalfHour},

	{ci(`tomorrow\s+(?:at\s+)?(\d{1,2})(?::(\d{2}))?\s*(am|pm)?`), kindTomorrowTime},
	{ci(`tomorrow`), kindTomorrow},
	{ci(`today\s+(?:at\s+)?(\d{1,2})(?::(\d{2}))?\s*(am|pm)?`), kindTodayTime},

	{ci(`at (\d{1,2})(?::(\d{2}))?\s*(am|pm)?`), kindAbsolute},
	{ci(`at noon`), kindNoon},
	{ci(`at midnight`), kindMidnight},
	{ci(`tonight`), kindTonight},
	{ci(`this evening`), kindEvening},
	{ci(`this afternoon`), kindAfternoon},
	{ci(`this morning`), kindMorning},

	{ci(`next week`), kindNextWeek},
	{ci(`in a week`), kindNextWeek},

	{ci(`(?:on )?(monday|tuesday|wednesday|thursday|friday|saturday|sunday)`), kindWeekday},
}

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// relativeUnits bounds "in N units" phrases; larger counts would overflow
// a time.Duration.
var relativeUnits = map[timeKind]time.Duration{
	kindMinutes: time.Minute,
	kindHours:   time.Hour,
	kindDays:    24 * time.Hour,
}

// Default hours for named parts of the day.
const (
	hourMorning   = 9
	hourAfternoon = 14
	hourEvening   = 18
	hourTonight   = 20
	// Bare clock hours below this are taken as PM ("at 3" means 15:00).
	ambiguousPMBelow = 8
)

// resolveTime finds the first time phrase in text and resolves it against
// now. A phrase whose numbers are out of range is skipped and the next rule
// is tried.
func resolveTime(text string, now time.Time) (time.Time, bool) {
	for _, r := range timeRules {
		m := r.re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		t, ok := resolveKind(r.kind, m[1:], now)
		if ok {
			return t, true
		}
		slog.Warn("efe: unparseable time phrase", "phrase", m[0])
	}
	return time.Time{}, false
}

func resolveKind(kind timeKind, groups []string, now time.Time) (time.Time, bool) {
	switch kind {
	case kindMinutes, kindHours, kindDays:
		n, err := strconv.Atoi(groups[0])
		if err != nil {
			return time.Time{}, false
		}
		unit := relativeUnits[kind]
		if int64(n) > math.MaxInt64/int64(unit) {
			return time.Time{}, false
		}
		if kind == kindDays {
			return now.AddDate(0, 0, n), true
		}
		return now.Add(time.Duration(n) * unit), true
	case kindHourSingle:
		return now.Add(time.Hour), true
	case kindHalfHour:
		return now.Add(30 * time.Minute), true
	case kindNoon:
		return atClock(now, 12, 0)
	case kindMidnight:
		return atClock(now.AddDate(0, 0, 1), 0, 0)
	case kindTonight:
		return atClock(now, hourTonight, 0)
	case kindEvening:
		return atClock(now, hourEvening, 0)
	case kindAfternoon:
		return atClock(now, hourAfternoon, 0)
	case kindMorning:
		if now.Hour() >= 12 {
			return atClock(now.AddDate(0, 0, 1), hourMorning, 0)
		}
		return atClock(now, hourMorning, 0)
	case kindTomorrowTime:
		tomorrow := now.AddDate(0, 0, 1)
		if h, m, ok := parseHHMM(groups); ok {
			return atClock(tomorrow, h, m)
		}
		return atClock(tomorrow, hourMorning, 0)
	case kindTomorrow:
		return atClock(now.AddDate(0, 0, 1), hourMorning, 0)
	case kindTodayTime:
		if h, m, ok := parseHHMM(groups); ok {
			return atClock(now, h, m)
		}
		return time.Time{}, false
	case kindNextWeek:
		return now.AddDate(0, 0, 7), true
	case kindWeekday:
		return nextWeekday(strings.ToLower(groups[0]), now)
	case kindAbsolute:
		h, m, ok := parseHHMM(groups)
		if !ok {
			return time.Time{}, false
		}
		t, ok := atClock(now, h, m)
		if !ok {
			return time.Time{}, false
		}
		if !t.After(now) {
			t = t.AddDate(0, 0, 1)
		}
		return t, true
	}
	return time.Time{}, false
}

// atClock returns day's date at hour:minute in day's location, rejecting
// out-of-range values instead of normalizing them.
func atClock(day time.Time, hour, minute int) (time.Time, bool) {
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return time.Time{}, false
	}
	y, mo, d := day.Date()
	return time.Date(y, mo, d, hour, minute, 0, 0, day.Location()), true
}

// parseHHMM reads an hour, an optional minute and an optional meridiem from
// the submatches of a clock pattern. Unmatched groups are empty strings.
// 12pm stays 12, 12am becomes 0, pm adds 12 to hours below 12, and hours
// below 8 without a meridiem are assumed to be PM.
func parseHHMM(groups []string) (hour, minute int, ok bool) {
	hour, minute = -1, -1
	meridiem := ""
	for _, g := range groups {
		if g == "" {
			continue
		}
		switch lg := strings.ToLower(g); {
		case lg == "am" || lg == "pm":
			meridiem = lg
		case hour < 0:
			if n, err := strconv.Atoi(g); err == nil {
				hour = n
			}
		case minute < 0:
			if n, err := strconv.Atoi(g); err == nil {
				minute = n
			}
		}
	}
	if hour < 0 {
		return 0, 0, false
	}
	if minute < 0 {
		minute = 0
	}
	switch {
	case meridiem == "pm" && hour < 12:
		hour += 12
	case meridiem == "am" && hour == 12:
		hour = 0
	case meridiem == "" && hour < ambiguousPMBelow:
		hour += 12
	}
	return hour, minute, true
}

// nextWeekday returns the next occurrence of the named day at 9:00, never
// today.
func nextWeekday(name string, now time.Time) (time.Time, bool) {
	target, ok := weekdays[name]
	if !ok {
		return time.Time{}, false
	}
	ahead := int(target) - int(now.Weekday())
	if ahead <= 0 {
		ahead += 7
	}
	return atClock(now.AddDate(0, 0, ahead), hourMorning, 0)
}

var timeWords = map[string]bool{
	"at": true, "in": true, "on": true, "tomorrow": true, "tonight": true, "today": true,
	"morning": true, "afternoon": true, "evening": true, "noon": true, "midnight": true,
	"monday": true, "tuesday": true, "wednesday": true, "thursday": true, "friday": true,
	"saturday": true, "sunday": true,
}

// extractTimePhrase returns the text from the first time word onward, in
// lower case, or "" if there is none.
func extractTimePhrase(text string) string {
	words := strings.Fields(strings.ToLower(text))
	for i, w := range words {
		if timeWords[w] || (w == "next" && i+1 < len(words) && words[i+1] == "week") {
			return strings.Join(words[i:], " ")
		}
	}
	return ""
}
