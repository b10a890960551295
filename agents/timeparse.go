package agents

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/voyantlabs/concierge-core/core"
)

// Time-phrase grammar for reminder requests. Deliberately small and
// deterministic: relative offsets ("in 2 hours"), weekday phrases
// ("next Monday 9am"), "tomorrow", daily/weekly recurrence, and RFC
// 3339 timestamps. Unparseable phrases are reported back to the client
// rather than guessed.

var (
	relativeRe = regexp.MustCompile(`(?i)\bin\s+(\d+)\s+(minute|hour|day)s?\b`)
	weekdayRe  = regexp.MustCompile(`(?i)\b(?:next\s+)?(monday|tuesday|wednesday|thursday|friday|saturday|sunday)\b(?:\s+at)?(?:\s+(\d{1,2})(?::(\d{2}))?\s*(am|pm)?)?`)
	tomorrowRe = regexp.MustCompile(`(?i)\btomorrow\b(?:\s+at)?(?:\s+(\d{1,2})(?::(\d{2}))?\s*(am|pm)?)?`)
	dailyRe    = regexp.MustCompile(`(?i)\b(?:every\s+day|daily)\b(?:\s+at)?(?:\s+(\d{1,2})(?::(\d{2}))?\s*(am|pm)?)?`)
	weeklyRe   = regexp.MustCompile(`(?i)\bevery\s+(monday|tuesday|wednesday|thursday|friday|saturday|sunday)\b(?:\s+at)?(?:\s+(\d{1,2})(?::(\d{2}))?\s*(am|pm)?)?`)
	rfc3339Re  = regexp.MustCompile(`\d{4}-\d{2}-\d{2}T\d{2}:\d{2}(?::\d{2})?(?:Z|[+-]\d{2}:\d{2})?`)
)

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday,
	"wednesday": time.Wednesday, "thursday": time.Thursday,
	"friday": time.Friday, "saturday": time.Saturday,
}

const defaultHour = 9 // morning default when a phrase names no time

// parseTrigger extracts a trigger from text. It returns the trigger,
// the text with the time phrase removed (the reminder subject), and
// whether a phrase was recognized.
func parseTrigger(text string, now time.Time) (core.Trigger, string, bool) {
	if m := rfc3339Re.FindString(text); m != "" {
		for _, layout := range []string{time.RFC3339, "2006-01-02T15:04"} {
			if at, err := time.ParseInLocation(layout, m, now.Location()); err == nil {
				return core.Trigger{Kind: core.TriggerAt, At: at},
					strip(text, m), true
			}
		}
	}

	if m := weeklyRe.FindStringSubmatch(text); m != nil {
		h, min := clockOf(m[2], m[3], m[4])
		at := nextWeekday(now, weekdays[strings.ToLower(m[1])], h, min)
		return core.Trigger{Kind: core.TriggerEvery, At: at, Every: 7 * 24 * time.Hour},
			strip(text, m[0]), true
	}

	if m := dailyRe.FindStringSubmatch(text); m != nil {
		h, min := clockOf(m[1], m[2], m[3])
		at := time.Date(now.Year(), now.Month(), now.Day(), h, min, 0, 0, now.Location())
		if !at.After(now) {
			at = at.Add(24 * time.Hour)
		}
		return core.Trigger{Kind: core.TriggerEvery, At: at, Every: 24 * time.Hour},
			strip(text, m[0]), true
	}

	if m := relativeRe.FindStringSubmatch(text); m != nil {
		n, _ := strconv.Atoi(m[1])
		var unit time.Duration
		switch strings.ToLower(m[2]) {
		case "minute":
			unit = time.Minute
		case "hour":
			unit = time.Hour
		case "day":
			unit = 24 * time.Hour
		}
		return core.Trigger{Kind: core.TriggerAt, At: now.Add(time.Duration(n) * unit)},
			strip(text, m[0]), true
	}

	if m := tomorrowRe.FindStringSubmatch(text); m != nil {
		h, min := clockOf(m[1], m[2], m[3])
		d := now.AddDate(0, 0, 1)
		at := time.Date(d.Year(), d.Month(), d.Day(), h, min, 0, 0, now.Location())
		return core.Trigger{Kind: core.TriggerAt, At: at}, strip(text, m[0]), true
	}

	if m := weekdayRe.FindStringSubmatch(text); m != nil {
		h, min := clockOf(m[2], m[3], m[4])
		at := nextWeekday(now, weekdays[strings.ToLower(m[1])], h, min)
		return core.Trigger{Kind: core.TriggerAt, At: at}, strip(text, m[0]), true
	}

	return core.Trigger{}, text, false
}

// clockOf converts matched hour/minute/meridiem groups to a 24h clock,
// defaulting to the morning default when the hour group is empty.
func clockOf(hourStr, minStr, meridiem string) (int, int) {
	if hourStr == "" {
		return defaultHour, 0
	}
	h, _ := strconv.Atoi(hourStr)
	min := 0
	if minStr != "" {
		min, _ = strconv.Atoi(minStr)
	}
	switch strings.ToLower(meridiem) {
	case "pm":
		if h < 12 {
			h += 12
		}
	case "am":
		if h == 12 {
			h = 0
		}
	}
	return h, min
}

// nextWeekday returns the first occurrence of wd strictly after now at
// the given clock time.
func nextWeekday(now time.Time, wd time.Weekday, hm ...int) time.Time {
	h, min := defaultHour, 0
	if len(hm) == 2 {
		h, min = hm[0], hm[1]
	}
	days := (int(wd) - int(now.Weekday()) + 7) % 7
	candidate := time.Date(now.Year(), now.Month(), now.Day(), h, min, 0, 0, now.Location()).AddDate(0, 0, days)
	if !candidate.After(now) {
		candidate = candidate.AddDate(0, 0, 7)
	}
	return candidate
}

// strip removes the matched phrase and tidies whitespace.
func strip(text, phrase string) string {
	out := strings.Replace(text, phrase, "", 1)
	out = strings.Join(strings.Fields(out), " ")
	return strings.Trim(out, " .,;:")
}
