// Package ratelimit recognizes provider rate-limit messages and turns the
// reset time they mention into a wait.
package ratelimit

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// SafetyMargin is added to every parsed wait so the retry lands after the reset.
const SafetyMargin = 60 * time.Second

const (
	monthPattern = `(jan(?:uary)?|feb(?:ruary)?|mar(?:ch)?|apr(?:il)?|may|jun(?:e)?|jul(?:y)?|aug(?:ust)?|sep(?:t(?:ember)?)?|oct(?:ober)?|nov(?:ember)?|dec(?:ember)?)\.?`
	dayPattern   = `(\d{1,2})(?:st|nd|rd|th)?`
	timePattern  = `(\d{1,2})(?::(\d{2}))?\s*([ap]\.?m)\b\.?`
)

var (
	// "Jan 2, 2026, 8pm (America/Los_Angeles)"
	fullDatePattern = regexp.MustCompile(`(?i)\b` + monthPattern + `\s+` + dayPattern + `,?\s+(\d{4}),?\s+(?:at\s+)?` + timePattern + `(?:\s*\([^)]*\))?`)
	// "Jan 2, 8pm"
	shortDatePattern = regexp.MustCompile(`(?i)\b` + monthPattern + `\s+` + dayPattern + `,?\s+(?:at\s+)?` + timePattern)
	// "3:30pm"
	bareTimePattern = regexp.MustCompile(`(?i)\b` + timePattern)
)

var months = map[string]time.Month{
	"jan": time.January, "feb": time.February, "mar": time.March,
	"apr": time.April, "may": time.May, "jun": time.June,
	"jul": time.July, "aug": time.August, "sep": time.September,
	"oct": time.October, "nov": time.November, "dec": time.December,
}

// ParseResetWait finds a reset time in text and returns the seconds to wait
// from now, including SafetyMargin. Zero means no usable reset time was found
// and the caller should apply its fallback wait, not retry immediately.
//
// Three forms are tried in order and the first match decides:
// month-day-year-time, month-day-time, and bare time of day. A timezone
// annotation is ignored; times are read in now's location. A dated reset
// that is not in the future yields zero. A bare time that has already
// passed today refers to tomorrow.
func ParseResetWait(text string, now time.Time) int {
	at, ok := ParseResetTime(text, now)
	if !ok {
		return 0
	}
	return waitUntil(at, now)
}

// ParseResetTime is ParseResetWait without the margin: it returns the reset
// instant itself.
func ParseResetTime(text string, now time.Time) (time.Time, bool) {
	loc := now.Location()

	if m := fullDatePattern.FindStringSubmatch(text); m != nil {
		year, err := strconv.Atoi(m[3])
		if err != nil {
			return time.Time{}, false
		}
		at, ok := buildInstant(year, m[1], m[2], m[4], m[5], m[6], loc)
		if !ok || !at.After(now) {
			return time.Time{}, false
		}
		return at, true
	}

	if m := shortDatePattern.FindStringSubmatch(text); m != nil {
		at, ok := buildInstant(now.Year(), m[1], m[2], m[3], m[4], m[5], loc)
		if !ok || !at.After(now) {
			return time.Time{}, false
		}
		return at, true
	}

	if m := bareTimePattern.FindStringSubmatch(text); m != nil {
		hour, minute, ok := parseClock(m[1], m[2], m[3])
		if !ok {
			return time.Time{}, false
		}
		y, mo, d := now.Date()
		at := time.Date(y, mo, d, hour, minute, 0, 0, loc)
		if !at.After(now) {
			at = time.Date(y, mo, d+1, hour, minute, 0, 0, loc)
		}
		return at, true
	}

	return time.Time{}, false
}

func buildInstant(year int, monthText, dayText, hourText, minuteText, meridiem string, loc *time.Location) (time.Time, bool) {
	month, ok := months[strings.ToLower(monthText)[:3]]
	if !ok {
		return time.Time{}, false
	}
	day, err := strconv.Atoi(dayText)
	if err != nil || day < 1 || day > 31 {
		return time.Time{}, false
	}
	hour, minute, ok := parseClock(hourText, minuteText, meridiem)
	if !ok {
		return time.Time{}, false
	}
	at := time.Date(year, month, day, hour, minute, 0, 0, loc)
	// time.Date normalizes Feb 30 to Mar 2; reject instead.
	if at.Month() != month || at.Day() != day {
		return time.Time{}, false
	}
	return at, true
}

// parseClock converts a 12-hour clock reading to 24-hour values.
func parseClock(hourText, minuteText, meridiem string) (int, int, bool) {
	hour, err := strconv.Atoi(hourText)
	if err != nil || hour < 1 || hour > 12 {
		return 0, 0, false
	}
	minute := 0
	if minuteText != "" {
		minute, err = strconv.Atoi(minuteText)
		if err != nil || minute > 59 {
			return 0, 0, false
		}
	}
	pm := strings.HasPrefix(strings.ToLower(meridiem), "p")
	switch {
	case pm && hour != 12:
		hour += 12
	case !pm && hour == 12:
		hour = 0
	}
	return hour, minute, true
}

func waitUntil(at, now time.Time) int {
	d := at.Sub(now)
	if d <= 0 {
		return 0
	}
	return int((d + SafetyMargin) / time.Second)
}
