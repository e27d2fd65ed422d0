package ratelimit

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Confidence says where a signal's wait came from.
type Confidence string

const (
	// ConfidenceParsed means a reset time was read from the text.
	ConfidenceParsed Confidence = "parsed"
	// ConfidenceRelative means a relative delay was read from the text.
	ConfidenceRelative Confidence = "relative"
	// ConfidenceFallback means nothing usable was found and the fallback applies.
	ConfidenceFallback Confidence = "fallback"
)

// DefaultIndicators are matched case-insensitively against session output.
var DefaultIndicators = []string{
	"rate limit",
	"rate_limit",
	"usage limit",
	"limit reached",
	"quota",
	"resets",
	"too many requests",
	"429",
	"overloaded",
}

// DefaultTail is how much of the end of the output the classifier scans.
// Provider errors end a session; feature text earlier in the transcript
// should not trip the classifier.
const DefaultTail = 4000

// Signal describes a detected rate limit.
type Signal struct {
	Detected    bool
	ResetAt     time.Time
	WaitSeconds int
	SourceText  string
	Confidence  Confidence
}

// Wait returns the signal's wait as a duration.
func (s Signal) Wait() time.Duration {
	return time.Duration(s.WaitSeconds) * time.Second
}

// Classifier decides whether session output reports a rate limit.
type Classifier interface {
	Classify(output string) Signal
}

// SubstringClassifier flags output containing any indicator substring.
type SubstringClassifier struct {
	indicators []string
	tail       int
}

var _ Classifier = (*SubstringClassifier)(nil)

// NewSubstringClassifier creates a classifier. Empty indicators select the
// defaults; a tail of zero or less scans the whole output.
func NewSubstringClassifier(indicators []string, tail int) *SubstringClassifier {
	if len(indicators) == 0 {
		indicators = DefaultIndicators
	}
	lowered := make([]string, 0, len(indicators))
	for _, ind := range indicators {
		if ind = strings.ToLower(strings.TrimSpace(ind)); ind != "" {
			lowered = append(lowered, ind)
		}
	}
	return &SubstringClassifier{indicators: lowered, tail: tail}
}

// Classify reports the first line of the scanned output that contains an
// indicator.
func (c *SubstringClassifier) Classify(output string) Signal {
	scan := Tail(output, c.tail)
	lower := strings.ToLower(scan)
	for _, ind := range c.indicators {
		idx := indexIndicator(lower, ind)
		if idx < 0 {
			continue
		}
		return Signal{Detected: true, SourceText: lineAround(scan, idx)}
	}
	return Signal{}
}

// errorMarkers qualify the line around a numeric indicator such as a
// status code. Commit hashes and counters carry digits too.
var errorMarkers = []string{"error", "status", "http", "too many", "[stderr]", "[result]"}

// indexIndicator returns the offset of ind in lower, or -1. A numeric
// indicator only matches as a standalone number on a line that also
// carries an error marker.
func indexIndicator(lower, ind string) int {
	if !isDigits(ind) {
		return strings.Index(lower, ind)
	}
	for from := 0; from < len(lower); {
		i := strings.Index(lower[from:], ind)
		if i < 0 {
			return -1
		}
		idx := from + i
		end := idx + len(ind)
		from = idx + 1
		if idx > 0 && isWordByte(lower[idx-1]) {
			continue
		}
		if end < len(lower) && isWordByte(lower[end]) {
			continue
		}
		line := lineAround(lower, idx)
		for _, m := range errorMarkers {
			if strings.Contains(line, m) {
				return idx
			}
		}
	}
	return -1
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func isWordByte(b byte) bool {
	return b == '_' || b >= '0' && b <= '9' || b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z'
}

// Tail returns the last n bytes of s, or all of s when n is zero or less.
func Tail(s string, n int) string {
	if n > 0 && len(s) > n {
		return s[len(s)-n:]
	}
	return s
}

func lineAround(s string, idx int) string {
	start := strings.LastIndexByte(s[:idx], '\n') + 1
	end := strings.IndexByte(s[idx:], '\n')
	if end < 0 {
		end = len(s)
	} else {
		end += idx
	}
	line := strings.TrimSpace(s[start:end])
	if len(line) > 300 {
		line = line[:300]
	}
	return line
}

var (
	retryAfterPattern = regexp.MustCompile(`(?i)retry[-_ ]after["']?[:=\s]+(\d+)`)
	tryAgainPattern   = regexp.MustCompile(`(?i)try again in\s+(\d+)\s*(seconds?|secs?|s|minutes?|mins?|m|hours?|hrs?|h)?\b`)
	waitPattern       = regexp.MustCompile(`(?i)wait\s+(\d+)\s*(?:seconds?|secs?|s)\b`)
	beforePattern     = regexp.MustCompile(`(?i)(\d+)\s*seconds?\s+(?:before|until)`)
	// claude CLI: "Claude AI usage limit reached|1767412800"
	epochPattern = regexp.MustCompile(`(?i)limit reached\|(\d{9,11})`)
)

// ParseRetryAfter reads a relative delay ("retry-after: 30", "try again in
// 5 minutes") or a unix reset timestamp from text. It returns seconds to
// wait, or zero when nothing is found.
func ParseRetryAfter(text string, now time.Time) int {
	if m := epochPattern.FindStringSubmatch(text); m != nil {
		if epoch, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			return waitUntil(time.Unix(epoch, 0), now)
		}
	}
	if m := retryAfterPattern.FindStringSubmatch(text); m != nil {
		return atoiPositive(m[1])
	}
	if m := tryAgainPattern.FindStringSubmatch(text); m != nil {
		n := atoiPositive(m[1])
		switch unit := strings.ToLower(m[2]); {
		case strings.HasPrefix(unit, "h"):
			return n * 3600
		case strings.HasPrefix(unit, "m"):
			return n * 60
		default:
			return n
		}
	}
	if m := waitPattern.FindStringSubmatch(text); m != nil {
		return atoiPositive(m[1])
	}
	if m := beforePattern.FindStringSubmatch(text); m != nil {
		return atoiPositive(m[1])
	}
	return 0
}

func atoiPositive(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// Resolve fills in the wait for a detected signal. It tries the reset-time
// parser, then the relative parser, and finally the fallback. The result
// always has a positive wait.
func Resolve(sig Signal, text string, now time.Time, fallback time.Duration) Signal {
	if wait := ParseResetWait(text, now); wait > 0 {
		sig.WaitSeconds = wait
		sig.ResetAt = now.Add(time.Duration(wait)*time.Second - SafetyMargin)
		sig.Confidence = ConfidenceParsed
		return sig
	}
	if wait := ParseRetryAfter(text, now); wait > 0 {
		sig.WaitSeconds = wait
		sig.ResetAt = now.Add(time.Duration(wait) * time.Second)
		sig.Confidence = ConfidenceRelative
		return sig
	}
	if fallback <= 0 {
		fallback = 24 * time.Hour
	}
	sig.WaitSeconds = int(fallback / time.Second)
	sig.ResetAt = now.Add(fallback)
	sig.Confidence = ConfidenceFallback
	return sig
}

// Capped limits the signal's wait to limit, counted from now. A limit of zero
// or less leaves the signal unchanged.
func (s Signal) Capped(limit time.Duration, now time.Time) Signal {
	if limit <= 0 || s.Wait() <= limit {
		return s
	}
	s.WaitSeconds = int(limit / time.Second)
	s.ResetAt = now.Add(limit)
	return s
}

// FormatWait renders a wait for humans: "45 seconds", "12 minutes",
// "3 hours 5 min".
func FormatWait(d time.Duration) string {
	secs := int(d.Round(time.Second) / time.Second)
	switch {
	case secs < 60:
		return plural(secs, "second")
	case secs < 3600:
		return plural(secs/60, "minute")
	default:
		hours := secs / 3600
		mins := (secs % 3600) / 60
		if mins == 0 {
			return plural(hours, "hour")
		}
		return fmt.Sprintf("%s %d min", plural(hours, "hour"), mins)
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
