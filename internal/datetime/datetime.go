// Package datetime extracts and parses the date/time tokens of reminder commands.
// Everything is built in UTC so scheduling does not depend on the server locale.
package datetime

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"telegram-ai-assistant/internal/parser"
)

const (
	clockPart = `(?:[01]?[0-9]|2[0-3]):[0-5][0-9]`
	datePart  = `(?:0?[1-9]|[12][0-9]|3[01])[./-](?:0?[1-9]|1[0-2])(?:[./-]\d{4})?`
)

var (
	leadingRx = regexp.MustCompile(`^((?:` + datePart + `\s+)?` + clockPart + `)(?:\s+|$)`)
	clockRx   = regexp.MustCompile(`^` + clockPart + `$`)
	dateSepRx = regexp.MustCompile(`[./-]`)
)

// Layout used for dates shown to users.
const Layout = "02-01-2006 15:04"

var ErrBadFormat = errors.New("invalid date/time format")

// ExtractLeadingDateTime peels a leading "HH:MM" or "DD.MM.YYYY HH:MM" token off text.
// Without a match, matched is empty and remainder is the whole input.
func ExtractLeadingDateTime(text string) (matched, remainder string) {
	return parser.SplitMatch(text, leadingRx)
}

// ParseClock parses "HH:MM".
func ParseClock(s string) (hour, minute int, err error) {
	s = strings.TrimSpace(s)
	if !clockRx.MatchString(s) {
		return 0, 0, fmt.Errorf("%w: %q", ErrBadFormat, s)
	}
	h, m, _ := strings.Cut(s, ":")
	hour, _ = strconv.Atoi(h)
	minute, _ = strconv.Atoi(m)
	return hour, minute, nil
}

// ParseDateTime turns a token produced by ExtractLeadingDateTime into a UTC timestamp.
// A missing year defaults to the year of now; a bare clock time means today.
func ParseDateTime(token string, now time.Time) (time.Time, error) {
	now = now.UTC()
	fields := strings.Fields(token)

	switch len(fields) {
	case 1:
		hour, minute, err := ParseClock(fields[0])
		if err != nil {
			return time.Time{}, err
		}
		return time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, time.UTC), nil

	case 2:
		hour, minute, err := ParseClock(fields[1])
		if err != nil {
			return time.Time{}, err
		}
		parts := dateSepRx.Split(fields[0], -1)
		if len(parts) < 2 || len(parts) > 3 {
			return time.Time{}, fmt.Errorf("%w: %q", ErrBadFormat, fields[0])
		}
		nums := make([]int, len(parts))
		for i, p := range parts {
			n, err := strconv.Atoi(p)
			if err != nil {
				return time.Time{}, fmt.Errorf("%w: %q", ErrBadFormat, fields[0])
			}
			nums[i] = n
		}
		day, month, year := nums[0], nums[1], now.Year()
		if len(nums) == 3 {
			year = nums[2]
		}
		t := time.Date(year, time.Month(month), day, hour, minute, 0, 0, time.UTC)
		if t.Day() != day || int(t.Month()) != month {
			return time.Time{}, fmt.Errorf("%w: no such date %q", ErrBadFormat, fields[0])
		}
		return t, nil
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrBadFormat, token)
}

// ValidateFuture reports whether t is strictly after now.
func ValidateFuture(t, now time.Time) bool {
	return t.After(now)
}

// ParseRange reads two date/time tokens, optionally separated by "-".
func ParseRange(text string, now time.Time) (start, end time.Time, err error) {
	first, rest := ExtractLeadingDateTime(text)
	if first == "" {
		return start, end, fmt.Errorf("%w: missing range start", ErrBadFormat)
	}
	rest = strings.TrimSpace(strings.TrimPrefix(rest, "-"))
	second, tail := ExtractLeadingDateTime(rest)
	if second == "" || tail != "" {
		return start, end, fmt.Errorf("%w: missing range end", ErrBadFormat)
	}

	if start, err = ParseDateTime(first, now); err != nil {
		return start, end, err
	}
	if end, err = ParseDateTime(second, now); err != nil {
		return start, end, err
	}
	if end.Before(start) {
		return start, end, fmt.Errorf("%w: range end is before its start", ErrBadFormat)
	}
	return start, end, nil
}

// FormatUTC renders t for users.
func FormatUTC(t time.Time) string {
	return t.UTC().Format(Layout) + " UTC"
}
