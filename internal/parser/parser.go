// Package parser splits raw chat text into a command and its argument.
package parser

import (
	"regexp"
	"strings"
)

// compactRx matches inline delete buttons like /_rem_482 or /_daily_09_00.
var compactRx = regexp.MustCompile(`^(/_[A-Za-z]+_)(.+)$`)

// Parse returns the command and argument of raw. Plain text yields the empty command.
func Parse(raw string) (command, argument string) {
	text := strings.TrimSpace(raw)
	if !strings.HasPrefix(text, "/") {
		return "", text
	}

	i := strings.IndexAny(text, " \t\n")
	if i == -1 {
		if m := compactRx.FindStringSubmatch(text); m != nil {
			return m[1], m[2]
		}
		return text, ""
	}
	return text[:i], strings.TrimSpace(text[i+1:])
}

// FirstAndRest splits input at the nth occurrence of delimiter.
// When there are fewer occurrences, first is empty and rest is the whole trimmed input.
func FirstAndRest(input, delimiter string, nth int) (first, rest string) {
	text := strings.TrimSpace(input)
	if delimiter == "" || nth < 1 {
		return "", text
	}

	idx := -1
	for from := 0; nth > 0; nth-- {
		i := strings.Index(text[from:], delimiter)
		if i == -1 {
			return "", text
		}
		idx = from + i
		from = idx + len(delimiter)
	}
	return strings.TrimSpace(text[:idx]), strings.TrimSpace(text[idx+len(delimiter):])
}

// SplitMatch peels the first match of re off input. If re has a capture group
// the first group is returned as matched, otherwise the whole match.
// Without a match, matched is empty and rest is the whole trimmed input.
func SplitMatch(input string, re *regexp.Regexp) (matched, rest string) {
	text := strings.TrimSpace(input)
	loc := re.FindStringSubmatchIndex(text)
	if loc == nil {
		return "", text
	}

	matched = text[loc[0]:loc[1]]
	if len(loc) >= 4 && loc[2] >= 0 {
		matched = text[loc[2]:loc[3]]
	}
	rest = strings.TrimSpace(strings.TrimSpace(text[:loc[0]]) + " " + strings.TrimSpace(text[loc[1]:]))
	return strings.TrimSpace(matched), rest
}
