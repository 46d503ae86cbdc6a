// Package dateutil handles the date formatting used by mapping scripts.
// Scripts carry SimpleDateFormat-style patterns ("MM/dd/yyyy"), the format
// most mapping authors already know, so patterns are translated to Go
// layouts before use.
package dateutil

import (
	"fmt"
	"strings"
	"time"
)

// ISOPattern is the default pattern when a script passes none.
const ISOPattern = "yyyy-MM-dd'T'HH:mm:ss.SSSXXX"

// patternTokens maps pattern tokens to Go layout fragments, longest first.
var patternTokens = []struct {
	token  string
	layout string
}{
	{"yyyy", "2006"},
	{"yy", "06"},
	{"MMMM", "January"},
	{"MMM", "Jan"},
	{"MM", "01"},
	{"M", "1"},
	{"dd", "02"},
	{"d", "2"},
	{"EEEE", "Monday"},
	{"EEE", "Mon"},
	{"HH", "15"},
	{"hh", "03"},
	{"h", "3"},
	{"mm", "04"},
	{"m", "4"},
	{"ss", "05"},
	{"s", "5"},
	{"SSS", "000"},
	{"XXX", "-07:00"},
	{"XX", "-0700"},
	{"X", "-07"},
	{"Z", "-0700"},
	{"a", "PM"},
}

// Layout translates a SimpleDateFormat-style pattern into a Go time layout.
// Single-quoted sections are literals; unknown characters pass through.
func Layout(pattern string) string {
	var b strings.Builder
	i := 0
	for i < len(pattern) {
		if pattern[i] == '\'' {
			// quoted literal, '' is an escaped quote
			j := i + 1
			for j < len(pattern) && pattern[j] != '\'' {
				j++
			}
			if j == i+1 && j < len(pattern) {
				b.WriteByte('\'')
			} else {
				b.WriteString(pattern[i+1 : j])
			}
			i = j + 1
			continue
		}

		matched := false
		for _, pt := range patternTokens {
			if strings.HasPrefix(pattern[i:], pt.token) {
				b.WriteString(pt.layout)
				i += len(pt.token)
				matched = true
				break
			}
		}
		if !matched {
			b.WriteByte(pattern[i])
			i++
		}
	}
	return b.String()
}

// Format renders t using the given pattern in the local timezone.
// A blank pattern falls back to ISOPattern.
func Format(t time.Time, pattern string) string {
	if strings.TrimSpace(pattern) == "" {
		pattern = ISOPattern
	}
	return t.Format(Layout(pattern))
}

// Parse parses value using the given pattern in the local timezone.
// A blank pattern falls back to ISOPattern.
func Parse(value, pattern string) (time.Time, error) {
	if strings.TrimSpace(pattern) == "" {
		pattern = ISOPattern
	}
	t, err := time.ParseInLocation(Layout(pattern), value, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("could not parse %q using %q pattern: %w", value, pattern, err)
	}
	return t, nil
}

// Day truncates t to its calendar day in the local timezone.
func Day(t time.Time) time.Time {
	y, m, d := t.Local().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.Local)
}

// PlusDays returns t shifted by the given number of days.
func PlusDays(t time.Time, days int) time.Time {
	return t.AddDate(0, 0, days)
}
