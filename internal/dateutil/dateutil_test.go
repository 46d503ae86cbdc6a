package dateutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLayout(t *testing.T) {
	tests := []struct {
		pattern string
		layout  string
	}{
		{"MM/dd/yyyy", "01/02/2006"},
		{"yyyy-MM-dd", "2006-01-02"},
		{"dd-MMM-yy", "02-Jan-06"},
		{"yyyy-MM-dd HH:mm:ss", "2006-01-02 15:04:05"},
		{"yyyy-MM-dd'T'HH:mm:ss.SSSXXX", "2006-01-02T15:04:05.000-07:00"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.layout, Layout(tt.pattern), "pattern %q", tt.pattern)
	}
}

func TestFormat(t *testing.T) {
	d := time.Date(2019, time.March, 7, 14, 30, 0, 0, time.Local)
	assert.Equal(t, "03/07/2019", Format(d, "MM/dd/yyyy"))
	assert.Equal(t, "2019-03-07 14:30:00", Format(d, "yyyy-MM-dd HH:mm:ss"))
}

func TestParseRoundTrip(t *testing.T) {
	parsed, err := Parse("03/07/2019", "MM/dd/yyyy")
	require.NoError(t, err)
	assert.Equal(t, 2019, parsed.Year())
	assert.Equal(t, time.March, parsed.Month())
	assert.Equal(t, 7, parsed.Day())

	_, err = Parse("not a date", "MM/dd/yyyy")
	assert.Error(t, err)
}

func TestParseDefaultsToISO(t *testing.T) {
	parsed, err := Parse("2019-03-07T14:30:00.000+00:00", "")
	require.NoError(t, err)
	assert.Equal(t, 2019, parsed.Year())
}

func TestDay(t *testing.T) {
	now := time.Date(2019, time.March, 7, 23, 59, 59, 0, time.Local)
	day := Day(now)
	assert.Equal(t, 0, day.Hour())
	assert.Equal(t, 0, day.Minute())
	assert.Equal(t, now.Day(), day.Day())

	// same day regardless of time of day
	assert.Equal(t, day, Day(now.Add(-23*time.Hour)))
	// crossing midnight moves the day
	assert.Equal(t, day.AddDate(0, 0, -1), Day(now.Add(-24*time.Hour)))
}

func TestPlusDays(t *testing.T) {
	d := time.Date(2019, time.March, 1, 0, 0, 0, 0, time.Local)
	assert.Equal(t, 28, PlusDays(d, -1).Day())
	assert.Equal(t, time.February, PlusDays(d, -1).Month())
}
