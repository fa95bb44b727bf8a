package normalize

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseLegacyDate_SupportedLayouts(t *testing.T) {
	inputs := []string{
		"8/25/2017 3:45:50 PM",
		"8/25/2017 3:45:50 pm",
		"08/25/2017 03:45:50 PM",
		"8/25/2017",
		"2017-08-25 15:45:50",
		"2017-08-25",
		"  2017-08-25  ",
	}

	for _, in := range inputs {
		t.Run(in, func(t *testing.T) {
			got, ok := ParseLegacyDate(in)
			if assert.True(t, ok) {
				assert.Equal(t, 2017, got.Year())
				assert.Equal(t, time.August, got.Month())
				assert.Equal(t, 25, got.Day())
				assert.Equal(t, "2017-08-25", FormatDate(got))
			}
		})
	}
}

func TestParseLegacyDate_Unrecognized(t *testing.T) {
	for _, in := range []string{"not-a-date", "", "   ", "25.08.2017", "2017-13-45", "13/45/2017"} {
		t.Run(in, func(t *testing.T) {
			var ok bool
			assert.NotPanics(t, func() {
				_, ok = ParseLegacyDate(in)
			})
			assert.False(t, ok)
		})
	}
}

func TestParseLegacyDate_KeepsTime(t *testing.T) {
	got, ok := ParseLegacyDate("8/25/2017 3:45:50 PM")
	assert.True(t, ok)
	assert.Equal(t, 15, got.Hour())
	assert.Equal(t, 45, got.Minute())
}

func TestDate(t *testing.T) {
	got, ok := Date("1/2/2006")
	assert.True(t, ok)
	assert.Equal(t, "2006-01-02", got)

	_, ok = Date("yesterday")
	assert.False(t, ok)
}
