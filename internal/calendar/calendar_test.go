package calendar

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSession(t *testing.T) {
	sess, err := ParseSession("13:30-20:00")
	require.NoError(t, err)
	assert.Equal(t, 13*60+30, sess.OpenMinute)
	assert.Equal(t, 20*60, sess.CloseMinute)
	assert.True(t, sess.Weekdays)
	assert.False(t, sess.AlwaysOpen)

	sess, err = ParseSession("24/7")
	require.NoError(t, err)
	assert.True(t, sess.AlwaysOpen)

	_, err = ParseSession("13:30")
	assert.Error(t, err)

	_, err = ParseSession("25:00-26:00")
	assert.Error(t, err)
}

func TestInSessionWeekdayWindow(t *testing.T) {
	cal := New(map[string]Session{
		"equity": {OpenMinute: 13*60 + 30, CloseMinute: 20 * 60, Weekdays: true},
	})

	// Wednesday 2024-01-10.
	inside := time.Date(2024, 1, 10, 15, 0, 0, 0, time.UTC)
	assert.True(t, cal.InSession("equity", inside))

	beforeOpen := time.Date(2024, 1, 10, 13, 29, 0, 0, time.UTC)
	assert.False(t, cal.InSession("equity", beforeOpen))

	// Close boundary is exclusive.
	atClose := time.Date(2024, 1, 10, 20, 0, 0, 0, time.UTC)
	assert.False(t, cal.InSession("equity", atClose))

	// Saturday.
	weekend := time.Date(2024, 1, 13, 15, 0, 0, 0, time.UTC)
	assert.False(t, cal.InSession("equity", weekend))
}

func TestInSessionAlwaysOpenAndFallback(t *testing.T) {
	cal := New(map[string]Session{
		"crypto": {AlwaysOpen: true},
	})

	sunday := time.Date(2024, 1, 14, 3, 0, 0, 0, time.UTC)
	assert.True(t, cal.InSession("crypto", sunday))

	// Unknown classes fall back to always-open.
	assert.True(t, cal.InSession("unknown", sunday))
}

func TestInSessionWrapsMidnight(t *testing.T) {
	cal := New(map[string]Session{
		"futures": {OpenMinute: 22 * 60, CloseMinute: 21 * 60, Weekdays: true},
	})

	late := time.Date(2024, 1, 10, 23, 0, 0, 0, time.UTC)
	assert.True(t, cal.InSession("futures", late))

	early := time.Date(2024, 1, 10, 2, 0, 0, 0, time.UTC)
	assert.True(t, cal.InSession("futures", early))

	gap := time.Date(2024, 1, 10, 21, 30, 0, 0, time.UTC)
	assert.False(t, cal.InSession("futures", gap))
}
