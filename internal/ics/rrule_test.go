package ics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teambition/rrule-go"

	"calfeed/internal/model"
)

func TestParseRuleRejects(t *testing.T) {
	anchor := model.NewDateTime(time.Date(2025, 1, 6, 10, 0, 0, 0, time.UTC))

	for name, raw := range map[string]string{
		"empty":          "",
		"no-freq":        "INTERVAL=2;BYDAY=MO",
		"unknown-freq":   "FREQ=FORTNIGHTLY",
		"zero-count":     "FREQ=DAILY;COUNT=0",
		"negative-count": "FREQ=DAILY;COUNT=-3",
		"zero-interval":  "FREQ=DAILY;INTERVAL=0",
		"count-until":    "FREQ=DAILY;COUNT=3;UNTIL=20250110T000000Z",
		"bad-part":       "FREQ=DAILY;BYDAY",
		"out-of-range":   "FREQ=YEARLY;BYMONTH=13",
		"bad-weekday":    "FREQ=WEEKLY;BYDAY=XX",
		"until-early":    "FREQ=DAILY;UNTIL=20240101T000000Z",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseRule(raw, anchor)
			var rpe *RRuleParseError
			require.ErrorAs(t, err, &rpe)
			assert.Equal(t, raw, rpe.Rule)
		})
	}

	_, err := ParseRule("FREQ=DAILY", model.DateValue{})
	assert.Error(t, err)
}

func TestParseRuleTolerates(t *testing.T) {
	anchor := model.NewDateTime(time.Date(2025, 1, 6, 10, 0, 0, 0, time.UTC))

	r, err := ParseRule("RRULE:FREQ=WEEKLY;X-EVOLUTION-ENDDATE=20250301;;BYDAY=MO,WE;RSCALE=GREGORIAN", anchor)
	require.NoError(t, err)
	assert.Equal(t, rrule.WEEKLY, r.Freq)
	assert.Equal(t, 1, r.Interval)
	assert.Zero(t, r.Count)
	assert.True(t, r.Until.IsZero())

	r, err = ParseRule("freq=daily;count=5;interval=2", anchor)
	require.NoError(t, err)
	assert.Equal(t, rrule.DAILY, r.Freq)
	assert.Equal(t, 5, r.Count)
	assert.Equal(t, 2, r.Interval)
}

func TestParseRuleDateUntilCoversWholeDay(t *testing.T) {
	ny := mustZone(t, "America/New_York")
	anchor := model.NewDateTime(time.Date(2025, 1, 6, 10, 0, 0, 0, ny))

	r, err := ParseRule("FREQ=DAILY;UNTIL=20250108", anchor)
	require.NoError(t, err)

	next, err := r.Iterator(anchor.Time)
	require.NoError(t, err)
	var got []int
	for occ, ok := next(); ok; occ, ok = next() {
		got = append(got, occ.Day())
	}
	assert.Equal(t, []int{6, 7, 8}, got)
}

func TestParseRuleAllDayRunsInUTC(t *testing.T) {
	r, err := ParseRule("FREQ=WEEKLY;COUNT=3", model.NewDate(2025, time.March, 1))
	require.NoError(t, err)
	assert.True(t, r.AllDay)
	assert.Equal(t, time.UTC, r.Location())

	next, err := r.Iterator(time.Time{})
	require.NoError(t, err)
	var got []string
	for occ, ok := next(); ok; occ, ok = next() {
		got = append(got, occ.Format(time.RFC3339))
	}
	assert.Equal(t, []string{
		"2025-03-01T00:00:00Z",
		"2025-03-08T00:00:00Z",
		"2025-03-15T00:00:00Z",
	}, got)
}

// collectFrom returns up to n occurrences at or after from.
func collectFrom(next rrule.Next, from time.Time, n int) []string {
	var out []string
	for len(out) < n {
		occ, ok := next()
		if !ok {
			break
		}
		if occ.Before(from) {
			continue
		}
		out = append(out, occ.Format(time.RFC3339))
	}
	return out
}

func TestIteratorSeekMatchesReplay(t *testing.T) {
	ny := mustZone(t, "America/New_York")
	zoned := model.NewDateTime(time.Date(2019, 3, 15, 9, 30, 0, 0, ny))
	utc := model.NewDateTime(time.Date(2019, 3, 15, 9, 30, 0, 0, time.UTC))
	from := time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		rule   string
		anchor model.DateValue
	}{
		{"FREQ=WEEKLY;INTERVAL=2;BYDAY=MO,TH", zoned},
		{"FREQ=WEEKLY;WKST=SU;INTERVAL=3", zoned},
		{"FREQ=MONTHLY;BYMONTHDAY=31", zoned},
		{"FREQ=MONTHLY;BYDAY=-1FR", zoned},
		{"FREQ=MONTHLY;INTERVAL=5", zoned},
		{"FREQ=YEARLY", zoned},
		{"FREQ=YEARLY;BYMONTH=3;BYDAY=2SU", zoned},
		{"FREQ=DAILY;INTERVAL=3", zoned},
		{"FREQ=WEEKLY;COUNT=300", zoned},
		{"FREQ=MONTHLY;COUNT=70", zoned},
		{"FREQ=MONTHLY;COUNT=100;BYDAY=MO,TU,WE,TH,FR;BYSETPOS=-1", zoned},
		{"FREQ=HOURLY;INTERVAL=5", utc},
		{"FREQ=MINUTELY;INTERVAL=45;COUNT=5000000", utc},
		{"FREQ=DAILY;COUNT=10", utc},
		{"FREQ=WEEKLY;COUNT=1000;BYDAY=MO,WE,FR", zoned},
		{"FREQ=WEEKLY;INTERVAL=2;COUNT=700;BYDAY=TU,SA;BYHOUR=8,18", zoned},
		{"FREQ=WEEKLY;WKST=SU;COUNT=900;BYDAY=SU,MO,MO", zoned},
		{"FREQ=DAILY;COUNT=8000;BYHOUR=9,13,17", zoned},
		{"FREQ=HOURLY;INTERVAL=7;BYMINUTE=0,15;COUNT=40000", utc},
		{"FREQ=MINUTELY;INTERVAL=90;BYSECOND=0,30;COUNT=5000000", utc},
	}

	for _, tc := range cases {
		t.Run(tc.rule, func(t *testing.T) {
			r, err := ParseRule(tc.rule, tc.anchor)
			require.NoError(t, err)

			full, err := rrule.NewRRule(r.opt)
			require.NoError(t, err)
			want := collectFrom(full.Iterator(), from, 25)

			seeked, err := r.Iterator(from)
			require.NoError(t, err)
			got := collectFrom(seeked, from, 25)

			assert.Equal(t, want, got)
		})
	}
}

func TestSeekableRules(t *testing.T) {
	anchor := model.NewDateTime(time.Date(2024, 2, 29, 8, 0, 0, 0, time.UTC))

	for raw, want := range map[string]bool{
		"FREQ=DAILY":                                 true,
		"FREQ=DAILY;COUNT=5":                         true,
		"FREQ=DAILY;COUNT=5;BYHOUR=8,12":             true,
		"FREQ=DAILY;COUNT=5;BYDAY=MO":                false,
		"FREQ=WEEKLY;COUNT=5;BYDAY=MO":               true,
		"FREQ=WEEKLY;COUNT=5;BYDAY=MO,FR;BYSETPOS=1": false,
		"FREQ=WEEKLY;COUNT=5;BYMONTH=3":              false,
		"FREQ=HOURLY;COUNT=5;BYMINUTE=0,30":          true,
		"FREQ=HOURLY;COUNT=5;BYHOUR=9":               false,
		"FREQ=MINUTELY;COUNT=5;BYSECOND=0":           true,
		"FREQ=MINUTELY;COUNT=5;BYMINUTE=0":           false,
		"FREQ=MONTHLY;COUNT=5":                       false,
		"FREQ=MONTHLY;COUNT=5;BYDAY=1MO":             false,
		"FREQ=YEARLY;COUNT=5":                        false,
		"FREQ=YEARLY;BYSETPOS=1":                     true,
	} {
		r, err := ParseRule(raw, anchor)
		require.NoError(t, err, raw)
		assert.Equal(t, want, r.seekable(), raw)
	}
}
