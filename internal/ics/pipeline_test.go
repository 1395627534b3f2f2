package ics

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calfeed/internal/model"
)

// meetingFeed is a weekly New York meeting with one exclusion, one moved
// instance and one cancelled instance, plus an unrelated single event.
var meetingFeed = calendar(
	"BEGIN:VEVENT",
	"UID:sync@example.com",
	"SUMMARY:Team sync",
	"DTSTART;TZID=America/New_York:20250106T150000",
	"DTEND;TZID=America/New_York:20250106T160000",
	"RRULE:FREQ=WEEKLY;BYDAY=MO",
	"EXDATE:20250120T200000Z",
	"END:VEVENT",
	"BEGIN:VEVENT",
	"UID:sync@example.com",
	"RECURRENCE-ID:20250113T200000Z",
	"SUMMARY:Team sync (moved)",
	"DTSTART:20250113T210000Z",
	"DTEND:20250113T220000Z",
	"SEQUENCE:1",
	"END:VEVENT",
	"BEGIN:VEVENT",
	"UID:sync@example.com",
	"RECURRENCE-ID;TZID=America/New_York:20250127T150000",
	"SUMMARY:Team sync",
	"DTSTART;TZID=America/New_York:20250127T150000",
	"DTEND;TZID=America/New_York:20250127T160000",
	"STATUS:CANCELLED",
	"SEQUENCE:1",
	"END:VEVENT",
	"BEGIN:VEVENT",
	"UID:dentist@example.com",
	"SUMMARY:Dentist",
	"DTSTART:20250115T090000Z",
	"DTEND:20250115T100000Z",
	"END:VEVENT",
)

var feedNow = time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)

func process(t *testing.T, in string, opts Options) Result {
	t.Helper()
	res, err := Process(context.Background(), strings.NewReader(in), opts)
	require.NoError(t, err)
	return res
}

func onDay(events []model.ResolvedEvent, y int, m time.Month, d int) []model.ResolvedEvent {
	var out []model.ResolvedEvent
	for _, ev := range events {
		yy, mm, dd := ev.Start.Time.UTC().Date()
		if yy == y && mm == m && dd == d {
			out = append(out, ev)
		}
	}
	return out
}

// projection flattens events into comparable strings.
func projection(events []model.ResolvedEvent) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = strings.Join([]string{
			ev.UID,
			ev.Summary,
			ev.Start.Time.UTC().Format(time.RFC3339),
			ev.End.Time.UTC().Format(time.RFC3339),
			ev.Kind().String(),
			ev.Status.String(),
		}, "|")
	}
	return out
}

func TestProcessResolvesFeed(t *testing.T) {
	res := process(t, meetingFeed, Options{Now: feedNow, ExpansionWindowDays: 25})

	assert.Equal(t, 1, res.Masters)
	assert.Equal(t, 2, res.Overrides)
	assert.Equal(t, 1, res.Singles)
	assert.Equal(t, 1, res.Excluded)
	assert.Equal(t, 2, res.Replaced)
	assert.Empty(t, res.RRuleFailures)
	assert.False(t, res.IsPartial())

	// Window is Jan 3 to Feb 4: Mondays 6, 13, 20, 27 and Feb 3.
	assert.Len(t, onDay(res.Events, 2025, time.January, 6), 1)
	assert.Empty(t, onDay(res.Events, 2025, time.January, 20), "excluded by EXDATE given in UTC")

	moved := onDay(res.Events, 2025, time.January, 13)
	require.Len(t, moved, 1, "moved instance must not be duplicated")
	assert.Equal(t, "Team sync (moved)", moved[0].Summary)
	assert.Equal(t, 21, moved[0].Start.Time.UTC().Hour())

	cancelled := onDay(res.Events, 2025, time.January, 27)
	require.Len(t, cancelled, 1)
	assert.Equal(t, model.StatusCancelled, cancelled[0].Status)

	assert.Len(t, onDay(res.Events, 2025, time.February, 3), 1)
	assert.Len(t, onDay(res.Events, 2025, time.January, 15), 1)
	assert.Len(t, res.Events, 5)

	for i := 1; i < len(res.Events); i++ {
		assert.False(t, res.Events[i].Start.Time.Before(res.Events[i-1].Start.Time))
	}
}

func TestProcessExDateCountsExactlyOne(t *testing.T) {
	without := strings.Replace(meetingFeed, "EXDATE:20250120T200000Z\r\n", "", 1)

	a := process(t, meetingFeed, Options{Now: feedNow})
	b := process(t, without, Options{Now: feedNow})
	assert.Equal(t, len(b.Events)-1, len(a.Events))
}

func TestProcessHideCancelled(t *testing.T) {
	res := process(t, meetingFeed, Options{Now: feedNow, ExpansionWindowDays: 25, HideCancelled: true})
	assert.Empty(t, onDay(res.Events, 2025, time.January, 27))
	assert.Len(t, res.Events, 4)
}

func TestProcessIsIdempotent(t *testing.T) {
	a := process(t, meetingFeed, Options{Now: feedNow})
	b := process(t, meetingFeed, Options{Now: feedNow})
	assert.Equal(t, projection(a.Events), projection(b.Events))

	keysA := make([]model.IdentityKey, len(a.Events))
	keysB := make([]model.IdentityKey, len(b.Events))
	for i := range a.Events {
		keysA[i] = a.Events[i].Key
		keysB[i] = b.Events[i].Key
	}
	assert.Equal(t, keysA, keysB)
}

func TestProcessConcurrentCalls(t *testing.T) {
	want := projection(process(t, meetingFeed, Options{Now: feedNow}).Events)

	var wg sync.WaitGroup
	results := make([][]string, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := Process(context.Background(), strings.NewReader(meetingFeed), Options{Now: feedNow, SourceID: "s"})
			if assert.NoError(t, err) {
				results[i] = projection(res.Events)
			}
		}(i)
	}
	wg.Wait()

	for _, got := range results {
		assert.Equal(t, want, got)
	}
}

func TestProcessWindowAnchoredAtNow(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	start := now.AddDate(0, 0, -180)
	in := calendar(
		"BEGIN:VEVENT",
		"UID:weekly",
		"SUMMARY:Weekly",
		"DTSTART:"+start.Format(layoutDateTimeUTC),
		"DURATION:PT1H",
		"RRULE:FREQ=WEEKLY;COUNT=52",
		"END:VEVENT",
	)

	res := process(t, in, Options{Now: now, MaxOccurrencesPerMaster: 1000})
	require.NotEmpty(t, res.Events)
	assert.Empty(t, res.Truncated)

	nearest := res.Events[0].Start.Time
	for _, ev := range res.Events {
		if ev.Start.Time.Sub(now).Abs() < nearest.Sub(now).Abs() {
			nearest = ev.Start.Time
		}
	}
	assert.LessOrEqual(t, nearest.Sub(now).Abs(), 7*24*time.Hour)
	assert.False(t, res.Events[0].Start.Time.Before(res.Window.Start.Add(-time.Hour)))
}

func TestProcessAllDayYearly(t *testing.T) {
	in := calendar(
		"BEGIN:VEVENT",
		"UID:new-year",
		"SUMMARY:New year",
		"DTSTART;VALUE=DATE:20250101",
		"RRULE:FREQ=YEARLY",
		"END:VEVENT",
	)

	res := process(t, in, Options{
		Now:                 time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
		LookbackBufferDays:  365 * 2,
		ExpansionWindowDays: 365 * 3,
	})
	require.Len(t, res.Events, 5)
	for i, ev := range res.Events {
		assert.True(t, ev.AllDay())
		assert.Equal(t, model.NewDate(2025+i, time.January, 1), ev.Start)
		assert.Equal(t, model.KindOccurrence, ev.Kind())
		assert.Equal(t, "new-year", ev.MasterUID)
	}
}

func TestProcessBadRuleDegrades(t *testing.T) {
	in := calendar(
		"BEGIN:VEVENT",
		"UID:odd",
		"SUMMARY:Odd rule",
		"DTSTART:20250109T100000Z",
		"RRULE:FREQ=FORTNIGHTLY",
		"END:VEVENT",
	)

	res := process(t, in, Options{Now: feedNow})
	require.Len(t, res.RRuleFailures, 1)
	var rpe *RRuleParseError
	require.ErrorAs(t, res.RRuleFailures[0], &rpe)
	assert.Equal(t, "odd", rpe.UID)

	require.Len(t, res.Events, 1)
	assert.Equal(t, model.KindSingle, res.Events[0].Kind())
}

func TestProcessOrphanOverride(t *testing.T) {
	in := calendar(
		"BEGIN:VEVENT",
		"UID:elsewhere",
		"RECURRENCE-ID:20250113T200000Z",
		"DTSTART:20250113T210000Z",
		"SUMMARY:Orphan",
		"END:VEVENT",
	)

	res := process(t, in, Options{Now: feedNow})
	require.Len(t, res.Events, 1)
	assert.Equal(t, 1, res.Standalone)
	assert.Equal(t, "Orphan", res.Events[0].Summary)
}

func TestProcessOverrideOutsideWindow(t *testing.T) {
	in := calendar(
		"BEGIN:VEVENT",
		"UID:elsewhere",
		"RECURRENCE-ID:20260113T200000Z",
		"DTSTART:20260113T210000Z",
		"SUMMARY:Next year",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:elsewhere",
		"RECURRENCE-ID:20240113T200000Z",
		"DTSTART:20250113T210000Z",
		"SUMMARY:Moved into view",
		"END:VEVENT",
	)

	res := process(t, in, Options{Now: feedNow})
	require.Len(t, res.Events, 1)
	assert.Equal(t, "Moved into view", res.Events[0].Summary)
	assert.Equal(t, 2, res.Overrides)
}

func TestProcessPartialResult(t *testing.T) {
	var b strings.Builder
	b.WriteString("BEGIN:VCALENDAR\r\n")
	base := feedNow.Add(-48 * time.Hour)
	for i := 0; i < 40; i++ {
		start := base.Add(time.Duration(i) * time.Hour)
		b.WriteString("BEGIN:VEVENT\r\nUID:e" + start.Format(layoutDateTimeUTC) + "\r\nDTSTART:" + start.Format(layoutDateTimeUTC) + "\r\nEND:VEVENT\r\n")
	}
	b.WriteString("END:VCALENDAR\r\n")

	res := process(t, b.String(), Options{Now: feedNow, MaxParseIterations: 11})
	require.True(t, res.IsPartial())
	assert.True(t, res.Partial.IterationLimit())
	assert.Len(t, res.Events, 10)
}

func TestProcessLongRunningCountRules(t *testing.T) {
	var events []string
	for i := 0; i < 20; i++ {
		events = append(events,
			"BEGIN:VEVENT",
			"UID:ticker-"+strconv.Itoa(i),
			"DTSTART:20200101T000000Z",
			"RRULE:FREQ=MINUTELY;BYSECOND=0;COUNT=100000000",
			"END:VEVENT",
		)
	}

	now := time.Date(2025, 3, 9, 12, 0, 0, 0, time.UTC)
	res := process(t, calendar(events...), Options{Now: now, ParseTimeout: 5 * time.Second})
	assert.False(t, res.IsPartial())
	assert.Len(t, res.Truncated, 20)
	assert.Empty(t, res.Unreached)
	assert.Len(t, res.Events, 20*1000)
}

func TestProcessExpansionDeadline(t *testing.T) {
	in := calendar(
		"BEGIN:VEVENT",
		"UID:legacy",
		"DTSTART:19500102T090000Z",
		"RRULE:FREQ=DAILY;BYDAY=MO,TU,WE,TH,FR;COUNT=1000000",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:legacy",
		"RECURRENCE-ID:20250113T090000Z",
		"DTSTART:20250113T100000Z",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:dentist@example.com",
		"DTSTART:20250115T090000Z",
		"DTEND:20250115T100000Z",
		"END:VEVENT",
	)

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	calls := 0
	clock := func() time.Time {
		calls++
		return base.Add(time.Duration(calls) * time.Millisecond)
	}

	res := process(t, in, Options{Now: feedNow, ParseTimeout: 50 * time.Millisecond, Clock: clock})
	require.True(t, res.IsPartial())
	assert.Equal(t, "legacy", res.Partial.UID)
	assert.False(t, res.Partial.IterationLimit())
	assert.Greater(t, res.Partial.Elapsed, 50*time.Millisecond)

	require.Len(t, res.Events, 1)
	assert.Equal(t, "dentist@example.com", res.Events[0].UID)
	assert.Zero(t, res.Standalone)
}

func TestProcessMalformed(t *testing.T) {
	res, err := Process(context.Background(), strings.NewReader("<html>not found</html>"), Options{Now: feedNow})
	var mie *MalformedInputError
	require.ErrorAs(t, err, &mie)
	assert.Empty(t, res.Events)
}

func TestProcessCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Process(ctx, strings.NewReader(meetingFeed), Options{Now: feedNow})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestProcessGeneratedCalendar(t *testing.T) {
	cal := ical.NewCalendar()
	cal.SetProductId("-//calfeed//generated//EN")

	ev := cal.AddEvent("standup@generated")
	ev.SetSummary("Standup")
	ev.SetStartAt(time.Date(2025, 1, 8, 9, 0, 0, 0, time.UTC))
	ev.SetEndAt(time.Date(2025, 1, 8, 9, 15, 0, 0, time.UTC))
	ev.AddRrule("FREQ=DAILY;COUNT=3")

	one := cal.AddEvent("review@generated")
	one.SetSummary("Review, part 2")
	one.SetDescription("Bring notes; slides optional")
	one.SetAllDayStartAt(time.Date(2025, 1, 12, 0, 0, 0, 0, time.UTC))

	res := process(t, cal.Serialize(), Options{Now: feedNow})
	require.Len(t, res.Events, 4)

	var standups int
	for _, e := range res.Events {
		switch e.UID {
		case "standup@generated":
			standups++
			assert.Equal(t, 15*time.Minute, e.Duration())
		case "review@generated":
			assert.Equal(t, "Review, part 2", e.Summary)
			assert.Equal(t, "Bring notes; slides optional", e.Description)
			assert.True(t, e.AllDay())
		}
	}
	assert.Equal(t, 3, standups)
}
