package agenda

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calfeed/internal/feed"
	"calfeed/internal/ics"
	appLog "calfeed/internal/log"
)

var now = time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return now }

func vcalendar(events ...string) string {
	return "BEGIN:VCALENDAR\r\nVERSION:2.0\r\n" + strings.Join(events, "") + "END:VCALENDAR\r\n"
}

func vevent(uid, summary, start, end string, extra ...string) string {
	lines := []string{"BEGIN:VEVENT", "UID:" + uid, "SUMMARY:" + summary, "DTSTART:" + start, "DTEND:" + end}
	lines = append(lines, extra...)
	lines = append(lines, "END:VEVENT")
	return strings.Join(lines, "\r\n") + "\r\n"
}

type fakeFetcher struct {
	mu     sync.Mutex
	bodies map[string]string
	errs   map[string]error
	delay  time.Duration

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (f *fakeFetcher) Fetch(ctx context.Context, src feed.Source) (feed.Fetched, error) {
	if err := ctx.Err(); err != nil {
		return feed.Fetched{}, err
	}
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		m := f.maxInFlight.Load()
		if n <= m || f.maxInFlight.CompareAndSwap(m, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[src.ID]; err != nil {
		return feed.Fetched{}, err
	}
	body, ok := f.bodies[src.ID]
	if !ok {
		return feed.Fetched{}, errors.New("no such source")
	}
	return feed.Fetched{Source: src, Body: []byte(body), Token: "t-" + src.ID}, nil
}

func (f *fakeFetcher) fail(id string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.errs == nil {
		f.errs = make(map[string]error)
	}
	f.errs[id] = err
}

func twoSources() (*fakeFetcher, []feed.Source) {
	shared := vevent("all-hands@example.com", "All hands", "20250114T100000Z", "20250114T110000Z")
	f := &fakeFetcher{bodies: map[string]string{
		"work": vcalendar(
			shared,
			vevent("dentist@example.com", "Dentist", "20250113T090000Z", "20250113T100000Z"),
		),
		"family": vcalendar(
			shared,
			vevent("gym@example.com", "Gym", "20250112T070000Z", "20250112T080000Z", "LOCATION:Downtown"),
		),
	}}
	return f, []feed.Source{{ID: "work", Name: "Work"}, {ID: "family", Name: "Family"}}
}

func TestRefreshMergesSources(t *testing.T) {
	f, sources := twoSources()
	svc := New(f, sources, Options{Clock: clock})

	require.NoError(t, svc.Refresh(context.Background()))

	events := svc.Events()
	require.Len(t, events, 3, "shared event appears once")
	assert.Equal(t, "Gym", events[0].Summary)
	assert.Equal(t, "Dentist", events[1].Summary)
	assert.Equal(t, "All hands", events[2].Summary)
	assert.Equal(t, "work", events[2].SourceID, "first configured source wins ties")

	status := svc.Sources()
	require.Len(t, status, 2)
	assert.Equal(t, "work", status[0].ID)
	assert.Equal(t, 2, status[0].Events)
	assert.Equal(t, "t-work", status[0].Token)
	assert.Equal(t, now, status[0].RefreshedAt)
	assert.False(t, status[0].Stale)

	assert.Equal(t, now.AddDate(0, 0, -ics.DefaultLookbackBufferDays), svc.Window().Start)
}

func TestRefreshKeepsLastGoodSnapshot(t *testing.T) {
	f, sources := twoSources()
	svc := New(f, sources, Options{Clock: clock})
	require.NoError(t, svc.Refresh(context.Background()))

	f.fail("family", errors.New("upstream down"))
	err := svc.Refresh(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "family")
	assert.Contains(t, err.Error(), "upstream down")

	assert.Len(t, svc.Events(), 3)

	status := svc.Sources()
	assert.False(t, status[0].Stale)
	assert.True(t, status[1].Stale)
	assert.Equal(t, "upstream down", status[1].LastError)
	assert.Equal(t, 2, status[1].Events)
}

func TestRefreshMalformedSource(t *testing.T) {
	f, sources := twoSources()
	f.bodies["work"] = "<html>maintenance</html>"
	svc := New(f, sources, Options{Clock: clock})

	err := svc.Refresh(context.Background())
	var mie *ics.MalformedInputError
	require.ErrorAs(t, err, &mie)

	assert.Len(t, svc.Events(), 2)
	assert.True(t, svc.Sources()[0].Stale)
}

func TestRefreshLogsSkippedEventsAtDebug(t *testing.T) {
	f, sources := twoSources()
	f.bodies["work"] = vcalendar(
		vevent("broken@example.com", "Broken", "not-a-date", "20250113T100000Z"),
		vevent("dentist@example.com", "Dentist", "20250113T090000Z", "20250113T100000Z"),
	)
	svc := New(f, sources, Options{Clock: clock})

	var buf bytes.Buffer
	appLog.SetOutput(&buf)
	defer appLog.SetOutput(os.Stderr)
	defer appLog.SetLevel(appLog.LevelInfo)

	appLog.SetLevel(appLog.LevelInfo)
	require.NoError(t, svc.Refresh(context.Background()))
	assert.Equal(t, 1, svc.Sources()[0].Skipped)
	assert.NotContains(t, buf.String(), "agenda event skipped")

	buf.Reset()
	appLog.SetLevel(appLog.LevelDebug)
	require.NoError(t, svc.Refresh(context.Background()))
	assert.Contains(t, buf.String(), "agenda event skipped")
	assert.Contains(t, buf.String(), "source=work")
}

func TestRefreshBoundsConcurrency(t *testing.T) {
	f := &fakeFetcher{bodies: map[string]string{}, delay: 20 * time.Millisecond}
	var sources []feed.Source
	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		f.bodies[id] = vcalendar(vevent(id, id, "20250111T100000Z", "20250111T110000Z"))
		sources = append(sources, feed.Source{ID: id})
	}

	svc := New(f, sources, Options{Concurrency: 2, Clock: clock})
	require.NoError(t, svc.Refresh(context.Background()))

	assert.LessOrEqual(t, f.maxInFlight.Load(), int32(2))
	assert.Len(t, svc.Events(), 6)
}

func TestRefreshCancelled(t *testing.T) {
	f, sources := twoSources()
	svc := New(f, sources, Options{Clock: clock})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := svc.Refresh(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, svc.Events())
	for _, st := range svc.Sources() {
		assert.False(t, st.Stale)
	}
}

func TestBetween(t *testing.T) {
	f, sources := twoSources()
	svc := New(f, sources, Options{Clock: clock})
	require.NoError(t, svc.Refresh(context.Background()))

	got := svc.Between(time.Date(2025, 1, 13, 0, 0, 0, 0, time.UTC), time.Date(2025, 1, 14, 0, 0, 0, 0, time.UTC))
	require.Len(t, got, 1)
	assert.Equal(t, "Dentist", got[0].Summary)
}
