package ics

import (
	"context"
	"errors"
	"fmt"
	"time"

	appLog "calfeed/internal/log"
	"calfeed/internal/model"
)

const (
	DefaultMaxOccurrencesPerMaster = 1000

	// defaultMaxSkip bounds the pre-window occurrences a rule that cannot be
	// moved forward analytically may step over.
	defaultMaxSkip = 1_000_000

	// expandCheckEvery is how many rule iterations may pass between context
	// and deadline checks.
	expandCheckEvery = 256
)

var (
	ErrInvalidWindow = errors.New("ics: invalid expansion window")
	errNotMaster     = errors.New("ics: record has no recurrence rule")
)

// Window is the bounded range occurrences are materialized in.
type Window struct {
	Start time.Time
	End   time.Time
	// MaxOccurrences caps the occurrences materialized per master.
	MaxOccurrences int
	// Location decides which calendar day an all-day occurrence covers when
	// it is compared against Start and End. Nil means UTC.
	Location *time.Location
}

// NewWindow returns [now - lookbackDays, now + horizonDays]. Days are
// calendar days in loc.
func NewWindow(now time.Time, lookbackDays, horizonDays, maxOccurrences int, loc *time.Location) Window {
	if loc == nil {
		loc = time.UTC
	}
	n := now.In(loc)
	return Window{
		Start:          n.AddDate(0, 0, -lookbackDays),
		End:            n.AddDate(0, 0, horizonDays),
		MaxOccurrences: maxOccurrences,
		Location:       loc,
	}
}

func (w Window) Validate() error {
	if w.End.Before(w.Start) {
		return fmt.Errorf("%w: end %s before start %s", ErrInvalidWindow, w.End.Format(time.RFC3339), w.Start.Format(time.RFC3339))
	}
	if w.MaxOccurrences <= 0 {
		return fmt.Errorf("%w: max occurrences %d", ErrInvalidWindow, w.MaxOccurrences)
	}
	return nil
}

func (w Window) loc() *time.Location {
	if w.Location == nil {
		return time.UTC
	}
	return w.Location
}

// instant places v on the window's timeline. All-day values start at
// midnight of their date in the window's location.
func (w Window) instant(v model.DateValue) time.Time {
	if v.AllDay {
		y, m, d := v.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, w.loc())
	}
	return v.Time
}

// Overlaps reports whether [start, end) intersects the window. Zero-length
// events count when they start inside it.
func (w Window) Overlaps(start, end model.DateValue) bool {
	s := w.instant(start)
	e := w.instant(end)
	if s.After(w.End) {
		return false
	}
	return e.After(w.Start) || !s.Before(w.Start)
}

// OccurrenceSet is the strictly ascending list of occurrence starts of one
// master within one window.
type OccurrenceSet struct {
	Starts []model.DateValue
	// Truncated is set when MaxOccurrences stopped the expansion while
	// in-window occurrences remained.
	Truncated bool
	// Unreached is set when MaxSkip pre-window occurrences were stepped
	// over without reaching the window.
	Unreached bool
}

func (s OccurrenceSet) Len() int { return len(s.Starts) }

// Expander materializes recurring masters. The zero value is ready to use;
// each call is independent.
type Expander struct {
	// MaxSkip bounds how many pre-window occurrences may be stepped over
	// when a rule cannot be moved forward analytically. Zero means
	// defaultMaxSkip.
	MaxSkip int
	// Deadline stops expansion once passed. Zero means none.
	Deadline time.Time
	// Clock overrides time.Now for Deadline checks.
	Clock func() time.Time
}

// Expand is ExpandContext with a background context.
func (e *Expander) Expand(master model.EventRecord, w Window) (OccurrenceSet, error) {
	return e.ExpandContext(context.Background(), master, w)
}

// ExpandContext returns the occurrence starts of master that overlap w. The
// lower bound is the later of w.Start and the master's own start; rules are
// moved forward to it rather than replayed from DTSTART.
//
// A rule that cannot be parsed yields an *RRuleParseError and an empty set.
// Passing Deadline yields a *StreamingTimeoutError with UID set, along with
// the occurrences found so far. Cancelling ctx yields ctx.Err().
func (e *Expander) ExpandContext(ctx context.Context, master model.EventRecord, w Window) (OccurrenceSet, error) {
	var set OccurrenceSet
	if err := w.Validate(); err != nil {
		return set, err
	}
	if master.RRule == "" {
		return set, errNotMaster
	}

	rule, err := ParseRule(master.RRule, master.Start)
	if err != nil {
		var rpe *RRuleParseError
		if errors.As(err, &rpe) {
			rpe.UID = master.UID
		}
		return set, err
	}

	dur := master.Duration()
	lower := w.Start
	if ms := w.instant(master.Start); ms.After(lower) {
		lower = ms
	}
	from := lower.Add(-dur)
	if rule.AllDay {
		// All-day rules run on UTC dates.
		y, m, d := from.In(w.loc()).Date()
		from = time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	}

	next, err := rule.Iterator(from)
	if err != nil {
		var rpe *RRuleParseError
		if errors.As(err, &rpe) {
			rpe.UID = master.UID
		}
		return set, err
	}

	maxSkip := e.MaxSkip
	if maxSkip <= 0 {
		maxSkip = defaultMaxSkip
	}

	clock := e.Clock
	if clock == nil {
		clock = time.Now
	}

	var (
		last       time.Time
		skipped    int
		iterations int
	)
	for {
		iterations++
		if iterations%expandCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return OccurrenceSet{}, err
			}
			if !e.Deadline.IsZero() && clock().After(e.Deadline) {
				return set, &StreamingTimeoutError{UID: master.UID, Iterations: iterations}
			}
		}

		t, ok := next()
		if !ok {
			break
		}
		if !last.IsZero() && !t.After(last) {
			continue
		}
		last = t

		start := occurrenceValue(t, master.Start)
		end := shift(start, master.Start, master.End)
		if w.instant(start).After(w.End) {
			break
		}
		if !w.Overlaps(start, end) {
			skipped++
			if skipped > maxSkip {
				appLog.Warn("ics expansion gave up before reaching window",
					"uid", master.UID,
					"rrule", master.RRule,
					"skipped", skipped,
				)
				set.Unreached = true
				break
			}
			continue
		}
		if len(set.Starts) >= w.MaxOccurrences {
			set.Truncated = true
			break
		}
		set.Starts = append(set.Starts, start)
	}

	if set.Truncated {
		appLog.Warn("ics expansion truncated",
			"uid", master.UID,
			"cap", w.MaxOccurrences,
			"occurrences", len(set.Starts),
		)
	}
	return set, nil
}

// Instances derives one occurrence record per start in set. The master is
// not modified.
func (e *Expander) Instances(master model.EventRecord, set OccurrenceSet) []model.EventRecord {
	out := make([]model.EventRecord, 0, len(set.Starts))
	for _, start := range set.Starts {
		occ := master
		occ.Start = start
		occ.End = shift(start, master.Start, master.End)
		occ.RRule = ""
		occ.ExDates = nil
		occ.RecurrenceID = nil
		occ.IsExpandedInstance = true
		occ.MasterUID = master.UID
		out = append(out, occ)
	}
	return out
}

// occurrenceValue wraps an rrule instant with the shape of the master's
// start.
func occurrenceValue(t time.Time, anchor model.DateValue) model.DateValue {
	if anchor.AllDay {
		y, m, d := t.Date()
		return model.NewDate(y, m, d)
	}
	return model.DateValue{Time: t, TZID: anchor.TZID, Floating: anchor.Floating}
}

// shift moves the master's end by the same offset its start moved to reach
// start. All-day values move by calendar days.
func shift(start, masterStart, masterEnd model.DateValue) model.DateValue {
	end := masterEnd
	if start.AllDay {
		days := int(masterEnd.Time.Sub(masterStart.Time) / (24 * time.Hour))
		end.Time = start.Time.AddDate(0, 0, days)
		end.AllDay = true
		return end
	}
	end.Time = start.Time.Add(masterEnd.Time.Sub(masterStart.Time))
	return end
}
