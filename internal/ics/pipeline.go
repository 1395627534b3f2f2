package ics

import (
	"context"
	"errors"
	"io"
	"time"

	appLog "calfeed/internal/log"
	"calfeed/internal/model"
)

const (
	DefaultExpansionWindowDays = 30
	DefaultLookbackBufferDays  = 7
)

// Options configures one Process call. Zero values select the defaults.
type Options struct {
	// Now anchors the window. Zero means Clock().
	Now time.Time

	ExpansionWindowDays     int
	LookbackBufferDays      int
	MaxOccurrencesPerMaster int
	MaxParseIterations      int
	// ParseTimeout is the wall-clock budget of the whole call, shared by
	// parsing and expansion. Zero means DefaultParseTimeout.
	ParseTimeout time.Duration

	// DefaultDuration applies to events without DTEND or DURATION. Zero
	// keeps one day for all-day events and an instant for timed ones.
	DefaultDuration time.Duration

	// Location interprets floating times and decides which day all-day
	// events fall on relative to the window. Nil means UTC.
	Location *time.Location

	// HideCancelled drops STATUS:CANCELLED records from the result.
	HideCancelled bool

	SourceID string

	Clock func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.Now.IsZero() {
		o.Now = o.Clock()
	}
	if o.ExpansionWindowDays <= 0 {
		o.ExpansionWindowDays = DefaultExpansionWindowDays
	}
	if o.LookbackBufferDays <= 0 {
		o.LookbackBufferDays = DefaultLookbackBufferDays
	}
	if o.MaxOccurrencesPerMaster <= 0 {
		o.MaxOccurrencesPerMaster = DefaultMaxOccurrencesPerMaster
	}
	if o.ParseTimeout <= 0 {
		o.ParseTimeout = DefaultParseTimeout
	}
	if o.Location == nil {
		o.Location = time.UTC
	}
	return o
}

// Result is the resolved event collection of one source plus the counters
// callers report on.
type Result struct {
	Events []model.ResolvedEvent
	Window Window

	Masters   int
	Overrides int
	Singles   int

	// SkippedCount events were dropped by the parser; Skipped holds the
	// first of their errors.
	SkippedCount int
	Skipped      []error

	// Partial is non-nil when parsing or expansion stopped early; Events
	// then covers the records completed before that point.
	Partial *StreamingTimeoutError

	// RRuleFailures holds one *RRuleParseError per master whose rule was
	// rejected. Those masters contribute only their DTSTART instance.
	RRuleFailures []error
	// Truncated lists the UIDs of masters that hit the occurrence cap.
	Truncated []string
	// Unreached lists the UIDs of masters whose expansion stepped over the
	// skip ceiling before reaching the window.
	Unreached []string

	Excluded   int
	Replaced   int
	Standalone int
}

func (r Result) IsPartial() bool { return r.Partial != nil }

// Process runs parse, expand, resolve and merge over one source. Every call
// builds its own parser and expander and shares nothing with other calls.
//
// Errors are limited to *MalformedInputError and context cancellation; on
// either no events are returned.
func Process(ctx context.Context, r io.Reader, opts Options) (Result, error) {
	opts = opts.withDefaults()
	started := opts.Clock()

	parser := NewParser(ParserOptions{
		MaxIterations:    opts.MaxParseIterations,
		Timeout:          opts.ParseTimeout,
		FloatingLocation: opts.Location,
		DefaultDuration:  opts.DefaultDuration,
		SourceID:         opts.SourceID,
		Clock:            opts.Clock,
	})
	pr, err := parser.Parse(ctx, r)
	if err != nil {
		appLog.Error("ics parse failed", err, "source", opts.SourceID)
		return Result{}, err
	}

	res := Result{
		Window:       NewWindow(opts.Now, opts.LookbackBufferDays, opts.ExpansionWindowDays, opts.MaxOccurrencesPerMaster, opts.Location),
		Masters:      len(pr.Masters),
		Overrides:    len(pr.Overrides),
		Singles:      len(pr.Singles),
		SkippedCount: pr.SkippedCount,
		Skipped:      pr.Skipped,
		Partial:      pr.Partial,
	}

	overridesByMaster := make(map[string][]model.EventRecord)
	for _, ov := range pr.Overrides {
		overridesByMaster[ov.MasterUID] = append(overridesByMaster[ov.MasterUID], ov)
	}

	masters := latestMasters(pr.Masters)
	exp := Expander{Deadline: started.Add(opts.ParseTimeout), Clock: opts.Clock}
	var recurring []model.EventRecord
	for i, master := range masters {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		var (
			occurrences []model.EventRecord
			timeout     *StreamingTimeoutError
		)
		set, err := exp.ExpandContext(ctx, master, res.Window)
		switch {
		case err != nil && ctx.Err() != nil:
			return Result{}, ctx.Err()
		case errors.As(err, &timeout):
			timeout.Elapsed = opts.Clock().Sub(started)
			timeout.Timeout = opts.ParseTimeout
			if res.Partial == nil {
				res.Partial = timeout
			}
			appLog.Warn("ics expansion deadline reached; remaining masters skipped",
				"source", opts.SourceID,
				"uid", master.UID,
				"skipped_masters", len(masters)-i-1,
			)
			occurrences = exp.Instances(master, set)
		case err != nil:
			res.RRuleFailures = append(res.RRuleFailures, err)
			appLog.Error("ics rrule rejected; using DTSTART only", err,
				"source", opts.SourceID,
				"uid", master.UID,
				"rrule", master.RRule,
			)
			occurrences = degradedInstance(master, res.Window)
		default:
			occurrences = exp.Instances(master, set)
			if set.Truncated {
				res.Truncated = append(res.Truncated, master.UID)
			}
			if set.Unreached {
				res.Unreached = append(res.Unreached, master.UID)
			}
		}

		rs := Resolve(occurrences, master.ExDates, overridesByMaster[master.UID])
		delete(overridesByMaster, master.UID)
		if timeout != nil {
			// The occurrences unmatched overrides name may lie beyond
			// where expansion stopped.
			rs.Events = rs.Events[:len(rs.Events)-rs.Standalone]
			rs.Standalone = 0
		}
		res.Excluded += rs.Excluded
		res.Replaced += rs.Replaced
		res.Standalone += rs.Standalone
		recurring = append(recurring, inWindow(rs.Events, res.Window)...)

		if timeout != nil {
			// Overrides of the masters left out must not pass as orphans.
			for _, rest := range masters[i+1:] {
				delete(overridesByMaster, rest.UID)
			}
			break
		}
	}

	// Overrides whose master is not in this feed still count.
	for _, ov := range pr.Overrides {
		orphans, ok := overridesByMaster[ov.MasterUID]
		if !ok {
			continue
		}
		delete(overridesByMaster, ov.MasterUID)
		rs := Resolve(nil, nil, orphans)
		res.Standalone += rs.Standalone
		recurring = append(recurring, inWindow(rs.Events, res.Window)...)
	}

	singles := inWindow(pr.Singles, res.Window)

	if opts.HideCancelled {
		singles = dropCancelled(singles)
		recurring = dropCancelled(recurring)
	}

	res.Events = Merge(singles, recurring)

	appLog.Info("ics process completed",
		"source", opts.SourceID,
		"events", len(res.Events),
		"masters", res.Masters,
		"overrides", res.Overrides,
		"singles", res.Singles,
		"skipped", res.SkippedCount,
		"partial", res.IsPartial(),
	)
	return res, nil
}

// degradedInstance is what a master with an unusable rule contributes: its
// own DTSTART, as a non-recurring record, if that overlaps the window.
func degradedInstance(master model.EventRecord, w Window) []model.EventRecord {
	if !w.Overlaps(master.Start, master.End) {
		return nil
	}
	single := master
	single.RRule = ""
	single.ExDates = nil
	return []model.EventRecord{single}
}

// inWindow returns a new slice of the records in recs that overlap w.
// Overrides can move an occurrence out of the window.
func inWindow(recs []model.EventRecord, w Window) []model.EventRecord {
	out := make([]model.EventRecord, 0, len(recs))
	for _, r := range recs {
		if w.Overlaps(r.Start, r.End) {
			out = append(out, r)
		}
	}
	return out
}

func dropCancelled(recs []model.EventRecord) []model.EventRecord {
	out := recs[:0]
	for _, r := range recs {
		if r.Status != model.StatusCancelled {
			out = append(out, r)
		}
	}
	return out
}
