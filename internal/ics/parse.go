package ics

import (
	"context"
	"errors"
	"io"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "calfeed/internal/log"
	"calfeed/internal/model"
)

const (
	DefaultMaxParseIterations = 10000
	DefaultParseTimeout       = 30 * time.Second

	// clockCheckEvery is how many logical lines may pass between deadline
	// and cancellation checks outside component boundaries.
	clockCheckEvery = 256
	// maxSkippedErrors bounds how many skipped-event errors are kept
	// verbatim; SkippedCount keeps counting past it.
	maxSkippedErrors = 64
)

const errNoCalendarBoundary = "no VCALENDAR or VEVENT boundary found"

var (
	errMissing      = errors.New("missing")
	errUnterminated = errors.New("component not terminated")
)

// ParserOptions bounds and parameterizes one parse.
type ParserOptions struct {
	// MaxIterations caps component boundaries (BEGIN lines). Zero means
	// DefaultMaxParseIterations.
	MaxIterations int
	// Timeout is the wall-clock budget measured from the start of Parse.
	// Zero means DefaultParseTimeout.
	Timeout time.Duration
	// FloatingLocation interprets date-times with neither TZID nor a UTC
	// suffix, and TZIDs that cannot be resolved. Nil means UTC.
	FloatingLocation *time.Location
	// DefaultDuration is used when a VEVENT has neither DTEND nor
	// DURATION. Zero keeps the RFC 5545 default: one day for dates, an
	// instant for date-times.
	DefaultDuration time.Duration
	// SourceID is copied onto every record.
	SourceID string
	// Clock overrides time.Now; tests use it to drive the deadline.
	Clock func() time.Time
}

// ParseResult holds the records of one calendar partitioned by kind.
type ParseResult struct {
	Masters   []model.EventRecord
	Overrides []model.EventRecord
	Singles   []model.EventRecord

	// Skipped holds up to maxSkippedErrors EventFieldErrors; SkippedCount
	// is the full count.
	Skipped      []error
	SkippedCount int

	// Partial is set when the iteration or time budget ran out. The
	// records above are the ones completed before that point.
	Partial *StreamingTimeoutError
}

// Len is the number of records across all partitions.
func (r ParseResult) Len() int {
	return len(r.Masters) + len(r.Overrides) + len(r.Singles)
}

func (r *ParseResult) add(rec model.EventRecord) {
	switch rec.Kind() {
	case model.KindMaster:
		r.Masters = append(r.Masters, rec)
	case model.KindOverride:
		r.Overrides = append(r.Overrides, rec)
	default:
		r.Singles = append(r.Singles, rec)
	}
}

func (r *ParseResult) skip(err error) {
	r.SkippedCount++
	if len(r.Skipped) < maxSkippedErrors {
		r.Skipped = append(r.Skipped, err)
	}
}

// Parser turns an ICS stream into EventRecords. A Parser holds per-parse
// state and must not be used by two goroutines at once; Parse resets it on
// entry so sequential reuse is fine.
type Parser struct {
	opts  ParserOptions
	zones *zoneResolver
}

// NewParser returns a Parser with defaults applied to opts.
func NewParser(opts ParserOptions) *Parser {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxParseIterations
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultParseTimeout
	}
	if opts.FloatingLocation == nil {
		opts.FloatingLocation = time.UTC
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Parser{opts: opts}
}

// eventDraft collects the properties of one VEVENT until its END line.
type eventDraft struct {
	line    int
	depth   int
	props   map[string]RawProperty
	exdates []RawProperty
}

func (d *eventDraft) add(p RawProperty) {
	if p.Name == string(ical.ComponentPropertyExdate) {
		d.exdates = append(d.exdates, p)
		return
	}
	// First occurrence wins for single-valued properties.
	if _, ok := d.props[p.Name]; !ok {
		d.props[p.Name] = p
	}
}

func (d *eventDraft) get(name ical.ComponentProperty) (RawProperty, bool) {
	p, ok := d.props[string(name)]
	return p, ok
}

func (d *eventDraft) text(name ical.ComponentProperty) string {
	p, ok := d.props[string(name)]
	if !ok {
		return ""
	}
	return strings.TrimSpace(p.Value)
}

// Parse reads r to the end, or until the iteration/time budget runs out.
//
// The returned error is non-nil only for structural failures
// (*MalformedInputError) and context cancellation; in both cases no
// records are returned. Budget exhaustion is reported in Partial.
func (p *Parser) Parse(ctx context.Context, r io.Reader) (ParseResult, error) {
	p.zones = newZoneResolver(p.opts.FloatingLocation)
	defer func() { p.zones = nil }()

	started := p.opts.Clock()
	deadline := started.Add(p.opts.Timeout)

	var (
		res         ParseResult
		stack       []string
		draft       *eventDraft
		sawBoundary bool
		iterations  int
		lines       int
	)

	overBudget := func() bool {
		now := p.opts.Clock()
		if !now.After(deadline) {
			return false
		}
		res.Partial = &StreamingTimeoutError{
			Iterations:    iterations,
			MaxIterations: p.opts.MaxIterations,
			Elapsed:       now.Sub(started),
			Timeout:       p.opts.Timeout,
		}
		return true
	}

	lr := NewLineReader(r)

loop:
	for {
		line, err := lr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return ParseResult{}, err
		}

		lines++
		if lines%clockCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return ParseResult{}, err
			}
			if overBudget() {
				break loop
			}
		}

		prop, ok := SplitProperty(line)
		if !ok {
			continue
		}

		switch prop.Name {
		case "BEGIN":
			iterations++
			if iterations > p.opts.MaxIterations {
				res.Partial = &StreamingTimeoutError{
					Iterations:    iterations,
					MaxIterations: p.opts.MaxIterations,
					Elapsed:       p.opts.Clock().Sub(started),
					Timeout:       p.opts.Timeout,
				}
				break loop
			}
			if err := ctx.Err(); err != nil {
				return ParseResult{}, err
			}
			if overBudget() {
				break loop
			}

			name := strings.ToUpper(strings.TrimSpace(prop.Value))
			switch name {
			case "VCALENDAR":
				sawBoundary = true
			case "VEVENT":
				sawBoundary = true
				if draft != nil {
					// A VEVENT opened inside an unterminated VEVENT: drop the
					// open one and start over at its depth.
					res.skip(p.fieldError(draft, "END:VEVENT", "", errUnterminated))
					stack = stack[:draft.depth]
					draft = nil
				}
				if !insideNonCalendar(stack) {
					draft = &eventDraft{line: line.Num, depth: len(stack), props: make(map[string]RawProperty)}
				}
			}
			stack = append(stack, name)

		case "END":
			name := strings.ToUpper(strings.TrimSpace(prop.Value))
			i := lastIndex(stack, name)
			if i < 0 {
				continue
			}
			stack = stack[:i]
			if draft == nil {
				continue
			}
			switch {
			case i == draft.depth && name == "VEVENT":
				rec, err := p.build(draft)
				if err != nil {
					res.skip(err)
				} else {
					res.add(rec)
				}
				draft = nil
			case i <= draft.depth:
				// An enclosing component closed first.
				res.skip(p.fieldError(draft, "END:VEVENT", "", errUnterminated))
				draft = nil
			}

		default:
			if draft != nil && len(stack) == draft.depth+1 {
				draft.add(prop)
			}
		}
	}

	if draft != nil && res.Partial == nil {
		res.skip(p.fieldError(draft, "END:VEVENT", "", errUnterminated))
	}

	if !sawBoundary && res.Partial == nil {
		return ParseResult{}, &MalformedInputError{Line: lr.num, Reason: errNoCalendarBoundary}
	}

	if res.Partial != nil {
		appLog.Warn("ics parse stopped early",
			"source", p.opts.SourceID,
			"reason", res.Partial.Error(),
			"event_count", res.Len(),
		)
	}
	if res.SkippedCount > 0 {
		appLog.Warn("ics parse skipped events",
			"source", p.opts.SourceID,
			"skipped", res.SkippedCount,
			"first_error", res.Skipped[0],
		)
	}
	appLog.Debug("ics parse completed",
		"source", p.opts.SourceID,
		"masters", len(res.Masters),
		"overrides", len(res.Overrides),
		"singles", len(res.Singles),
		"components", iterations,
	)
	return res, nil
}

// insideNonCalendar reports whether the innermost open component is
// something other than VCALENDAR (VTIMEZONE, VTODO, ...). VEVENTs nested in
// those are not calendar events.
func insideNonCalendar(stack []string) bool {
	if len(stack) == 0 {
		return false
	}
	return stack[len(stack)-1] != "VCALENDAR"
}

func lastIndex(stack []string, name string) int {
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == name {
			return i
		}
	}
	return -1
}

func (p *Parser) fieldError(d *eventDraft, field, value string, err error) *EventFieldError {
	return &EventFieldError{
		UID:   d.text(ical.ComponentPropertyUniqueId),
		Line:  d.line,
		Field: field,
		Value: value,
		Err:   err,
	}
}

// build turns a completed draft into an EventRecord.
func (p *Parser) build(d *eventDraft) (model.EventRecord, error) {
	rec := model.EventRecord{
		SourceID:    p.opts.SourceID,
		UID:         d.text(ical.ComponentPropertyUniqueId),
		Summary:     d.text(ical.ComponentPropertySummary),
		Description: d.text(ical.ComponentPropertyDescription),
		Location:    d.text(ical.ComponentPropertyLocation),
		Status:      model.ParseStatus(strings.ToUpper(d.text(ical.ComponentPropertyStatus))),
	}

	startProp, ok := d.get(ical.ComponentPropertyDtStart)
	if !ok {
		return rec, p.fieldError(d, "DTSTART", "", errMissing)
	}
	start, err := p.zones.parseDateValue(startProp.Value, startProp.Params)
	if err != nil {
		return rec, p.fieldError(d, "DTSTART", startProp.Value, err)
	}
	rec.Start = start

	if v := d.text(ical.ComponentPropertySequence); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			rec.Sequence = n
		}
	}

	rec.End, rec.HasEnd = p.endFor(d, start)

	rec.RRule = d.text(ical.ComponentPropertyRrule)

	if ridProp, ok := d.get(ical.ComponentPropertyRecurrenceId); ok {
		rid, err := p.zones.parseDateValue(ridProp.Value, ridProp.Params)
		if err != nil {
			return rec, p.fieldError(d, "RECURRENCE-ID", ridProp.Value, err)
		}
		rec.RecurrenceID = &rid
		if rec.RRule != "" {
			appLog.Debug("ics override carries RRULE; ignoring rule", "uid", rec.UID, "line", d.line)
			rec.RRule = ""
		}
	}

	if rec.RRule != "" {
		rec.ExDates = p.exdates(d)
	}

	if rec.UID == "" {
		if rec.RRule != "" || rec.RecurrenceID != nil {
			return rec, p.fieldError(d, "UID", "", errMissing)
		}
		rec.UID = LocalUID(rec)
	}
	if rec.RecurrenceID != nil {
		rec.MasterUID = rec.UID
	}
	return rec, nil
}

// endFor derives the end of an event from DTEND, DURATION or the default
// duration policy, in that order. The bool reports whether the feed stated
// the end explicitly.
func (p *Parser) endFor(d *eventDraft, start model.DateValue) (model.DateValue, bool) {
	if endProp, ok := d.get(ical.ComponentPropertyDtEnd); ok {
		end, err := p.zones.parseDateValue(endProp.Value, endProp.Params)
		switch {
		case err != nil:
			appLog.Debug("ics DTEND unparseable; using default", "line", endProp.Line, "value", endProp.Value)
		case end.AllDay != start.AllDay:
			appLog.Debug("ics DTEND type differs from DTSTART; using default", "line", endProp.Line)
		case end.Time.Before(start.Time):
			return start, true
		default:
			return end, true
		}
	}

	if durProp, ok := d.get(ical.ComponentPropertyDuration); ok {
		if dur, err := parseDuration(durProp.Value); err == nil && dur >= 0 {
			end := start
			if start.AllDay {
				days := int(dur / (24 * time.Hour))
				end.Time = start.Time.AddDate(0, 0, days)
			} else {
				end.Time = start.Time.Add(dur)
			}
			return end, true
		}
		appLog.Debug("ics DURATION unparseable; using default", "line", durProp.Line, "value", durProp.Value)
	}

	return defaultEnd(start, p.opts.DefaultDuration), false
}

// defaultEnd applies the absent-end policy: an explicit default duration if
// one is configured, otherwise one calendar day for dates and zero for
// date-times.
func defaultEnd(start model.DateValue, def time.Duration) model.DateValue {
	end := start
	switch {
	case start.AllDay && def >= 24*time.Hour:
		end.Time = start.Time.AddDate(0, 0, int(def/(24*time.Hour)))
	case start.AllDay:
		end.Time = start.Time.AddDate(0, 0, 1)
	default:
		end.Time = start.Time.Add(def)
	}
	return end
}

func (p *Parser) exdates(d *eventDraft) []model.DateValue {
	var out []model.DateValue
	seen := make(map[string]struct{})
	for _, prop := range d.exdates {
		values, bad := p.zones.parseDateList(prop.Value, prop.Params)
		for _, b := range bad {
			appLog.Debug("ics EXDATE entry ignored", "line", prop.Line, "value", b)
		}
		for _, v := range values {
			k := v.Key()
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}
