package ics

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	"calfeed/internal/model"
)

// ruleParts is the RFC 5545 recur grammar. Anything else (X- parts, RSCALE,
// SKIP, library extensions) is dropped before the rule is handed on.
var ruleParts = map[string]bool{
	"FREQ":       true,
	"UNTIL":      true,
	"COUNT":      true,
	"INTERVAL":   true,
	"BYSECOND":   true,
	"BYMINUTE":   true,
	"BYHOUR":     true,
	"BYDAY":      true,
	"BYMONTHDAY": true,
	"BYYEARDAY":  true,
	"BYWEEKNO":   true,
	"BYMONTH":    true,
	"BYSETPOS":   true,
	"WKST":       true,
}

// pyWeekdays indexes rrule weekdays by their Day() value (0 = Monday).
var pyWeekdays = [7]rrule.Weekday{rrule.MO, rrule.TU, rrule.WE, rrule.TH, rrule.FR, rrule.SA, rrule.SU}

// Rule is a parsed RRULE bound to the DTSTART of its master.
type Rule struct {
	Raw      string
	Freq     rrule.Frequency
	Interval int
	Count    int
	Until    time.Time
	AllDay   bool

	opt    rrule.ROption
	anchor time.Time
}

// ParseRule parses raw against anchor. Date-only anchors are expanded as
// calendar dates in UTC; zoned anchors in their own location so wall-clock
// time survives DST changes.
func ParseRule(raw string, anchor model.DateValue) (*Rule, error) {
	fail := func(err error) (*Rule, error) {
		return nil, &RRuleParseError{Rule: raw, Err: err}
	}
	if anchor.IsZero() {
		return fail(errors.New("no DTSTART to anchor the rule"))
	}

	loc := time.UTC
	start := anchor.Time.UTC()
	if !anchor.AllDay {
		loc = anchor.Time.Location()
		start = anchor.Time
	}
	start = start.Truncate(time.Second)

	body := strings.TrimSpace(raw)
	if len(body) >= len("RRULE:") && strings.EqualFold(body[:len("RRULE:")], "RRULE:") {
		body = body[len("RRULE:"):]
	}

	var (
		kept     []string
		untilRaw string
		seen     = make(map[string]bool)
	)
	for _, part := range strings.Split(body, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			return fail(fmt.Errorf("part %q is not KEY=VALUE", part))
		}
		key = strings.ToUpper(strings.TrimSpace(key))
		value = strings.ToUpper(strings.TrimSpace(value))
		if !ruleParts[key] || value == "" || seen[key] {
			continue
		}
		seen[key] = true
		if key == "UNTIL" {
			untilRaw = value
			continue
		}
		kept = append(kept, key+"="+value)
	}
	if !seen["FREQ"] {
		return fail(errors.New("FREQ is required"))
	}
	if seen["COUNT"] && untilRaw != "" {
		return fail(errors.New("COUNT and UNTIL are mutually exclusive"))
	}

	opt, err := rrule.StrToROptionInLocation(strings.Join(kept, ";"), loc)
	if err != nil {
		return fail(err)
	}
	if seen["COUNT"] && opt.Count <= 0 {
		return fail(fmt.Errorf("COUNT must be positive, got %d", opt.Count))
	}
	if seen["INTERVAL"] && opt.Interval <= 0 {
		return fail(fmt.Errorf("INTERVAL must be positive, got %d", opt.Interval))
	}
	if opt.Interval <= 0 {
		opt.Interval = 1
	}
	if untilRaw != "" {
		until, err := parseUntil(untilRaw, anchor.AllDay, loc)
		if err != nil {
			return fail(fmt.Errorf("UNTIL: %w", err))
		}
		if until.Before(start) {
			return fail(errors.New("UNTIL is before DTSTART"))
		}
		opt.Until = until
	}
	opt.Dtstart = start

	if _, err := rrule.NewRRule(*opt); err != nil {
		return fail(err)
	}

	return &Rule{
		Raw:      raw,
		Freq:     opt.Freq,
		Interval: opt.Interval,
		Count:    opt.Count,
		Until:    opt.Until,
		AllDay:   anchor.AllDay,
		opt:      *opt,
		anchor:   start,
	}, nil
}

// parseUntil reads an UNTIL value. A bare date bounding a timed rule covers
// the whole of that day in the rule's location.
func parseUntil(v string, allDay bool, loc *time.Location) (time.Time, error) {
	switch {
	case len(v) == len(layoutDate):
		d, err := time.ParseInLocation(layoutDate, v, time.UTC)
		if err != nil {
			return time.Time{}, err
		}
		if allDay {
			return d, nil
		}
		return time.Date(d.Year(), d.Month(), d.Day(), 23, 59, 59, 0, loc), nil
	case strings.HasSuffix(v, "Z"):
		return time.Parse(layoutDateTimeUTC, v)
	default:
		return parseLocalDateTime(v, loc)
	}
}

// Location is the location occurrences are generated in.
func (r *Rule) Location() *time.Location { return r.anchor.Location() }

// Iterator returns the rule's occurrences in ascending order. When from is
// later than the anchor, the rule is moved forward by whole periods so that
// iteration begins shortly before from instead of at DTSTART; occurrences
// between the new start and from are still returned and left to the caller
// to discard.
func (r *Rule) Iterator(from time.Time) (rrule.Next, error) {
	opt := r.opt
	if r.seekable() {
		if k := r.periodsBefore(from.In(r.Location())); k >= 1 {
			if opt.Count > 0 {
				skipped := r.occurrencesBefore(k)
				if skipped >= int64(opt.Count) {
					return func() (time.Time, bool) { return time.Time{}, false }, nil
				}
				opt.Count -= int(skipped)
			}
			r.pinImplicit(&opt)
			opt.Dtstart = r.advance(k)
		}
	}
	rr, err := rrule.NewRRule(opt)
	if err != nil {
		return nil, &RRuleParseError{Rule: r.Raw, Err: err}
	}
	return rr.Iterator(), nil
}

// seekable reports whether the rule can be moved forward by whole periods
// without changing what it yields. Without COUNT any rule can; with COUNT
// every period must yield the same number of occurrences.
func (r *Rule) seekable() bool {
	if r.opt.Count == 0 {
		return true
	}
	_, ok := r.perPeriod()
	return ok
}

// perPeriod is the number of occurrences each full period yields when the
// rule alone fixes it: no BYSETPOS, and only BYxxx parts that expand the
// period (RFC 5545 section 3.3.10) rather than filter it.
func (r *Rule) perPeriod() (int, bool) {
	o := r.opt
	if len(o.Bysetpos) > 0 || len(o.Bymonth) > 0 || len(o.Bymonthday) > 0 ||
		len(o.Byyearday) > 0 || len(o.Byweekno) > 0 || len(o.Byeaster) > 0 {
		return 0, false
	}
	n := func(l []int) int {
		if len(l) == 0 {
			return 1
		}
		return len(l)
	}
	switch o.Freq {
	case rrule.YEARLY:
		if r.hasExplicitBy() || (r.anchor.Month() == time.February && r.anchor.Day() == 29) {
			return 0, false
		}
		return 1, true
	case rrule.MONTHLY:
		if r.hasExplicitBy() || r.anchor.Day() > 28 {
			return 0, false
		}
		return 1, true
	case rrule.WEEKLY:
		return distinctWeekdays(o.Byweekday) * n(o.Byhour) * n(o.Byminute) * n(o.Bysecond), true
	case rrule.DAILY:
		if len(o.Byweekday) > 0 {
			return 0, false
		}
		return n(o.Byhour) * n(o.Byminute) * n(o.Bysecond), true
	case rrule.HOURLY:
		if len(o.Byweekday) > 0 || len(o.Byhour) > 0 {
			return 0, false
		}
		return n(o.Byminute) * n(o.Bysecond), true
	case rrule.MINUTELY:
		if len(o.Byweekday) > 0 || len(o.Byhour) > 0 || len(o.Byminute) > 0 {
			return 0, false
		}
		return n(o.Bysecond), true
	default:
		if r.hasExplicitBy() {
			return 0, false
		}
		return 1, true
	}
}

func distinctWeekdays(days []rrule.Weekday) int {
	if len(days) == 0 {
		return 1
	}
	var seen [7]bool
	count := 0
	for _, wd := range days {
		if d := wd.Day(); d >= 0 && d < 7 && !seen[d] {
			seen[d] = true
			count++
		}
	}
	return count
}

// occurrencesBefore counts what the rule yields in the k active periods
// that advance(k) steps over. Only the anchor's period is iterated; it can
// be short because occurrences before DTSTART do not count.
func (r *Rule) occurrencesBefore(k int) int64 {
	per, _ := r.perPeriod()
	first := 0
	if rr, err := rrule.NewRRule(r.opt); err == nil {
		boundary := r.advance(1)
		next := rr.Iterator()
		for first <= per {
			t, ok := next()
			if !ok || !t.Before(boundary) {
				break
			}
			first++
		}
	}
	return int64(first) + int64(k-1)*int64(per)
}

func (r *Rule) hasExplicitBy() bool {
	o := r.opt
	return len(o.Bysetpos) > 0 || len(o.Bymonth) > 0 || len(o.Bymonthday) > 0 ||
		len(o.Byyearday) > 0 || len(o.Byweekno) > 0 || len(o.Byweekday) > 0 ||
		len(o.Byhour) > 0 || len(o.Byminute) > 0 || len(o.Bysecond) > 0 ||
		len(o.Byeaster) > 0
}

// pinImplicit writes the BYxxx values rrule derives from DTSTART into opt,
// so moving DTSTART does not change them.
func (r *Rule) pinImplicit(opt *rrule.ROption) {
	a := r.anchor
	if len(opt.Byweekno) == 0 && len(opt.Byyearday) == 0 && len(opt.Bymonthday) == 0 &&
		len(opt.Byweekday) == 0 && len(opt.Byeaster) == 0 {
		switch opt.Freq {
		case rrule.YEARLY:
			if len(opt.Bymonth) == 0 {
				opt.Bymonth = []int{int(a.Month())}
			}
			opt.Bymonthday = []int{a.Day()}
		case rrule.MONTHLY:
			opt.Bymonthday = []int{a.Day()}
		case rrule.WEEKLY:
			opt.Byweekday = []rrule.Weekday{pyWeekdays[(int(a.Weekday())+6)%7]}
		}
	}
	if len(opt.Byhour) == 0 && opt.Freq < rrule.HOURLY {
		opt.Byhour = []int{a.Hour()}
	}
	if len(opt.Byminute) == 0 && opt.Freq < rrule.MINUTELY {
		opt.Byminute = []int{a.Minute()}
	}
	if len(opt.Bysecond) == 0 && opt.Freq < rrule.SECONDLY {
		opt.Bysecond = []int{a.Second()}
	}
}

// civil drops the location, keeping wall-clock fields.
func civil(t time.Time) time.Time {
	y, m, d := t.Date()
	hh, mm, ss := t.Clock()
	return time.Date(y, m, d, hh, mm, ss, 0, time.UTC)
}

func civilDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// weekStart is the WKST-aligned start of t's week as a civil date.
func (r *Rule) weekStart(t time.Time) time.Time {
	wkst := time.Weekday((r.opt.Wkst.Day() + 1) % 7)
	off := (int(t.Weekday()) - int(wkst) + 7) % 7
	return civilDate(t).AddDate(0, 0, -off)
}

// periodsBefore is how many whole INTERVAL steps fit between the anchor's
// period and from's period, less one step of margin.
func (r *Rule) periodsBefore(from time.Time) int {
	a := r.anchor
	if !from.After(a) {
		return 0
	}
	var periods int64
	switch r.opt.Freq {
	case rrule.YEARLY:
		periods = int64(from.Year() - a.Year())
	case rrule.MONTHLY:
		periods = int64(from.Year()-a.Year())*12 + int64(from.Month()-a.Month())
	case rrule.WEEKLY:
		periods = int64(r.weekStart(from).Sub(r.weekStart(a)) / (7 * 24 * time.Hour))
	case rrule.DAILY:
		periods = int64(civilDate(from).Sub(civilDate(a)) / (24 * time.Hour))
	case rrule.HOURLY:
		periods = int64(civil(from).Sub(civil(a)) / time.Hour)
	case rrule.MINUTELY:
		periods = int64(civil(from).Sub(civil(a)) / time.Minute)
	case rrule.SECONDLY:
		periods = int64(civil(from).Sub(civil(a)) / time.Second)
	}
	k := periods/int64(r.opt.Interval) - 1
	if k < 1 {
		return 0
	}
	return int(k)
}

// advance returns the start of the period k*INTERVAL periods after the
// anchor's. Times of day below the period come from the pinned BYxxx
// values, so the period start is midnight, the top of the hour or the top
// of the minute.
func (r *Rule) advance(k int) time.Time {
	a := r.anchor
	loc := a.Location()
	steps := k * r.opt.Interval
	y, m, d := a.Date()
	hh, mm, ss := a.Clock()
	switch r.opt.Freq {
	case rrule.YEARLY:
		return time.Date(y+steps, time.January, 1, 0, 0, 0, 0, loc)
	case rrule.MONTHLY:
		return time.Date(y, m+time.Month(steps), 1, 0, 0, 0, 0, loc)
	case rrule.WEEKLY:
		ws := r.weekStart(a)
		return time.Date(ws.Year(), ws.Month(), ws.Day()+7*steps, 0, 0, 0, 0, loc)
	case rrule.DAILY:
		return time.Date(y, m, d+steps, 0, 0, 0, 0, loc)
	case rrule.HOURLY:
		return time.Date(y, m, d, hh+steps, 0, 0, 0, loc)
	case rrule.MINUTELY:
		return time.Date(y, m, d, hh, mm+steps, 0, 0, loc)
	default:
		return time.Date(y, m, d, hh, mm, ss+steps, 0, loc)
	}
}
