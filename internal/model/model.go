package model

import (
	"strconv"
	"time"
)

// DateValue is a typed calendar instant. Date-times hold the absolute
// instant (in the location it was declared in); date-only values hold
// midnight UTC of the calendar date and carry AllDay.
//
// TZID is a display label only. Arithmetic and comparisons always go
// through Time, never through the label.
type DateValue struct {
	Time     time.Time
	AllDay   bool
	TZID     string
	Floating bool
}

// NewDate returns an all-day DateValue for the given calendar date.
func NewDate(year int, month time.Month, day int) DateValue {
	return DateValue{Time: time.Date(year, month, day, 0, 0, 0, 0, time.UTC), AllDay: true}
}

// NewDateTime returns a date-time DateValue for t. The TZID label is taken
// from t's location unless it is UTC or Local.
func NewDateTime(t time.Time) DateValue {
	dv := DateValue{Time: t}
	if loc := t.Location(); loc != time.UTC && loc != time.Local {
		dv.TZID = loc.String()
	}
	return dv
}

func (d DateValue) IsZero() bool { return d.Time.IsZero() }

// UTC returns the normalized absolute instant.
func (d DateValue) UTC() time.Time { return d.Time.UTC() }

// Date returns the calendar date of the value in its own zone. For all-day
// values that is the declared date.
func (d DateValue) Date() (int, time.Month, int) {
	return d.Time.Date()
}

// DateKey is the calendar date in its own zone as YYYYMMDD.
func (d DateValue) DateKey() string {
	y, m, day := d.Date()
	return strconv.Itoa(y*10000 + int(m)*100 + day)
}

// Key is the normalized comparison key: "D"+date for all-day values and
// "T"+UTC unix seconds+"."+nanoseconds for date-times.
func (d DateValue) Key() string {
	if d.AllDay {
		return "D" + d.DateKey()
	}
	in := InstantOf(d.Time)
	return "T" + strconv.FormatInt(in.Sec, 10) + "." + strconv.Itoa(int(in.Nsec))
}

// Instant is an absolute time as unix seconds plus nanoseconds. It covers
// the full range of time.Time, which UnixNano does not past 2262.
type Instant struct {
	Sec  int64
	Nsec int32
}

func InstantOf(t time.Time) Instant {
	return Instant{Sec: t.Unix(), Nsec: int32(t.Nanosecond())}
}

func (i Instant) Before(o Instant) bool {
	return i.Sec < o.Sec || (i.Sec == o.Sec && i.Nsec < o.Nsec)
}

// Equal reports whether two values denote the same normalized instant. A
// date-only value equals a date-time that falls on the same calendar date
// in the date-time's own zone.
func (d DateValue) Equal(o DateValue) bool {
	if d.AllDay || o.AllDay {
		return d.DateKey() == o.DateKey()
	}
	return d.Time.Equal(o.Time)
}

// Status is the closed set of VEVENT statuses the pipeline distinguishes.
type Status int

const (
	StatusConfirmed Status = iota
	StatusTentative
	StatusCancelled
)

// ParseStatus maps a STATUS value. Missing or unknown values are confirmed.
func ParseStatus(s string) Status {
	switch s {
	case "TENTATIVE":
		return StatusTentative
	case "CANCELLED":
		return StatusCancelled
	default:
		return StatusConfirmed
	}
}

func (s Status) String() string {
	switch s {
	case StatusTentative:
		return "TENTATIVE"
	case StatusCancelled:
		return "CANCELLED"
	default:
		return "CONFIRMED"
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Kind classifies an EventRecord.
type Kind int

const (
	KindSingle Kind = iota
	KindMaster
	KindOverride
	KindOccurrence
)

func (k Kind) String() string {
	switch k {
	case KindMaster:
		return "master"
	case KindOverride:
		return "override"
	case KindOccurrence:
		return "occurrence"
	default:
		return "single"
	}
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// EventRecord is one parsed VEVENT, or one occurrence derived from a
// recurring VEVENT. Records are values; later stages derive new records
// instead of mutating existing ones.
type EventRecord struct {
	SourceID string
	UID      string
	Sequence int

	Summary     string
	Description string
	Location    string

	Start  DateValue
	End    DateValue
	HasEnd bool
	Status Status

	RRule        string
	ExDates      []DateValue
	RecurrenceID *DateValue

	IsExpandedInstance bool
	// MasterUID points back at the recurring event an occurrence or
	// override belongs to. Lookup only.
	MasterUID string
}

// Kind reports the record's variant. A record with a recurrence id is an
// override even if it also carries a rule; the parser never produces both.
func (e EventRecord) Kind() Kind {
	switch {
	case e.IsExpandedInstance:
		return KindOccurrence
	case e.RecurrenceID != nil:
		return KindOverride
	case e.RRule != "":
		return KindMaster
	default:
		return KindSingle
	}
}

func (e EventRecord) AllDay() bool { return e.Start.AllDay }

// Duration is the record's length. All-day records use calendar days so
// the result is unaffected by zone transitions.
func (e EventRecord) Duration() time.Duration {
	return e.End.Time.Sub(e.Start.Time)
}

// IdentityKey is the composite key used for deduplication.
type IdentityKey struct {
	UID          string
	Subject      string
	Start        Instant
	End          Instant
	AllDay       bool
	RecurrenceID string
}

// Identity computes the record's composite key. Instants are normalized to
// unix seconds and nanoseconds; the recurrence id is part of the key so a modified
// occurrence never collapses into its generated sibling.
func (e EventRecord) Identity() IdentityKey {
	k := IdentityKey{
		UID:     e.UID,
		Subject: e.Summary,
		Start:   InstantOf(e.Start.Time),
		End:     InstantOf(e.End.Time),
		AllDay:  e.Start.AllDay,
	}
	if e.RecurrenceID != nil {
		k.RecurrenceID = e.RecurrenceID.Key()
	}
	return k
}

// ResolvedEvent is one entry of the final, deduplicated collection.
type ResolvedEvent struct {
	EventRecord
	Key IdentityKey
}
