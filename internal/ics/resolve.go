package ics

import (
	"calfeed/internal/model"
)

// ResolvedSet is the outcome of applying exclusions and overrides to one
// master's occurrences.
type ResolvedSet struct {
	Events []model.EventRecord

	Excluded         int
	Replaced         int
	Standalone       int
	UnmatchedExDates int
}

// occurrenceIndex looks occurrences up by normalized start. Timed
// occurrences are keyed by UTC instant; every occurrence is also keyed by
// its calendar date in its own zone for date-only matches.
type occurrenceIndex struct {
	byInstant map[string][]int
	byDate    map[string][]int
	allDay    []bool
	taken     []bool
}

func newOccurrenceIndex(occurrences []model.EventRecord) *occurrenceIndex {
	idx := &occurrenceIndex{
		byInstant: make(map[string][]int, len(occurrences)),
		byDate:    make(map[string][]int, len(occurrences)),
		allDay:    make([]bool, len(occurrences)),
		taken:     make([]bool, len(occurrences)),
	}
	for i, occ := range occurrences {
		idx.allDay[i] = occ.Start.AllDay
		if !occ.Start.AllDay {
			k := occ.Start.Key()
			idx.byInstant[k] = append(idx.byInstant[k], i)
		}
		dk := occ.Start.DateKey()
		idx.byDate[dk] = append(idx.byDate[dk], i)
	}
	return idx
}

// take claims the first unclaimed occurrence matching v, or returns -1.
func (idx *occurrenceIndex) take(v model.DateValue) int {
	if v.AllDay {
		return idx.claim(idx.byDate[v.DateKey()], false)
	}
	if i := idx.claim(idx.byInstant[v.Key()], false); i >= 0 {
		return i
	}
	// A date-time matched against all-day occurrences compares dates.
	return idx.claim(idx.byDate[v.DateKey()], true)
}

func (idx *occurrenceIndex) claim(candidates []int, allDayOnly bool) int {
	for _, i := range candidates {
		if idx.taken[i] || (allDayOnly && !idx.allDay[i]) {
			continue
		}
		idx.taken[i] = true
		return i
	}
	return -1
}

// Resolve removes the occurrences matched by exdates, then substitutes each
// override for the occurrence its RECURRENCE-ID names. Each exdate removes
// at most one occurrence. Overrides that match nothing are kept standalone.
// When several overrides name the same instance the highest SEQUENCE wins,
// the later one on a tie.
func Resolve(occurrences []model.EventRecord, exdates []model.DateValue, overrides []model.EventRecord) ResolvedSet {
	var rs ResolvedSet
	idx := newOccurrenceIndex(occurrences)

	removed := make([]bool, len(occurrences))
	for _, ex := range exdates {
		i := idx.take(ex)
		if i < 0 {
			rs.UnmatchedExDates++
			continue
		}
		removed[i] = true
		rs.Excluded++
	}

	replacement := make(map[int]model.EventRecord)
	var standalone []model.EventRecord
	for _, ov := range latestOverrides(overrides) {
		i := -1
		if ov.RecurrenceID != nil {
			i = idx.take(*ov.RecurrenceID)
		}
		if i < 0 {
			standalone = append(standalone, ov)
			continue
		}
		replacement[i] = ov
		rs.Replaced++
	}

	rs.Events = make([]model.EventRecord, 0, len(occurrences)-rs.Excluded+len(standalone))
	for i, occ := range occurrences {
		if ov, ok := replacement[i]; ok {
			rs.Events = append(rs.Events, ov)
			continue
		}
		if removed[i] {
			continue
		}
		rs.Events = append(rs.Events, occ)
	}
	rs.Events = append(rs.Events, standalone...)
	rs.Standalone = len(standalone)
	return rs
}

// latestOverrides keeps one override per (master, recurrence id), chosen by
// SEQUENCE. Order of first appearance is preserved.
func latestOverrides(overrides []model.EventRecord) []model.EventRecord {
	if len(overrides) < 2 {
		return overrides
	}
	type key struct{ master, rid string }
	pos := make(map[key]int, len(overrides))
	out := make([]model.EventRecord, 0, len(overrides))
	for _, ov := range overrides {
		k := key{master: ov.MasterUID}
		if ov.RecurrenceID != nil {
			k.rid = ov.RecurrenceID.Key()
		}
		if i, ok := pos[k]; ok {
			if ov.Sequence >= out[i].Sequence {
				out[i] = ov
			}
			continue
		}
		pos[k] = len(out)
		out = append(out, ov)
	}
	return out
}

// latestMasters keeps one master per UID, chosen by SEQUENCE like
// latestOverrides.
func latestMasters(masters []model.EventRecord) []model.EventRecord {
	if len(masters) < 2 {
		return masters
	}
	pos := make(map[string]int, len(masters))
	out := make([]model.EventRecord, 0, len(masters))
	for _, m := range masters {
		if i, ok := pos[m.UID]; ok {
			if m.Sequence >= out[i].Sequence {
				out[i] = m
			}
			continue
		}
		pos[m.UID] = len(out)
		out = append(out, m)
	}
	return out
}
