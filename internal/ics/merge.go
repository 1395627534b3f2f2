package ics

import (
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"calfeed/internal/model"
)

// localUIDNamespace scopes the name-based UUIDs fabricated for events that
// arrive without a UID.
var localUIDNamespace = uuid.MustParse("4b6f1e2a-9c3d-5e8f-a1b2-c3d4e5f60718")

// LocalUID derives a stable UID from the fields that identify rec, so the
// same UID-less event gets the same UID on every parse.
func LocalUID(rec model.EventRecord) string {
	name := strings.Join([]string{
		rec.Summary,
		rec.Start.Key(),
		rec.End.Key(),
		strconv.FormatBool(rec.Start.AllDay),
	}, "\x1f")
	return "local-" + uuid.NewSHA1(localUIDNamespace, []byte(name)).String()
}

// completeness counts the optional fields rec populates.
func completeness(rec model.EventRecord) int {
	n := 0
	if rec.Description != "" {
		n++
	}
	if rec.Location != "" {
		n++
	}
	if rec.HasEnd {
		n++
	}
	if rec.Start.TZID != "" {
		n++
	}
	if rec.Status != model.StatusConfirmed {
		n++
	}
	if rec.Sequence > 0 {
		n++
	}
	return n
}

// Merge combines record groups into one collection unique by identity key.
// Among duplicates the more complete record wins and takes the position of
// the first one seen; equally complete duplicates keep the first seen. The
// result is ordered by start instant, stable for equal starts.
func Merge(groups ...[]model.EventRecord) []model.ResolvedEvent {
	total := 0
	for _, g := range groups {
		total += len(g)
	}

	pos := make(map[model.IdentityKey]int, total)
	score := make([]int, 0, total)
	out := make([]model.ResolvedEvent, 0, total)

	for _, g := range groups {
		for _, rec := range g {
			key := rec.Identity()
			c := completeness(rec)
			if i, ok := pos[key]; ok {
				if c > score[i] {
					out[i].EventRecord = rec
					score[i] = c
				}
				continue
			}
			pos[key] = len(out)
			out = append(out, model.ResolvedEvent{EventRecord: rec, Key: key})
			score = append(score, c)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Key.Start.Before(out[j].Key.Start)
	})
	return out
}

// Records unwraps resolved events so they can be merged again.
func Records(events []model.ResolvedEvent) []model.EventRecord {
	out := make([]model.EventRecord, len(events))
	for i, ev := range events {
		out[i] = ev.EventRecord
	}
	return out
}
