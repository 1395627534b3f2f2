package ics

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	// Zone resolution must not depend on the host's zoneinfo.
	_ "time/tzdata"

	"calfeed/internal/model"
)

const (
	layoutDate         = "20060102"
	layoutDateTime     = "20060102T150405"
	layoutDateTimeUTC  = "20060102T150405Z"
	layoutDateTimeNoSS = "20060102T1504"
)

var errEmptyValue = errors.New("empty value")

// windowsZones maps the Windows zone names Outlook and Exchange put in TZID
// to IANA names. Only the common ones are listed; unknown names fall back to
// the floating location.
var windowsZones = map[string]string{
	"Eastern Standard Time":        "America/New_York",
	"Central Standard Time":        "America/Chicago",
	"Mountain Standard Time":       "America/Denver",
	"Pacific Standard Time":        "America/Los_Angeles",
	"GMT Standard Time":            "Europe/London",
	"W. Europe Standard Time":      "Europe/Berlin",
	"Romance Standard Time":        "Europe/Paris",
	"Central Europe Standard Time": "Europe/Budapest",
	"E. Europe Standard Time":      "Europe/Chisinau",
	"Tokyo Standard Time":          "Asia/Tokyo",
	"Korea Standard Time":          "Asia/Seoul",
	"China Standard Time":          "Asia/Shanghai",
	"India Standard Time":          "Asia/Kolkata",
	"AUS Eastern Standard Time":    "Australia/Sydney",
	"UTC":                          "UTC",
	"Coordinated Universal Time":   "UTC",
}

// zoneResolver resolves TZID parameters to locations. It caches per
// instance; each parse owns its own resolver.
type zoneResolver struct {
	floating *time.Location
	cache    map[string]*time.Location
}

func newZoneResolver(floating *time.Location) *zoneResolver {
	if floating == nil {
		floating = time.UTC
	}
	return &zoneResolver{floating: floating, cache: make(map[string]*time.Location)}
}

// resolve returns the location for tzid and whether it was recognized.
func (z *zoneResolver) resolve(tzid string) (*time.Location, bool) {
	if loc, ok := z.cache[tzid]; ok {
		return loc, loc != nil
	}
	loc := lookupZone(tzid)
	z.cache[tzid] = loc
	return loc, loc != nil
}

func lookupZone(tzid string) *time.Location {
	name := strings.Trim(strings.TrimSpace(tzid), `"`)
	// Some producers prefix a globally unique marker.
	name = strings.TrimPrefix(name, "/")
	if name == "" {
		return nil
	}
	if loc, err := time.LoadLocation(name); err == nil {
		return loc
	}
	if alias, ok := windowsZones[name]; ok {
		if loc, err := time.LoadLocation(alias); err == nil {
			return loc
		}
	}
	if loc, ok := fixedOffsetZone(name); ok {
		return loc
	}
	return nil
}

// fixedOffsetZone understands "UTC+05:30", "GMT-0800" and "+0100".
func fixedOffsetZone(name string) (*time.Location, bool) {
	s := strings.ToUpper(name)
	s = strings.TrimPrefix(s, "UTC")
	s = strings.TrimPrefix(s, "GMT")
	if len(s) < 2 || (s[0] != '+' && s[0] != '-') {
		return nil, false
	}
	sign := 1
	if s[0] == '-' {
		sign = -1
	}
	digits := strings.ReplaceAll(s[1:], ":", "")
	var hh, mm int
	var err error
	switch len(digits) {
	case 1, 2:
		hh, err = strconv.Atoi(digits)
	case 4:
		hh, err = strconv.Atoi(digits[:2])
		if err == nil {
			mm, err = strconv.Atoi(digits[2:])
		}
	default:
		return nil, false
	}
	if err != nil || hh > 14 || mm > 59 {
		return nil, false
	}
	return time.FixedZone(name, sign*(hh*3600+mm*60)), true
}

// parseDateValue parses one DATE or DATE-TIME value using the parameters of
// the property it came from.
func (z *zoneResolver) parseDateValue(value string, params map[string]string) (model.DateValue, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return model.DateValue{}, errEmptyValue
	}

	isDate := strings.EqualFold(params["VALUE"], "DATE") ||
		(len(v) == len(layoutDate) && !strings.ContainsRune(v, 'T'))
	if isDate {
		if len(v) < len(layoutDate) {
			return model.DateValue{}, fmt.Errorf("date %q too short", v)
		}
		t, err := time.Parse(layoutDate, v[:len(layoutDate)])
		if err != nil {
			return model.DateValue{}, err
		}
		return model.NewDate(t.Year(), t.Month(), t.Day()), nil
	}

	if strings.HasSuffix(v, "Z") || strings.HasSuffix(v, "z") {
		t, err := time.Parse(layoutDateTimeUTC, strings.ToUpper(v))
		if err != nil {
			return model.DateValue{}, err
		}
		return model.DateValue{Time: t.UTC()}, nil
	}

	tzid := params["TZID"]
	loc, known := z.floating, false
	if tzid != "" {
		if l, ok := z.resolve(tzid); ok {
			loc, known = l, true
		}
	}

	t, err := parseLocalDateTime(v, loc)
	if err != nil {
		return model.DateValue{}, err
	}
	return model.DateValue{Time: t, TZID: tzid, Floating: !known}, nil
}

func parseLocalDateTime(v string, loc *time.Location) (time.Time, error) {
	t, err := time.ParseInLocation(layoutDateTime, v, loc)
	if err == nil {
		return t, nil
	}
	if t2, err2 := time.ParseInLocation(layoutDateTimeNoSS, v, loc); err2 == nil {
		return t2, nil
	}
	return time.Time{}, err
}

// parseDateList parses a comma-separated EXDATE style list. Entries that
// fail to parse are returned in bad and otherwise ignored.
func (z *zoneResolver) parseDateList(value string, params map[string]string) (out []model.DateValue, bad []string) {
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		dv, err := z.parseDateValue(part, params)
		if err != nil {
			bad = append(bad, part)
			continue
		}
		out = append(out, dv)
	}
	return out, bad
}

// maxDuration bounds DURATION values; longer ones are rejected.
const maxDuration = 100 * 366 * 24 * time.Hour

// parseDuration parses an RFC 5545 DURATION value (dur-value), e.g.
// "PT1H30M", "P1D", "P2W", "-PT15M".
func parseDuration(v string) (time.Duration, error) {
	s := strings.ToUpper(strings.TrimSpace(v))
	if s == "" {
		return 0, errEmptyValue
	}
	sign := time.Duration(1)
	switch s[0] {
	case '-':
		sign = -1
		s = s[1:]
	case '+':
		s = s[1:]
	}
	if !strings.HasPrefix(s, "P") || len(s) < 3 {
		return 0, fmt.Errorf("duration %q: missing P", v)
	}
	s = s[1:]

	var total time.Duration
	inTime := false
	num := int64(0)
	haveNum := false
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			num = num*10 + int64(r-'0')
			if num > int64(maxDuration/time.Second) {
				return 0, fmt.Errorf("duration %q: value too large", v)
			}
			haveNum = true
			continue
		case r == 'T':
			inTime = true
			continue
		}
		if !haveNum {
			return 0, fmt.Errorf("duration %q: unit %c without value", v, r)
		}
		var unit time.Duration
		switch {
		case r == 'W' && !inTime:
			unit = 7 * 24 * time.Hour
		case r == 'D' && !inTime:
			unit = 24 * time.Hour
		case r == 'H' && inTime:
			unit = time.Hour
		case r == 'M' && inTime:
			unit = time.Minute
		case r == 'S' && inTime:
			unit = time.Second
		default:
			return 0, fmt.Errorf("duration %q: unexpected %c", v, r)
		}
		n := time.Duration(num)
		if n > maxDuration/unit || total > maxDuration-n*unit {
			return 0, fmt.Errorf("duration %q: longer than %s", v, maxDuration)
		}
		total += n * unit
		num, haveNum = 0, false
	}
	if haveNum {
		return 0, fmt.Errorf("duration %q: trailing number", v)
	}
	return sign * total, nil
}
