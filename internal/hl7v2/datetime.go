package hl7v2

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Precision is the number of significant calendar/clock units in a DTM value
type Precision int

const (
	PrecisionYear Precision = iota + 1
	PrecisionMonth
	PrecisionDay
	PrecisionHour
	PrecisionMinute
	PrecisionSecond
)

// DateTime is a parsed HL7 DTM/DT/TS value
type DateTime struct {
	Time      time.Time
	Precision Precision
	// Fraction holds the fractional second digits as written in the source
	Fraction string
	// HasOffset is true when the source carried an explicit +/-ZZZZ offset
	HasOffset bool
}

// ParseDateTime parses YYYY[MM[DD[HH[MM[SS[.S+]]]]]][+/-ZZZZ]. The location is
// applied only when the value carries no offset of its own.
func ParseDateTime(s string, loc *time.Location) (DateTime, error) {
	s = strings.TrimSpace(s)
	if loc == nil {
		loc = time.UTC
	}
	if s == "" {
		return DateTime{}, fmt.Errorf("empty datetime")
	}

	var dt DateTime
	body := s
	if i := strings.IndexAny(s, "+-"); i >= 0 {
		body = s[:i]
		off := s[i:]
		if len(off) != 5 {
			return DateTime{}, fmt.Errorf("invalid offset %q", off)
		}
		hh, err1 := strconv.Atoi(off[1:3])
		mm, err2 := strconv.Atoi(off[3:5])
		if err1 != nil || err2 != nil || hh > 14 || mm > 59 {
			return DateTime{}, fmt.Errorf("invalid offset %q", off)
		}
		secs := hh*3600 + mm*60
		if off[0] == '-' {
			secs = -secs
		}
		loc = time.FixedZone("", secs)
		dt.HasOffset = true
	}

	if i := strings.IndexByte(body, '.'); i >= 0 {
		dt.Fraction = body[i+1:]
		body = body[:i]
		if dt.Fraction == "" || len(body) != 14 || !digits(dt.Fraction) {
			return DateTime{}, fmt.Errorf("invalid fractional seconds in %q", s)
		}
	}
	if !digits(body) {
		return DateTime{}, fmt.Errorf("invalid datetime %q", s)
	}

	var layout string
	switch len(body) {
	case 4:
		layout, dt.Precision = "2006", PrecisionYear
	case 6:
		layout, dt.Precision = "200601", PrecisionMonth
	case 8:
		layout, dt.Precision = "20060102", PrecisionDay
	case 10:
		layout, dt.Precision = "2006010215", PrecisionHour
	case 12:
		layout, dt.Precision = "200601021504", PrecisionMinute
	case 14:
		layout, dt.Precision = "20060102150405", PrecisionSecond
	default:
		return DateTime{}, fmt.Errorf("invalid datetime length %q", s)
	}

	t, err := time.ParseInLocation(layout, body, loc)
	if err != nil {
		return DateTime{}, fmt.Errorf("invalid datetime %q: %w", s, err)
	}
	if dt.Fraction != "" {
		frac := (dt.Fraction + "000000000")[:9]
		ns, _ := strconv.Atoi(frac)
		t = t.Add(time.Duration(ns))
	}
	dt.Time = t
	return dt, nil
}

// Date renders the value as a FHIR date at its own precision, up to the day
func (dt DateTime) Date() string {
	switch dt.Precision {
	case PrecisionYear:
		return dt.Time.Format("2006")
	case PrecisionMonth:
		return dt.Time.Format("2006-01")
	default:
		return dt.Time.Format("2006-01-02")
	}
}

// DateTime renders the value as a FHIR dateTime. Values with a time part are
// rendered with seconds and an offset.
func (dt DateTime) DateTime() string {
	if dt.Precision <= PrecisionDay {
		return dt.Date()
	}
	return dt.clock()
}

// Instant renders the value as a FHIR instant, which always carries seconds
// and an offset. Date-only values are placed at midnight.
func (dt DateTime) Instant() string {
	return dt.clock()
}

// Clock renders the time of day as hh:mm:ss
func (dt DateTime) Clock() string {
	return dt.Time.Format("15:04:05")
}

func (dt DateTime) clock() string {
	layout := "2006-01-02T15:04:05"
	if dt.Fraction != "" {
		layout += "." + strings.Repeat("0", len(dt.Fraction))
	}
	return dt.Time.Format(layout + "Z07:00")
}

func digits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
