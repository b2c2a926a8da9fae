// Package nstimestamp implements Spring '83's strict ISO-8601 timestamp
// format: parsing, formatting, and comparison, pinned down as a single
// reusable type rather than ad hoc time.Parse calls scattered across the
// handler.
package nstimestamp

import (
	"regexp"
	"strconv"
	"time"

	"golang.org/x/xerrors"
)

// Layout is the exact, fixed-width format Spring '83 requires for the
// contents of a <time datetime="..."> tag: YYYY-MM-DDTHH:MM:SSZ.
const Layout = "2006-01-02T15:04:05Z"

// ErrInvalidTimestamp is returned by Parse for any input that isn't exactly
// Layout, or that describes an impossible calendar date.
var ErrInvalidTimestamp = xerrors.New("timestamp is invalid")

// strictLayoutRE matches Layout exactly, field by field, so that Parse can
// reject out-of-range calendar dates (e.g. February 30th) that time.Parse
// would otherwise silently normalize into the following month.
var strictLayoutRE = regexp.MustCompile(
	`\A(\d{4})-(\d{2})-(\d{2})T(\d{2}):(\d{2}):(\d{2})Z\z`,
)

// Timestamp is a Spring '83 timestamp: UTC, second precision, always
// formatted and parsed using Layout.
type Timestamp struct {
	t time.Time
}

// Parse parses s, which must match Layout exactly, including rejecting
// calendar dates that don't exist (day 30 of February, etc).
func Parse(s string) (Timestamp, error) {
	match := strictLayoutRE.FindStringSubmatch(s)
	if match == nil {
		return Timestamp{}, ErrInvalidTimestamp
	}

	fields := make([]int, 6)
	for i, s := range match[1:] {
		n, err := strconv.Atoi(s)
		if err != nil {
			return Timestamp{}, xerrors.Errorf("%w: %v", ErrInvalidTimestamp, err)
		}
		fields[i] = n
	}
	year, month, day, hour, minute, second := fields[0], fields[1], fields[2], fields[3], fields[4], fields[5]

	if month < 1 || month > 12 {
		return Timestamp{}, ErrInvalidTimestamp
	}
	if day < 1 || day > daysInMonth(year, month) {
		return Timestamp{}, ErrInvalidTimestamp
	}
	if hour > 23 || minute > 59 || second > 59 {
		return Timestamp{}, ErrInvalidTimestamp
	}

	return Timestamp{t: time.Date(year, time.Month(month), day, hour, minute, second, 0, time.UTC)}, nil
}

var daysInMonthTable = [...]int{31, 28, 31, 30, 31, 30, 31, 31, 30, 31, 30, 31}

func isLeapYear(year int) bool {
	return year%4 == 0 && (year%100 != 0 || year%400 == 0)
}

func daysInMonth(year, month int) int {
	if month == 2 && isLeapYear(year) {
		return 29
	}
	return daysInMonthTable[month-1]
}

// Now returns the current time as a Timestamp, truncated to second
// precision to match the textual format's resolution.
func Now() Timestamp {
	return Timestamp{t: time.Now().UTC().Truncate(time.Second)}
}

// FromTime adapts an existing time.Time, truncating to second precision.
func FromTime(t time.Time) Timestamp {
	return Timestamp{t: t.UTC().Truncate(time.Second)}
}

// FromEpochSeconds builds a Timestamp from a Unix epoch offset.
func FromEpochSeconds(u uint64) Timestamp {
	return Timestamp{t: time.Unix(int64(u), 0).UTC()}
}

// EpochSeconds returns the number of seconds since the Unix epoch.
func (ts Timestamp) EpochSeconds() uint64 {
	secs := ts.t.Unix()
	if secs < 0 {
		return 0
	}
	return uint64(secs)
}

// AddDays returns a Timestamp offset by n days, saturating at the Unix
// epoch on underflow.
func (ts Timestamp) AddDays(n int) Timestamp {
	shifted := ts.t.AddDate(0, 0, n)
	if shifted.Before(time.Unix(0, 0).UTC()) {
		return Timestamp{t: time.Unix(0, 0).UTC()}
	}
	return Timestamp{t: shifted}
}

// Compare returns -1, 0, or +1 as a is before, equal to, or after b.
func Compare(a, b Timestamp) int {
	switch {
	case a.t.Before(b.t):
		return -1
	case a.t.After(b.t):
		return 1
	default:
		return 0
	}
}

// Before reports whether ts is strictly before other.
func (ts Timestamp) Before(other Timestamp) bool { return ts.t.Before(other.t) }

// After reports whether ts is strictly after other.
func (ts Timestamp) After(other Timestamp) bool { return ts.t.After(other.t) }

// Format writes the canonical 20-byte representation.
func (ts Timestamp) Format() string {
	return ts.t.Format(Layout)
}

// Time returns the underlying time.Time, for interop with code (such as
// net/http's Last-Modified header writer) that wants stdlib's type.
func (ts Timestamp) Time() time.Time {
	return ts.t
}

func (ts Timestamp) String() string {
	return ts.Format()
}
