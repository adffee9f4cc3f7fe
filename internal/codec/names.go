package codec

import (
	"strconv"
	"strings"
	"time"
)

const (
	// fallback dates make files with broken names easy to spot on the collector
	unparsableNameDate = "2001-09-09"
	invalidNameDate    = "2000-01-01"
)

// DayKey truncates an epoch-millis timestamp to local midnight.
func DayKey(millis int64) int64 {
	t := time.UnixMilli(millis)
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location()).UnixMilli()
}

// fileName returns the name of the index'th file for a day; index 0 has no suffix.
func fileName(day int64, index int) string {
	name := strconv.FormatInt(day, 10)
	if index > 0 {
		name += "." + strconv.Itoa(index)
	}
	return name
}

// parseFileName splits "<dayMillis>[.<n>]" into its day key and continuation index.
func parseFileName(name string) (day int64, index int, ok bool) {
	dayPart, indexPart, hasIndex := strings.Cut(name, ".")

	day, err := strconv.ParseInt(dayPart, 10, 64)
	if err != nil || day < 0 {
		return 0, 0, false
	}

	if hasIndex {
		index, err = strconv.Atoi(indexPart)
		if err != nil || index < 1 {
			return 0, 0, false
		}
	}

	return day, index, true
}

// FileDate renders the day a log file belongs to as yyyy-MM-dd. Names that
// are not timestamps map to fixed sentinel dates.
func FileDate(name string) string {
	day, _, ok := parseFileName(name)
	if !ok {
		return unparsableNameDate
	}

	t := time.UnixMilli(day)
	if t.Year() < 1970 || t.Year() > 9999 {
		return invalidNameDate
	}

	return t.Format(time.DateOnly)
}
