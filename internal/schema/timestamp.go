package schema

import (
	"fmt"
	"regexp"
	"time"
)

const (
	// TimestampLayout is the wire format for point timestamps.
	TimestampLayout = "2006-01-02T15:04:05.000000Z"

	parseLayout = "2006-01-02T15:04:05Z"

	// TimestampPattern matches accepted inbound timestamps; the fraction may
	// carry 0 to 9 digits.
	TimestampPattern = `^[0-9]{4}-[0-9]{2}-[0-9]{2}T[0-9]{2}:[0-9]{2}:[0-9]{2}(\.[0-9]{1,9})?Z$`
)

var timestampRe = regexp.MustCompile(TimestampPattern)

// FormatTime renders t in UTC with microsecond precision.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTime parses an inbound timestamp and truncates it to the microsecond
// precision the storage engines keep.
func ParseTime(s string) (time.Time, error) {
	if !timestampRe.MatchString(s) {
		return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
	}
	t, err := time.Parse(parseLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t.UTC().Truncate(time.Microsecond), nil
}
