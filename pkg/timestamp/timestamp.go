// Package timestamp provides consistent parsing and formatting of the
// timestamps carried by sensor readings. Devices in the field send either
// RFC3339 strings or unix epoch milliseconds; both normalize to UTC here.
package timestamp

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Layout is the canonical wire format for timestamps produced by this
// process.
const Layout = time.RFC3339Nano

// Now returns the current time in UTC truncated to millisecond precision,
// matching the resolution devices report at.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// Parse interprets a timestamp value from a decoded JSON payload. Accepted
// forms are RFC3339/RFC3339Nano strings and unix epoch milliseconds as a
// JSON number or numeric string. The result is always in UTC.
func Parse(value any) (time.Time, error) {
	switch v := value.(type) {
	case string:
		return parseString(v)
	case float64:
		// encoding/json decodes all numbers to float64.
		return FromUnixMs(int64(v)), nil
	case int64:
		return FromUnixMs(v), nil
	case time.Time:
		return v.UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", value)
	}
}

func parseString(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}

	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return FromUnixMs(ms), nil
	}

	return time.Time{}, fmt.Errorf("unrecognized timestamp format %q", s)
}

// FromUnixMs converts unix epoch milliseconds to a UTC time.
func FromUnixMs(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// ToUnixMs converts a time to unix epoch milliseconds.
func ToUnixMs(t time.Time) int64 {
	return t.UnixMilli()
}

// Format renders a time in the canonical wire format.
func Format(t time.Time) string {
	return t.UTC().Format(Layout)
}
