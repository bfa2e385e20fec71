package helper

import (
	"fmt"
	"time"
)

// FormatDuration renders d compactly for tables and log lines: "2.0h",
// "10.0s", "never" for zero.
func FormatDuration(d time.Duration) string {
	switch {
	case d <= 0:
		return "never"
	case d >= time.Hour:
		return fmt.Sprintf("%.1fh", d.Hours())
	case d >= time.Minute:
		return fmt.Sprintf("%.1fm", d.Minutes())
	case d >= time.Second:
		return fmt.Sprintf("%.1fs", d.Seconds())
	default:
		return d.String()
	}
}

// UnixMilli converts t to epoch milliseconds; the zero time maps to 0.
func UnixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromUnixMilli is the inverse of UnixMilli.
func FromUnixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
