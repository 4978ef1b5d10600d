package clock

import "time"

// NowFunc returns current time. Override in tests for determinism.
var NowFunc = time.Now

// Now is a thin wrapper around NowFunc.
func Now() time.Time { return NowFunc() }

// TimestampFormat is the wall-clock format used in log banners and in the
// cancel_info.json notify-end marker.
const TimestampFormat = "2006-01-02T15:04:05Z"

// Timestamp formats t as UTC using TimestampFormat.
func Timestamp(t time.Time) string {
	return t.UTC().Format(TimestampFormat)
}
