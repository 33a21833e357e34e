package rtp

import (
	"time"
)

// TimeProvider abstracts time operations for deterministic testing.
type TimeProvider interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// DefaultTimeProvider uses the standard library time functions.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

// Since returns the duration since t.
func (DefaultTimeProvider) Since(t time.Time) time.Duration { return time.Since(t) }

// defaultTimeProvider is the package-level default time provider.
var defaultTimeProvider TimeProvider = DefaultTimeProvider{}

// ntpEpochOffset is the number of seconds between 1900-01-01 and 1970-01-01.
const ntpEpochOffset = 2208988800

// NTPTime converts t to the 64-bit NTP timestamp format used in sender
// reports: seconds since 1900 in the high word, binary fraction in the low.
func NTPTime(t time.Time) uint64 {
	secs := uint64(t.Unix()) + ntpEpochOffset
	frac := (uint64(t.Nanosecond()) << 32) / uint64(time.Second)
	return secs<<32 | frac
}

// NTPMiddle returns the middle 32 bits of a 64-bit NTP timestamp, the
// compact form carried in the LSR field of reception reports.
func NTPMiddle(ntp uint64) uint32 {
	return uint32(ntp >> 16)
}

// MediaTimestamp converts elapsed time to units of a clockRate Hz media
// clock. The whole seconds are scaled separately so long sessions neither
// overflow nor accumulate rounding drift.
func MediaTimestamp(elapsed time.Duration, clockRate int) uint32 {
	if elapsed <= 0 || clockRate <= 0 {
		return 0
	}
	rate := int64(clockRate)
	secs := int64(elapsed / time.Second)
	rem := int64(elapsed % time.Second)
	return uint32(secs*rate + rem*rate/int64(time.Second))
}

// DurationToQ16 converts a duration to 1/65536 second units.
func DurationToQ16(d time.Duration) uint32 {
	if d <= 0 {
		return 0
	}
	return uint32((d.Microseconds()*65536 + 500000) / 1000000)
}

// Q16ToDuration converts 1/65536 second units back to a duration.
func Q16ToDuration(v uint32) time.Duration {
	return time.Duration(uint64(v) * uint64(time.Second) / 65536)
}
