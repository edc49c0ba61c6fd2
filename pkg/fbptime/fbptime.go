// Package fbptime implements the 34Q30 fixed-point timestamp used
// throughout the stack (spec.md §6) and the monotonic Counter interface
// external collaborators are expected to provide.
package fbptime

import "time"

// Q30 is the number of fractional bits in a Timestamp.
const Q30 = 30

// Timestamp is a signed 64-bit fixed-point time: 34 integer bits of
// seconds, 30 fractional bits. Zero is the Unix epoch.
type Timestamp int64

// FromDuration converts a time.Duration since the epoch into a Timestamp.
func FromDuration(d time.Duration) Timestamp {
	sec := int64(d / time.Second)
	frac := int64(d % time.Second)
	return Timestamp(sec<<Q30 + (frac<<Q30)/int64(time.Second))
}

// FromTime converts a wall-clock time.Time into a Timestamp relative to
// the Unix epoch.
func FromTime(t time.Time) Timestamp {
	return FromDuration(time.Duration(t.UnixNano()) * time.Nanosecond)
}

// Duration converts a Timestamp back into a time.Duration since the epoch.
func (ts Timestamp) Duration() time.Duration {
	sec := int64(ts) >> Q30
	frac := int64(ts) & (1<<Q30 - 1)
	return time.Duration(sec)*time.Second + time.Duration((frac*int64(time.Second))>>Q30)
}

// Time converts a Timestamp into a wall-clock time.Time.
func (ts Timestamp) Time() time.Time {
	return time.Unix(0, 0).Add(ts.Duration())
}

// Add returns ts shifted by d.
func (ts Timestamp) Add(d time.Duration) Timestamp {
	return ts + FromDuration(d)
}

// Sub returns the time.Duration between ts and other (ts - other).
func (ts Timestamp) Sub(other Timestamp) time.Duration {
	return (ts - other).Duration()
}

// Counter is the monotonic tick source external collaborators provide
// (spec.md §6): a free-running counter at a configurable frequency of
// at least 1 kHz. The default implementation wraps time.Now.
type Counter interface {
	// Now returns the current 34Q30 timestamp.
	Now() Timestamp
	// FrequencyHz returns the counter's tick frequency.
	FrequencyHz() uint32
}

// SystemCounter is the host-clock backed Counter used by cmd/fbpd and by
// tests; embedded targets supply their own Counter wrapping a hardware
// timer instead.
type SystemCounter struct{}

// Now implements Counter.
func (SystemCounter) Now() Timestamp { return FromTime(time.Now()) }

// FrequencyHz implements Counter. time.Now has nanosecond resolution,
// comfortably above the required 1 kHz floor.
func (SystemCounter) FrequencyHz() uint32 { return 1_000_000_000 }
