// Package gpsclock provides a monotonic-anchored approximation of GPS time,
// ported from the GpsClock implementation used by the Terragraph minion and
// controller: a steady-clock reading is taken whenever the epoch is set, and
// all subsequent reads extrapolate from that anchor rather than re-reading
// wall-clock time (which can jump).
package gpsclock

import (
	"sync/atomic"
	"time"
)

// gpsEpoch is 1980-01-06T00:00:00Z, the GPS time origin.
var gpsEpoch = time.Date(1980, 1, 6, 0, 0, 0, 0, time.UTC)

// LeapSeconds is the fixed GPS-UTC leap second offset assumed throughout the
// core. Terragraph treats this as a static constant rather than consulting a
// leap-second table at runtime.
const LeapSeconds = 18

// Duration is a span of time since the GPS epoch. It is a distinct type from
// time.Duration so that GPS-epoch durations and wall-clock durations cannot
// be silently mixed.
type Duration time.Duration

// anchor pairs a GPS epoch duration with the steady-clock instant at which it
// was observed to be current.
type anchor struct {
	epoch        Duration
	epochUpdated time.Time
}

// Clock is a monotonic-anchored GPS clock. The zero value is uninitialized:
// Now returns zero until SetEpoch is called at least once.
type Clock struct {
	a atomic.Pointer[anchor]
}

// New returns an uninitialized Clock.
func New() *Clock {
	return &Clock{}
}

// SetEpoch anchors the clock: subsequent Now() calls extrapolate forward from
// this GPS duration using the steady clock, not wall-clock re-reads.
func (c *Clock) SetEpoch(d Duration) {
	c.a.Store(&anchor{epoch: d, epochUpdated: time.Now()})
}

// Now returns the current GPS-epoch duration. Before any SetEpoch call it
// returns zero; callers MUST treat a zero return as "GPS uninitialized", not
// as a valid reading at the epoch instant.
func (c *Clock) Now() Duration {
	a := c.a.Load()
	if a == nil {
		return 0
	}
	return a.epoch + Duration(time.Since(a.epochUpdated))
}

// Initialized reports whether SetEpoch has ever been called.
func (c *Clock) Initialized() bool {
	return c.a.Load() != nil
}

// ToUnixSeconds truncates a GPS duration to whole seconds since the GPS
// epoch and converts it to Unix (UTC) seconds by adding the leap-second
// offset and the GPS-epoch-to-Unix-epoch difference.
func ToUnixSeconds(d Duration) int64 {
	gpsSeconds := int64(time.Duration(d) / time.Second)
	return gpsEpoch.Unix() + gpsSeconds + LeapSeconds
}

// FromUnixSeconds is the inverse of ToUnixSeconds: it returns the GPS
// duration corresponding to a Unix second count.
func FromUnixSeconds(unix int64) Duration {
	gpsSeconds := unix - gpsEpoch.Unix() - LeapSeconds
	return Duration(time.Duration(gpsSeconds) * time.Second)
}

// BWGDLen is the duration of one Bandwidth Grant Duration.
const BWGDLen = 25_600 * time.Microsecond

// UnixTimeToBWGD converts a Unix timestamp to a BWGD index, rounding up:
// bwgd = ceil(gps_seconds * 10000 / 256).
func UnixTimeToBWGD(unixSeconds int64) uint64 {
	gpsSeconds := unixSeconds - gpsEpoch.Unix() - LeapSeconds
	if gpsSeconds < 0 {
		gpsSeconds = 0
	}
	num := gpsSeconds * 10000
	return uint64((num + 255) / 256)
}

// BWGDToUnixTime converts a BWGD index back to a Unix timestamp (seconds),
// the inverse of UnixTimeToBWGD up to BWGD granularity.
func BWGDToUnixTime(bwgd uint64) int64 {
	gpsSeconds := int64(bwgd) * 256 / 10000
	return gpsEpoch.Unix() + gpsSeconds + LeapSeconds
}

// BWGDToDuration converts a BWGD index to the GPS-epoch duration at which
// that BWGD begins.
func BWGDToDuration(bwgd uint64) Duration {
	return Duration(time.Duration(bwgd) * BWGDLen)
}

// DurationToBWGD converts a GPS-epoch duration to the BWGD index covering it.
func DurationToBWGD(d Duration) uint64 {
	return uint64(time.Duration(d) / BWGDLen)
}
