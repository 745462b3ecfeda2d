package gpsclock

import (
	"testing"
	"time"
)

func TestUninitializedIsZero(t *testing.T) {
	c := New()
	if c.Initialized() {
		t.Fatal("expected uninitialized clock")
	}
	if got := c.Now(); got != 0 {
		t.Fatalf("Now() = %v, want 0 before SetEpoch", got)
	}
}

func TestSetEpochExtrapolates(t *testing.T) {
	c := New()
	c.SetEpoch(Duration(10 * time.Second))
	time.Sleep(5 * time.Millisecond)
	got := c.Now()
	if got < Duration(10*time.Second) {
		t.Fatalf("Now() = %v, want >= 10s", got)
	}
	if got > Duration(10*time.Second+50*time.Millisecond) {
		t.Fatalf("Now() = %v, extrapolated too far", got)
	}
}

// TestBWGDRoundTrip checks invariant 4: bwgd_to_unix_time(unix_time_to_bwgd(t))
// is within one second of t (BWGDToUnixTime returns whole seconds).
func TestBWGDRoundTrip(t *testing.T) {
	for _, unix := range []int64{315964800 + 100, 1_700_000_000, 2_000_000_000} {
		bwgd := UnixTimeToBWGD(unix)
		back := BWGDToUnixTime(bwgd)
		diff := back - unix
		if diff < -1 || diff > 1 {
			t.Fatalf("unix=%d bwgd=%d back=%d diff=%ds exceeds one second", unix, bwgd, back, diff)
		}
	}
}

func TestBWGDDurationRoundTrip(t *testing.T) {
	d := Duration(66_328_125_078) * Duration(BWGDLen)
	bwgd := DurationToBWGD(d)
	back := BWGDToDuration(bwgd)
	if back != d {
		t.Fatalf("DurationToBWGD/BWGDToDuration not exact: %v != %v", back, d)
	}
}
