package scan

import (
	"log/slog"
	"time"

	"github.com/terragraph-mesh/tgctl/internal/gpsclock"
)

// MaxClockSkew is the maximum tolerated drift between the GPS clock and the
// local wall clock before the watchdog declares the node unfit to schedule
// scans, per spec.md §4.F.9.
const MaxClockSkew = 500 * time.Millisecond

// SkewWatchdog periodically compares the GPS clock against the local wall
// clock and reports whether scheduling is currently safe.
type SkewWatchdog struct {
	clock    *gpsclock.Clock
	log      *slog.Logger
	maxSkew  time.Duration
	lastSkew time.Duration
	healthy  bool
}

// NewSkewWatchdog constructs a watchdog over clock.
func NewSkewWatchdog(log *slog.Logger, clock *gpsclock.Clock) *SkewWatchdog {
	if log == nil {
		log = slog.Default()
	}
	return &SkewWatchdog{clock: clock, log: log, maxSkew: MaxClockSkew, healthy: true}
}

// Check compares the GPS clock's Unix-seconds conversion against the local
// wall clock and updates Healthy. It is not safe for concurrent use; call it
// from a single owning loop (e.g. a once-per-second ticker).
func (w *SkewWatchdog) Check() (skew time.Duration, healthy bool) {
	if !w.clock.Initialized() {
		w.healthy = false
		return 0, false
	}
	gpsUnix := gpsclock.ToUnixSeconds(w.clock.Now())
	wallUnix := time.Now().Unix()
	skew = time.Duration(gpsUnix-wallUnix) * time.Second
	if skew < 0 {
		skew = -skew
	}
	w.lastSkew = skew
	w.healthy = skew <= w.maxSkew
	if !w.healthy {
		w.log.Warn("gps/wall clock skew exceeds tolerance", slog.Duration("skew", skew), slog.Duration("max", w.maxSkew))
	}
	return skew, w.healthy
}

// Healthy reports the last-computed skew health without recomputing it.
func (w *SkewWatchdog) Healthy() bool { return w.healthy }
