// Package gpsd feeds a gpsclock.Clock from the GPS timestamps firmware
// attaches to health reports, the way the minion's StatusApp anchors its
// GpsClock from FwHealthReport.tsf whenever the radio has fix.
package gpsd

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/terragraph-mesh/tgctl/internal/gpsclock"
)

// Feed anchors a gpsclock.Clock from successive firmware health reports.
// A zero Feed is not usable; construct one with New.
type Feed struct {
	log   *slog.Logger
	clock *gpsclock.Clock

	lastTsfUs atomic.Uint64
}

// New returns a Feed that anchors clock as reports are ingested.
func New(log *slog.Logger, clock *gpsclock.Clock) *Feed {
	return &Feed{log: log, clock: clock}
}

// HealthReport is the subset of a firmware health report gpsd cares about:
// tsf is the radio's free-running timestamp, in microseconds since the GPS
// epoch, as latched by the driver at the last PPS edge.
type HealthReport struct {
	RadioMac string
	TsfUs    uint64
}

// Ingest anchors the clock from a health report's tsf field. A zero tsf
// means the radio does not have GPS fix yet and is ignored, mirroring
// processFwHealthReport's "gpsTime.count() > 0" guard.
func (f *Feed) Ingest(r HealthReport) {
	if r.TsfUs == 0 {
		return
	}
	f.lastTsfUs.Store(r.TsfUs)
	f.clock.SetEpoch(gpsclock.Duration(time.Duration(r.TsfUs) * time.Microsecond))
	if f.log != nil {
		f.log.Debug("gps epoch anchored from firmware health report",
			slog.String("radio", r.RadioMac),
			slog.Uint64("tsfUs", r.TsfUs))
	}
}

// LastTsfUs returns the tsf value of the most recent Ingest call, or zero if
// none has ever anchored the clock.
func (f *Feed) LastTsfUs() uint64 {
	return f.lastTsfUs.Load()
}
