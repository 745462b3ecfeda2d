// Package scheduler implements the slot scheduler: adjustBwgd takes a coarse
// start-time request and returns an actual bandwidth-grant-duration index
// that obeys the per-purpose slot map and does not collide with any live
// reservation. It is ported from the controller's SchedulerApp, including
// its single-threaded-event-loop concurrency contract: the scheduler owns
// its reservation state exclusively and callers interact with it only
// through AdjustBWGD, which posts a request to the owning goroutine and
// blocks on a one-shot reply channel.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/terragraph-mesh/tgctl/internal/gpsclock"
	"github.com/terragraph-mesh/tgctl/internal/radio"
	"github.com/terragraph-mesh/tgctl/internal/slotmap"
	"github.com/terragraph-mesh/tgctl/internal/tgerr"
)

// Start scheduling at least this many seconds in the future is a
// transport-layer concern (internal/transport); the scheduler itself only
// guarantees a free, in-window slot.

// cleanupInterval is how often past reservations are purged.
const cleanupInterval = 5 * time.Second

// cleanupSafetyMargin tolerates clock skew when deciding a reservation is
// safely in the past.
const cleanupSafetyMargin = 5 * time.Second

// adjustRequest is posted to the scheduler's owning goroutine.
type adjustRequest struct {
	purpose slotmap.Purpose
	bwgd    uint64
	len     uint32
	tx      radio.Mac
	rxs     []radio.Mac
	reply   chan adjustResult
}

type adjustResult struct {
	bwgd uint64
	err  error
}

type getConfigRequest struct {
	reply chan slotmap.Config
}

type setConfigRequest struct {
	cfg   slotmap.Config
	reply chan error
}

// Scheduler is the slot scheduler actor. Construct with New and run its loop
// with Run; all public methods are safe to call concurrently because they
// only ever post to the actor's mailbox.
type Scheduler struct {
	log *slog.Logger

	reqCh    chan adjustRequest
	getCfgCh chan getConfigRequest
	setCfgCh chan setConfigRequest

	// state below is owned exclusively by the goroutine running Run.
	cfg     slotmap.Config
	slotMap map[uint64]map[radio.Mac]struct{} // slot-unit -> occupying radios
	now     func() time.Time
}

// New constructs a Scheduler with the default slot map configuration.
func New(log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		log:      log,
		reqCh:    make(chan adjustRequest),
		getCfgCh: make(chan getConfigRequest),
		setCfgCh: make(chan setConfigRequest),
		cfg:      slotmap.Default(),
		slotMap:  make(map[uint64]map[radio.Mac]struct{}),
		now:      time.Now,
	}
}

// Run drives the scheduler's event loop until ctx is cancelled. Call it in
// its own goroutine; it owns all scheduler state until it returns.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-s.reqCh:
			bwgd, err := s.adjustBWGDInLoop(req.purpose, req.bwgd, req.len, req.tx, req.rxs)
			req.reply <- adjustResult{bwgd: bwgd, err: err}
		case req := <-s.getCfgCh:
			req.reply <- s.cfg.Clone()
		case req := <-s.setCfgCh:
			if err := req.cfg.Validate(); err != nil {
				req.reply <- err
				continue
			}
			s.cfg = req.cfg.Clone()
			req.reply <- nil
		case <-ticker.C:
			s.cleanupSlotMap()
		}
	}
}

// AdjustBWGD posts an adjust request to the scheduler's loop and blocks for
// the result. See the package doc and spec §4.C for the algorithm.
func (s *Scheduler) AdjustBWGD(ctx context.Context, purpose slotmap.Purpose, bwgd uint64, length uint32, tx radio.Mac, rxs []radio.Mac) (uint64, error) {
	reply := make(chan adjustResult, 1)
	req := adjustRequest{purpose: purpose, bwgd: bwgd, len: length, tx: tx, rxs: rxs, reply: reply}
	select {
	case s.reqCh <- req:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case res := <-reply:
		return res.bwgd, res.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// GetConfig returns a copy of the current slot map configuration.
func (s *Scheduler) GetConfig(ctx context.Context) (slotmap.Config, error) {
	reply := make(chan slotmap.Config, 1)
	select {
	case s.getCfgCh <- getConfigRequest{reply: reply}:
	case <-ctx.Done():
		return slotmap.Config{}, ctx.Err()
	}
	select {
	case cfg := <-reply:
		return cfg, nil
	case <-ctx.Done():
		return slotmap.Config{}, ctx.Err()
	}
}

// SetConfig validates and atomically replaces the slot map configuration.
// On validation failure, the prior configuration is unchanged.
func (s *Scheduler) SetConfig(ctx context.Context, cfg slotmap.Config) error {
	reply := make(chan error, 1)
	select {
	case s.setCfgCh <- setConfigRequest{cfg: cfg, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// adjustBWGDInLoop is the actual algorithm; it must only run on the owning
// goroutine, which Run guarantees.
func (s *Scheduler) adjustBWGDInLoop(purpose slotmap.Purpose, bwgd uint64, length uint32, tx radio.Mac, rxs []radio.Mac) (uint64, error) {
	slots, ok := s.cfg.Mapping[purpose]
	if !ok {
		return 0, tgerr.New(tgerr.KindUnsatisfiable, "scheduler.AdjustBWGD", "unknown purpose")
	}

	slotLen := uint64(s.cfg.SlotLen)
	periodLen := uint64(s.cfg.PeriodLen)

	startSlot := (bwgd + slotLen - 1) / slotLen
	offset := startSlot % periodLen
	periodStart := startSlot - offset
	neededLen := uint32((uint64(length) + slotLen - 1) / slotLen)

	// Require at least one slot window large enough for the request.
	fits := false
	for _, sl := range slots {
		if uint32(sl.Len) >= neededLen {
			fits = true
			break
		}
	}
	if !fits {
		return 0, tgerr.New(tgerr.KindUnsatisfiable, "scheduler.AdjustBWGD", "requested length exceeds every configured slot")
	}

	nodes := make([]radio.Mac, 0, 1+len(rxs))
	nodes = append(nodes, tx)
	nodes = append(nodes, rxs...)

	// Find the index of the first slot window that ends after offset in
	// the current period.
	startIdx := len(slots)
	for i, sl := range slots {
		if uint64(sl.End()) > offset {
			startIdx = i
			break
		}
	}
	var offsetInSlot uint64
	if startIdx == len(slots) {
		startIdx = 0
		offsetInSlot = 0
		periodStart += periodLen
	} else {
		sl := slots[startIdx]
		if offset >= uint64(sl.Start) {
			offsetInSlot = offset - uint64(sl.Start)
		} else {
			offsetInSlot = 0
		}
	}

	for {
		for si := startIdx; si < len(slots); si++ {
			sl := slots[si]
			if uint32(sl.Len) < neededLen {
				offsetInSlot = 0
				continue
			}
			var free uint32
			for i := offsetInSlot; i < uint64(sl.Len); i++ {
				unit := periodStart + uint64(sl.Start) + i
				if s.unitOccupiedByAny(unit, nodes) {
					free = 0
					continue
				}
				free++
				if free >= neededLen {
					start := i - uint64(neededLen-1)
					for j := uint32(0); j < neededLen; j++ {
						s.occupy(periodStart+uint64(sl.Start)+start+uint64(j), nodes)
					}
					return (periodStart + uint64(sl.Start) + start) * slotLen, nil
				}
			}
			offsetInSlot = 0
		}
		startIdx = 0
		periodStart += periodLen
	}
}

func (s *Scheduler) unitOccupiedByAny(unit uint64, nodes []radio.Mac) bool {
	occ, ok := s.slotMap[unit]
	if !ok {
		return false
	}
	for _, n := range nodes {
		if _, present := occ[n]; present {
			return true
		}
	}
	return false
}

func (s *Scheduler) occupy(unit uint64, nodes []radio.Mac) {
	occ, ok := s.slotMap[unit]
	if !ok {
		occ = make(map[radio.Mac]struct{}, len(nodes))
		s.slotMap[unit] = occ
	}
	for _, n := range nodes {
		occ[n] = struct{}{}
	}
}

// cleanupSlotMap deletes reservation entries whose slot-unit time is more
// than cleanupSafetyMargin in the past.
func (s *Scheduler) cleanupSlotMap() {
	end := s.now().Add(-cleanupSafetyMargin)
	endSlot := gpsclock.UnixTimeToBWGD(end.Unix()) / uint64(s.cfg.SlotLen)
	removed := 0
	for unit := range s.slotMap {
		if unit < endSlot {
			delete(s.slotMap, unit)
			removed++
		}
	}
	if removed > 0 {
		s.log.Debug("slot map cleanup", slog.Int("removed", removed))
	}
}
