// Package slotmap holds the per-purpose allowed-slot table that the slot
// scheduler consults: a period is divided into slot-unit windows, and each
// scan purpose is assigned a fixed, non-overlapping subset of those windows.
package slotmap

import (
	"fmt"

	"github.com/terragraph-mesh/tgctl/internal/tgerr"
)

// Purpose identifies what a slot window is reserved for.
type Purpose int

const (
	PurposeIM Purpose = iota
	PurposePBF
	PurposeRTCAL
	PurposeHybridPBF
	PurposeNulling
	PurposeNullingApply
)

func (p Purpose) String() string {
	switch p {
	case PurposeIM:
		return "IM"
	case PurposePBF:
		return "PBF"
	case PurposeRTCAL:
		return "RTCAL"
	case PurposeHybridPBF:
		return "HYBRID_PBF"
	case PurposeNulling:
		return "NULLING"
	case PurposeNullingApply:
		return "NULLING_APPLY"
	default:
		return "UNKNOWN"
	}
}

// Slot is a half-open [Start, Start+Len) window within a period.
type Slot struct {
	Start uint16
	Len   uint16
}

// End returns the exclusive end of the slot.
func (s Slot) End() uint16 { return s.Start + s.Len }

// Config is the slot map configuration: a slot/period granularity and, per
// purpose, an ordered sequence of non-overlapping slot windows.
type Config struct {
	SlotLen   uint32
	PeriodLen uint32
	Mapping   map[Purpose][]Slot
}

// Default returns the slot map configuration used when no configuration has
// been set explicitly: slotLen=16, periodLen=128, with the recognized
// purposes and slot windows from the core scheduling spec.
func Default() Config {
	s := func(start, length uint16) Slot { return Slot{Start: start, Len: length} }
	return Config{
		SlotLen:   16,
		PeriodLen: 128,
		Mapping: map[Purpose][]Slot{
			PurposeIM:  {s(0, 5), s(64, 5)},
			PurposePBF: {s(13, 5), s(77, 5)},
			PurposeRTCAL: {
				s(25, 2), s(28, 2), s(31, 2), s(34, 2),
				s(89, 2), s(92, 2), s(95, 2), s(98, 2),
			},
			PurposeHybridPBF:    {s(13, 10), s(77, 10)},
			PurposeNulling:      {s(38, 5), s(102, 5)},
			PurposeNullingApply: {s(58, 1), s(122, 1)},
		},
	}
}

// Validate checks invariant 1: within each purpose, slots are sorted by
// start with strictly non-decreasing start+len, i.e. no two slots overlap
// and each slot's end does not exceed periodLen.
func (c Config) Validate() error {
	if c.PeriodLen == 0 || c.SlotLen == 0 {
		return tgerr.New(tgerr.KindInvalidRequest, "slotmap.Validate", "slotLen and periodLen must be non-zero")
	}
	if c.PeriodLen%c.SlotLen != 0 {
		return tgerr.New(tgerr.KindInvalidRequest, "slotmap.Validate", "periodLen must be a multiple of slotLen")
	}
	for purpose, slots := range c.Mapping {
		prevEnd := -1
		for _, slot := range slots {
			if int(slot.Start) < prevEnd {
				return tgerr.New(tgerr.KindInvalidRequest, "slotmap.Validate",
					fmt.Sprintf("purpose %s: slots must be sorted by start with no overlap", purpose))
			}
			if int(slot.End()) > int(c.PeriodLen) {
				return tgerr.New(tgerr.KindInvalidRequest, "slotmap.Validate",
					fmt.Sprintf("purpose %s: slot end exceeds periodLen", purpose))
			}
			prevEnd = int(slot.End())
		}
	}
	return nil
}

// Clone returns a deep copy, so callers can mutate a returned config (e.g.
// from GetSlotMapConfig) without affecting the stored one.
func (c Config) Clone() Config {
	out := Config{SlotLen: c.SlotLen, PeriodLen: c.PeriodLen}
	out.Mapping = make(map[Purpose][]Slot, len(c.Mapping))
	for p, slots := range c.Mapping {
		cp := make([]Slot, len(slots))
		copy(cp, slots)
		out.Mapping[p] = cp
	}
	return out
}
