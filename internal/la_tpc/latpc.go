// Package latpc implements the link-adaptation / transmit-power-control
// max-MCS update: given an aggressor link and the set of victim links it
// shares relative-IM data with, it derives the lowest max-MCS ceiling that
// keeps every victim's estimated aggregate interference under its INR
// limit, per spec.md §4.F.8.
package latpc

import (
	"math"

	"github.com/terragraph-mesh/tgctl/internal/radio"
	"github.com/terragraph-mesh/tgctl/internal/rfstate"
)

// kMcsToSnr maps an MCS index (0-12) to the SNR (dB) it requires.
var kMcsToSnr = []float64{0.0, 1.0, 2.5, 3.0, 4.5, 5.0, 5.5, 7.5, 9.0, 12.0, 14.0, 16.0, 18.0}

// Params tunes the max-MCS update. Defaults are invented (no numeric
// defaults for these four flags survived the original's thrift-struct
// filtering).
type Params struct {
	MaxMcsHigh      int
	MaxMcsLow       int
	InrLimitDB      float64
	InrAlpha        float64
	TxPowerMinIndex int32
	TxPowerMaxIndex int32
}

// DefaultParams returns the documented-but-invented defaults.
func DefaultParams() Params {
	return Params{
		MaxMcsHigh:      12,
		MaxMcsLow:       1,
		InrLimitDB:      -10,
		InrAlpha:        0.5,
		TxPowerMinIndex: 0,
		TxPowerMaxIndex: 31,
	}
}

// Link identifies one directional tx->rx pair considered by the update.
type Link struct {
	Tx, Rx radio.Mac
}

// Recommendation is the outcome of one max-MCS update for an aggressor link.
type Recommendation struct {
	Aggressor Link
	MaxMCS    int
}

// Recommend implements setLaTpcParams's per-aggressor-link core: for each
// candidate victim link (excluding P2MP pairs sharing an endpoint with the
// aggressor), it computes the self relIm offset of both links and the
// cross-pair ATX->VRX offset, derives an INR limit scaled by how much
// headroom the victim's own tx power has above its own max-MCS SNR
// requirement, and walks maxMcsHigh down to maxMcsLow until the estimated
// aggressor tx power (clamped to [txPowerMin, txPowerMax]) plus the
// cross-pair offset no longer exceeds that limit. The final recommendation
// is the minimum MaxMCS computed across every victim. It returns false if
// the aggressor link has no self relIm offset recorded (relative-IM scans
// have not completed for it yet), or if no victim link has both of the
// offsets it needs.
func Recommend(rf *rfstate.Store, aggressor Link, victims []Link, params Params) (Recommendation, bool) {
	atxArxOffset, ok := rf.RelIMOffset(aggressor.Tx, aggressor.Rx)
	if !ok {
		return Recommendation{}, false
	}

	maxMcs := params.MaxMcsHigh
	any := false
	for _, v := range victims {
		if v.Tx == aggressor.Tx || v.Rx == aggressor.Rx {
			continue // P2MP: aggressor and victim share an endpoint
		}
		atxVrxOffset, ok := rf.RelIMOffset(aggressor.Tx, v.Rx)
		if !ok {
			continue
		}
		vtxVrxOffset, ok := rf.RelIMOffset(v.Tx, v.Rx)
		if !ok {
			continue
		}
		any = true

		headroom := float64(params.TxPowerMaxIndex) + vtxVrxOffset - kMcsToSnr[clampMCSIndex(params.MaxMcsHigh)]
		if headroom < 0 {
			headroom = 0
		}
		inrLimit := params.InrLimitDB + params.InrAlpha*headroom

		mcs := params.MaxMcsHigh
		for mcs > params.MaxMcsLow {
			txPwrEst := clampPower(math.Ceil(kMcsToSnr[clampMCSIndex(mcs)]-atxArxOffset), params.TxPowerMinIndex, params.TxPowerMaxIndex)
			inrEst := float64(txPwrEst) + atxVrxOffset
			if inrEst <= inrLimit {
				break
			}
			mcs--
		}
		if mcs < maxMcs {
			maxMcs = mcs
		}
	}
	if !any {
		return Recommendation{}, false
	}
	return Recommendation{Aggressor: aggressor, MaxMCS: maxMcs}, true
}

func clampMCSIndex(mcs int) int {
	if mcs < 0 {
		return 0
	}
	if mcs > len(kMcsToSnr)-1 {
		return len(kMcsToSnr) - 1
	}
	return mcs
}

func clampPower(p float64, lo, hi int32) int32 {
	v := int32(p)
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
