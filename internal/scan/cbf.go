package scan

import (
	"math"
	"sort"
	"sync"

	"github.com/terragraph-mesh/tgctl/internal/radio"
	"github.com/terragraph-mesh/tgctl/internal/rfstate"
)

// DefaultCbfMaxTxPwrIndex is the cbf_max_tx_pwr default of spec.md §10, the
// ceiling CBF config generation clamps to. It is distinct from a radio's
// firmware tx-power-index range; it is operator-configurable via
// ControllerFlags.CbfMaxTxPwrIndex.
const DefaultCbfMaxTxPwrIndex int32 = 21

// CbfParams tunes CBF config generation, per spec.md §4.F.6's cbf_* flags.
type CbfParams struct {
	MaxTxPwrIndex  int32
	TargetSnrDB    float64
	TargetInrDB    float64
	MinTargetSirDB float64
}

// DefaultCbfParams returns the spec.md-documented defaults, substituting
// DefaultCbfMaxTxPwrIndex for a non-positive ceiling.
func DefaultCbfParams(maxTxPwrIndex int32) CbfParams {
	if maxTxPwrIndex <= 0 {
		maxTxPwrIndex = DefaultCbfMaxTxPwrIndex
	}
	return CbfParams{
		MaxTxPwrIndex:  maxTxPwrIndex,
		TargetSnrDB:    20,
		TargetInrDB:    10,
		MinTargetSirDB: 3,
	}
}

func (p CbfParams) clamp(txPower float64) int32 {
	v := int32(math.Round(txPower))
	if v < 1 {
		return 1
	}
	if v > p.MaxTxPwrIndex {
		return p.MaxTxPwrIndex
	}
	return v
}

// CbfKey identifies one CBF configuration by its primary (main) link.
type CbfKey struct {
	MainTx, MainRx radio.Mac
}

// CbfConfig is one coordinated-beamforming (interference nulling)
// configuration: a primary link plus the auxiliary links it must avoid
// interfering with, per spec.md §4.F.6-7.
type CbfConfig struct {
	MainTx, MainRx radio.Mac
	AuxTx, AuxRx   []radio.Mac
	TxPwrIndex     int32
	AuxTxPwrIndex  []int32
	NullAngle      float64
	NullBeam       uint16
}

// CbfStore holds the generated/persisted CBF configurations, keyed by
// primary link. It is a separate map from the RF state store because CBF
// configs are write-through operator-settable configuration, not derived
// scan output.
type CbfStore struct {
	mu            sync.RWMutex
	configs       map[CbfKey]CbfConfig
	maxTxPwrIndex int32
}

// NewCbfStore returns an empty CBF store that clamps to maxTxPwrIndex (see
// DefaultCbfMaxTxPwrIndex for a non-positive value's fallback).
func NewCbfStore(maxTxPwrIndex int32) *CbfStore {
	if maxTxPwrIndex <= 0 {
		maxTxPwrIndex = DefaultCbfMaxTxPwrIndex
	}
	return &CbfStore{configs: make(map[CbfKey]CbfConfig), maxTxPwrIndex: maxTxPwrIndex}
}

// Get returns the stored CBF config for key, if any.
func (s *CbfStore) Get(key CbfKey) (CbfConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.configs[key]
	return c, ok
}

// All returns a snapshot of every stored CBF config.
func (s *CbfStore) All() []CbfConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]CbfConfig, 0, len(s.configs))
	for _, c := range s.configs {
		out = append(out, c)
	}
	return out
}

// Set stores (or replaces) a CBF config, applying the saturation fallback of
// spec.md §9(d) first.
func (s *CbfStore) Set(cfg CbfConfig) CbfConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	applySaturationFallback(&cfg, s.maxTxPwrIndex)
	s.configs[CbfKey{MainTx: cfg.MainTx, MainRx: cfg.MainRx}] = cfg
	return cfg
}

// Reset drops every stored CBF config, matching reset_cbf_config().
func (s *CbfStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs = make(map[CbfKey]CbfConfig)
}

// applySaturationFallback implements the resolution of Open Question (d):
// when the main tx power index exceeds the configured ceiling, only the
// primary aux link's
// power index is clamped down; every other aux link's power index is left
// untouched, on the grounds that the primary aux dominates interference at
// the main receiver and the remaining aux links' contributions are already
// small relative to it.
func applySaturationFallback(cfg *CbfConfig, ceiling int32) {
	if cfg.TxPwrIndex <= ceiling || len(cfg.AuxTxPwrIndex) == 0 {
		return
	}
	over := cfg.TxPwrIndex - ceiling
	cfg.AuxTxPwrIndex[0] -= over
	if cfg.AuxTxPwrIndex[0] < 0 {
		cfg.AuxTxPwrIndex[0] = 0
	}
}

// AuxCandidate names one candidate auxiliary (aggressor/victim) link
// considered during CBF config generation for some main link.
type AuxCandidate struct {
	Tx, Rx radio.Mac
}

// GenerateCbfConfig implements the power-assignment step of spec.md
// §4.F.6.5: given a main link with known IM data and a set of candidate aux
// links, it ranks the aux links by estimated interference at the main
// receiver (strongest first, matching the original's sorted aux set), then
// assigns main and aux tx power from the target-SNR/target-INR/min-SIR
// formula. It returns false if the main link has no IM route to derive an
// offset from, or no aux candidate has a usable IM route toward mainRx.
//
// Polarity and same-site exclusion (spec.md §4.F.6 steps 2-3) are not
// applied here: the RF state store tracks neither per-radio polarity nor
// site location (out of its scope), so every candidate with a usable IM
// route toward mainRx is treated as eligible. This mirrors the documented
// simplification already made by the scan-group colorer's topology adapter
// (cmd/tg-controller/dispatch.go's rfTopology).
func GenerateCbfConfig(rf *rfstate.Store, params CbfParams, mainTx, mainRx radio.Mac, candidates []AuxCandidate) (CbfConfig, bool) {
	mainKey := rfstate.LinkKey{Tx: mainTx, Rx: mainRx}
	mainIM, ok := rf.IM(mainKey)
	if !ok {
		return CbfConfig{}, false
	}
	mainBeams := rfstate.BeamPair{TxBeam: mainIM.BestTx, RxBeam: mainIM.BestRx}
	mainOffset, ok := mainIM.Routes[mainBeams]
	if !ok {
		return CbfConfig{}, false
	}

	type auxEntry struct {
		tx, rx   radio.Mac
		txPower  int32
		offsetDB float64
	}
	var aux []auxEntry
	for _, c := range candidates {
		if c.Tx == mainTx || c.Rx == mainRx {
			continue // P2MP: aggressor tx or victim rx coincides with the main link's own endpoint
		}
		auxState, ok := rf.LinkState(rfstate.LinkKey{Tx: c.Tx, Rx: c.Rx})
		if !ok {
			continue
		}
		inrIM, ok := rf.IM(rfstate.LinkKey{Tx: c.Tx, Rx: mainRx})
		if !ok {
			continue
		}
		offset, ok := inrIM.Routes[rfstate.BeamPair{TxBeam: auxState.TxBeam, RxBeam: mainIM.BestRx}]
		if !ok {
			continue
		}
		aux = append(aux, auxEntry{tx: c.Tx, rx: c.Rx, txPower: auxState.TxPower, offsetDB: offset})
	}
	if len(aux) == 0 {
		return CbfConfig{}, false
	}
	sort.Slice(aux, func(i, j int) bool {
		return aux[i].offsetDB+float64(aux[i].txPower) > aux[j].offsetDB+float64(aux[j].txPower)
	})

	mainTxPwr := params.clamp(params.TargetSnrDB - mainOffset)
	mainSnr := mainOffset + float64(mainTxPwr)
	targetInr := math.Min(params.TargetInrDB, mainSnr-params.MinTargetSirDB)

	auxTx := make([]radio.Mac, 0, len(aux))
	auxRx := make([]radio.Mac, 0, len(aux))
	auxPwr := make([]int32, 0, len(aux))
	var auxPwrOffsetDB float64
	for i, a := range aux {
		if i == 0 {
			auxPwrOffsetDB = float64(params.clamp(targetInr-a.offsetDB)) - float64(a.txPower)
		}
		auxTx = append(auxTx, a.tx)
		auxRx = append(auxRx, a.rx)
		auxPwr = append(auxPwr, params.clamp(float64(a.txPower)+auxPwrOffsetDB))
	}

	nullBeam := SelectNullingBeam(rf, mainTx, auxRx, candidateBeams(mainIM))
	return CbfConfig{
		MainTx:        mainTx,
		MainRx:        mainRx,
		AuxTx:         auxTx,
		AuxRx:         auxRx,
		TxPwrIndex:    mainTxPwr,
		AuxTxPwrIndex: auxPwr,
		NullBeam:      nullBeam,
	}, true
}

// candidateBeams returns the distinct tx beam indices im has routes for, in
// ascending order, used as the nulling-beam candidate set.
func candidateBeams(im rfstate.ImData) []uint16 {
	seen := make(map[uint16]struct{}, len(im.Routes))
	beams := make([]uint16, 0, len(im.Routes))
	for bp := range im.Routes {
		if _, ok := seen[bp.TxBeam]; !ok {
			seen[bp.TxBeam] = struct{}{}
			beams = append(beams, bp.TxBeam)
		}
	}
	sort.Slice(beams, func(i, j int) bool { return beams[i] < beams[j] })
	return beams
}

// SelectNullingBeam implements spec.md §4.F.7's simplified core: among
// candidate tx-beam indices for the primary tx, pick the one minimizing the
// aggregate IM offset toward every aux rx, reading per-beam-pair offsets
// from whatever IM data the RF state store has recorded for each
// (primaryTx, auxRx) link.
func SelectNullingBeam(rf *rfstate.Store, primaryTx radio.Mac, auxRx []radio.Mac, candidates []uint16) uint16 {
	if len(candidates) == 0 {
		return 0
	}
	best := candidates[0]
	bestScore := math.MaxFloat64
	for _, beam := range candidates {
		score := 0.0
		for _, rx := range auxRx {
			im, ok := rf.IM(rfstate.LinkKey{Tx: primaryTx, Rx: rx})
			if !ok {
				continue
			}
			for pair, offset := range im.Routes {
				if pair.TxBeam == beam {
					score += offset
				}
			}
		}
		if score < bestScore {
			bestScore = score
			best = beam
		}
	}
	return best
}
