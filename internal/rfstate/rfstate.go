// Package rfstate is the RF state store: the single per-controller registry
// of per-link beam/power/TX-RX-coupling state and per-pair interference
// data, updated as scan responses are ingested and consumed by LA/TPC and
// CBF config generation.
package rfstate

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/terragraph-mesh/tgctl/internal/radio"
)

// LinkKey is an ordered (tx, rx) radio pair.
type LinkKey struct {
	Tx, Rx radio.Mac
}

// MarshalText implements encoding.TextMarshaler, so a LinkKey can be used
// as a JSON object key (RF state snapshots are exchanged as JSON over the
// broker, per spec.md §6's get_rf_state/set_rf_state).
func (k LinkKey) MarshalText() ([]byte, error) {
	return []byte(k.Tx.String() + ">" + k.Rx.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *LinkKey) UnmarshalText(text []byte) error {
	tx, rx, ok := strings.Cut(string(text), ">")
	if !ok {
		return fmt.Errorf("rfstate: invalid link key %q: want tx>rx", text)
	}
	txMac, err := radio.ParseMac(tx)
	if err != nil {
		return err
	}
	rxMac, err := radio.ParseMac(rx)
	if err != nil {
		return err
	}
	k.Tx, k.Rx = txMac, rxMac
	return nil
}

// BeamPair is a (txBeam, rxBeam) pair. Beam indices are fixed at 16 bits per
// the design note resolving the getBeamKey ambiguity in the original source
// (spec.md §9(c)).
type BeamPair struct {
	TxBeam, RxBeam uint16
}

// Key packs the pair into the 32-bit form used by the original
// implementation's getBeamKey, now explicitly 16-bit-per-field.
func (b BeamPair) Key() uint32 {
	return uint32(b.RxBeam)<<16 | uint32(b.TxBeam)
}

// LinkState is the per-ordered-pair beam/power state written by PBF
// responses (or synthesized from IM data).
type LinkState struct {
	TxBeam, RxBeam uint16
	TxPower        int32
}

// ImData is the interference-measurement aggregate for one tx radio's scan:
// best beam pair plus a per-beam-pair pathloss-like offset in dB.
type ImData struct {
	ScanID     string
	ScanPower  int32
	BestTx     uint16
	BestRx     uint16
	Routes     map[BeamPair]float64 // offset_dB
	routeCount int
}

// RelImRoute is one entry of a relative-IM cross-pair offset table, keyed by
// the ordered (txMac, rxMac) of each of the two links being compared.
type RelImRoute struct {
	TxLinkRxNode radio.Mac
	RxLinkTxNode radio.Mac
	OffsetDB     float64
}

// RelImData is the per-(txMac,rxMac) relative-IM record consumed by LA/TPC.
type RelImData struct {
	Routes map[radio.Mac]map[radio.Mac]float64 // [txLinkRxNode][rxLinkTxNode] -> offset_dB
}

// PBFIngest is the data needed to ingest one PBF result: a COMPLETE response
// from both tx and rx sides of a link.
type PBFIngest struct {
	Link       LinkKey
	AzimuthTx  uint16 // tx azimuthBeam
	AzimuthRx  uint16 // rx azimuthBeam
	TxPower    int32
	TxComplete bool
	RxComplete bool
}

// RouteSnr is one routeInfoList entry used for IM ingestion.
type RouteSnr struct {
	TxBeam, RxBeam uint16
	SnrEst         float64
}

// IMIngest is the data needed to ingest one IM result.
type IMIngest struct {
	Link       LinkKey
	ScanID     string
	TxPwrIndex int32
	Complete   bool
	Routes     []RouteSnr
	Override   bool // force overwrite even if existing data looks better
}

// Store is the RF state registry. All methods are safe for concurrent use.
type Store struct {
	mu        sync.RWMutex
	linkState map[LinkKey]LinkState
	im        map[LinkKey]*ImData
	relIm     map[radio.Mac]*RelImData
	dirty     bool
}

// New returns an empty store.
func New() *Store {
	return &Store{
		linkState: make(map[LinkKey]LinkState),
		im:        make(map[LinkKey]*ImData),
		relIm:     make(map[radio.Mac]*RelImData),
	}
}

// IngestPBF writes {txBeam, rxBeam, txPower} under the ordered link key, per
// spec.md §4.E: requires a COMPLETE response from both tx and rx with
// azimuthBeam present and a tx power from the tx side.
func (s *Store) IngestPBF(in PBFIngest) bool {
	if !in.TxComplete || !in.RxComplete {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.linkState[in.Link] = LinkState{TxBeam: in.AzimuthTx, RxBeam: in.AzimuthRx, TxPower: in.TxPower}
	s.dirty = true
	return true
}

// IngestIM aggregates per-(txBeam,rxBeam) averaged SNR across routes,
// computes offset = avg - txPower, and records the best beam pair. Mutation
// rule: if an existing record at the same key has a higher scanPower AND
// strictly more routes, the new data is discarded unless Override is set.
func (s *Store) IngestIM(in IMIngest) bool {
	if !in.Complete {
		return false
	}
	sums := make(map[BeamPair]float64)
	counts := make(map[BeamPair]int)
	for _, r := range in.Routes {
		bp := BeamPair{TxBeam: r.TxBeam, RxBeam: r.RxBeam}
		sums[bp] += r.SnrEst
		counts[bp]++
	}
	routes := make(map[BeamPair]float64, len(sums))
	var bestBp BeamPair
	bestAvg := -1e18
	for bp, sum := range sums {
		avg := sum / float64(counts[bp])
		offset := avg - float64(in.TxPwrIndex)
		routes[bp] = offset
		if avg > bestAvg {
			bestAvg = avg
			bestBp = bp
		}
	}
	newData := &ImData{
		ScanID:     in.ScanID,
		ScanPower:  in.TxPwrIndex,
		BestTx:     bestBp.TxBeam,
		BestRx:     bestBp.RxBeam,
		Routes:     routes,
		routeCount: len(routes),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.im[in.Link]; ok && !in.Override {
		if existing.ScanPower > newData.ScanPower && existing.routeCount > newData.routeCount {
			return false
		}
	}
	s.im[in.Link] = newData
	s.dirty = true
	return true
}

// IngestRelIM records each entry's precomputed cross-pair offset (OffsetDB)
// in relIm under txMac, keyed by (TxLinkRxNode, RxLinkTxNode), overwriting
// any earlier value for the same pair. Computing the offsets from the scan
// responses is left to the caller.
func (s *Store) IngestRelIM(txMac radio.Mac, entries []RelImRoute) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rel, ok := s.relIm[txMac]
	if !ok {
		rel = &RelImData{Routes: make(map[radio.Mac]map[radio.Mac]float64)}
		s.relIm[txMac] = rel
	}
	for _, e := range entries {
		inner, ok := rel.Routes[e.TxLinkRxNode]
		if !ok {
			inner = make(map[radio.Mac]float64)
			rel.Routes[e.TxLinkRxNode] = inner
		}
		inner[e.RxLinkTxNode] = e.OffsetDB
	}
	s.dirty = true
}

// SynthesizeLinkState promotes the best IM beams to a synthetic link state
// when the real link state for a topology link is missing, using
// cbfMaxTxPwr as the synthetic tx power.
func (s *Store) SynthesizeLinkState(link LinkKey, cbfMaxTxPwr int32) (LinkState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.linkState[link]; ok {
		return LinkState{}, false
	}
	im, ok := s.im[link]
	if !ok {
		return LinkState{}, false
	}
	ls := LinkState{TxBeam: im.BestTx, RxBeam: im.BestRx, TxPower: cbfMaxTxPwr}
	s.linkState[link] = ls
	s.dirty = true
	return ls, true
}

// LinkState returns the stored link state for a pair, if any.
func (s *Store) LinkState(link LinkKey) (LinkState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ls, ok := s.linkState[link]
	return ls, ok
}

// IM returns the stored IM data for a link, if any.
func (s *Store) IM(link LinkKey) (ImData, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	im, ok := s.im[link]
	if !ok {
		return ImData{}, false
	}
	return *im, true
}

// RelIMOffset looks up the ATX->VRX offset used by LA/TPC.
func (s *Store) RelIMOffset(atx, vrx radio.Mac) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rel, ok := s.relIm[atx]
	if !ok {
		return 0, false
	}
	for _, inner := range rel.Routes {
		if v, ok := inner[vrx]; ok {
			return v, true
		}
	}
	return 0, false
}

// Dirty reports whether the store has unflushed changes since the last
// MarkClean, used to gate CBF config regeneration.
func (s *Store) Dirty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dirty
}

// MarkClean clears the dirty flag.
func (s *Store) MarkClean() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirty = false
}

// Reset drops all stored state, matching reset_rf_state().
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.linkState = make(map[LinkKey]LinkState)
	s.im = make(map[LinkKey]*ImData)
	s.relIm = make(map[radio.Mac]*RelImData)
	s.dirty = false
}

// Snapshot is the entire serializable store contents, returned by
// GetRfState and accepted by SetRfState.
type Snapshot struct {
	LinkState map[LinkKey]LinkState
	IM        map[LinkKey]ImData
	RelIM     map[radio.Mac]RelImData
}

// Get returns a deep copy of the store for GetRfState.
func (s *Store) Get() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		LinkState: make(map[LinkKey]LinkState, len(s.linkState)),
		IM:        make(map[LinkKey]ImData, len(s.im)),
		RelIM:     make(map[radio.Mac]RelImData, len(s.relIm)),
	}
	for k, v := range s.linkState {
		snap.LinkState[k] = v
	}
	for k, v := range s.im {
		snap.IM[k] = *v
	}
	for k, v := range s.relIm {
		routes := make(map[radio.Mac]map[radio.Mac]float64, len(v.Routes))
		for outer, inner := range v.Routes {
			innerCp := make(map[radio.Mac]float64, len(inner))
			for k2, v2 := range inner {
				innerCp[k2] = v2
			}
			routes[outer] = innerCp
		}
		snap.RelIM[k] = RelImData{Routes: routes}
	}
	return snap
}

// Set replaces the store contents wholesale, for SetRfState(state).
func (s *Store) Set(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.linkState = make(map[LinkKey]LinkState, len(snap.LinkState))
	for k, v := range snap.LinkState {
		s.linkState[k] = v
	}
	s.im = make(map[LinkKey]*ImData, len(snap.IM))
	for k, v := range snap.IM {
		cp := v
		s.im[k] = &cp
	}
	s.relIm = make(map[radio.Mac]*RelImData, len(snap.RelIM))
	for k, v := range snap.RelIM {
		routes := make(map[radio.Mac]map[radio.Mac]float64, len(v.Routes))
		for outer, inner := range v.Routes {
			innerCp := make(map[radio.Mac]float64, len(inner))
			for k2, v2 := range inner {
				innerCp[k2] = v2
			}
			routes[outer] = innerCp
		}
		s.relIm[k] = &RelImData{Routes: routes}
	}
	s.dirty = true
}

// SortedLinkKeys returns stored link keys in a stable order, useful for
// deterministic iteration in tests and config generation.
func (s *Store) SortedLinkKeys() []LinkKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]LinkKey, 0, len(s.linkState))
	for k := range s.linkState {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Tx != keys[j].Tx {
			return keys[i].Tx.String() < keys[j].Tx.String()
		}
		return keys[i].Rx.String() < keys[j].Rx.String()
	})
	return keys
}
