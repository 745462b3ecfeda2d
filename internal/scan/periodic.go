package scan

import (
	"context"
	"log/slog"
	"time"

	latpc "github.com/terragraph-mesh/tgctl/internal/la_tpc"
	"github.com/terragraph-mesh/tgctl/internal/radio"
	"github.com/terragraph-mesh/tgctl/internal/rfstate"
)

// DefaultImScanInterval is the cadence of the IM-only loop, per spec.md
// §4.F.5.
const DefaultImScanInterval = 30 * time.Second

// DefaultCombinedScanInterval is the cadence of the combined
// PBF/RTCAL/CBF/relative-IM loop, per spec.md §4.F.5.
const DefaultCombinedScanInterval = 5 * time.Minute

// defaultRtcalBwgdLen is the bwgd_len used for the periodic RTCAL and
// relative-IM passes; it must be a power of two in [2, 64] per Validate.
const defaultRtcalBwgdLen = 16

// LinkPair names a directed tx/rx pair to periodically re-scan.
type LinkPair struct {
	Tx, Rx radio.Mac
}

// PeriodicConfig tunes the periodic scan loops.
type PeriodicConfig struct {
	ImInterval       time.Duration
	CombinedInterval time.Duration

	// Links returns every known link adjacency, refreshed on each tick.
	Links func() []LinkPair

	// Classes returns the graph-coloring scheduler's latest color
	// classes: groups of radios that may scan concurrently without
	// mutual interference, per spec.md §4.D. When empty (colorer hasn't
	// run yet), classesOrSingleton falls back to one class per tx radio
	// so periodic scanning still makes progress.
	Classes func() [][]radio.Mac

	// Hearability returns extra responders a tx radio can hear beyond
	// its direct adjacency links, fanned into IM scan requests per
	// spec.md §4.F.5. Optional; nil means adjacency-only fan-out.
	Hearability func(tx radio.Mac) []radio.Mac

	RF          *rfstate.Store
	CbfStore    *CbfStore
	CbfParams   CbfParams
	LaTpcParams latpc.Params

	// OnLaTpcRecommendation, if set, is called with every computed
	// max-MCS recommendation once a link's relative-IM group completes.
	OnLaTpcRecommendation func(latpc.Recommendation)
}

func (c PeriodicConfig) withDefaults() PeriodicConfig {
	if c.ImInterval == 0 {
		c.ImInterval = DefaultImScanInterval
	}
	if c.CombinedInterval == 0 {
		c.CombinedInterval = DefaultCombinedScanInterval
	}
	if c.Links == nil {
		c.Links = func() []LinkPair { return nil }
	}
	if c.Classes == nil {
		c.Classes = func() [][]radio.Mac { return nil }
	}
	if c.CbfParams == (CbfParams{}) {
		c.CbfParams = DefaultCbfParams(0)
	}
	if c.LaTpcParams == (latpc.Params{}) {
		c.LaTpcParams = latpc.DefaultParams()
	}
	return c
}

// RunPeriodicScans drives both the IM-only loop and the combined
// PBF/RTCAL/CBF/relative-IM loop on their independent tickers, per spec.md
// §4.F.5. Each color class's radios are scanned concurrently within a
// phase; phases run in the fixed order the algorithm specifies.
func RunPeriodicScans(ctx context.Context, log *slog.Logger, o *Orchestrator, cfg PeriodicConfig) {
	cfg = cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	imTicker := time.NewTicker(cfg.ImInterval)
	defer imTicker.Stop()
	combinedTicker := time.NewTicker(cfg.CombinedInterval)
	defer combinedTicker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-imTicker.C:
			for _, class := range classesOrSingleton(cfg) {
				runImBatch(ctx, log, o, cfg, class)
			}
		case <-combinedTicker.C:
			for _, class := range classesOrSingleton(cfg) {
				runCombinedBatch(ctx, log, o, cfg, class)
			}
		}
	}
}

// classesOrSingleton returns the configured color classes, or one
// single-radio class per known tx radio if the colorer has not produced any
// yet, so periodic scanning still runs (serialized) before the first
// recolor.
func classesOrSingleton(cfg PeriodicConfig) [][]radio.Mac {
	classes := cfg.Classes()
	if len(classes) > 0 {
		return classes
	}
	seen := make(map[radio.Mac]struct{})
	var out [][]radio.Mac
	for _, l := range cfg.Links() {
		if _, ok := seen[l.Tx]; ok {
			continue
		}
		seen[l.Tx] = struct{}{}
		out = append(out, []radio.Mac{l.Tx})
	}
	return out
}

func linksInClass(links []LinkPair, class []radio.Mac) []LinkPair {
	members := make(map[radio.Mac]struct{}, len(class))
	for _, m := range class {
		members[m] = struct{}{}
	}
	var out []LinkPair
	for _, l := range links {
		if _, ok := members[l.Tx]; ok {
			out = append(out, l)
		}
	}
	return out
}

// runImBatch launches one COARSE IM scan per radio in class, fanned out to
// every adjacency rx plus any hearability neighbors, and waits for every
// launched scan to finalize before returning.
func runImBatch(ctx context.Context, log *slog.Logger, o *Orchestrator, cfg PeriodicConfig, class []radio.Mac) {
	links := linksInClass(cfg.Links(), class)
	byTx := make(map[radio.Mac][]radio.Mac)
	for _, l := range links {
		byTx[l.Tx] = append(byTx[l.Tx], l.Rx)
	}
	var tokens []uint64
	for tx, rxs := range byTx {
		if cfg.Hearability != nil {
			rxs = append(append([]radio.Mac{}, rxs...), cfg.Hearability(tx)...)
		}
		if len(rxs) == 0 {
			continue
		}
		tx := tx
		scan, err := o.StartScan(ctx, &Request{Type: TypeIM, Mode: ModeCoarse, StartTime: time.Now().Unix(), TxNode: &tx, RxNodes: rxs})
		if err != nil {
			log.Warn("periodic im scan failed", slog.String("tx", tx.String()), slog.Any("err", err))
			continue
		}
		tokens = append(tokens, scan.Token)
	}
	awaitAll(ctx, o, tokens)
}

// runCombinedBatch implements spec.md §4.F.5's combined-loop ordering:
// PBF, RTCAL, a CBF config refresh if the RF state store is dirty, CBF_TX,
// CBF_RX, IM, and a RELATIVE-mode IM pass that feeds the LA/TPC max-MCS
// trigger once each link's victim group completes.
func runCombinedBatch(ctx context.Context, log *slog.Logger, o *Orchestrator, cfg PeriodicConfig, class []radio.Mac) {
	links := linksInClass(cfg.Links(), class)
	if len(links) == 0 {
		return
	}

	runPbfRound(ctx, log, o, links)
	runRtcalRound(ctx, log, o, links)

	if cfg.CbfStore != nil && cfg.RF != nil && cfg.RF.Dirty() {
		refreshCbfConfigs(cfg, links)
		cfg.RF.MarkClean()
	}
	if cfg.CbfStore != nil {
		runCbfRound(ctx, log, o, cfg, links)
	}

	runImBatch(ctx, log, o, cfg, class)
	runRelativeImRound(ctx, log, o, cfg, links)
}

func runPbfRound(ctx context.Context, log *slog.Logger, o *Orchestrator, links []LinkPair) {
	var tokens []uint64
	for _, l := range links {
		l := l
		scan, err := o.StartScan(ctx, &Request{Type: TypePBF, Mode: ModeCoarse, StartTime: time.Now().Unix(), TxNode: &l.Tx, RxNodes: []radio.Mac{l.Rx}})
		if err != nil {
			log.Warn("periodic pbf scan failed", slog.String("tx", l.Tx.String()), slog.String("rx", l.Rx.String()), slog.Any("err", err))
			continue
		}
		tokens = append(tokens, scan.Token)
	}
	awaitAll(ctx, o, tokens)
}

func runRtcalRound(ctx context.Context, log *slog.Logger, o *Orchestrator, links []LinkPair) {
	bwgdLen := uint32(defaultRtcalBwgdLen)
	var tokens []uint64
	for _, l := range links {
		l := l
		scan, err := o.StartScan(ctx, &Request{
			Type: TypeRTCAL, Mode: ModeSelective, StartTime: time.Now().Unix(),
			TxNode: &l.Tx, RxNodes: []radio.Mac{l.Rx}, BwgdLen: &bwgdLen,
		})
		if err != nil {
			log.Warn("periodic rtcal scan failed", slog.String("tx", l.Tx.String()), slog.Any("err", err))
			continue
		}
		tokens = append(tokens, scan.Token)
	}
	awaitAll(ctx, o, tokens)
}

// refreshCbfConfigs regenerates a CBF config for every link in links,
// treating every other link in the same class as a candidate auxiliary.
func refreshCbfConfigs(cfg PeriodicConfig, links []LinkPair) {
	for _, main := range links {
		var candidates []AuxCandidate
		for _, aux := range links {
			if aux == main {
				continue
			}
			candidates = append(candidates, AuxCandidate{Tx: aux.Tx, Rx: aux.Rx})
		}
		if cc, ok := GenerateCbfConfig(cfg.RF, cfg.CbfParams, main.Tx, main.Rx, candidates); ok {
			cfg.CbfStore.Set(cc)
		}
	}
}

func runCbfRound(ctx context.Context, log *slog.Logger, o *Orchestrator, cfg PeriodicConfig, links []LinkPair) {
	var tokens []uint64
	for _, l := range links {
		cc, ok := cfg.CbfStore.Get(CbfKey{MainTx: l.Tx, MainRx: l.Rx})
		if !ok || len(cc.AuxTx) == 0 {
			continue
		}
		mainTx, mainRx := l.Tx, l.Rx
		txPwr := cc.TxPwrIndex
		beamIdx := int32(cc.NullBeam)
		for _, typ := range []Type{TypeCBFTx, TypeCBFRx} {
			scan, err := o.StartScan(ctx, &Request{
				Type: typ, Mode: ModeFine, StartTime: time.Now().Unix(),
				MainTxNode: &mainTx, MainRxNode: &mainRx,
				AuxTxNodes: cc.AuxTx, AuxRxNodes: cc.AuxRx,
				TxPwrIndex: &txPwr, AuxTxPwrIndex: cc.AuxTxPwrIndex,
				CbfBeamIdx: &beamIdx,
			})
			if err != nil {
				log.Warn("periodic cbf scan failed", slog.String("main_tx", mainTx.String()), slog.Any("type", typ), slog.Any("err", err))
				continue
			}
			tokens = append(tokens, scan.Token)
		}
	}
	awaitAll(ctx, o, tokens)
}

// runRelativeImRound launches a RELATIVE-mode IM scan per link, waits for
// each to finalize, and triggers the LA/TPC max-MCS recommendation for the
// link once its victim group (every other link in the class) is known.
func runRelativeImRound(ctx context.Context, log *slog.Logger, o *Orchestrator, cfg PeriodicConfig, links []LinkPair) {
	bwgdLen := uint32(defaultRtcalBwgdLen)
	var tokens []uint64
	for _, l := range links {
		l := l
		scan, err := o.StartScan(ctx, &Request{
			Type: TypeIM, Mode: ModeRelative, StartTime: time.Now().Unix(),
			TxNode: &l.Tx, RxNodes: []radio.Mac{l.Rx}, BwgdLen: &bwgdLen,
		})
		if err != nil {
			log.Warn("periodic relative im scan failed", slog.String("tx", l.Tx.String()), slog.Any("err", err))
			continue
		}
		tokens = append(tokens, scan.Token)
	}
	awaitAll(ctx, o, tokens)

	if cfg.RF == nil {
		return
	}
	for _, l := range links {
		var victims []latpc.Link
		for _, v := range links {
			if v == l {
				continue
			}
			victims = append(victims, latpc.Link{Tx: v.Tx, Rx: v.Rx})
		}
		rec, ok := latpc.Recommend(cfg.RF, latpc.Link{Tx: l.Tx, Rx: l.Rx}, victims, cfg.LaTpcParams)
		if !ok {
			continue
		}
		if cfg.OnLaTpcRecommendation != nil {
			cfg.OnLaTpcRecommendation(rec)
		}
	}
}

// awaitAll blocks until every token in tokens has finalized or ctx is
// cancelled.
func awaitAll(ctx context.Context, o *Orchestrator, tokens []uint64) {
	for _, tok := range tokens {
		awaitFinalized(ctx, o, tok)
	}
}

// awaitFinalized polls a scan's status until it finalizes or ctx ends.
func awaitFinalized(ctx context.Context, o *Orchestrator, token uint64) (*Scan, bool) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, false
		case <-ticker.C:
			scan, ok := o.GetScanStatus(ctx, token)
			if !ok {
				return nil, false
			}
			if scan.Finalized {
				return scan, true
			}
		}
	}
}

// String names a scan type for logging, matching the wire subType naming.
func (t Type) String() string {
	switch t {
	case TypePBF:
		return "PBF"
	case TypeIM:
		return "IM"
	case TypeRTCAL:
		return "RTCAL"
	case TypeCBFTx:
		return "CBF_TX"
	case TypeCBFRx:
		return "CBF_RX"
	case TypeTOPO:
		return "TOPO"
	case TypeTestUpdAwv:
		return "TEST_UPD_AWV"
	default:
		return "UNKNOWN"
	}
}
