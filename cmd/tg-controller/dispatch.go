package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/terragraph-mesh/tgctl/internal/broker"
	"github.com/terragraph-mesh/tgctl/internal/colorer"
	latpc "github.com/terragraph-mesh/tgctl/internal/la_tpc"
	"github.com/terragraph-mesh/tgctl/internal/maintenance"
	"github.com/terragraph-mesh/tgctl/internal/metrics"
	"github.com/terragraph-mesh/tgctl/internal/radio"
	"github.com/terragraph-mesh/tgctl/internal/rfstate"
	"github.com/terragraph-mesh/tgctl/internal/scan"
	"github.com/terragraph-mesh/tgctl/internal/scheduler"
	"github.com/terragraph-mesh/tgctl/internal/slotmap"
)

// recolorInterval is how often the dispatcher recomputes scan-group color
// assignment from the links the RF state store has observed so far.
const recolorInterval = 2 * time.Minute

// rfTopology adapts the RF state store's tracked links into a
// colorer.Topology. Site location isn't tracked by the RF state store
// (out of its scope, spec.md §1), so every radio reports the same
// (0,0) site; the hearability graph this produces is permissive (every
// tracked pair is "close enough"), which only matters once a real
// topology/site source is wired in.
type rfTopology struct {
	rf *rfstate.Store
}

func (t rfTopology) RadioMacs() []radio.Mac {
	seen := make(map[radio.Mac]struct{})
	var macs []radio.Mac
	for _, lk := range t.rf.SortedLinkKeys() {
		for _, m := range [2]radio.Mac{lk.Tx, lk.Rx} {
			if _, ok := seen[m]; !ok {
				seen[m] = struct{}{}
				macs = append(macs, m)
			}
		}
	}
	return macs
}

func (t rfTopology) WirelessLink(a, b radio.Mac) bool {
	_, fwd := t.rf.LinkState(rfstate.LinkKey{Tx: a, Rx: b})
	_, rev := t.rf.LinkState(rfstate.LinkKey{Tx: b, Rx: a})
	return fwd || rev
}

func (t rfTopology) SiteOf(radio.Mac) colorer.Site {
	return colorer.Site{}
}

// dispatcher drains envelopes addressed to "tg-controller" and routes them
// to the scheduler, scan orchestrator, or RF state store, per spec.md §6's
// GetSlotMapConfig/SetSlotMapConfig/StartScan/GetScanStatus/ScanResp/
// StatusReport message set.
type dispatcher struct {
	log         *slog.Logger
	sched       *scheduler.Scheduler
	orch        *scan.Orchestrator
	rf          *rfstate.Store
	color       *colorer.Colorer
	cbf         *scan.CbfStore
	metrics     *metrics.Metrics
	bus         broker.Dispatcher
	maintenance *maintenance.State

	classesMu sync.Mutex
	classes   [][]radio.Mac
}

func newDispatcher(log *slog.Logger, sched *scheduler.Scheduler, orch *scan.Orchestrator, rf *rfstate.Store, color *colorer.Colorer, cbf *scan.CbfStore, m *metrics.Metrics, bus broker.Dispatcher, maint *maintenance.State) *dispatcher {
	return &dispatcher{log: log, sched: sched, orch: orch, rf: rf, color: color, cbf: cbf, metrics: m, bus: bus, maintenance: maint}
}

// Links returns every link the RF state store has observed, for the
// periodic scan loops' topology view.
func (d *dispatcher) Links() []scan.LinkPair {
	keys := d.rf.SortedLinkKeys()
	out := make([]scan.LinkPair, 0, len(keys))
	for _, k := range keys {
		out = append(out, scan.LinkPair{Tx: k.Tx, Rx: k.Rx})
	}
	return out
}

// Classes returns the color classes from the most recent recolor pass.
func (d *dispatcher) Classes() [][]radio.Mac {
	d.classesMu.Lock()
	defer d.classesMu.Unlock()
	return d.classes
}

func (d *dispatcher) run(ctx context.Context) {
	inbox := d.bus.Subscribe("tg-controller")
	recolor := time.NewTicker(recolorInterval)
	defer recolor.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-inbox:
			d.handle(ctx, env)
		case <-recolor.C:
			d.recolor()
		}
	}
}

// recolor recomputes scan-group color assignment over every link the RF
// state store has observed and logs the resulting color classes; a future
// envelope type would push this assignment out to minions.
func (d *dispatcher) recolor() {
	result := d.color.Color(rfTopology{rf: d.rf})
	d.classesMu.Lock()
	d.classes = result.Classes
	d.classesMu.Unlock()
	d.log.Info("recomputed scan-group coloring", slog.Int("numClasses", len(result.Classes)))
}

func (d *dispatcher) handle(ctx context.Context, env broker.Envelope) {
	switch env.Type {
	case broker.MsgGetSlotMapConfig:
		cfg, err := d.sched.GetConfig(ctx)
		if err != nil {
			d.log.Warn("GetSlotMapConfig failed", slog.Any("error", err))
			return
		}
		d.reply(ctx, env, broker.MsgSlotMapConfig, cfg)

	case broker.MsgSetSlotMapConfig:
		var cfg slotmap.Config
		if err := json.Unmarshal(env.Value, &cfg); err != nil {
			d.log.Warn("SetSlotMapConfig: bad payload", slog.Any("error", err))
			return
		}
		if err := d.sched.SetConfig(ctx, cfg); err != nil {
			d.log.Warn("SetSlotMapConfig failed", slog.Any("error", err))
		}

	case broker.MsgStartScan:
		if d.maintenance != nil && d.maintenance.IsEnabled() {
			d.log.Debug("StartScan refused: node is in maintenance mode")
			if d.metrics != nil {
				d.metrics.ScansFinalized.WithLabelValues("rejected").Inc()
			}
			return
		}
		var req scan.Request
		if err := json.Unmarshal(env.Value, &req); err != nil {
			d.log.Warn("StartScan: bad payload", slog.Any("error", err))
			return
		}
		result, err := d.orch.StartScan(ctx, &req)
		if err != nil {
			d.log.Warn("StartScan failed", slog.Any("error", err))
			if d.metrics != nil {
				d.metrics.ScansFinalized.WithLabelValues("rejected").Inc()
			}
			return
		}
		if d.metrics != nil {
			d.metrics.ScansStarted.WithLabelValues(req.Type.String()).Inc()
		}
		d.reply(ctx, env, broker.MsgScanStatus, result)

	case broker.MsgGetScanStatus:
		var q struct{ Token uint64 }
		if err := json.Unmarshal(env.Value, &q); err != nil {
			d.log.Warn("GetScanStatus: bad payload", slog.Any("error", err))
			return
		}
		result, ok := d.orch.GetScanStatus(ctx, q.Token)
		if !ok {
			return
		}
		d.reply(ctx, env, broker.MsgScanStatus, result)

	case broker.MsgScanResp:
		var payload struct {
			Responder radio.Mac
			Token     uint64
			Resp      scan.Resp
		}
		if err := json.Unmarshal(env.Value, &payload); err != nil {
			d.log.Warn("ScanResp: bad payload", slog.Any("error", err))
			return
		}
		if err := d.orch.IngestResponse(ctx, payload.Responder, payload.Token, payload.Resp); err != nil {
			d.log.Warn("IngestResponse failed", slog.Any("error", err))
		}

	case broker.MsgStatusReport:
		if d.metrics != nil {
			d.metrics.RfLinksTracked.Set(float64(len(d.rf.SortedLinkKeys())))
		}
		d.log.Debug("status report received", slog.String("minion", env.MinionID))

	case broker.MsgGetRfState:
		d.reply(ctx, env, broker.MsgRfState, d.rf.Get())

	case broker.MsgSetRfState:
		var snap rfstate.Snapshot
		if err := json.Unmarshal(env.Value, &snap); err != nil {
			d.log.Warn("SetRfState: bad payload", slog.Any("error", err))
			return
		}
		d.rf.Set(snap)

	case broker.MsgResetRfState:
		d.rf.Reset()

	case broker.MsgGetCbfConfig:
		if d.cbf == nil {
			return
		}
		d.reply(ctx, env, broker.MsgCbfConfig, d.cbf.All())

	case broker.MsgSetCbfConfig:
		if d.cbf == nil {
			return
		}
		var cfg scan.CbfConfig
		if err := json.Unmarshal(env.Value, &cfg); err != nil {
			d.log.Warn("SetCbfConfig: bad payload", slog.Any("error", err))
			return
		}
		d.cbf.Set(cfg)

	case broker.MsgResetCbfConfig:
		if d.cbf != nil {
			d.cbf.Reset()
		}

	case broker.MsgSetLaTpcParams:
		var payload struct {
			Aggressor scan.LinkPair
			Victims   []scan.LinkPair
			Params    latpc.Params
		}
		if err := json.Unmarshal(env.Value, &payload); err != nil {
			d.log.Warn("SetLaTpcParams: bad payload", slog.Any("error", err))
			return
		}
		victims := make([]latpc.Link, 0, len(payload.Victims))
		for _, v := range payload.Victims {
			victims = append(victims, latpc.Link{Tx: v.Tx, Rx: v.Rx})
		}
		rec, ok := latpc.Recommend(d.rf, latpc.Link{Tx: payload.Aggressor.Tx, Rx: payload.Aggressor.Rx}, victims, payload.Params)
		if !ok {
			d.log.Debug("SetLaTpcParams: no recommendation (relative-IM not yet available)")
			return
		}
		d.reply(ctx, env, broker.MsgSetLaTpcParams, rec)

	default:
		d.log.Debug("unhandled envelope type", slog.String("type", string(env.Type)))
	}
}

func (d *dispatcher) reply(ctx context.Context, req broker.Envelope, msgType broker.MessageType, payload any) {
	value, err := json.Marshal(payload)
	if err != nil {
		d.log.Warn("failed to marshal reply", slog.Any("error", err))
		return
	}
	reply := broker.Envelope{
		MinionID:    req.MinionID,
		ReceiverApp: req.SenderApp,
		SenderApp:   "tg-controller",
		Type:        msgType,
		Value:       value,
	}
	if err := d.bus.Send(ctx, reply); err != nil {
		d.log.Warn("failed to send reply", slog.Any("error", err))
	}
}
