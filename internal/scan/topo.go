package scan

import (
	"context"
	"log/slog"
	"time"

	"github.com/terragraph-mesh/tgctl/internal/radio"
)

// DefaultTopoScanInterval is the cadence of the continuous topology scan
// loop, per spec.md §4.I.
const DefaultTopoScanInterval = 2 * time.Minute

// TopoDiscoverer is notified whenever a topology scan discovers responders
// not already known to the topology, so the caller can feed them into
// ignition/provisioning.
type TopoDiscoverer interface {
	OnDiscovered(tx radio.Mac, responders []radio.Mac)
}

// TopoConfig tunes the continuous topology scan loop.
type TopoConfig struct {
	Interval  time.Duration
	TxRadios  func() []radio.Mac
	Discoverer TopoDiscoverer
}

func (c TopoConfig) withDefaults() TopoConfig {
	if c.Interval == 0 {
		c.Interval = DefaultTopoScanInterval
	}
	if c.TxRadios == nil {
		c.TxRadios = func() []radio.Mac { return nil }
	}
	return c
}

// RunTopoScans launches a TOPO scan from every configured tx radio on a
// fixed cadence, and forwards newly discovered responders to the
// TopoDiscoverer, per spec.md §4.I's continuous-discovery behavior.
func RunTopoScans(ctx context.Context, log *slog.Logger, o *Orchestrator, cfg TopoConfig) {
	cfg = cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, tx := range cfg.TxRadios() {
				launchTopo(ctx, log, o, cfg, tx)
			}
		}
	}
}

func launchTopo(ctx context.Context, log *slog.Logger, o *Orchestrator, cfg TopoConfig, tx radio.Mac) {
	req := &Request{
		Type:      TypeTOPO,
		Mode:      ModeCoarse,
		StartTime: time.Now().Unix(),
		TxNode:    &tx,
	}
	scan, err := o.StartScan(ctx, req)
	if err != nil {
		log.Warn("topo scan failed", slog.String("tx", tx.String()), slog.Any("err", err))
		return
	}
	if cfg.Discoverer == nil {
		return
	}
	go func() {
		o.awaitAndReportTopo(ctx, scan.Token, tx, cfg.Discoverer)
	}()
}

// awaitAndReportTopo polls for the topology scan's completion and reports
// discovered responders once it finalizes.
func (o *Orchestrator) awaitAndReportTopo(ctx context.Context, token uint64, tx radio.Mac, disc TopoDiscoverer) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			scan, ok := o.GetScanStatus(ctx, token)
			if !ok || !scan.Finalized {
				continue
			}
			var found []radio.Mac
			for _, resp := range scan.Responses {
				if resp.TopoInfo != nil {
					found = append(found, resp.TopoInfo.Responders...)
				}
			}
			if len(found) > 0 {
				disc.OnDiscovered(tx, found)
			}
			return
		}
	}
}
