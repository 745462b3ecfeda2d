package scan

import (
	"github.com/terragraph-mesh/tgctl/internal/radio"
	"github.com/terragraph-mesh/tgctl/internal/rfstate"
)

// writeBackInLoop pushes a COMPLETE response's payload into the RF state
// store, per spec.md §4.E's ingestion rules. It must only run on the
// orchestrator's owning goroutine.
func (o *Orchestrator) writeBackInLoop(scan *Scan, responder radio.Mac, resp Resp) {
	switch scan.Type {
	case TypePBF:
		o.writeBackPBF(scan, responder, resp)
	case TypeIM:
		if scan.Mode == ModeRelative {
			o.writeBackRelIM(scan, responder, resp)
		} else {
			o.writeBackIM(scan, responder, resp)
		}
	}
}

func (o *Orchestrator) writeBackPBF(scan *Scan, responder radio.Mac, resp Resp) {
	if scan.TxNode == nil || len(scan.RxNodes) == 0 || resp.AzimuthBeam == nil {
		return
	}
	tx := *scan.TxNode
	rx := scan.RxNodes[0]
	link := rfstate.LinkKey{Tx: tx, Rx: rx}

	txResp, txOK := scan.Responses[tx]
	rxResp, rxOK := scan.Responses[rx]
	if responder == tx {
		txResp, txOK = resp, true
	} else {
		rxResp, rxOK = resp, true
	}
	if !txOK || !rxOK || txResp.AzimuthBeam == nil || rxResp.AzimuthBeam == nil {
		return
	}
	var txPower int32
	if txResp.TxPwrIndex != nil {
		txPower = *txResp.TxPwrIndex
	}
	o.rf.IngestPBF(rfstate.PBFIngest{
		Link:       link,
		AzimuthTx:  *txResp.AzimuthBeam,
		AzimuthRx:  *rxResp.AzimuthBeam,
		TxPower:    txPower,
		TxComplete: txResp.Status == StatusComplete,
		RxComplete: rxResp.Status == StatusComplete,
	})
}

func (o *Orchestrator) writeBackIM(scan *Scan, responder radio.Mac, resp Resp) {
	if scan.TxNode == nil {
		return
	}
	tx := *scan.TxNode
	if responder != tx {
		return
	}
	var txPwr int32
	if resp.TxPwrIndex != nil {
		txPwr = *resp.TxPwrIndex
	}
	routes := make([]rfstate.RouteSnr, 0, len(resp.RouteInfoList))
	for _, r := range resp.RouteInfoList {
		routes = append(routes, rfstate.RouteSnr{TxBeam: r.TxBeam, RxBeam: r.RxBeam, SnrEst: r.SnrEst})
	}
	for _, rx := range scan.RxNodes {
		o.rf.IngestIM(rfstate.IMIngest{
			Link:       rfstate.LinkKey{Tx: tx, Rx: rx},
			ScanID:     scan.BatchID,
			TxPwrIndex: txPwr,
			Complete:   resp.Status == StatusComplete,
			Routes:     routes,
		})
	}
}

// writeBackRelIM ingests a RELATIVE-mode IM response's cross-pair offsets.
// Each routeInfoList entry's SNR, minus the scan's tx power, is the
// offset_dB for one victim link; the matching beamInfoList entry (same
// index) names the victim's rx node, which is the identity RelIMOffset's
// cross-pair lookups key on.
//
// BeamInfo carries only a single Addr field, so the victim link's tx node
// cannot be distinguished from its rx node in the wire format this
// orchestrator models; only the rx node (the identity LA/TPC's INR
// estimate and CBF's aux-candidate lookup actually need) is recovered.
// The aggressor's own rx node, used as the route's grouping key, is taken
// from the scan's recorded rx nodes rather than from the response, since a
// RELATIVE scan targets the aggressor's existing link.
func (o *Orchestrator) writeBackRelIM(scan *Scan, responder radio.Mac, resp Resp) {
	if scan.TxNode == nil || responder != *scan.TxNode || resp.Status != StatusComplete {
		return
	}
	var arx radio.Mac
	if len(scan.RxNodes) > 0 {
		arx = scan.RxNodes[0]
	}
	var txPwr int32
	if resp.TxPwrIndex != nil {
		txPwr = *resp.TxPwrIndex
	}
	n := len(resp.RouteInfoList)
	if len(resp.BeamInfoList) < n {
		n = len(resp.BeamInfoList)
	}
	entries := make([]rfstate.RelImRoute, 0, n)
	for i := 0; i < n; i++ {
		vrx := resp.BeamInfoList[i].Addr
		offset := resp.RouteInfoList[i].SnrEst - float64(txPwr)
		entries = append(entries, rfstate.RelImRoute{TxLinkRxNode: arx, RxLinkTxNode: vrx, OffsetDB: offset})
	}
	if len(entries) > 0 {
		o.rf.IngestRelIM(*scan.TxNode, entries)
	}
}
