package scan

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/terragraph-mesh/tgctl/internal/gpsclock"
	"github.com/terragraph-mesh/tgctl/internal/radio"
	"github.com/terragraph-mesh/tgctl/internal/rfstate"
	"github.com/terragraph-mesh/tgctl/internal/scheduler"
	"github.com/terragraph-mesh/tgctl/internal/tgerr"
)

// DefaultScanMaxResults is the retention cap on completed/timed-out scan
// records, per spec.md §4.F.4.
const DefaultScanMaxResults = 5000

// DefaultScansStartTimeOffset is how far ahead of a scan's wall-clock start
// the transport must deliver the command, per spec.md §4.G.
const DefaultScansStartTimeOffset = 5 * time.Second

// Transport delivers a launch command to the radios of a scan and reports
// delivery failure; the real implementation lives in internal/transport.
type Transport interface {
	SendScan(ctx context.Context, tx radio.Mac, rxs []radio.Mac, cmd LaunchCommand) error
}

// LaunchCommand is what gets handed to the transport for delivery.
type LaunchCommand struct {
	Token     uint64
	Type      Type
	Mode      Mode
	SubType   string
	StartBwgd uint64
	BwgdLen   uint32
	Beams     []BeamRange
	ApplyBwgd *uint64
}

type startReq struct {
	req   *Request
	reply chan startResult
}

type startResult struct {
	scan *Scan
	err  error
}

type respReq struct {
	responder radio.Mac
	token     uint64
	resp      Resp
	reply     chan error
}

type statusReq struct {
	token uint64
	reply chan statusResult
}

type statusResult struct {
	scan *Scan
	ok   bool
}

type resetStatusReq struct {
	reply chan struct{}
}

type statsReq struct {
	reply chan Stats
}

// Stats is a point-in-time snapshot of the orchestrator's in-memory scan
// table, surfaced over the node's /status endpoint.
type Stats struct {
	TrackedScans int
	InFlight     int // started but not yet Finalized
	TimedOut     int
}

// Orchestrator is the scan orchestrator actor: launches scans through the
// slot scheduler and a Transport, aggregates responses, and writes results
// into the RF state store.
type Orchestrator struct {
	log       *slog.Logger
	sched     *scheduler.Scheduler
	rf        *rfstate.Store
	transport Transport

	startCh       chan startReq
	respCh        chan respReq
	statusCh      chan statusReq
	resetStatusCh chan resetStatusReq
	statsCh       chan statsReq

	maxResults int

	// state below is owned exclusively by the goroutine running Run.
	scans     map[uint64]*Scan
	order     []uint64 // insertion order, oldest first, for eviction
	tokenSeq  uint64
	respIDSeq uint64
}

// New constructs an Orchestrator.
func New(log *slog.Logger, sched *scheduler.Scheduler, rf *rfstate.Store, transport Transport) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		log:           log,
		sched:         sched,
		rf:            rf,
		transport:     transport,
		startCh:       make(chan startReq),
		respCh:        make(chan respReq),
		statusCh:      make(chan statusReq),
		resetStatusCh: make(chan resetStatusReq),
		statsCh:       make(chan statsReq),
		maxResults:    DefaultScanMaxResults,
		scans:         make(map[uint64]*Scan),
	}
}

// Run drives the orchestrator's event loop until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) {
	sweep := time.NewTicker(time.Second)
	defer sweep.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-o.startCh:
			scan, err := o.startScanInLoop(ctx, r.req)
			r.reply <- startResult{scan: scan, err: err}
		case r := <-o.respCh:
			r.reply <- o.ingestResponseInLoop(r.responder, r.token, r.resp)
		case r := <-o.statusCh:
			scan, ok := o.scans[r.token]
			r.reply <- statusResult{scan: scan, ok: ok}
		case r := <-o.resetStatusCh:
			o.scans = make(map[uint64]*Scan)
			o.order = nil
			r.reply <- struct{}{}
		case r := <-o.statsCh:
			r.reply <- o.statsInLoop()
		case <-sweep.C:
			o.sweepTimeoutsInLoop()
		}
	}
}

// StartScan validates and launches a scan, per spec.md §4.F.2-3.
func (o *Orchestrator) StartScan(ctx context.Context, req *Request) (*Scan, error) {
	if err := Validate(req); err != nil {
		return nil, err
	}
	reply := make(chan startResult, 1)
	select {
	case o.startCh <- startReq{req: req, reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-reply:
		return res.scan, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// GetScanStatus returns the record for token, if any.
func (o *Orchestrator) GetScanStatus(ctx context.Context, token uint64) (*Scan, bool) {
	reply := make(chan statusResult, 1)
	select {
	case o.statusCh <- statusReq{token: token, reply: reply}:
	case <-ctx.Done():
		return nil, false
	}
	select {
	case res := <-reply:
		return res.scan, res.ok
	case <-ctx.Done():
		return nil, false
	}
}

// ResetScanStatus clears all retained scan records.
func (o *Orchestrator) ResetScanStatus(ctx context.Context) {
	reply := make(chan struct{}, 1)
	select {
	case o.resetStatusCh <- resetStatusReq{reply: reply}:
	case <-ctx.Done():
		return
	}
	<-reply
}

// Stats returns a snapshot of the orchestrator's retained scan table.
func (o *Orchestrator) Stats(ctx context.Context) Stats {
	reply := make(chan Stats, 1)
	select {
	case o.statsCh <- statsReq{reply: reply}:
	case <-ctx.Done():
		return Stats{}
	}
	select {
	case s := <-reply:
		return s
	case <-ctx.Done():
		return Stats{}
	}
}

func (o *Orchestrator) statsInLoop() Stats {
	s := Stats{TrackedScans: len(o.scans)}
	for _, sc := range o.scans {
		switch {
		case sc.TimedOut:
			s.TimedOut++
		case !sc.Finalized:
			s.InFlight++
		}
	}
	return s
}

// IngestResponse feeds one ScanResp from a radio into the orchestrator, for
// aggregation and RF-state write-back (spec.md §4.F.4).
func (o *Orchestrator) IngestResponse(ctx context.Context, responder radio.Mac, token uint64, resp Resp) error {
	reply := make(chan error, 1)
	select {
	case o.respCh <- respReq{responder: responder, token: token, resp: resp, reply: reply}:
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

func (o *Orchestrator) startScanInLoop(ctx context.Context, req *Request) (*Scan, error) {
	purpose := purposeFor(req.Type, req.IsHybridLink)
	length := scanDurationBwgd(req.Mode, bwgdLenOrZero(req.BwgdLen))
	if req.IsHybridLink {
		length *= 2
	}

	tx := radio.Mac{}
	if req.TxNode != nil {
		tx = *req.TxNode
	} else if req.MainTxNode != nil {
		tx = *req.MainTxNode
	}
	rxs := req.RxNodes
	if len(rxs) == 0 && req.MainRxNode != nil {
		rxs = []radio.Mac{*req.MainRxNode}
	}
	rxs = append(append([]radio.Mac{}, rxs...), req.AuxRxNodes...)

	startBwgd := gpsclock.UnixTimeToBWGD(req.StartTime)

	bwgd, err := o.sched.AdjustBWGD(ctx, purpose, startBwgd, length, tx, rxs)
	if err != nil {
		return nil, err
	}

	o.tokenSeq++
	token := o.tokenSeq
	batchID := uuid.New().String()

	waiting := make(map[radio.Mac]struct{}, 1+len(rxs))
	if !tx.IsZero() {
		waiting[tx] = struct{}{}
	}
	for _, r := range rxs {
		waiting[r] = struct{}{}
	}

	scan := &Scan{
		Token:     token,
		BatchID:   batchID,
		Type:      req.Type,
		Mode:      req.Mode,
		SubType:   req.SubType,
		TxNode:    req.TxNode,
		RxNodes:   rxs,
		StartBwgd: bwgd,
		ApplyBwgd: req.ApplyBwgdIdx,
		Apply:     req.Apply,
		BwgdLen:   bwgdLenOrZero(req.BwgdLen),
		Beams:     req.Beams,
		Responses: make(map[radio.Mac]Resp, len(waiting)),
		Waiting:   waiting,
		CreatedAt: time.Now(),
		Deadline:  time.Now().Add(DefaultScansStartTimeOffset + time.Duration(length)*25600*time.Microsecond + 2*time.Second),
	}

	if o.transport != nil {
		cmd := LaunchCommand{Token: token, Type: req.Type, Mode: req.Mode, SubType: req.SubType, StartBwgd: bwgd, BwgdLen: scan.BwgdLen, Beams: req.Beams, ApplyBwgd: req.ApplyBwgdIdx}
		if err := o.transport.SendScan(ctx, tx, rxs, cmd); err != nil {
			return nil, tgerr.Wrap(tgerr.KindTransientDriver, "scan.StartScan", "transport delivery failed", err)
		}
	}

	o.store(scan)
	return scan, nil
}

func (o *Orchestrator) ingestResponseInLoop(responder radio.Mac, token uint64, resp Resp) error {
	scan, ok := o.scans[token]
	if !ok {
		return tgerr.New(tgerr.KindInvalidRequest, "scan.IngestResponse", fmt.Sprintf("unknown scan token %d", token))
	}
	if scan.Finalized {
		return nil
	}
	if _, waiting := scan.Waiting[responder]; !waiting {
		if _, responded := scan.Responses[responder]; responded {
			return tgerr.New(tgerr.KindInvalidRequest, "scan.IngestResponse", fmt.Sprintf("duplicate response from %s for token %d", responder, token))
		}
		return tgerr.New(tgerr.KindInvalidRequest, "scan.IngestResponse", fmt.Sprintf("unexpected responder %s for token %d", responder, token))
	}
	scan.Responses[responder] = resp
	delete(scan.Waiting, responder)
	if resp.Status == StatusComplete {
		o.writeBackInLoop(scan, responder, resp)
	}
	if len(scan.Waiting) == 0 {
		o.finalizeInLoop(scan)
	}
	return nil
}

func (o *Orchestrator) finalizeInLoop(scan *Scan) {
	scan.Finalized = true
	o.respIDSeq++
	scan.RespID = o.respIDSeq
	scan.HasRespID = true
}

func (o *Orchestrator) sweepTimeoutsInLoop() {
	now := time.Now()
	for _, scan := range o.scans {
		if scan.Finalized || now.Before(scan.Deadline) {
			continue
		}
		scan.Finalized = true
		scan.TimedOut = true
		o.respIDSeq++
		scan.RespID = o.respIDSeq
		scan.HasRespID = true
	}
	o.evictInLoop()
}

func (o *Orchestrator) store(scan *Scan) {
	o.scans[scan.Token] = scan
	o.order = append(o.order, scan.Token)
	o.evictInLoop()
}

// evictInLoop enforces maxResults retention: a timed-out-and-unfinished scan
// is evicted before any completed one, per spec.md §4.F.4.
func (o *Orchestrator) evictInLoop() {
	for len(o.order) > o.maxResults {
		victimIdx := -1
		for i, tok := range o.order {
			if s, ok := o.scans[tok]; ok && s.TimedOut {
				victimIdx = i
				break
			}
		}
		if victimIdx == -1 {
			victimIdx = 0
		}
		tok := o.order[victimIdx]
		delete(o.scans, tok)
		o.order = append(o.order[:victimIdx], o.order[victimIdx+1:]...)
	}
}

func bwgdLenOrZero(p *uint32) uint32 {
	if p == nil {
		return 0
	}
	return *p
}
