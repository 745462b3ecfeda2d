package scan

import (
	"context"
	"log/slog"
	"testing"

	"github.com/terragraph-mesh/tgctl/internal/radio"
	"github.com/terragraph-mesh/tgctl/internal/rfstate"
	"github.com/terragraph-mesh/tgctl/internal/scheduler"
)

type fakeTransport struct {
	calls int
}

func (f *fakeTransport) SendScan(_ context.Context, _ radio.Mac, _ []radio.Mac, _ LaunchCommand) error {
	f.calls++
	return nil
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *fakeTransport, context.Context) {
	t.Helper()
	sched := scheduler.New(slog.Default())
	rf := rfstate.New()
	transport := &fakeTransport{}
	o := New(slog.Default(), sched, rf, transport)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go sched.Run(ctx)
	go o.Run(ctx)
	return o, transport, ctx
}

func TestStartScanLaunchesAndWaits(t *testing.T) {
	o, transport, ctx := newTestOrchestrator(t)
	tx := radio.MustParseMac("aa:aa:aa:aa:aa:aa")
	rx := radio.MustParseMac("bb:bb:bb:bb:bb:bb")

	scan, err := o.StartScan(ctx, &Request{Type: TypePBF, Mode: ModeCoarse, TxNode: &tx, RxNodes: []radio.Mac{rx}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if transport.calls != 1 {
		t.Fatalf("expected one transport delivery, got %d", transport.calls)
	}
	if len(scan.Waiting) != 2 {
		t.Fatalf("expected to be waiting on both tx and rx, got %d", len(scan.Waiting))
	}
}

func TestStartScanRejectsInvalidRequest(t *testing.T) {
	o, _, ctx := newTestOrchestrator(t)
	tx := radio.MustParseMac("aa:aa:aa:aa:aa:aa")
	_, err := o.StartScan(ctx, &Request{Type: TypePBF, Mode: ModeCoarse, TxNode: &tx})
	if err == nil {
		t.Fatal("expected a validation error")
	}
}

func TestResponseAggregationFinalizesAndWritesBackPBF(t *testing.T) {
	o, _, ctx := newTestOrchestrator(t)
	tx := radio.MustParseMac("aa:aa:aa:aa:aa:aa")
	rx := radio.MustParseMac("bb:bb:bb:bb:bb:bb")

	scan, err := o.StartScan(ctx, &Request{Type: TypePBF, Mode: ModeCoarse, TxNode: &tx, RxNodes: []radio.Mac{rx}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	txBeam := uint16(5)
	rxBeam := uint16(7)
	pwr := int32(12)
	if err := o.IngestResponse(ctx, tx, scan.Token, Resp{Status: StatusComplete, AzimuthBeam: &txBeam, TxPwrIndex: &pwr}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, ok := o.GetScanStatus(ctx, scan.Token)
	if !ok || got.Finalized {
		t.Fatal("expected scan to remain unfinalized after only one responder")
	}

	if err := o.IngestResponse(ctx, rx, scan.Token, Resp{Status: StatusComplete, AzimuthBeam: &rxBeam}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, ok = o.GetScanStatus(ctx, scan.Token)
	if !ok || !got.Finalized || !got.HasRespID {
		t.Fatal("expected scan to finalize with a resp id once both sides respond")
	}
}

func TestStatsCountsTrackedAndInFlightScans(t *testing.T) {
	o, _, ctx := newTestOrchestrator(t)
	tx := radio.MustParseMac("aa:aa:aa:aa:aa:aa")
	rx := radio.MustParseMac("bb:bb:bb:bb:bb:bb")

	if _, err := o.StartScan(ctx, &Request{Type: TypePBF, Mode: ModeCoarse, TxNode: &tx, RxNodes: []radio.Mac{rx}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stats := o.Stats(ctx)
	if stats.TrackedScans != 1 {
		t.Fatalf("expected 1 tracked scan, got %d", stats.TrackedScans)
	}
	if stats.InFlight != 1 {
		t.Fatalf("expected 1 in-flight scan before any response, got %d", stats.InFlight)
	}
}

func TestResetScanStatusClearsRecords(t *testing.T) {
	o, _, ctx := newTestOrchestrator(t)
	tx := radio.MustParseMac("aa:aa:aa:aa:aa:aa")
	rx := radio.MustParseMac("bb:bb:bb:bb:bb:bb")
	scan, err := o.StartScan(ctx, &Request{Type: TypePBF, Mode: ModeCoarse, TxNode: &tx, RxNodes: []radio.Mac{rx}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	o.ResetScanStatus(ctx)
	if _, ok := o.GetScanStatus(ctx, scan.Token); ok {
		t.Fatal("expected scan record to be gone after reset")
	}
}

func TestUnknownTokenResponseIsRejected(t *testing.T) {
	o, _, ctx := newTestOrchestrator(t)
	err := o.IngestResponse(ctx, radio.MustParseMac("aa:aa:aa:aa:aa:aa"), 999, Resp{Status: StatusComplete})
	if err == nil {
		t.Fatal("expected an error for an unknown scan token")
	}
}

func TestDuplicateResponseIsRejected(t *testing.T) {
	o, _, ctx := newTestOrchestrator(t)
	tx := radio.MustParseMac("aa:aa:aa:aa:aa:aa")
	rx := radio.MustParseMac("bb:bb:bb:bb:bb:bb")

	scan, err := o.StartScan(ctx, &Request{Type: TypePBF, Mode: ModeCoarse, TxNode: &tx, RxNodes: []radio.Mac{rx}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := o.IngestResponse(ctx, tx, scan.Token, Resp{Status: StatusComplete}); err != nil {
		t.Fatalf("unexpected error on first response: %v", err)
	}
	if err := o.IngestResponse(ctx, tx, scan.Token, Resp{Status: StatusComplete}); err == nil {
		t.Fatal("expected an error for a duplicate response from the same responder")
	}
}
