package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/terragraph-mesh/tgctl/internal/maintenance"
	"github.com/terragraph-mesh/tgctl/internal/metrics"
	"github.com/terragraph-mesh/tgctl/internal/radio"
	"github.com/terragraph-mesh/tgctl/internal/rfstate"
	"github.com/terragraph-mesh/tgctl/internal/scan"
	"github.com/terragraph-mesh/tgctl/internal/scheduler"
)

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	return NewHandler("v1.0.0-test", maintenance.NewState(nil), metrics.New())
}

func TestHandleStatus(t *testing.T) {
	h := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()

	h.HandleStatus(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp StatusResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("expected status ok, got %s", resp.Status)
	}
	if resp.Version != "v1.0.0-test" {
		t.Errorf("expected version v1.0.0-test, got %s", resp.Version)
	}
	if resp.MaintenanceMode {
		t.Error("expected maintenance mode false by default")
	}
}

type noopTransport struct{}

func (noopTransport) SendScan(context.Context, radio.Mac, []radio.Mac, scan.LaunchCommand) error {
	return nil
}

func TestHandleStatusReportsScanAndRfStateWhenWired(t *testing.T) {
	h := newTestHandler(t)

	rf := rfstate.New()
	rf.IngestPBF(rfstate.PBFIngest{Link: rfstate.LinkKey{Tx: radio.MustParseMac("00:00:00:00:00:01"), Rx: radio.MustParseMac("00:00:00:00:00:02")}})
	h.RF = rf

	sched := scheduler.New(slog.Default())
	orch := scan.New(slog.Default(), sched, rf, noopTransport{})
	h.Orchestrator = orch

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go sched.Run(ctx)
	go orch.Run(ctx)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	h.HandleStatus(rec, req)

	var resp StatusResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.TrackedLinks != 1 {
		t.Errorf("expected 1 tracked link, got %d", resp.TrackedLinks)
	}
	if resp.ScanTrackedScans != 0 {
		t.Errorf("expected 0 tracked scans, got %d", resp.ScanTrackedScans)
	}
}

func TestHandleMaintenanceStartRejectsGet(t *testing.T) {
	h := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/maintenance/start", nil)
	rec := httptest.NewRecorder()

	h.HandleMaintenanceStart(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestHandleMetricsServesPrometheusFormat(t *testing.T) {
	h := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()

	h.HandleMetrics(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
