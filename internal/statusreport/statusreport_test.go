package statusreport

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/terragraph-mesh/tgctl/internal/broker"
	"github.com/terragraph-mesh/tgctl/internal/config"
)

func testNodeConfig(t *testing.T) *config.NodeConfig {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"node":{"name":"node-1"},"controller":{"statusReportInterval":1}}`), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return cfg
}

func TestReporterSendsStatusReport(t *testing.T) {
	cfg := testNodeConfig(t)
	mem := broker.NewMemory()
	sub := mem.Subscribe("tg-controller")

	r := New(nil, cfg, mem, nil, "v1.2.3", nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	select {
	case env := <-sub:
		if env.Type != broker.MsgStatusReport {
			t.Fatalf("expected MsgStatusReport, got %v", env.Type)
		}
		var report Report
		if err := json.Unmarshal(env.Value, &report); err != nil {
			t.Fatalf("unmarshal report: %v", err)
		}
		if report.NodeID != "node-1" {
			t.Errorf("expected nodeId node-1, got %s", report.NodeID)
		}
		if report.Version != "v1.2.3" {
			t.Errorf("expected version v1.2.3, got %s", report.Version)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for status report")
	}
}

func TestConfigMD5PendingOverride(t *testing.T) {
	cfg := testNodeConfig(t)
	mem := broker.NewMemory()
	r := New(nil, cfg, mem, nil, "v1", nil)

	committed := r.configMD5()
	if committed == "" {
		t.Fatal("expected non-empty digest of on-disk config")
	}

	r.SetPendingConfigMD5("deadbeef")
	if got := r.configMD5(); got != "deadbeef" {
		t.Errorf("expected pending digest deadbeef, got %s", got)
	}

	r.CommitPendingConfigMD5()
	if got := r.configMD5(); got != committed {
		t.Errorf("expected digest to revert to %s, got %s", committed, got)
	}
}

func TestReachabilityTrackerRollingWindow(t *testing.T) {
	tr := newReachabilityTracker()
	tr.setTargets([]string{"a"})

	for i := 0; i < reachWindow; i++ {
		tr.record("a", true)
	}
	snap := tr.snapshot()
	if snap["a"] != 1.0 {
		t.Fatalf("expected 100%% success, got %v", snap["a"])
	}

	for i := 0; i < reachWindow; i++ {
		tr.record("a", false)
	}
	snap = tr.snapshot()
	if snap["a"] != 0.0 {
		t.Fatalf("expected 0%% success after window rolled over, got %v", snap["a"])
	}
}

func TestReachabilityTrackerUnknownTargetDefaultsZero(t *testing.T) {
	tr := newReachabilityTracker()
	tr.setTargets([]string{"a"})
	snap := tr.snapshot()
	if snap["a"] != 0 {
		t.Errorf("expected zero success rate with no samples yet, got %v", snap["a"])
	}
}
