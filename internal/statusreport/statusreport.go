// Package statusreport implements the minion-to-controller status report:
// a periodic, JSON-over-broker.Envelope heartbeat carrying node identity,
// config digest, and neighbor reachability, alongside a concurrent
// reachability prober that keeps a sliding-window success rate per target.
package statusreport

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/terragraph-mesh/tgctl/internal/broker"
	"github.com/terragraph-mesh/tgctl/internal/config"
	"github.com/terragraph-mesh/tgctl/internal/metrics"
)

// DefaultProbeInterval is how often the reachability prober re-measures
// every known neighbor.
const DefaultProbeInterval = 30 * time.Second

// reachWindow is the number of probe samples kept per target, giving a
// ~5 minute rolling window at DefaultProbeInterval.
const reachWindow = 10

// BGPStatus is a minimal snapshot of the node's eBGP session health,
// included in the status report but sourced from outside this package (no
// BGP protocol implementation lives here).
type BGPStatus struct {
	Up          bool   `json:"up"`
	PeerCount   int    `json:"peerCount"`
	NeighborASN string `json:"neighborAsn,omitempty"`
}

// BGPStatusSource is implemented by whatever component tracks eBGP session
// state; Reporter calls it once per report cycle.
type BGPStatusSource interface {
	Snapshot() BGPStatus
}

// Report is the payload carried in a broker.MsgStatusReport envelope.
type Report struct {
	NodeID       string             `json:"nodeId"`
	Timestamp    int64              `json:"timestamp"`
	Version      string             `json:"version"`
	UptimeSecs   int64              `json:"uptimeSecs"`
	LoadAvg      string             `json:"loadAvg"`
	ConfigMD5    string             `json:"configMd5"`
	Reachability map[string]float64 `json:"reachability"`
	BGP          *BGPStatus         `json:"bgp,omitempty"`
}

// Reporter sends a Report on every tick of statusReportInterval, and runs a
// concurrent reachability prober feeding the Reachability field.
type Reporter struct {
	log        *slog.Logger
	cfg        *config.NodeConfig
	dispatcher broker.Dispatcher
	metrics    *metrics.Metrics
	version    string
	bgpSource  BGPStatusSource

	probeInterval time.Duration
	reach         *reachabilityTracker

	pendingMD5 *string
}

// New constructs a Reporter. bgpSource may be nil, in which case the report
// omits the BGP field entirely.
func New(log *slog.Logger, cfg *config.NodeConfig, dispatcher broker.Dispatcher, m *metrics.Metrics, version string, bgpSource BGPStatusSource) *Reporter {
	if log == nil {
		log = slog.Default()
	}
	return &Reporter{
		log:           log,
		cfg:           cfg,
		dispatcher:    dispatcher,
		metrics:       m,
		version:       version,
		bgpSource:     bgpSource,
		probeInterval: DefaultProbeInterval,
		reach:         newReachabilityTracker(),
	}
}

// SetTargets replaces the set of neighbor addresses the reachability prober
// measures, e.g. after a topology scan changes the set of ignited peers.
func (r *Reporter) SetTargets(targets []string) {
	r.reach.setTargets(targets)
}

// SetPendingConfigMD5 pins the digest that reports carry while a delayed
// node action is pending (the prior config's digest): configMD5 returns it
// in place of the on-disk file's digest until CommitPendingConfigMD5 clears it.
func (r *Reporter) SetPendingConfigMD5(md5Hex string) {
	v := md5Hex
	r.pendingMD5 = &v
}

// CommitPendingConfigMD5 clears the pending digest, causing subsequent
// reports to reflect the current on-disk config.
func (r *Reporter) CommitPendingConfigMD5() {
	r.pendingMD5 = nil
}

// Run drives the status-report ticker and the reachability prober until ctx
// is cancelled.
func (r *Reporter) Run(ctx context.Context) {
	interval := time.Duration(r.cfg.Controller.StatusReportInterval) * time.Second
	if interval <= 0 {
		interval = time.Second
	}
	reportTicker := time.NewTicker(interval)
	defer reportTicker.Stop()
	probeTicker := time.NewTicker(r.probeInterval)
	defer probeTicker.Stop()

	r.reach.probeAll(ctx)
	if err := r.send(ctx); err != nil {
		r.log.Warn("initial status report failed", slog.Any("error", err))
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-probeTicker.C:
			r.reach.probeAll(ctx)
		case <-reportTicker.C:
			if err := r.send(ctx); err != nil {
				r.log.Warn("status report failed", slog.Any("error", err))
				if r.metrics != nil {
					r.metrics.ControllerRequestsTotal.WithLabelValues("error").Inc()
				}
			} else if r.metrics != nil {
				r.metrics.ControllerRequestsTotal.WithLabelValues("ok").Inc()
			}
		}
	}
}

func (r *Reporter) send(ctx context.Context) error {
	report := Report{
		NodeID:       r.cfg.Node.Name,
		Timestamp:    time.Now().Unix(),
		Version:      r.version,
		UptimeSecs:   uptimeSeconds(),
		LoadAvg:      loadAvg(),
		ConfigMD5:    r.configMD5(),
		Reachability: r.reach.snapshot(),
	}
	if r.bgpSource != nil {
		bgp := r.bgpSource.Snapshot()
		report.BGP = &bgp
	}

	value, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal status report: %w", err)
	}

	env := broker.Envelope{
		MinionID:    r.cfg.Node.Name,
		ReceiverApp: "tg-controller",
		SenderApp:   "tg-minion",
		Type:        broker.MsgStatusReport,
		Value:       value,
	}
	return r.dispatcher.Send(ctx, env)
}

// configMD5 returns the digest reported to the controller: the pending
// digest if a node action is mid-commit, else the digest of the on-disk
// config file.
func (r *Reporter) configMD5() string {
	if r.pendingMD5 != nil {
		return *r.pendingMD5
	}
	data, err := os.ReadFile(r.cfg.Path)
	if err != nil {
		return ""
	}
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

func uptimeSeconds() int64 {
	if runtime.GOOS != "linux" {
		return 0
	}
	data, err := os.ReadFile("/proc/uptime")
	if err != nil {
		return 0
	}
	var uptime float64
	fmt.Sscanf(string(data), "%f", &uptime)
	return int64(uptime)
}

func loadAvg() string {
	if runtime.GOOS != "linux" {
		return "0.00 0.00 0.00"
	}
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return "0.00 0.00 0.00"
	}
	parts := strings.Fields(string(data))
	if len(parts) >= 3 {
		return fmt.Sprintf("%s %s %s", parts[0], parts[1], parts[2])
	}
	return "0.00 0.00 0.00"
}

// reachabilityTracker keeps a fixed-size ring of pass/fail samples per
// target and reports a rolling success rate.
type reachabilityTracker struct {
	mu      sync.RWMutex
	targets []string
	samples map[string][]bool
	cursor  map[string]int
}

func newReachabilityTracker() *reachabilityTracker {
	return &reachabilityTracker{
		samples: make(map[string][]bool),
		cursor:  make(map[string]int),
	}
}

func (t *reachabilityTracker) setTargets(targets []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.targets = append([]string(nil), targets...)
	for _, tgt := range targets {
		if _, ok := t.samples[tgt]; !ok {
			t.samples[tgt] = make([]bool, 0, reachWindow)
			t.cursor[tgt] = 0
		}
	}
}

func (t *reachabilityTracker) probeAll(ctx context.Context) {
	t.mu.RLock()
	targets := append([]string(nil), t.targets...)
	t.mu.RUnlock()

	var wg sync.WaitGroup
	for _, target := range targets {
		wg.Add(1)
		go func(tgt string) {
			defer wg.Done()
			ok := probe(ctx, tgt)
			t.record(tgt, ok)
		}(target)
	}
	wg.Wait()
}

func (t *reachabilityTracker) record(target string, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	samples := t.samples[target]
	if len(samples) < reachWindow {
		t.samples[target] = append(samples, ok)
		return
	}
	c := t.cursor[target]
	samples[c] = ok
	t.cursor[target] = (c + 1) % reachWindow
}

func (t *reachabilityTracker) snapshot() map[string]float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]float64, len(t.samples))
	for target, samples := range t.samples {
		if len(samples) == 0 {
			out[target] = 0
			continue
		}
		var ok int
		for _, s := range samples {
			if s {
				ok++
			}
		}
		out[target] = float64(ok) / float64(len(samples))
	}
	return out
}

// probe reports whether target answers a TCP connect (on port 53 when
// target is a bare IP address) within a short timeout, standing in for the ping/pong reachability
// check described in the external-interfaces contract.
func probe(ctx context.Context, target string) bool {
	addr := target
	if net.ParseIP(target) != nil {
		addr = net.JoinHostPort(target, "53")
	}
	d := net.Dialer{Timeout: 2 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
