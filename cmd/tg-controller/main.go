// Command tg-controller runs the Terragraph control-plane controller: slot
// scheduling, scan orchestration, graph-coloring scan-group assignment, and
// RF state aggregation for every minion in the network.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/terragraph-mesh/tgctl/internal/api"
	"github.com/terragraph-mesh/tgctl/internal/broker"
	"github.com/terragraph-mesh/tgctl/internal/colorer"
	"github.com/terragraph-mesh/tgctl/internal/config"
	"github.com/terragraph-mesh/tgctl/internal/gpsclock"
	"github.com/terragraph-mesh/tgctl/internal/gpsd"
	"github.com/terragraph-mesh/tgctl/internal/maintenance"
	"github.com/terragraph-mesh/tgctl/internal/metrics"
	"github.com/terragraph-mesh/tgctl/internal/radio"
	"github.com/terragraph-mesh/tgctl/internal/rfstate"
	"github.com/terragraph-mesh/tgctl/internal/scan"
	"github.com/terragraph-mesh/tgctl/internal/scheduler"
	"github.com/terragraph-mesh/tgctl/internal/transport"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const shutdownTimeout = 30 * time.Second

// loggingDriver delivers launch commands by logging them; the real firmware
// IPC path is out of this module's scope (spec.md §1).
type loggingDriver struct {
	log *slog.Logger
}

func (d *loggingDriver) DeliverScan(ctx context.Context, tx radio.Mac, rxs []radio.Mac, cmd scan.LaunchCommand) error {
	d.log.Info("delivering scan launch command",
		slog.String("tx", tx.String()),
		slog.Int("numRx", len(rxs)),
		slog.Uint64("token", uint64(cmd.Token)))
	return nil
}

func main() {
	flagsFile := flag.String("c", "controller.yaml", "Path to controller flags file")
	showVersion := flag.Bool("v", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("tg-controller %s (commit: %s, built: %s)\n", Version, Commit, BuildTime)
		os.Exit(0)
	}

	log := slog.Default()

	flags, err := config.LoadControllerFlags(*flagsFile)
	if err != nil {
		log.Error("failed to load controller flags", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := gpsclock.New()
	gpsFeed := gpsd.New(log, clock)
	// The controller has no direct firmware link; it anchors once from
	// wall time and otherwise relies on minions reporting their own
	// GPS-derived state (spec.md §1).
	gpsFeed.Ingest(gpsd.HealthReport{TsfUs: uint64(gpsclock.FromUnixSeconds(time.Now().Unix())) / 1000})

	rf := rfstate.New()
	sched := scheduler.New(log)
	go sched.Run(ctx)

	tr := transport.New(log, &loggingDriver{log: log})
	orch := scan.New(log, sched, rf, tr)
	go orch.Run(ctx)

	color := colorer.New()
	cbf := scan.NewCbfStore(int32(flags.CbfMaxTxPwrIndex))

	mem := broker.NewMemory()
	m := metrics.New()
	maintenanceState := maintenance.NewState(log)
	d := newDispatcher(log, sched, orch, rf, color, cbf, m, mem, maintenanceState)
	go d.run(ctx)

	skew := scan.NewSkewWatchdog(log, clock)
	go runSkewWatchdog(ctx, skew, m)

	go scan.RunPeriodicScans(ctx, log, orch, scan.PeriodicConfig{
		ImInterval:       time.Duration(flags.ImScanIntervalS) * time.Second,
		CombinedInterval: time.Duration(flags.CombinedScanIntervalS) * time.Second,
		Links:            d.Links,
		Classes:          d.Classes,
		RF:               rf,
		CbfStore:         cbf,
		CbfParams:        scan.DefaultCbfParams(int32(flags.CbfMaxTxPwrIndex)),
	})
	go scan.RunTopoScans(ctx, log, orch, scan.TopoConfig{
		Interval: time.Duration(flags.TopoScanIntervalS) * time.Second,
		TxRadios: func() []radio.Mac { return txRadiosFromLinks(d.Links()) },
	})

	apiHandler := api.NewHandler(Version, maintenanceState, m)
	apiHandler.Orchestrator = orch
	apiHandler.RF = rf

	mux := http.NewServeMux()
	mux.HandleFunc("/status", apiHandler.HandleStatus)
	mux.HandleFunc("/metrics", apiHandler.HandleMetrics)
	mux.HandleFunc("/maintenance", apiHandler.HandleMaintenance)
	mux.HandleFunc("/maintenance/start", apiHandler.HandleMaintenanceStart)
	mux.HandleFunc("/maintenance/stop", apiHandler.HandleMaintenanceStop)

	server := &http.Server{
		Addr:    flags.ListenAddr,
		Handler: mux,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		log.Info("tg-controller HTTP server starting", slog.String("addr", flags.ListenAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case sig := <-sigChan:
		log.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-serverErr:
		log.Error("HTTP server error", slog.Any("error", err))
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", slog.Any("error", err))
	}

	log.Info("tg-controller stopped")
}

// txRadiosFromLinks returns the distinct tx-side radios of a link list, for
// driving the continuous topology scan loop from the RF state store's
// observed adjacency.
func txRadiosFromLinks(links []scan.LinkPair) []radio.Mac {
	seen := make(map[radio.Mac]struct{}, len(links))
	var out []radio.Mac
	for _, l := range links {
		if _, ok := seen[l.Tx]; ok {
			continue
		}
		seen[l.Tx] = struct{}{}
		out = append(out, l.Tx)
	}
	return out
}

// runSkewWatchdog polls the GPS/wall clock skew once a second and exports it
// as a gauge, per spec.md §4.F.9.
func runSkewWatchdog(ctx context.Context, w *scan.SkewWatchdog, m *metrics.Metrics) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			skew, _ := w.Check()
			m.ClockSkewSecs.Set(skew.Seconds())
		}
	}
}
